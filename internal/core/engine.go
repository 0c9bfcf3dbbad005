package core

import (
	"fmt"
	"sort"
	"time"

	"CDPLedger/internal/address"
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultIdempotencyCapacity = 1_000_000

// globalCheckInterval is how often (in sequences) the full ledger and
// aggregate invariants are re-verified.
const globalCheckInterval = 1000

// DeterministicCore is the single-threaded command processor
type DeterministicCore struct {
	programID           string
	configAddr          address.Address
	collateralVaultAddr address.Address
	bootstrapAdmin      uuid.UUID

	sequence          int64 // Next sequence to assign
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	configs           *state.ConfigStore
	vaults            *state.VaultStore
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	// wrapLedger lets tests interpose on the per-command ledger transaction.
	wrapLedger func(AssetLedger) AssetLedger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	Receipt    *Receipt
	StateDelta []byte

	// Post-apply balances of every account the batch touched
	Balances map[ledger.AccountKey]int64

	// Copies of every vault the command wrote, ordered by owner
	Vaults []*state.UserVault
}

// CoreConfig carries construction parameters for NewDeterministicCore.
type CoreConfig struct {
	ProgramID           string
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              zerolog.Logger

	// BootstrapAdmin, when set, is the only identity allowed to initialize the protocol.
	BootstrapAdmin uuid.UUID
}

func NewDeterministicCore(cfg CoreConfig, persistChan, projectionChan chan<- CoreOutput) *DeterministicCore {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultIdempotencyCapacity
	}

	balanceTracker := ledger.NewBalanceTracker()
	configAddr := address.ConfigAddress(cfg.ProgramID)

	return &DeterministicCore{
		programID:           cfg.ProgramID,
		configAddr:          configAddr,
		collateralVaultAddr: address.CollateralVaultAddress(cfg.ProgramID, configAddr),
		bootstrapAdmin:      cfg.BootstrapAdmin,
		sequence:            1,
		hasher:              NewStateHasher(),
		balanceTracker:      balanceTracker,
		journalGen:          ledger.NewJournalGenerator(balanceTracker),
		validator:           ledger.NewInvariantValidator(balanceTracker),
		configs:             state.NewConfigStore(),
		vaults:              state.NewVaultStore(),
		idempotency:         NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.DBChecker, cfg.Metrics),
		sequenceValidator:   NewSequenceValidator(cfg.Metrics),
		metrics:             cfg.Metrics,
		logger:              cfg.Logger.With().Str("component", "core").Logger(),
		persistChan:         persistChan,
		projectionChan:      projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. A command that fails any check
// returns a *cdperr.Error and leaves no trace in balances, vaults or config.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Receipt, error) {
	return c.process(evt, false)
}

// ReplayEvent re-applies a command read back from the event log. Sequence gaps
// are tolerated (rejected commands are not logged) and nothing is re-persisted.
func (c *DeterministicCore) ReplayEvent(evt event.Event) (*Receipt, error) {
	return c.process(evt, true)
}

func (c *DeterministicCore) process(evt event.Event, replay bool) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation (unsequenced API commands skip it)
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()
	if sourceSequence > 0 {
		if replay {
			c.sequenceValidator.Observe(partition, sourceSequence)
		} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
			c.recordRejected(eventType, "sequence")
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		return &Receipt{EventType: evt.EventType(), IdempotencyKey: idempotencyKey, Duplicate: true}, nil
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	// Step 3: Dispatch against working copies
	t, err := c.execute(evt)
	if err != nil {
		code, _ := cdperr.CodeOf(err)
		c.recordRejected(eventType, code.String())
		c.logger.Debug().Str("event_type", eventType).Str("key", idempotencyKey).Err(err).Msg("command rejected")
		return nil, err
	}

	// Step 4: Validate and apply the batch, then commit working copies
	batch := t.ledger.Batch()
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed after validation: %v", err))
		}
	}
	c.commit(t)

	// Step 5: Post-checks
	if err := c.postCheckInvariants(t, batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: State digest and hash chain
	stateDigest := c.computeStateDigest(batch, t)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      evt.Time(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	receipt := t.receipt
	receipt.Sequence = c.sequence
	receipt.EventType = evt.EventType()
	receipt.IdempotencyKey = idempotencyKey
	receipt.StateHash = stateHash
	if t.config != nil {
		receipt.Config = t.config.Clone()
	}
	if owner, ok := event.VaultOwner(evt); ok {
		if v, ok := c.vaults.Get(owner); ok {
			receipt.Vault = v.Clone()
		}
	}

	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		Receipt:    receipt,
		StateDelta: stateDigest,
		Balances:   c.touchedBalances(batch),
	}
	for _, v := range t.touched() {
		output.Vaults = append(output.Vaults, v.Clone())
	}

	// Step 7: Emit outputs
	// Persistence uses a BLOCKING send so no applied command is lost.
	// Projections use a NON-BLOCKING send and rebuild from the event log when behind.
	if !replay && c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 8: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++

	c.recordApplied(eventType, receipt, batch, start)

	return receipt, nil
}

func (c *DeterministicCore) touchedBalances(batch *ledger.Batch) map[ledger.AccountKey]int64 {
	if len(batch.Journals) == 0 {
		return nil
	}
	out := make(map[ledger.AccountKey]int64, 2*len(batch.Journals))
	for _, j := range batch.Journals {
		out[j.DebitAccount] = c.balanceTracker.GetBalance(j.DebitAccount)
		out[j.CreditAccount] = c.balanceTracker.GetBalance(j.CreditAccount)
	}
	return out
}

// execute runs the handler for evt against fresh working copies.
func (c *DeterministicCore) execute(evt event.Event) (*txn, error) {
	t := &txn{
		now:     evt.Time(),
		vaults:  make(map[uuid.UUID]*state.UserVault),
		store:   c.vaults,
		receipt: &Receipt{},
	}
	if cfg, err := c.configs.Get(); err == nil {
		t.config = cfg.Clone()
	}

	var assetLedger AssetLedger = c.journalGen.Begin(evt.IdempotencyKey(), c.sequence, t.now)
	if c.wrapLedger != nil {
		assetLedger = c.wrapLedger(assetLedger)
	}
	t.ledger = assetLedger

	if err := c.dispatchEvent(t, evt); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *DeterministicCore) dispatchEvent(t *txn, evt event.Event) error {
	switch e := evt.(type) {
	case *event.InitializeProtocol:
		return c.handleInitializeProtocol(t, e)
	case *event.UpdateConfig:
		return c.handleUpdateConfig(t, e)
	case *event.AssetDeposited:
		return c.handleAssetDeposited(t, e)
	case *event.DepositCollateral:
		return c.handleDepositCollateral(t, e)
	case *event.MintDebt:
		return c.handleMintDebt(t, e)
	case *event.RedeemDebt:
		return c.handleRedeemDebt(t, e)
	case *event.WithdrawCollateral:
		return c.handleWithdrawCollateral(t, e)
	case *event.AccrueInterest:
		return c.handleAccrueInterest(t, e)
	case *event.LiquidateVault:
		return c.handleLiquidateVault(t, e)
	default:
		return fmt.Errorf("unknown event type: %T", evt)
	}
}

// commit publishes working copies to the stores.
func (c *DeterministicCore) commit(t *txn) {
	if t.config != nil {
		c.configs.Put(t.config)
	}
	for _, v := range t.touched() {
		if c.metrics != nil {
			if prev, ok := c.vaults.Get(v.Owner); ok {
				c.metrics.VaultsByState.WithLabelValues(prev.State.String()).Dec()
			}
			c.metrics.VaultsByState.WithLabelValues(v.State.String()).Inc()
		}
		v.Version++
		c.vaults.Put(v)
	}
	for _, a := range t.authorities {
		c.journalGen.RegisterAsset(a.Asset, a.Authority)
	}
}

// computeStateDigest creates canonical bytes for the state hash: the balances of
// every account the batch touched, the vaults the command touched and the config.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, t *txn) []byte {
	accounts := batch.Accounts()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+len(t.vaults)*64+128)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	for _, v := range t.touched() {
		digest = append(digest, v.Owner[:]...)
		digest = appendInt64LE(digest, v.CollateralAmount)
		digest = appendInt64LE(digest, v.DebtAmount)
		digest = appendInt64LE(digest, v.LastInterestUpdate)
		digest = appendInt64LE(digest, int64(v.State))
	}

	if cfg := t.config; cfg != nil {
		digest = append(digest, cfg.Owner[:]...)
		for _, field := range []int64{
			cfg.MaxCollateralRatio,
			cfg.InterestRate,
			cfg.LiquidationThreshold,
			cfg.LiquidationPenalty,
			cfg.MinCollateralAmount,
			cfg.MaxDebtPerVault,
			cfg.DebtCeiling,
			boolInt(cfg.MintingPaused),
			cfg.TotalDebt,
			cfg.TotalCollateral,
			cfg.BadDebt,
			cfg.LastGlobalInterestUpdate,
		} {
			digest = appendInt64LE(digest, field)
		}
	}

	return digest
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after the batch is applied
func (c *DeterministicCore) postCheckInvariants(t *txn, batch *ledger.Batch) error {
	if err := c.validator.ValidateAccountsNonNegative(batch); err != nil {
		return fmt.Errorf("post-check balances: %w", err)
	}

	for _, v := range t.touched() {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("post-check vault: %w", err)
		}
	}

	cfg, err := c.configs.Get()
	if err != nil {
		return nil
	}
	if cfg.TotalDebt < 0 || cfg.TotalCollateral < 0 || cfg.BadDebt < 0 {
		return fmt.Errorf("post-check aggregates: negative total (debt=%d collateral=%d bad=%d)",
			cfg.TotalDebt, cfg.TotalCollateral, cfg.BadDebt)
	}
	held := c.balanceTracker.GetBalance(c.collateralVaultKey(cfg))
	if held != cfg.TotalCollateral {
		return fmt.Errorf("post-check collateral vault: holds %d, vaults account for %d", held, cfg.TotalCollateral)
	}

	// Periodic full check
	if c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance at seq %d: %w", c.sequence, err)
		}
		var debt, collateral int64
		for _, v := range c.vaults.All() {
			debt += v.DebtAmount
			collateral += v.CollateralAmount
		}
		if debt != cfg.TotalDebt || collateral != cfg.TotalCollateral {
			return fmt.Errorf("post-check aggregates at seq %d: vaults sum to debt=%d collateral=%d, config has %d/%d",
				c.sequence, debt, collateral, cfg.TotalDebt, cfg.TotalCollateral)
		}
	}

	return nil
}

func (c *DeterministicCore) recordRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, r *Receipt, batch *ledger.Batch, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(r.Sequence))
	c.metrics.InterestAccrued.Add(float64(r.InterestAccrued))
	c.metrics.DebtMinted.Add(float64(r.DebtMinted))
	c.metrics.DebtBurned.Add(float64(r.DebtBurned))
	if r.Config != nil {
		c.metrics.TotalDebt.Set(float64(r.Config.TotalDebt))
		c.metrics.TotalCollateral.Set(float64(r.Config.TotalCollateral))
		c.metrics.BadDebt.Set(float64(r.Config.BadDebt))
	}
	if r.EventType == event.EventTypeLiquidateVault {
		outcome := "partial"
		switch {
		case r.BadDebt > 0:
			outcome = "bad_debt"
		case r.Vault != nil && r.Vault.State == state.VaultStateLiquidated:
			outcome = "full"
		}
		c.metrics.Liquidations.WithLabelValues(outcome).Inc()
	}
}

// --- Addresses and accounts ---

func (c *DeterministicCore) vaultAddress(owner uuid.UUID) address.Address {
	return address.VaultAddress(c.programID, owner, c.configAddr)
}

func (c *DeterministicCore) collateralVaultKey(cfg *state.ProtocolConfig) ledger.AccountKey {
	return ledger.NewProtocolAccountKey(c.collateralVaultAddr, ledger.SubTypeCollateralVault, cfg.CollateralAssetID)
}

// protocolAuthority mints and burns the debt asset.
func (c *DeterministicCore) protocolAuthority() ledger.Identity {
	return ledger.ProtocolIdentity(c.configAddr)
}

// vaultAuthority releases collateral from the collateral vault.
func (c *DeterministicCore) vaultAuthority() ledger.Identity {
	return ledger.ProtocolIdentity(c.collateralVaultAddr)
}

// --- Read access (single goroutine; callers go through Runner) ---

// GetSequence returns the last applied sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence - 1
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// GetConfig returns a copy of the protocol config.
func (c *DeterministicCore) GetConfig() (*state.ProtocolConfig, error) {
	cfg, err := c.configs.Get()
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// GetVault returns a copy of owner's vault.
func (c *DeterministicCore) GetVault(owner uuid.UUID) (*state.UserVault, error) {
	v, ok := c.vaults.Get(owner)
	if !ok {
		return nil, cdperr.New(cdperr.CodeVaultNotFound, "owner %s", owner)
	}
	return v.Clone(), nil
}

// GetBalance returns a ledger balance.
func (c *DeterministicCore) GetBalance(key ledger.AccountKey) int64 {
	return c.balanceTracker.GetBalance(key)
}

// ConfigAddress returns the derived ProtocolConfig address.
func (c *DeterministicCore) ConfigAddress() address.Address {
	return c.configAddr
}

// VaultAddress returns the derived address of owner's vault.
func (c *DeterministicCore) VaultAddress(owner uuid.UUID) address.Address {
	return c.vaultAddress(owner)
}
