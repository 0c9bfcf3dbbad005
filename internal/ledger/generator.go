package ledger

import (
	"sort"

	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"
)

// JournalGenerator opens transactions against the balance tracker and enforces
// asset authorities. Balances only change when the core applies the resulting batch.
type JournalGenerator struct {
	tracker         *BalanceTracker
	mintAuthorities map[string]Identity // asset -> identity allowed to mint and burn
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		tracker:         tracker,
		mintAuthorities: make(map[string]Identity),
	}
}

// RegisterAsset makes authority the only identity that may mint or burn asset.
func (jg *JournalGenerator) RegisterAsset(asset string, authority Identity) {
	jg.mintAuthorities[asset] = authority
}

// MintAuthority returns the registered authority of a protocol-issued asset.
func (jg *JournalGenerator) MintAuthority(asset string) (Identity, bool) {
	id, ok := jg.mintAuthorities[asset]
	return id, ok
}

// Authorities returns the registry sorted by asset.
func (jg *JournalGenerator) Authorities() []AssetAuthority {
	out := make([]AssetAuthority, 0, len(jg.mintAuthorities))
	for asset, id := range jg.mintAuthorities {
		out = append(out, AssetAuthority{Asset: asset, Authority: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// RestoreAuthorities replaces the registry (snapshot recovery)
func (jg *JournalGenerator) RestoreAuthorities(list []AssetAuthority) {
	jg.mintAuthorities = make(map[string]Identity, len(list))
	for _, a := range list {
		jg.mintAuthorities[a.Asset] = a.Authority
	}
}

type AssetAuthority struct {
	Asset     string
	Authority Identity
}

// Begin opens a transaction for one command.
func (jg *JournalGenerator) Begin(eventRef string, sequence, timestamp int64) *Tx {
	batchID := BatchIDFor(eventRef, sequence)
	return &Tx{
		gen:     jg,
		pending: make(map[AccountKey]int64),
		batch: &Batch{
			BatchID:   batchID,
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// Tx accumulates journal legs over a pending overlay of balances.
// Nothing reaches the tracker until the batch is applied, so an abandoned
// Tx leaves no trace.
type Tx struct {
	gen     *JournalGenerator
	pending map[AccountKey]int64 // absolute balances of touched accounts
	batch   *Batch
}

// Balance returns the balance including this transaction's pending legs.
func (tx *Tx) Balance(key AccountKey) int64 {
	if b, ok := tx.pending[key]; ok {
		return b
	}
	return tx.gen.tracker.GetBalance(key)
}

// Mint creates amount of asset in to. authority must be the asset's mint authority.
func (tx *Tx) Mint(asset string, to AccountKey, amount int64, authority Identity, jt JournalType) error {
	if err := tx.checkMintAuthority(asset, authority); err != nil {
		return err
	}
	return tx.post(NewSystemAccountKey(SubTypeIssuance, asset), to, asset, amount, jt)
}

// Burn destroys amount of asset held by from. authority must be the asset's mint authority.
func (tx *Tx) Burn(asset string, from AccountKey, amount int64, authority Identity, jt JournalType) error {
	if err := tx.checkMintAuthority(asset, authority); err != nil {
		return err
	}
	return tx.post(from, NewSystemAccountKey(SubTypeIssuance, asset), asset, amount, jt)
}

// Transfer moves amount from one account to another. authority must own from.
func (tx *Tx) Transfer(asset string, from, to AccountKey, amount int64, authority Identity, jt JournalType) error {
	if from.Identity != authority {
		return cdperr.New(cdperr.CodeUnauthorizedAuthority, "%s cannot debit %s", authority, from.AccountPath())
	}
	return tx.post(from, to, asset, amount, jt)
}

func (tx *Tx) checkMintAuthority(asset string, authority Identity) error {
	registered, ok := tx.gen.mintAuthorities[asset]
	if !ok {
		return cdperr.New(cdperr.CodeUnauthorizedAuthority, "asset %s has no mint authority", asset)
	}
	if registered != authority {
		return cdperr.New(cdperr.CodeUnauthorizedAuthority, "%s is not the mint authority of %s", authority, asset)
	}
	return nil
}

func (tx *Tx) post(from, to AccountKey, asset string, amount int64, jt JournalType) error {
	if amount <= 0 {
		return cdperr.New(cdperr.CodeInvalidAmount, "journal amount must be positive, got %d", amount)
	}
	if from.Asset != asset || to.Asset != asset {
		return cdperr.New(cdperr.CodeInvalidAmount, "account asset mismatch for %s", asset)
	}
	if !from.MayGoNegative() {
		if have := tx.Balance(from); have < amount {
			return cdperr.New(cdperr.CodeInsufficientBalance, "%s has %d, needs %d", from.AccountPath(), have, amount)
		}
	}

	newFrom, err := fpmath.CheckedAddSigned(tx.Balance(from), -amount)
	if err != nil {
		return cdperr.New(cdperr.CodeArithmeticOverflow, "debit %s by %d: %v", from.AccountPath(), amount, err)
	}
	newTo, err := creditBalance(to, tx.Balance(to), amount)
	if err != nil {
		return cdperr.New(cdperr.CodeArithmeticOverflow, "credit %s by %d: %v", to.AccountPath(), amount, err)
	}
	tx.pending[from] = newFrom
	tx.pending[to] = newTo

	leg := len(tx.batch.Journals)
	tx.batch.Journals = append(tx.batch.Journals, Journal{
		JournalID:     JournalIDFor(tx.batch.BatchID, leg),
		BatchID:       tx.batch.BatchID,
		EventRef:      tx.batch.EventRef,
		Sequence:      tx.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     tx.batch.Timestamp,
	})
	return nil
}

// creditBalance adds amount to a balance. Boundary accounts may carry a
// negative balance; every other account is non-negative.
func creditBalance(key AccountKey, balance, amount int64) (int64, error) {
	if key.MayGoNegative() {
		return fpmath.CheckedAddSigned(balance, amount)
	}
	return fpmath.CheckedAdd(balance, amount)
}

// Batch returns the journal legs recorded so far.
func (tx *Tx) Batch() *Batch {
	return tx.batch
}
