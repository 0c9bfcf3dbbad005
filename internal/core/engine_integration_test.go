package core_test

import (
	"errors"
	"math"
	"testing"

	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const (
	testProgram = "cdp-test-program"
	collAsset   = "SOL"
	debtAsset   = "cUSD"
	t0          = int64(1_700_000_000)
)

var (
	admin = uuid.MustParse("00000000-0000-0000-0000-00000000a0a0")
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000a11ce")
	bob   = uuid.MustParse("00000000-0000-0000-0000-000000000b0b")
)

func price(s string) int64 { return fpmath.MustParseFixed(s) }

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(core.CoreConfig{
		ProgramID:           testProgram,
		IdempotencyCapacity: 1024,
		Logger:              zerolog.Nop(),
	}, persistChan, projChan)
	return c, persistChan, projChan
}

func meta(ts int64) event.Meta {
	return event.Meta{CommandID: uuid.New(), Timestamp: ts}
}

func mustInitialize(ts int64) *event.InitializeProtocol {
	return &event.InitializeProtocol{
		Meta:                 meta(ts),
		Admin:                admin,
		CollateralAssetID:    collAsset,
		DebtAssetID:          debtAsset,
		MaxCollateralRatio:   state.DefaultMaxCollateralRatio,
		InterestRate:         state.DefaultInterestRate,
		LiquidationThreshold: state.DefaultLiquidationThreshold,
		LiquidationPenalty:   state.DefaultLiquidationPenalty,
		MinCollateralAmount:  1,
	}
}

func mustAssetDeposit(holder uuid.UUID, asset string, amount, ts int64) *event.AssetDeposited {
	return &event.AssetDeposited{Meta: meta(ts), Holder: holder, Asset: asset, Amount: amount}
}

func mustMint(owner uuid.UUID, deposit, amount, p, ts int64) *event.MintDebt {
	return &event.MintDebt{Meta: meta(ts), Caller: owner, Owner: owner, CollateralDeposit: deposit, Amount: amount, Price: p}
}

func mustRedeem(owner uuid.UUID, amount, p, ts int64) *event.RedeemDebt {
	return &event.RedeemDebt{Meta: meta(ts), Caller: owner, Owner: owner, Amount: amount, Price: p}
}

func mustLiquidate(liquidator, owner uuid.UUID, cover, p, ts int64) *event.LiquidateVault {
	return &event.LiquidateVault{Meta: meta(ts), Liquidator: liquidator, Owner: owner, DebtToCover: cover, Price: p}
}

func mustAccrue(owner uuid.UUID, ts int64) *event.AccrueInterest {
	return &event.AccrueInterest{Meta: meta(ts), Owner: owner}
}

func apply(t *testing.T, c *core.DeterministicCore, evt event.Event) *core.Receipt {
	t.Helper()
	r, err := c.ProcessEvent(evt)
	require.NoError(t, err, "%s", evt.EventType())
	return r
}

func requireCode(t *testing.T, err error, code cdperr.Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := cdperr.CodeOf(err)
	require.True(t, ok, "not a cdperr: %v", err)
	require.Equal(t, code, got, "err=%v", err)
}

func wallet(c *core.DeterministicCore, owner uuid.UUID, asset string) int64 {
	return c.GetBalance(ledger.NewUserAccountKey(owner, asset))
}

// initialized returns a core with the protocol initialized and alice and bob funded with collateral.
func initialized(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput) {
	t.Helper()
	c, persistCh, _ := newTestCore()
	apply(t, c, mustInitialize(t0))
	apply(t, c, mustAssetDeposit(alice, collAsset, 100, t0))
	apply(t, c, mustAssetDeposit(bob, collAsset, 1_000, t0))
	return c, persistCh
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// assertVaultInvariant checks collateral * price >= debt * mcr when debt > 0.
func assertVaultInvariant(t *testing.T, v *state.UserVault, p, mcr int64) {
	t.Helper()
	assert.GreaterOrEqual(t, v.CollateralAmount, int64(0))
	assert.GreaterOrEqual(t, v.DebtAmount, int64(0))
	if v.DebtAmount > 0 {
		assert.GreaterOrEqual(t, fpmath.CompareProducts(v.CollateralAmount, p, v.DebtAmount, mcr), 0,
			"vault %d/%d below mcr at %s", v.CollateralAmount, v.DebtAmount, fpmath.FormatFixed(p))
	}
}

// ============================================================================
// Test: Initialization
// ============================================================================

func TestInitialize_CreatesConfig(t *testing.T) {
	c, persistCh, _ := newTestCore()

	r := apply(t, c, mustInitialize(t0))
	assert.Equal(t, int64(1), r.Sequence)
	require.NotNil(t, r.Config)
	assert.Equal(t, admin, r.Config.Owner)
	assert.Equal(t, c.ConfigAddress(), r.Config.Address)
	assert.Equal(t, t0, r.Config.LastGlobalInterestUpdate)

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 1)
	assert.Empty(t, outputs[0].Batch.Journals, "initialize moves no balances")
}

func TestInitialize_Twice(t *testing.T) {
	c, _, _ := newTestCore()
	apply(t, c, mustInitialize(t0))

	_, err := c.ProcessEvent(mustInitialize(t0))
	requireCode(t, err, cdperr.CodeAlreadyInitialized)
	assert.True(t, errors.Is(err, cdperr.ErrAlreadyInitialized))
}

func TestInitialize_InvalidRatios(t *testing.T) {
	c, _, _ := newTestCore()
	evt := mustInitialize(t0)
	evt.LiquidationThreshold = evt.MaxCollateralRatio
	_, err := c.ProcessEvent(evt)
	requireCode(t, err, cdperr.CodeInvalidConfig)

	_, err = c.GetConfig()
	requireCode(t, err, cdperr.CodeProtocolNotInitialized)
}

func TestInitialize_BootstrapAdmin(t *testing.T) {
	c := core.NewDeterministicCore(core.CoreConfig{
		ProgramID:      testProgram,
		BootstrapAdmin: bob,
		Logger:         zerolog.Nop(),
	}, nil, nil)

	_, err := c.ProcessEvent(mustInitialize(t0))
	requireCode(t, err, cdperr.CodeNotAdmin)
}

func TestCommandsBeforeInitialize(t *testing.T) {
	c, _, _ := newTestCore()
	_, err := c.ProcessEvent(mustMint(alice, 10, 10, price("550"), t0))
	requireCode(t, err, cdperr.CodeProtocolNotInitialized)
}

// ============================================================================
// Test: Mint
// ============================================================================

func TestMint_MaxAtRatioBoundary(t *testing.T) {
	c, _ := initialized(t)

	// 100 * 550 / 1.5 = 36,666.67
	_, err := c.ProcessEvent(mustMint(alice, 100, 36_667, price("550"), t0))
	requireCode(t, err, cdperr.CodeInsufficientCollateralRatio)

	r := apply(t, c, mustMint(alice, 100, 36_666, price("550"), t0))
	require.NotNil(t, r.Vault)
	assert.Equal(t, int64(100), r.Vault.CollateralAmount)
	assert.Equal(t, int64(36_666), r.Vault.DebtAmount)
	assert.Equal(t, state.VaultStateActive, r.Vault.State)
	assert.Equal(t, c.VaultAddress(alice), r.Vault.Address)
	assertVaultInvariant(t, r.Vault, price("550"), state.DefaultMaxCollateralRatio)

	assert.Equal(t, int64(0), wallet(c, alice, collAsset))
	assert.Equal(t, int64(36_666), wallet(c, alice, debtAsset))

	cfg, err := c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(36_666), cfg.TotalDebt)
	assert.Equal(t, int64(100), cfg.TotalCollateral)
}

func TestMint_ValidationErrors(t *testing.T) {
	c, _ := initialized(t)

	tests := []struct {
		name string
		evt  *event.MintDebt
		code cdperr.Code
	}{
		{"zero amount", mustMint(alice, 10, 0, price("550"), t0), cdperr.CodeInvalidAmount},
		{"negative deposit", mustMint(alice, -1, 10, price("550"), t0), cdperr.CodeInvalidAmount},
		{"zero price", mustMint(alice, 10, 10, 0, t0), cdperr.CodeInvalidAmount},
		{"no collateral", mustMint(alice, 0, 10, price("550"), t0), cdperr.CodeBelowMinimumCollateral},
		{"wallet too small", mustMint(alice, 101, 10, price("550"), t0), cdperr.CodeInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ProcessEvent(tt.evt)
			requireCode(t, err, tt.code)
		})
	}

	notOwner := mustMint(alice, 10, 10, price("550"), t0)
	notOwner.Caller = bob
	_, err := c.ProcessEvent(notOwner)
	requireCode(t, err, cdperr.CodeNotOwner)

	_, err = c.GetVault(alice)
	requireCode(t, err, cdperr.CodeVaultNotFound)
}

func TestMint_Limits(t *testing.T) {
	c, _, _ := newTestCore()
	initCmd := mustInitialize(t0)
	initCmd.MaxDebtPerVault = 1_000
	initCmd.DebtCeiling = 1_500
	apply(t, c, initCmd)
	apply(t, c, mustAssetDeposit(alice, collAsset, 100, t0))
	apply(t, c, mustAssetDeposit(bob, collAsset, 100, t0))

	_, err := c.ProcessEvent(mustMint(alice, 100, 1_001, price("550"), t0))
	requireCode(t, err, cdperr.CodeExceedsMintLimit)

	apply(t, c, mustMint(alice, 100, 1_000, price("550"), t0))
	_, err = c.ProcessEvent(mustMint(bob, 100, 501, price("550"), t0))
	requireCode(t, err, cdperr.CodeExceedsMintLimit)
	apply(t, c, mustMint(bob, 100, 500, price("550"), t0))
}

func TestMint_Paused(t *testing.T) {
	c, _ := initialized(t)
	paused := true
	apply(t, c, &event.UpdateConfig{Meta: meta(t0), Caller: admin, Patch: state.ConfigPatch{MintingPaused: &paused}})

	_, err := c.ProcessEvent(mustMint(alice, 100, 10, price("550"), t0))
	requireCode(t, err, cdperr.CodeMintingPaused)
}

// ============================================================================
// Test: Redeem
// ============================================================================

func TestRedeem_FullRepayReleasesEverything(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 10_000, price("550"), t0))

	r := apply(t, c, mustRedeem(alice, 10_000, price("550"), t0))
	assert.Equal(t, int64(0), r.Vault.DebtAmount)
	assert.Equal(t, int64(0), r.Vault.CollateralAmount)
	assert.Equal(t, state.VaultStateRepaid, r.Vault.State)
	assert.Equal(t, int64(100), r.CollateralOut)

	assert.Equal(t, int64(100), wallet(c, alice, collAsset))
	assert.Equal(t, int64(0), wallet(c, alice, debtAsset))
}

func TestRedeem_PartialIsProportional(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 10_000, price("550"), t0))

	r := apply(t, c, mustRedeem(alice, 2_500, price("550"), t0))
	assert.Equal(t, int64(7_500), r.Vault.DebtAmount)
	assert.Equal(t, int64(75), r.Vault.CollateralAmount)
	assertVaultInvariant(t, r.Vault, price("550"), state.DefaultMaxCollateralRatio)
}

func TestRedeem_PartialCappedByRatio(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 30_000, price("550"), t0))

	// Proportional share would be 50, but 15,000 debt needs ceil(15,000 * 1.5 / 400) = 57
	r := apply(t, c, mustRedeem(alice, 15_000, price("400"), t0))
	assert.Equal(t, int64(57), r.Vault.CollateralAmount)
	assert.Equal(t, int64(43), r.CollateralOut)
	assertVaultInvariant(t, r.Vault, price("400"), state.DefaultMaxCollateralRatio)
}

func TestRedeem_BelowRatioEvenWithoutRelease(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 30_000, price("550"), t0))

	_, err := c.ProcessEvent(mustRedeem(alice, 1_000, price("400"), t0))
	requireCode(t, err, cdperr.CodeInsufficientCollateralRatio)
}

func TestRedeem_Errors(t *testing.T) {
	c, _ := initialized(t)

	_, err := c.ProcessEvent(mustRedeem(alice, 1, price("550"), t0))
	requireCode(t, err, cdperr.CodeVaultNotFound)

	apply(t, c, mustMint(alice, 100, 1_000, price("550"), t0))
	_, err = c.ProcessEvent(mustRedeem(alice, 1_001, price("550"), t0))
	requireCode(t, err, cdperr.CodeExceedsDebt)

	apply(t, c, mustRedeem(alice, 1_000, price("550"), t0))
	_, err = c.ProcessEvent(mustRedeem(alice, 1, price("550"), t0))
	requireCode(t, err, cdperr.CodeNoDebtToRedeem)
}

func TestMintRedeem_RoundTrip(t *testing.T) {
	t.Run("from empty vault", func(t *testing.T) {
		c, _ := initialized(t)
		apply(t, c, mustMint(alice, 80, 20_000, price("550"), t0))
		r := apply(t, c, mustRedeem(alice, 20_000, price("550"), t0))

		assert.True(t, r.Vault.IsEmpty())
		assert.Equal(t, int64(100), wallet(c, alice, collAsset))
		assert.Equal(t, int64(0), wallet(c, alice, debtAsset))
	})

	t.Run("at the vault ratio", func(t *testing.T) {
		c, _ := initialized(t)
		before := apply(t, c, mustMint(alice, 50, 5_000, price("550"), t0)).Vault

		apply(t, c, mustMint(alice, 10, 1_000, price("550"), t0))
		after := apply(t, c, mustRedeem(alice, 1_000, price("550"), t0)).Vault

		assert.Equal(t, before.CollateralAmount, after.CollateralAmount)
		assert.Equal(t, before.DebtAmount, after.DebtAmount)
		assert.Equal(t, before.LastInterestUpdate, after.LastInterestUpdate)
	})
}

// ============================================================================
// Test: Collateral deposit / withdraw
// ============================================================================

func TestDepositAndWithdrawCollateral(t *testing.T) {
	c, _ := initialized(t)

	r := apply(t, c, &event.DepositCollateral{Meta: meta(t0), Caller: alice, Owner: alice, Amount: 60})
	assert.Equal(t, int64(60), r.Vault.CollateralAmount)
	assert.Equal(t, state.VaultStateActive, r.Vault.State)
	assert.Equal(t, int64(40), wallet(c, alice, collAsset))

	apply(t, c, mustMint(alice, 0, 10_000, price("550"), t0))

	// 10,000 debt needs ceil(10,000 * 1.5 / 550) = 28
	_, err := c.ProcessEvent(&event.WithdrawCollateral{Meta: meta(t0), Caller: alice, Owner: alice, Amount: 33, Price: price("550")})
	requireCode(t, err, cdperr.CodeInsufficientCollateralRatio)

	_, err = c.ProcessEvent(&event.WithdrawCollateral{Meta: meta(t0), Caller: alice, Owner: alice, Amount: 61, Price: price("550")})
	requireCode(t, err, cdperr.CodeExceedsCollateral)

	r = apply(t, c, &event.WithdrawCollateral{Meta: meta(t0), Caller: alice, Owner: alice, Amount: 32, Price: price("550")})
	assert.Equal(t, int64(28), r.Vault.CollateralAmount)
	assertVaultInvariant(t, r.Vault, price("550"), state.DefaultMaxCollateralRatio)

	apply(t, c, mustRedeem(alice, 10_000, price("550"), t0))
	assert.Equal(t, int64(100), wallet(c, alice, collAsset))
}

func TestAssetDeposit_RefusesDebtAsset(t *testing.T) {
	c, _ := initialized(t)
	_, err := c.ProcessEvent(mustAssetDeposit(alice, debtAsset, 1_000, t0))
	requireCode(t, err, cdperr.CodeUnauthorizedAuthority)
}

// ============================================================================
// Test: Arithmetic overflow
// ============================================================================

// coreState captures what a rejected command must leave untouched.
type coreState struct {
	hash     [32]byte
	sequence int64
	config   state.ProtocolConfig
	vaults   map[uuid.UUID]state.UserVault
	balances map[ledger.AccountKey]int64
}

func captureState(t *testing.T, c *core.DeterministicCore, owners []uuid.UUID, keys []ledger.AccountKey) coreState {
	t.Helper()
	cfg, err := c.GetConfig()
	require.NoError(t, err)
	cs := coreState{
		hash:     c.GetStateHash(),
		sequence: c.GetSequence(),
		config:   *cfg,
		vaults:   make(map[uuid.UUID]state.UserVault),
		balances: make(map[ledger.AccountKey]int64),
	}
	for _, owner := range owners {
		if v, err := c.GetVault(owner); err == nil {
			cs.vaults[owner] = *v
		}
	}
	for _, k := range keys {
		cs.balances[k] = c.GetBalance(k)
	}
	return cs
}

func assertUnchanged(t *testing.T, c *core.DeterministicCore, before coreState, owners []uuid.UUID, keys []ledger.AccountKey) {
	t.Helper()
	after := captureState(t, c, owners, keys)
	assert.Equal(t, before, after)
}

func TestAssetDeposit_BalanceOverflowIsRejected(t *testing.T) {
	c, _, _ := newTestCore()
	apply(t, c, mustInitialize(t0))
	apply(t, c, mustAssetDeposit(alice, collAsset, math.MaxInt64, t0))

	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, collAsset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, collAsset),
	}
	before := captureState(t, c, nil, keys)

	_, err := c.ProcessEvent(mustAssetDeposit(alice, collAsset, math.MaxInt64, t0))
	requireCode(t, err, cdperr.CodeArithmeticOverflow)
	assertUnchanged(t, c, before, nil, keys)
	assert.Equal(t, int64(math.MaxInt64), wallet(c, alice, collAsset))

	// The core keeps serving after the rejection
	apply(t, c, mustAssetDeposit(bob, collAsset, 1, t0))
}

func TestAccrue_InterestOverflowChangesNothing(t *testing.T) {
	c, _, _ := newTestCore()
	apply(t, c, mustInitialize(t0))
	apply(t, c, mustAssetDeposit(alice, collAsset, 9_000_000_000_000_000_000, t0))

	// 9e18 collateral at 1.0 backs 4e18 debt at 150%
	apply(t, c, mustMint(alice, 9_000_000_000_000_000_000, 4_000_000_000_000_000_000, price("1"), t0))

	owners := []uuid.UUID{alice}
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, debtAsset),
		ledger.NewUserAccountKey(alice, collAsset),
	}
	before := captureState(t, c, owners, keys)

	// 5% over 100 years is 5x the debt, beyond int64
	_, err := c.ProcessEvent(mustAccrue(alice, t0+100*fpmath.SecondsPerYear))
	requireCode(t, err, cdperr.CodeInterestCalculationFailed)
	assertUnchanged(t, c, before, owners, keys)

	v, err := c.GetVault(alice)
	require.NoError(t, err)
	assert.Equal(t, t0, v.LastInterestUpdate)
	assert.Equal(t, int64(4_000_000_000_000_000_000), v.DebtAmount)
}

func TestMint_TotalCollateralOverflowChangesNothing(t *testing.T) {
	c, _, _ := newTestCore()
	apply(t, c, mustInitialize(t0))
	apply(t, c, mustAssetDeposit(alice, collAsset, math.MaxInt64, t0))
	apply(t, c, mustAssetDeposit(bob, collAsset, 1, t0))
	apply(t, c, &event.DepositCollateral{Meta: meta(t0), Caller: alice, Owner: alice, Amount: math.MaxInt64})

	owners := []uuid.UUID{alice, bob}
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(bob, collAsset),
		ledger.NewUserAccountKey(bob, debtAsset),
	}
	before := captureState(t, c, owners, keys)

	_, err := c.ProcessEvent(mustMint(bob, 1, 1, price("550"), t0))
	requireCode(t, err, cdperr.CodeArithmeticOverflow)
	assertUnchanged(t, c, before, owners, keys)

	_, err = c.GetVault(bob)
	assert.Error(t, err, "rejected mint must not open a vault")
}

// ============================================================================
// Test: Interest
// ============================================================================

func TestAccrue_OneYearAtFivePercent(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 10_000, price("550"), t0))

	r := apply(t, c, mustAccrue(alice, t0+fpmath.SecondsPerYear))
	assert.Equal(t, int64(500), r.InterestAccrued)
	assert.Equal(t, int64(10_500), r.Vault.DebtAmount)
	assert.Equal(t, t0+fpmath.SecondsPerYear, r.Vault.LastInterestUpdate)
	assert.Equal(t, int64(10_500), r.Config.TotalDebt)

	// Same timestamp again adds nothing
	r = apply(t, c, mustAccrue(alice, t0+fpmath.SecondsPerYear))
	assert.Equal(t, int64(0), r.InterestAccrued)
	assert.Equal(t, int64(10_500), r.Vault.DebtAmount)
}

func TestAccrue_ClockRegression(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 10_000, price("550"), t0+100))

	_, err := c.ProcessEvent(mustAccrue(alice, t0))
	requireCode(t, err, cdperr.CodeClockRegression)
}

func TestAccrue_RedeemAfterInterestNeedsMoreDebtAsset(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 10_000, price("550"), t0))

	_, err := c.ProcessEvent(mustRedeem(alice, 10_500, price("550"), t0+fpmath.SecondsPerYear))
	requireCode(t, err, cdperr.CodeInsufficientBalance)

	v, err := c.GetVault(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), v.DebtAmount, "rejected command must not accrue")
}

func TestUpdateConfig_RateChangeCheckpointsVaults(t *testing.T) {
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 10_000, price("550"), t0))

	half := fpmath.SecondsPerYear / 2
	newRate := price("0.10")
	r := apply(t, c, &event.UpdateConfig{
		Meta:   meta(t0 + half),
		Caller: admin,
		Patch:  state.ConfigPatch{InterestRate: &newRate},
	})
	assert.Equal(t, 1, r.VaultsAccrued)
	assert.Equal(t, int64(250), r.InterestAccrued)
	assert.Equal(t, newRate, r.Config.InterestRate)
	assert.Equal(t, int64(10_250), r.Config.TotalDebt)

	r = apply(t, c, mustAccrue(alice, t0+half+half))
	// 10,250 * 0.10 * 0.5 = 512.5
	assert.Equal(t, int64(512), r.InterestAccrued)
}

func TestUpdateConfig_Errors(t *testing.T) {
	c, _ := initialized(t)

	rate := price("0.10")
	_, err := c.ProcessEvent(&event.UpdateConfig{Meta: meta(t0), Caller: bob, Patch: state.ConfigPatch{InterestRate: &rate}})
	requireCode(t, err, cdperr.CodeNotAdmin)

	lt := price("2.00")
	_, err = c.ProcessEvent(&event.UpdateConfig{Meta: meta(t0), Caller: admin, Patch: state.ConfigPatch{LiquidationThreshold: &lt}})
	requireCode(t, err, cdperr.CodeInvalidConfig)

	cfg, err := c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, state.DefaultLiquidationThreshold, cfg.LiquidationThreshold)
	assert.Equal(t, int64(1), cfg.Version)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// liquidatable sets up alice at 100 / 36,666 and gives bob enough debt asset to cover it.
func liquidatable(t *testing.T) *core.DeterministicCore {
	t.Helper()
	c, _ := initialized(t)
	apply(t, c, mustMint(alice, 100, 36_666, price("550"), t0))
	apply(t, c, mustMint(bob, 1_000, 40_000, price("550"), t0))
	return c
}

func TestLiquidate_NotUndercollateralized(t *testing.T) {
	c := liquidatable(t)
	_, err := c.ProcessEvent(mustLiquidate(bob, alice, 0, price("450"), t0))
	requireCode(t, err, cdperr.CodeNotUndercollateralized)
}

func TestLiquidate_FullWithSurplus(t *testing.T) {
	c := liquidatable(t)

	r := apply(t, c, mustLiquidate(bob, alice, 0, price("430"), t0))
	// 36,666 * 1.10 / 430 = 93.79
	assert.Equal(t, int64(36_666), r.DebtBurned)
	assert.Equal(t, int64(93), r.Seized)
	assert.Equal(t, int64(7), r.Surplus)
	assert.Equal(t, int64(0), r.BadDebt)
	assert.True(t, r.Vault.IsEmpty())
	assert.Equal(t, state.VaultStateLiquidated, r.Vault.State)

	assert.Equal(t, int64(93), wallet(c, bob, collAsset))
	assert.Equal(t, int64(40_000-36_666), wallet(c, bob, debtAsset))
	assert.Equal(t, int64(7), wallet(c, alice, collAsset))
	assert.Equal(t, int64(36_666), wallet(c, alice, debtAsset), "owner keeps minted debt asset")

	_, err := c.ProcessEvent(mustLiquidate(bob, alice, 0, price("430"), t0))
	requireCode(t, err, cdperr.CodeVaultAlreadyLiquidated)
}

func TestLiquidate_Partial(t *testing.T) {
	c := liquidatable(t)

	r := apply(t, c, mustLiquidate(bob, alice, 10_000, price("430"), t0))
	assert.Equal(t, int64(25), r.Seized)
	assert.Equal(t, int64(75), r.Vault.CollateralAmount)
	assert.Equal(t, int64(26_666), r.Vault.DebtAmount)
	assert.Equal(t, state.VaultStateActive, r.Vault.State)
}

func TestLiquidate_BadDebt(t *testing.T) {
	c := liquidatable(t)

	r := apply(t, c, mustLiquidate(bob, alice, 0, price("300"), t0))
	// Collateral covers 100 * 300 / 1.10 = 27,272 of the debt
	assert.Equal(t, int64(100), r.Seized)
	assert.Equal(t, int64(27_272), r.DebtBurned)
	assert.Equal(t, int64(36_666-27_272), r.BadDebt)
	assert.Equal(t, state.VaultStateLiquidated, r.Vault.State)
	assert.True(t, r.Vault.IsEmpty())
	assert.Equal(t, int64(36_666-27_272), r.Config.BadDebt)
	assert.Equal(t, int64(40_000), r.Config.TotalDebt, "only bob's debt remains")
}

func TestLiquidate_Errors(t *testing.T) {
	c := liquidatable(t)

	_, err := c.ProcessEvent(mustLiquidate(alice, alice, 0, price("430"), t0))
	requireCode(t, err, cdperr.CodeCannotLiquidateOwnVault)

	_, err = c.ProcessEvent(mustLiquidate(bob, uuid.New(), 0, price("430"), t0))
	requireCode(t, err, cdperr.CodeVaultNotFound)

	_, err = c.ProcessEvent(mustLiquidate(bob, alice, 36_667, price("430"), t0))
	requireCode(t, err, cdperr.CodeExceedsDebt)

	// Liquidator without enough debt asset
	carol := uuid.New()
	_, err = c.ProcessEvent(mustLiquidate(carol, alice, 0, price("430"), t0))
	requireCode(t, err, cdperr.CodeInsufficientBalance)
}

func TestLiquidatedVaultCanReopen(t *testing.T) {
	c := liquidatable(t)
	apply(t, c, mustLiquidate(bob, alice, 0, price("430"), t0))

	r := apply(t, c, mustMint(alice, 7, 1_000, price("430"), t0))
	assert.Equal(t, state.VaultStateActive, r.Vault.State)
}

// ============================================================================
// Test: Pipeline (idempotency, sequencing, determinism, replay)
// ============================================================================

func TestDuplicateCommandIsIgnored(t *testing.T) {
	c, _ := initialized(t)
	evt := mustMint(alice, 100, 1_000, price("550"), t0)

	first := apply(t, c, evt)
	second := apply(t, c, evt)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sequence, c.GetSequence())
	assert.Equal(t, int64(1_000), wallet(c, alice, debtAsset))
}

func TestRejectedCommandIsNotMarkedProcessed(t *testing.T) {
	c, _ := initialized(t)
	evt := mustMint(alice, 100, 36_667, price("550"), t0)

	_, err := c.ProcessEvent(evt)
	requireCode(t, err, cdperr.CodeInsufficientCollateralRatio)

	evt.Amount = 36_666
	r := apply(t, c, evt)
	assert.False(t, r.Duplicate)
}

func TestSourceSequenceGap(t *testing.T) {
	c, _ := initialized(t)

	sequenced := func(seq int64) *event.AccrueInterest {
		e := mustAccrue(alice, t0)
		e.Source = "keeper"
		e.Sequence = seq
		return e
	}
	apply(t, c, mustMint(alice, 100, 1_000, price("550"), t0))

	apply(t, c, sequenced(1))
	_, err := c.ProcessEvent(sequenced(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")

	apply(t, c, sequenced(2))
	apply(t, c, sequenced(3))

	_, err = c.ProcessEvent(sequenced(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out-of-order")
}

func scenario() []event.Event {
	ts := t0
	return []event.Event{
		mustInitialize(ts),
		mustAssetDeposit(alice, collAsset, 100, ts),
		mustAssetDeposit(bob, collAsset, 1_000, ts),
		mustMint(alice, 100, 36_666, price("550"), ts),
		mustMint(bob, 1_000, 40_000, price("550"), ts),
		mustAccrue(alice, ts+3_600),
		mustRedeem(bob, 1_000, price("550"), ts+7_200),
		mustLiquidate(bob, alice, 5_000, price("430"), ts+7_200),
		mustMint(alice, 100, 36_666, price("550"), ts+7_200), // rejected: wallet empty
	}
}

func TestDeterminism_SameCommandsSameHash(t *testing.T) {
	a, _, _ := newTestCore()
	b, _, _ := newTestCore()

	for _, evt := range scenario() {
		ra, errA := a.ProcessEvent(evt)
		rb, errB := b.ProcessEvent(evt)
		assert.Equal(t, errA == nil, errB == nil)
		if errA == nil {
			assert.Equal(t, ra.StateHash, rb.StateHash)
		}
	}
	assert.Equal(t, a.GetStateHash(), b.GetStateHash())
	assert.Equal(t, a.GetSequence(), b.GetSequence())
}

func TestReplayFromPersistedPayloads(t *testing.T) {
	live, persistCh, _ := newTestCore()
	for _, evt := range scenario() {
		_, _ = live.ProcessEvent(evt)
	}
	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, int(live.GetSequence()), "rejected commands are not persisted")

	replayed := core.NewDeterministicCore(core.CoreConfig{ProgramID: testProgram, Logger: zerolog.Nop()}, nil, nil)
	for _, out := range outputs {
		evt, err := event.Decode(out.Envelope.EventType.String(), out.Envelope.Payload)
		require.NoError(t, err)
		r, err := replayed.ReplayEvent(evt)
		require.NoError(t, err)
		assert.Equal(t, out.Envelope.StateHash, r.StateHash, "seq %d", out.Envelope.Sequence)
	}
	assert.Equal(t, live.GetStateHash(), replayed.GetStateHash())
}

func TestSnapshotRestore(t *testing.T) {
	live, _, _ := newTestCore()
	events := scenario()
	for _, evt := range events[:6] {
		_, _ = live.ProcessEvent(evt)
	}

	snap := live.CreateSnapshotState()
	restored := core.NewDeterministicCore(core.CoreConfig{ProgramID: testProgram, Logger: zerolog.Nop()}, nil, nil)
	restored.RestoreFromSnapshot(snap)

	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, live.GetSequence(), restored.GetSequence())

	for _, evt := range events[6:] {
		ra, errA := live.ProcessEvent(evt)
		rb, errB := restored.ProcessEvent(evt)
		require.Equal(t, errA == nil, errB == nil)
		if errA == nil {
			assert.Equal(t, ra.StateHash, rb.StateHash)
		}
	}

	// Idempotency keys travel with the snapshot
	dup, err := restored.ProcessEvent(events[3])
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestAmountsNeverNegative(t *testing.T) {
	c, _, _ := newTestCore()
	for _, evt := range scenario() {
		_, _ = c.ProcessEvent(evt)
	}
	for _, owner := range []uuid.UUID{alice, bob} {
		v, err := c.GetVault(owner)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v.CollateralAmount, int64(0))
		assert.GreaterOrEqual(t, v.DebtAmount, int64(0))
		for _, asset := range []string{collAsset, debtAsset} {
			assert.GreaterOrEqual(t, wallet(c, owner, asset), int64(0))
		}
	}
}
