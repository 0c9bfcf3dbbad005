package state_test

import (
	"testing"

	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *state.ProtocolConfig {
	return &state.ProtocolConfig{
		Owner:                uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		CollateralAssetID:    "SOL",
		DebtAssetID:          "cUSD",
		MaxCollateralRatio:   state.DefaultMaxCollateralRatio,
		InterestRate:         state.DefaultInterestRate,
		LiquidationThreshold: state.DefaultLiquidationThreshold,
		LiquidationPenalty:   state.DefaultLiquidationPenalty,
		MinCollateralAmount:  state.DefaultMinCollateralAmount,
	}
}

// ============================================================================
// Test: ProtocolConfig
// ============================================================================

func TestProtocolConfig_ValidateDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestProtocolConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *state.ProtocolConfig)
	}{
		{"threshold at 1.0", func(c *state.ProtocolConfig) { c.LiquidationThreshold = fpmath.Scale }},
		{"threshold equals mcr", func(c *state.ProtocolConfig) { c.LiquidationThreshold = c.MaxCollateralRatio }},
		{"threshold above mcr", func(c *state.ProtocolConfig) { c.MaxCollateralRatio = fpmath.MustParseFixed("1.1") }},
		{"negative rate", func(c *state.ProtocolConfig) { c.InterestRate = -1 }},
		{"penalty 100%", func(c *state.ProtocolConfig) { c.LiquidationPenalty = fpmath.Scale }},
		{"same asset", func(c *state.ProtocolConfig) { c.DebtAssetID = c.CollateralAssetID }},
		{"missing asset", func(c *state.ProtocolConfig) { c.CollateralAssetID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), cdperr.ErrInvalidConfig)
		})
	}
}

func TestProtocolConfig_ApplyPatch(t *testing.T) {
	cfg := validConfig()
	rate := fpmath.MustParseFixed("0.08")
	paused := true

	next, err := cfg.Apply(state.ConfigPatch{InterestRate: &rate, MintingPaused: &paused})
	require.NoError(t, err)

	assert.Equal(t, rate, next.InterestRate)
	assert.True(t, next.MintingPaused)
	assert.Equal(t, cfg.MaxCollateralRatio, next.MaxCollateralRatio)
	assert.Equal(t, int64(1), next.Version)
	// Original untouched
	assert.Equal(t, state.DefaultInterestRate, cfg.InterestRate)
}

func TestProtocolConfig_ApplyPatchViolatingOrderingChangesNothing(t *testing.T) {
	cfg := validConfig()
	lt := fpmath.MustParseFixed("1.60")

	next, err := cfg.Apply(state.ConfigPatch{LiquidationThreshold: &lt})
	assert.ErrorIs(t, err, cdperr.ErrInvalidConfig)
	assert.Nil(t, next)
	assert.Equal(t, state.DefaultLiquidationThreshold, cfg.LiquidationThreshold)
}

func TestConfigStore_Lifecycle(t *testing.T) {
	store := state.NewConfigStore()

	_, err := store.Get()
	assert.ErrorIs(t, err, cdperr.ErrProtocolNotInitialized)

	assert.False(t, store.IsInitialized())

	cfg := validConfig()
	store.Put(cfg)
	assert.True(t, store.IsInitialized())
	got, err := store.Get()
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

// ============================================================================
// Test: Vault state machine
// ============================================================================

func TestVaultState_Transitions(t *testing.T) {
	tests := []struct {
		from, to state.VaultState
		ok       bool
	}{
		{state.VaultStateUninitialized, state.VaultStateActive, true},
		{state.VaultStateUninitialized, state.VaultStateRepaid, false},
		{state.VaultStateActive, state.VaultStateActive, true},
		{state.VaultStateActive, state.VaultStateRepaid, true},
		{state.VaultStateActive, state.VaultStateLiquidated, true},
		{state.VaultStateRepaid, state.VaultStateActive, true},
		{state.VaultStateRepaid, state.VaultStateLiquidated, false},
		{state.VaultStateLiquidated, state.VaultStateActive, true},
		{state.VaultStateLiquidated, state.VaultStateRepaid, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestUserVault_Transition(t *testing.T) {
	v := state.NewVault([32]byte{1}, uuid.New(), 100)
	assert.Equal(t, state.VaultStateUninitialized, v.State)
	assert.Equal(t, int64(100), v.LastInterestUpdate)

	require.NoError(t, v.Transition(state.VaultStateActive))
	require.NoError(t, v.Transition(state.VaultStateRepaid))
	require.NoError(t, v.Transition(state.VaultStateRepaid), "same terminal state is a no-op")
	assert.Error(t, v.Transition(state.VaultStateLiquidated))
}

func TestUserVault_CloneIsIndependent(t *testing.T) {
	v := state.NewVault([32]byte{1}, uuid.New(), 0)
	c := v.Clone()
	c.DebtAmount = 10
	assert.Zero(t, v.DebtAmount)
}

func TestVaultStore_AllSorted(t *testing.T) {
	store := state.NewVaultStore()
	a := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	store.Put(state.NewVault([32]byte{}, a, 0))
	store.Put(state.NewVault([32]byte{}, b, 0))

	all := store.All()
	require.Len(t, all, 2)
	assert.Equal(t, b, all[0].Owner)
	assert.Equal(t, a, all[1].Owner)
	assert.Equal(t, 2, store.CountByState()[state.VaultStateUninitialized])
}
