package query

import (
	"context"
	"testing"
	"time"

	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

var (
	admin = uuid.MustParse("00000000-0000-0000-0000-00000000a0a0")
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000a11ce")
)

func meta() event.Meta { return event.Meta{CommandID: uuid.New(), Timestamp: t0} }

func startRunner(t *testing.T) *core.Runner {
	t.Helper()
	c := core.NewDeterministicCore(core.CoreConfig{ProgramID: "query-test", Logger: zerolog.Nop()}, nil, nil)
	r := core.NewRunner(c, 16, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func submit(t *testing.T, r *core.Runner, evt event.Event) {
	t.Helper()
	_, err := r.Submit(context.Background(), evt)
	require.NoError(t, err, "%s", evt.EventType())
}

func initialize(t *testing.T, r *core.Runner) {
	t.Helper()
	submit(t, r, &event.InitializeProtocol{
		Meta:                 meta(),
		Admin:                admin,
		CollateralAssetID:    "SOL",
		DebtAssetID:          "cUSD",
		MaxCollateralRatio:   state.DefaultMaxCollateralRatio,
		InterestRate:         state.DefaultInterestRate,
		LiquidationThreshold: state.DefaultLiquidationThreshold,
		LiquidationPenalty:   state.DefaultLiquidationPenalty,
		MinCollateralAmount:  1,
	})
	submit(t, r, &event.AssetDeposited{Meta: meta(), Holder: alice, Asset: "SOL", Amount: 100})
	submit(t, r, &event.MintDebt{
		Meta: meta(), Caller: alice, Owner: alice,
		CollateralDeposit: 100, Amount: 10_000, Price: fpmath.MustParseFixed("550"),
	})
}

func TestLiveService_ConfigAndVault(t *testing.T) {
	r := startRunner(t)
	ls := NewLiveService(r, oracle.NewCache(0, nil))
	ctx := context.Background()

	_, err := ls.GetConfig(ctx)
	assert.ErrorIs(t, err, cdperr.ErrProtocolNotInitialized)

	initialize(t, r)

	cfg, err := ls.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.5", cfg.MaxCollateralRatio)
	assert.Equal(t, int64(10_000), cfg.TotalDebt)
	assert.Equal(t, int64(3), cfg.AsOfSequence)

	v, err := ls.GetVault(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Active", v.State)
	assert.Equal(t, int64(100), v.CollateralAmount)

	_, err = ls.GetVault(ctx, uuid.New())
	code, ok := cdperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, cdperr.CodeVaultNotFound, code)
}

func TestLiveService_VaultHealth(t *testing.T) {
	r := startRunner(t)
	prices := oracle.NewCache(0, nil)
	ls := NewLiveService(r, prices)
	ls.now = func() time.Time { return time.Unix(t0+fpmath.SecondsPerYear, 0) }
	ctx := context.Background()

	initialize(t, r)

	_, err := ls.GetVaultHealth(ctx, alice)
	assert.ErrorIs(t, err, oracle.ErrNoPrice)

	_, err = prices.Update(oracle.PriceUpdate{Asset: "SOL", Price: fpmath.MustParseFixed("550"), Sequence: 1})
	require.NoError(t, err)

	h, err := ls.GetVaultHealth(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(500), h.PendingInterest)
	assert.Equal(t, int64(55_000), h.CollateralValue)
	assert.False(t, h.Liquidatable)
	assert.Equal(t, int64(36_666-10_500), h.MaxMintable)
	assert.Equal(t, "550", h.Price)
}

func TestEvaluateVault(t *testing.T) {
	cfg := &state.ProtocolConfig{
		MaxCollateralRatio:   state.DefaultMaxCollateralRatio,
		LiquidationThreshold: state.DefaultLiquidationThreshold,
		InterestRate:         state.DefaultInterestRate,
	}
	v := &state.UserVault{Owner: alice, CollateralAmount: 100, DebtAmount: 36_666, LastInterestUpdate: t0}

	tests := []struct {
		name         string
		price        string
		liquidatable bool
		ratio        string
	}{
		{"healthy at 550", "550", false, "1.500027273"},
		{"above threshold at 450", "450", false, "1.227295041"},
		{"below threshold at 430", "430", true, "1.172748595"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := EvaluateVault(cfg, v, fpmath.MustParseFixed(tt.price), t0, 7)
			require.NoError(t, err)
			assert.Equal(t, tt.liquidatable, h.Liquidatable)
			assert.Equal(t, tt.ratio, h.CollateralRatio)
			assert.Zero(t, h.PendingInterest)
			assert.Equal(t, int64(7), h.AsOfSequence)
		})
	}

	empty := &state.UserVault{Owner: alice, CollateralAmount: 10}
	h, err := EvaluateVault(cfg, empty, fpmath.MustParseFixed("3"), t0, 0)
	require.NoError(t, err)
	assert.Empty(t, h.CollateralRatio)
	assert.False(t, h.Liquidatable)
	assert.Equal(t, int64(20), h.MaxMintable)
}
