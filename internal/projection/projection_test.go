package projection_test

import (
	"context"
	"errors"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/state"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	program = "projection-test"
	t0      = int64(1_700_000_000)
)

var (
	admin = uuid.MustParse("00000000-0000-0000-0000-00000000a0a0")
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000a11ce")
	bob   = uuid.MustParse("00000000-0000-0000-0000-000000000b0b")
)

func meta() event.Meta { return event.Meta{CommandID: uuid.New(), Timestamp: t0} }

// scenario ends with bob fully liquidating alice at 430.
func scenario() []event.Event {
	p550 := fpmath.MustParseFixed("550")
	return []event.Event{
		&event.InitializeProtocol{
			Meta:                 meta(),
			Admin:                admin,
			CollateralAssetID:    "SOL",
			DebtAssetID:          "cUSD",
			MaxCollateralRatio:   state.DefaultMaxCollateralRatio,
			InterestRate:         state.DefaultInterestRate,
			LiquidationThreshold: state.DefaultLiquidationThreshold,
			LiquidationPenalty:   state.DefaultLiquidationPenalty,
			MinCollateralAmount:  1,
		},
		&event.AssetDeposited{Meta: meta(), Holder: alice, Asset: "SOL", Amount: 100},
		&event.AssetDeposited{Meta: meta(), Holder: bob, Asset: "SOL", Amount: 1_000},
		&event.MintDebt{Meta: meta(), Caller: alice, Owner: alice, CollateralDeposit: 100, Amount: 36_666, Price: p550},
		&event.MintDebt{Meta: meta(), Caller: bob, Owner: bob, CollateralDeposit: 1_000, Amount: 40_000, Price: p550},
		&event.LiquidateVault{Meta: meta(), Liquidator: bob, Owner: alice, Price: fpmath.MustParseFixed("430")},
	}
}

// run applies the scenario and returns the core plus every output it emitted.
func run(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	ch := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(core.CoreConfig{ProgramID: program, Logger: zerolog.Nop()}, ch, nil)
	for _, evt := range scenario() {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err, "%s", evt.EventType())
	}
	close(ch)
	var outs []core.CoreOutput
	for o := range ch {
		outs = append(outs, o)
	}
	return c, outs
}

// memStore keeps the latest row per key the way the Postgres upserts do.
type memStore struct {
	config       *state.ProtocolConfig
	vaults       map[uuid.UUID]*state.UserVault
	balances     map[string]int64
	liquidations []projection.LiquidationRow
	watermark    int64
	failAt       int64
}

func newMemStore() *memStore {
	return &memStore{vaults: map[uuid.UUID]*state.UserVault{}, balances: map[string]int64{}}
}

func (m *memStore) Apply(_ context.Context, out projection.ProjectionOutput) error {
	if out.Sequence == m.failAt {
		return errors.New("db down")
	}
	if out.Config != nil {
		m.config = out.Config
	}
	for _, v := range out.Vaults {
		m.vaults[v.Owner] = v
	}
	for _, b := range out.Balances {
		m.balances[b.AccountPath] = b.Balance
	}
	if out.Liquidation != nil {
		m.liquidations = append(m.liquidations, *out.Liquidation)
	}
	m.watermark = out.Sequence
	return nil
}

func (m *memStore) Watermark(context.Context) (int64, error) { return m.watermark, nil }

func (m *memStore) Reset(context.Context) error {
	*m = *newMemStore()
	return nil
}

type rowSource []persistence.EventRow

func (s rowSource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range s {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func rows(outs []core.CoreOutput) rowSource {
	var src rowSource
	for _, o := range outs {
		src = append(src, persistence.NewCoreOutput(o).EventRow)
	}
	return src
}

func TestNewProjectionOutput_Liquidation(t *testing.T) {
	_, outs := run(t)
	po := projection.NewProjectionOutput(outs[len(outs)-1])

	assert.Equal(t, "LiquidateVault", po.EventType)
	require.NotNil(t, po.Liquidation)
	assert.Equal(t, alice.String(), po.Liquidation.Owner)
	assert.Equal(t, bob.String(), po.Liquidation.Liquidator)
	assert.Equal(t, int64(36_666), po.Liquidation.DebtRepaid)
	assert.Equal(t, int64(93), po.Liquidation.CollateralSeized)
	assert.Equal(t, int64(7), po.Liquidation.Surplus)

	require.Len(t, po.Vaults, 1)
	assert.Equal(t, state.VaultStateLiquidated, po.Vaults[0].State)
	require.NotNil(t, po.Config)

	require.NotEmpty(t, po.Balances)
	for i := 1; i < len(po.Balances); i++ {
		assert.Less(t, po.Balances[i-1].AccountPath, po.Balances[i].AccountPath)
	}
}

func TestNewProjectionOutput_NoJournals(t *testing.T) {
	_, outs := run(t)
	po := projection.NewProjectionOutput(outs[0])
	assert.Empty(t, po.Balances)
	assert.Empty(t, po.Vaults)
	assert.Nil(t, po.Liquidation)
	require.NotNil(t, po.Config)
}

func TestProjectionWorker_AppliesAndDetectsGaps(t *testing.T) {
	_, outs := run(t)
	store := newMemStore()
	ch := make(chan projection.ProjectionOutput, len(outs))
	w := projection.NewProjectionWorker(store, ch, nil)

	for i, o := range outs {
		if i == 2 {
			continue // dropped
		}
		ch <- projection.NewProjectionOutput(o)
	}
	ch <- projection.NewProjectionOutput(outs[0]) // stale re-delivery
	close(ch)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(len(outs)), w.LastSequence())
	assert.Equal(t, int64(len(outs)), store.watermark)
	assert.Len(t, store.liquidations, 1)
	assert.Error(t, w.Check(context.Background()), "gap must make the worker unready")
}

func TestProjectionWorker_ApplyFailureIsReported(t *testing.T) {
	_, outs := run(t)
	store := newMemStore()
	store.failAt = 2
	ch := make(chan projection.ProjectionOutput, len(outs))
	w := projection.NewProjectionWorker(store, ch, nil)
	for _, o := range outs[:3] {
		ch <- projection.NewProjectionOutput(o)
	}
	close(ch)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(3), w.LastSequence())
	assert.Error(t, w.Check(context.Background()))
}

func TestProjectionWorker_CleanRunIsReady(t *testing.T) {
	_, outs := run(t)
	ch := make(chan projection.ProjectionOutput, len(outs))
	w := projection.NewProjectionWorker(newMemStore(), ch, nil)
	for _, o := range outs {
		ch <- projection.NewProjectionOutput(o)
	}
	close(ch)

	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, w.Check(context.Background()))
}

func TestRebuildProjections(t *testing.T) {
	c, outs := run(t)
	store := newMemStore()
	store.balances["stale"] = 1

	last, err := projection.RebuildProjections(context.Background(), store, rows(outs), program)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outs)), last)
	assert.NotContains(t, store.balances, "stale")

	want, err := c.GetVault(alice)
	require.NoError(t, err)
	assert.Equal(t, want, store.vaults[alice])

	cfg, err := c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, store.config)
	assert.Len(t, store.liquidations, 1)
}

func TestRebuildProjections_HashMismatch(t *testing.T) {
	_, outs := run(t)
	src := rows(outs)
	src[3].StateHash = make([]byte, 32)

	last, err := projection.RebuildProjections(context.Background(), newMemStore(), src, program)
	require.Error(t, err)
	assert.Equal(t, int64(3), last)
}

func TestRebuildProjections_WrongProgram(t *testing.T) {
	_, outs := run(t)
	_, err := projection.RebuildProjections(context.Background(), newMemStore(), rows(outs), "other-program")
	assert.Error(t, err, "addresses differ so the hash chain does not match")
}

func TestPostgresStore(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, testutil.MigrationsDir(t)).Up(ctx))

	_, outs := run(t)
	store := projection.NewPostgresStore(db)
	for _, o := range outs {
		require.NoError(t, store.Apply(ctx, projection.NewProjectionOutput(o)))
	}
	// Older outputs do not overwrite newer rows.
	require.NoError(t, store.Apply(ctx, projection.NewProjectionOutput(outs[3])))

	wm, err := store.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outs)), wm)

	var vaultState string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT state FROM projections.vaults WHERE owner = $1`, alice).Scan(&vaultState))
	assert.Equal(t, "Liquidated", vaultState)

	require.NoError(t, store.Reset(ctx))
	wm, err = store.Watermark(ctx)
	require.NoError(t, err)
	assert.Zero(t, wm)
}
