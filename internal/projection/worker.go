package projection

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/state"
)

var logger = observability.NewLogger("projection")

// ProjectionOutput is the projection view of one applied command.
// Rows carry absolute values so a dropped output never corrupts a table;
// the row is simply stale until the next command touches it.
type ProjectionOutput struct {
	Sequence    int64
	EventType   string
	Timestamp   int64
	Config      *state.ProtocolConfig
	Vaults      []*state.UserVault
	Balances    []BalanceRow
	Liquidation *LiquidationRow
}

// BalanceRow is a post-command account balance.
type BalanceRow struct {
	AccountPath string
	Asset       string
	Balance     int64
}

// LiquidationRow is one entry of the liquidation history.
type LiquidationRow struct {
	Sequence         int64
	Owner            string
	Liquidator       string
	DebtRepaid       int64
	CollateralSeized int64
	Surplus          int64
	BadDebt          int64
	Price            int64
	Timestamp        int64
}

// NewProjectionOutput converts a core output. Balances are sorted by path.
func NewProjectionOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		Timestamp: out.Envelope.Timestamp,
		Vaults:    out.Vaults,
	}
	if out.Receipt != nil {
		po.Config = out.Receipt.Config
	}

	for key, balance := range out.Balances {
		po.Balances = append(po.Balances, BalanceRow{
			AccountPath: key.AccountPath(),
			Asset:       key.Asset,
			Balance:     balance,
		})
	}
	sort.Slice(po.Balances, func(i, j int) bool {
		return po.Balances[i].AccountPath < po.Balances[j].AccountPath
	})

	if liq, ok := out.Event.(*event.LiquidateVault); ok && out.Receipt != nil {
		po.Liquidation = &LiquidationRow{
			Sequence:         po.Sequence,
			Owner:            liq.Owner.String(),
			Liquidator:       liq.Liquidator.String(),
			DebtRepaid:       out.Receipt.DebtBurned,
			CollateralSeized: out.Receipt.Seized,
			Surplus:          out.Receipt.Surplus,
			BadDebt:          out.Receipt.BadDebt,
			Price:            liq.Price,
			Timestamp:        po.Timestamp,
		}
	}
	return po
}

// Store applies projection outputs. PostgresStore is the production store.
type Store interface {
	Apply(ctx context.Context, out ProjectionOutput) error
	Watermark(ctx context.Context) (int64, error)
}

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop. A dropped output shows up
// as a sequence gap; the worker keeps applying and reports itself stale until
// the projections are rebuilt from the event log.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics

	lastSeq atomic.Int64
	gaps    atomic.Int64
}

func NewProjectionWorker(store Store, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	wm, err := pw.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq.Store(wm)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.handle(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, output ProjectionOutput) {
	last := pw.lastSeq.Load()
	if output.Sequence <= last {
		return
	}
	if output.Sequence > last+1 {
		pw.gaps.Add(output.Sequence - last - 1)
		logger.Warn().Int64("last", last).Int64("next", output.Sequence).Msg("projection gap, rebuild projections from the event log")
		if pw.metrics != nil {
			pw.metrics.ProjectionDrops.WithLabelValues("gap").Add(float64(output.Sequence - last - 1))
		}
	}

	start := time.Now()
	if err := pw.store.Apply(ctx, output); err != nil {
		// Continue: projections are eventually consistent and can be rebuilt
		logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
		pw.gaps.Add(1)
		return
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.EventType).Observe(time.Since(start).Seconds())
	}
	pw.lastSeq.Store(output.Sequence)
}

// LastSequence returns the last sequence applied to the store.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Check is a readiness check that fails once any output was missed.
func (pw *ProjectionWorker) Check(context.Context) error {
	if n := pw.gaps.Load(); n > 0 {
		return fmt.Errorf("%d projection updates missed, rebuild required", n)
	}
	return nil
}

// Bridge converts core outputs onto the projection channel without blocking.
func Bridge(ctx context.Context, in <-chan core.CoreOutput, out chan<- ProjectionOutput, metrics *observability.Metrics) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- NewProjectionOutput(o):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}
