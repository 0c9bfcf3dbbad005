package core

import (
	"context"
	"errors"
	"fmt"

	"CDPLedger/internal/event"

	"github.com/rs/zerolog"
)

// ErrRunnerStopped is returned to callers once the runner loop has exited.
var ErrRunnerStopped = errors.New("core runner stopped")

// PriceSource supplies the collateral price for commands submitted without one.
// oracle.Cache satisfies it.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, asset string) (int64, error)
}

type runnerRequest struct {
	evt   event.Event
	read  func(c *DeterministicCore)
	reply chan runnerResult
}

type runnerResult struct {
	receipt *Receipt
	err     error
}

// Runner owns the DeterministicCore and serializes every command and read onto
// one goroutine. NATS, gRPC and HTTP callers all go through it.
type Runner struct {
	core   *DeterministicCore
	prices PriceSource
	reqs   chan runnerRequest
	done   chan struct{}
	logger zerolog.Logger
}

func NewRunner(c *DeterministicCore, queueSize int, prices PriceSource, logger zerolog.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Runner{
		core:   c,
		prices: prices,
		reqs:   make(chan runnerRequest, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

// Run processes requests until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	r.logger.Info().Int64("sequence", r.core.GetSequence()).Msg("core runner started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int64("sequence", r.core.GetSequence()).Msg("core runner stopped")
			return nil
		case req := <-r.reqs:
			r.handle(req)
		}
	}
}

// handle serves one request. A panic inside the core is logged with the
// command that caused it, then re-raised.
func (r *Runner) handle(req runnerRequest) {
	defer func() {
		if p := recover(); p != nil {
			ev := r.logger.WithLevel(zerolog.FatalLevel).
				Interface("panic", p).
				Int64("sequence", r.core.GetSequence())
			if req.evt != nil {
				ev = ev.Str("event_type", req.evt.EventType().String()).
					Str("key", req.evt.IdempotencyKey())
			} else {
				ev = ev.Str("request", "read")
			}
			ev.Msg("core panicked")
			panic(p)
		}
	}()

	if req.read != nil {
		req.read(r.core)
		req.reply <- runnerResult{}
		return
	}
	receipt, err := r.core.ProcessEvent(req.evt)
	req.reply <- runnerResult{receipt: receipt, err: err}
}

// Submit resolves a missing price, then applies evt on the core goroutine.
func (r *Runner) Submit(ctx context.Context, evt event.Event) (*Receipt, error) {
	if err := r.resolvePrice(ctx, evt); err != nil {
		return nil, err
	}
	res, err := r.do(ctx, runnerRequest{evt: evt})
	if err != nil {
		return nil, err
	}
	return res.receipt, res.err
}

// Read runs fn on the core goroutine. fn must not retain the core.
func (r *Runner) Read(ctx context.Context, fn func(c *DeterministicCore)) error {
	_, err := r.do(ctx, runnerRequest{read: fn})
	return err
}

// Snapshot captures the core state between two commands.
func (r *Runner) Snapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	err := r.Read(ctx, func(c *DeterministicCore) {
		snap = c.CreateSnapshotState()
	})
	return snap, err
}

func (r *Runner) do(ctx context.Context, req runnerRequest) (runnerResult, error) {
	req.reply = make(chan runnerResult, 1)

	select {
	case r.reqs <- req:
	case <-ctx.Done():
		return runnerResult{}, ctx.Err()
	case <-r.done:
		return runnerResult{}, ErrRunnerStopped
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return runnerResult{}, ctx.Err()
	case <-r.done:
		// The loop may have answered just before exiting
		select {
		case res := <-req.reply:
			return res, nil
		default:
			return runnerResult{}, ErrRunnerStopped
		}
	}
}

func (r *Runner) resolvePrice(ctx context.Context, evt event.Event) error {
	priced, ok := evt.(event.Priced)
	if !ok || priced.GetPrice() != 0 || r.prices == nil {
		return nil
	}

	var asset string
	if err := r.Read(ctx, func(c *DeterministicCore) {
		if cfg, err := c.configs.Get(); err == nil {
			asset = cfg.CollateralAssetID
		}
	}); err != nil {
		return err
	}
	if asset == "" {
		// Let the core report ProtocolNotInitialized
		return nil
	}

	price, err := r.prices.GetCurrentPrice(ctx, asset)
	if err != nil {
		return fmt.Errorf("resolve %s price: %w", asset, err)
	}
	priced.SetPrice(price)
	return nil
}
