package ingestion

import (
	"context"
	"errors"
	"time"

	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
)

var logger = observability.NewLogger("ingestion")

// CommandSubmitter applies a command and waits for its receipt. core.Runner
// satisfies it.
type CommandSubmitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Receipt, error)
}

// PriceSink accepts price feed updates. oracle.Cache satisfies it.
type PriceSink interface {
	Update(u oracle.PriceUpdate) (bool, error)
}

// Router drains raw NATS messages, routes prices to the oracle and commands to
// the core, then acks or naks each message.
//
// Messages are ACKed once their outcome is final: applied, rejected by a
// domain rule, a duplicate, or unparseable. They are NAKed when a retry can
// succeed: a source sequence gap, a missing oracle price, or shutdown.
type Router struct {
	submitter CommandSubmitter
	prices    PriceSink
	metrics   *observability.Metrics
}

func NewRouter(submitter CommandSubmitter, prices PriceSink, metrics *observability.Metrics) *Router {
	return &Router{submitter: submitter, prices: prices, metrics: metrics}
}

// Run processes messages until ctx is cancelled or rawChan is closed.
func (r *Router) Run(ctx context.Context, rawChan <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle processes one message.
func (r *Router) Handle(ctx context.Context, raw RawEvent) {
	eventType := ResolveEventType(raw.Subject)
	switch eventType {
	case "":
		logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		r.countError("subject")
		raw.AckFunc()
	case PriceEventType:
		r.handlePrice(raw)
	default:
		r.handleCommand(ctx, raw, eventType)
	}
}

func (r *Router) handlePrice(raw RawEvent) {
	u, err := ParsePrice(raw)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse price failed")
		r.countError("parse")
		raw.AckFunc()
		return
	}
	if _, err := r.prices.Update(u); err != nil {
		logger.Warn().Err(err).Str("asset", u.Asset).Msg("price update refused")
		r.countError("price")
	}
	raw.AckFunc()
}

func (r *Router) handleCommand(ctx context.Context, raw RawEvent, eventType string) {
	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		r.countError("parse")
		raw.AckFunc()
		return
	}

	receipt, err := r.submitter.Submit(ctx, evt)
	if err != nil {
		if retryable(err) {
			logger.Warn().Err(err).Str("event_type", eventType).Str("key", evt.IdempotencyKey()).Msg("command deferred")
			r.countError("retry")
			raw.NakFunc()
			return
		}
		if code, ok := cdperr.CodeOf(err); ok {
			logger.Info().Str("event_type", eventType).Str("key", evt.IdempotencyKey()).Str("code", code.String()).Msg("command rejected")
		} else {
			logger.Error().Err(err).Str("event_type", eventType).Str("key", evt.IdempotencyKey()).Msg("command failed")
			r.countError("submit")
		}
		raw.AckFunc()
		return
	}

	raw.AckFunc()
	if r.metrics != nil && !receipt.Duplicate {
		r.metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(raw.Timestamp).Seconds())
	}
}

func retryable(err error) bool {
	return errors.Is(err, core.ErrSequenceGap) ||
		errors.Is(err, oracle.ErrNoPrice) ||
		errors.Is(err, oracle.ErrStalePrice) ||
		errors.Is(err, core.ErrRunnerStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (r *Router) countError(stage string) {
	if r.metrics != nil {
		r.metrics.IngestErrors.WithLabelValues(stage).Inc()
	}
}
