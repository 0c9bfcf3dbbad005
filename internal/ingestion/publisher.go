package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	OutboundStream = "CDP_LEDGER_EVENTS"
	OutboundPrefix = "cdp.ledger.events"
)

// Publisher is the subset of jetstream.JetStream the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied commands to NATS for downstream consumers.
// Subjects follow the pattern cdp.ledger.events.<type>[.<owner>].
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan PublishableEvent
}

// PublishableEvent is an applied command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Owner          string          `json:"owner,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Result         *ResultSummary  `json:"result,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
}

// ResultSummary carries the amounts a command moved.
type ResultSummary struct {
	CollateralIn     int64 `json:"collateral_in,omitempty"`
	CollateralOut    int64 `json:"collateral_out,omitempty"`
	DebtMinted       int64 `json:"debt_minted,omitempty"`
	DebtBurned       int64 `json:"debt_burned,omitempty"`
	InterestAccrued  int64 `json:"interest_accrued,omitempty"`
	CollateralSeized int64 `json:"collateral_seized,omitempty"`
	Surplus          int64 `json:"surplus,omitempty"`
	BadDebt          int64 `json:"bad_debt,omitempty"`
}

// NewPublishableEvent converts a core output.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	pe := PublishableEvent{
		Sequence:       out.Envelope.Sequence,
		EventType:      out.Envelope.EventType.String(),
		IdempotencyKey: out.Envelope.IdempotencyKey,
		Payload:        json.RawMessage(out.Envelope.Payload),
		StateHash:      hex.EncodeToString(out.Envelope.StateHash[:]),
		Timestamp:      out.Envelope.Timestamp,
	}
	if owner, ok := event.VaultOwner(out.Event); ok {
		pe.Owner = owner.String()
	}
	if r := out.Receipt; r != nil {
		pe.Result = &ResultSummary{
			CollateralIn:     r.CollateralIn,
			CollateralOut:    r.CollateralOut,
			DebtMinted:       r.DebtMinted,
			DebtBurned:       r.DebtBurned,
			InterestAccrued:  r.InterestAccrued,
			CollateralSeized: r.Seized,
			Surplus:          r.Surplus,
			BadDebt:          r.BadDebt,
		}
	}
	return pe
}

// Subject returns the outbound subject for evt.
func (evt PublishableEvent) Subject() string {
	et, err := event.ParseEventType(evt.EventType)
	token := evt.EventType
	if err == nil {
		token = SubjectToken(et)
	}
	subject := OutboundPrefix + "." + token
	if evt.Owner != "" {
		subject += "." + evt.Owner
	}
	return subject
}

func NewOutboundPublisher(js Publisher, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Dedup on the JetStream side when a publish is retried after a timeout
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("cdp-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{OutboundPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
