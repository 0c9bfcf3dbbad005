package projection

import (
	"context"
	"fmt"

	"CDPLedger/internal/core"
	"CDPLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// EventSource reads the persisted event log in sequence order.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// Resetter is a Store that can be emptied before a rebuild.
type Resetter interface {
	Store
	Reset(ctx context.Context) error
}

const rebuildPageSize = 1000

// RebuildProjections empties the projections and replays the whole event log
// through a scratch core, applying each output to store. Every replayed
// state hash is checked against the log. Returns the last sequence applied.
func RebuildProjections(ctx context.Context, store Resetter, events EventSource, programID string) (int64, error) {
	if err := store.Reset(ctx); err != nil {
		return 0, err
	}

	outputs := make(chan core.CoreOutput, 1)
	scratch := core.NewDeterministicCore(core.CoreConfig{
		ProgramID: programID,
		Logger:    zerolog.Nop(),
	}, nil, outputs)

	var last int64
	for from := int64(1); ; {
		rows, err := events.LoadEventsFrom(ctx, from, rebuildPageSize)
		if err != nil {
			return last, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := row.DecodeEvent()
			if err != nil {
				return last, err
			}
			receipt, err := scratch.ReplayEvent(evt)
			if err != nil {
				return last, fmt.Errorf("replay event %d: %w", row.Sequence, err)
			}
			if receipt.Duplicate {
				return last, fmt.Errorf("event %d replays as a duplicate", row.Sequence)
			}
			want, err := row.StateHashArray()
			if err != nil {
				return last, err
			}
			if receipt.StateHash != want {
				return last, fmt.Errorf("state hash mismatch at sequence %d", row.Sequence)
			}

			out := <-outputs
			if err := store.Apply(ctx, NewProjectionOutput(out)); err != nil {
				return last, fmt.Errorf("apply sequence %d: %w", row.Sequence, err)
			}
			last = row.Sequence
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	logger.Info().Int64("sequence", last).Msg("projection rebuild complete")
	return last, nil
}
