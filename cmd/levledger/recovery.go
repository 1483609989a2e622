package main

import (
	"context"
	"fmt"
	"time"

	"LevLedger/internal/core"
	"LevLedger/internal/event"
	"LevLedger/internal/observability"
	"LevLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// restore loads the latest verified snapshot into the core. It returns the
// sequence replay starts from.
func restore(ctx context.Context, mgr *persistence.SnapshotManager, c *core.DeterministicCore, logger zerolog.Logger) (int64, error) {
	data, err := mgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if data == nil {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
		return 0, nil
	}
	st, err := data.Decode()
	if err != nil {
		return 0, fmt.Errorf("decode snapshot %d: %w", data.Sequence, err)
	}
	if err := c.RestoreFromSnapshot(st); err != nil {
		return 0, err
	}
	logger.Info().Int64("sequence", st.Sequence).Int("idempotency_keys", len(st.IdempotencyKeys)).Msg("snapshot restored")
	return st.Sequence + 1, nil
}

// replay re-applies the log from sequence from to its head. Every replayed
// command must reproduce the logged outcome and state hash.
func replay(ctx context.Context, mgr *persistence.SnapshotManager, c *core.DeterministicCore, from int64, metrics *observability.Metrics, logger zerolog.Logger) (int, error) {
	start := time.Now()
	count := 0
	for {
		rows, err := mgr.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return count, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			evt, env, err := envelopeFromRow(row)
			if err != nil {
				return count, err
			}
			if err := c.ReplayEvent(evt, env); err != nil {
				return count, fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
			}
			count++
			from = row.Sequence + 1
		}
		if len(rows) < replayPageSize {
			break
		}
	}
	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(count))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	if count > 0 {
		logger.Info().Int("events", count).Int64("sequence", c.GetSequence()).Dur("took", time.Since(start)).Msg("event log replayed")
	}
	return count, nil
}

func envelopeFromRow(row persistence.EventRow) (event.Event, *event.EventEnvelope, error) {
	et := event.ParseEventType(row.EventType)
	evt, err := event.DecodePayload(et, row.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      et,
		TokenID:        row.TokenID,
		Timestamp:      row.Timestamp,
		SourceSequence: row.SourceSequence,
		Payload:        row.Payload,
		RejectReason:   row.RejectReason,
		ErrorClass:     row.ErrorClass,
	}
	if row.Outcome == event.OutcomeRejected.String() {
		env.Outcome = event.OutcomeRejected
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return evt, env, nil
}
