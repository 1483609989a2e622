package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LevLedger/internal/core"
	"LevLedger/internal/event"
	"LevLedger/internal/observability"
	"LevLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// coreLoop is the only goroutine that touches the core. NATS and gRPC
// commands share the inbound channel; snapshot captures are requested
// through a channel so they see a state between two commands.
type coreLoop struct {
	core     *core.DeterministicCore
	inbound  <-chan event.Event
	requests chan chan *core.SnapshotState
	saves    chan<- *core.SnapshotState
	interval int64
	lastSnap int64
	logger   zerolog.Logger
}

func newCoreLoop(c *core.DeterministicCore, inbound <-chan event.Event, saves chan<- *core.SnapshotState, interval int64, logger zerolog.Logger) *coreLoop {
	return &coreLoop{
		core:     c,
		inbound:  inbound,
		requests: make(chan chan *core.SnapshotState),
		saves:    saves,
		interval: interval,
		lastSnap: c.GetSequence() - 1,
		logger:   logger,
	}
}

func (l *coreLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-l.inbound:
			if !ok {
				return
			}
			l.process(evt)
			l.maybeSnapshot()

		case resp := <-l.requests:
			resp <- l.core.CreateSnapshotState()
		}
	}
}

func (l *coreLoop) process(evt event.Event) {
	err := l.core.ProcessEvent(evt)
	if err == nil {
		return
	}
	var rejected *core.CommandRejectedError
	if errors.As(err, &rejected) {
		l.logger.Debug().Str("type", rejected.EventType).Str("key", rejected.Key).
			Str("class", string(rejected.Class)).Err(rejected.Err).Msg("command rejected")
		return
	}
	l.logger.Warn().Err(err).Str("type", evt.EventType().String()).
		Str("key", evt.IdempotencyKey()).Msg("command not sequenced")
}

func (l *coreLoop) maybeSnapshot() {
	if l.interval <= 0 || l.saves == nil {
		return
	}
	seq := l.core.GetSequence() - 1
	if seq-l.lastSnap < l.interval {
		return
	}
	l.lastSnap = seq
	select {
	case l.saves <- l.core.CreateSnapshotState():
	default:
		l.logger.Warn().Int64("sequence", seq).Msg("snapshot writer busy, skipping")
	}
}

// capture asks the core goroutine for its current state.
func (l *coreLoop) capture(ctx context.Context) (*core.SnapshotState, error) {
	resp := make(chan *core.SnapshotState, 1)
	select {
	case l.requests <- resp:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// snapshotter writes snapshots and verifies them against the durable log.
// It implements server.Snapshotter for the admin API.
type snapshotter struct {
	loop    *coreLoop
	mgr     *persistence.SnapshotManager
	keep    int
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (s *snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	st, err := s.loop.capture(ctx)
	if err != nil {
		return -1, err
	}
	if err := s.save(ctx, st); err != nil {
		return -1, err
	}
	if err := s.verify(ctx, st.Sequence); err != nil {
		return st.Sequence, err
	}
	return st.Sequence, nil
}

// runWriter saves the periodic snapshots handed over by the core loop.
func (s *snapshotter) runWriter(ctx context.Context, saves <-chan *core.SnapshotState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-saves:
			if err := s.save(ctx, st); err != nil {
				s.logger.Error().Err(err).Int64("sequence", st.Sequence).Msg("snapshot save failed")
				continue
			}
			verifyCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := s.verify(verifyCtx, st.Sequence); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", st.Sequence).Msg("snapshot left unverified")
			}
			cancel()
		}
	}
}

func (s *snapshotter) save(ctx context.Context, st *core.SnapshotState) error {
	if st.Sequence < 0 {
		return errors.New("snapshot: nothing sequenced yet")
	}
	start := time.Now()
	data, err := persistence.EncodeSnapshot(st, time.Now().UTC())
	if err != nil {
		return err
	}
	size, err := s.mgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	s.logger.Info().Int64("sequence", st.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

// verify waits until the log holds the snapshot's sequence, marks the
// snapshot usable for restore and prunes old ones.
func (s *snapshotter) verify(ctx context.Context, seq int64) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		latest, err := s.mgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= seq {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if err := s.mgr.MarkVerified(ctx, seq); err != nil {
		return err
	}
	if s.keep > 0 {
		if n, err := s.mgr.PruneSnapshots(ctx, s.keep); err != nil {
			s.logger.Warn().Err(err).Msg("snapshot prune failed")
		} else if n > 0 {
			s.logger.Info().Int64("pruned", n).Msg("old snapshots pruned")
		}
	}
	return nil
}
