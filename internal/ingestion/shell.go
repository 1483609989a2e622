package ingestion

import (
	"context"
	"strings"

	"LevLedger/internal/event"
	"LevLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Shell turns raw NATS messages into typed commands for the core. Messages
// are acked once queued on the core channel, not after processing, so slow
// core processing cannot expire AckWait and a full channel pushes back on
// NATS.
type Shell struct {
	prefixes map[string]string // subject prefix -> event type
	out      chan<- event.Event
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewShell(subjects []SubjectConfig, out chan<- event.Event, metrics *observability.Metrics) *Shell {
	prefixes := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return &Shell{
		prefixes: prefixes,
		out:      out,
		metrics:  metrics,
		logger:   observability.NewLogger("ingestion"),
	}
}

// Run consumes raw messages until ctx is done or in is closed.
func (s *Shell) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			if !s.handle(ctx, raw) {
				return ctx.Err()
			}
		}
	}
}

// handle returns false when ctx ended before the command could be queued.
func (s *Shell) handle(ctx context.Context, raw RawEvent) bool {
	eventType := s.ResolveEventType(raw.Subject)
	if eventType == "" {
		s.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		s.drop(raw, "unknown_subject")
		return true
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse failed")
		s.drop(raw, "parse")
		return true
	}

	select {
	case s.out <- evt:
		if raw.AckFunc != nil {
			raw.AckFunc()
		}
		return true
	case <-ctx.Done():
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return false
	}
}

// drop acks an invalid message so it is not redelivered forever.
func (s *Shell) drop(raw RawEvent, reason string) {
	if s.metrics != nil {
		s.metrics.CoreEventsRejected.WithLabelValues("raw", reason).Inc()
	}
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

// ResolveEventType finds the command type for a subject by longest prefix.
func (s *Shell) ResolveEventType(subject string) string {
	best, bestType := "", ""
	for prefix, evtType := range s.prefixes {
		if (subject == prefix || strings.HasPrefix(subject, prefix+".")) && len(prefix) > len(best) {
			best, bestType = prefix, evtType
		}
	}
	return bestType
}
