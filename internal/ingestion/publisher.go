package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"LevLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes sequenced commands to NATS for downstream
// consumers, after persistence has accepted them.
// Subjects follow the pattern lev.ledger.events.{event_type}[.{token_id}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is a sequenced command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	TokenID        *string         `json:"token_id,omitempty"`
	Outcome        string          `json:"outcome"`
	ErrorClass     string          `json:"error_class,omitempty"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Receipt        interface{}     `json:"receipt,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
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
				// Non-fatal: downstream consumers can read the event log directly.
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// OutboundSubject builds the subject an event is published on.
func OutboundSubject(evt PublishableEvent) string {
	subject := fmt.Sprintf("lev.ledger.events.%s", evt.EventType)
	if evt.TokenID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.TokenID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Sequence doubles as the JetStream dedup id, so a republish after
	// restart is dropped by the server.
	_, err = op.js.Publish(ctx, OutboundSubject(evt), data, jetstream.WithMsgID(fmt.Sprintf("%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	cfg := streamConfig(streamOutput, "lev.ledger.events.>")
	cfg.Duplicates = 10 * time.Minute
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", streamOutput).Msg("ensured outbound stream")
	return nil
}
