package ingestion

import (
	"context"
	"errors"
	"fmt"

	"LevLedger/internal/event"
	"LevLedger/internal/state"
)

var (
	// ErrIngestClosed is returned once the service stops accepting commands.
	ErrIngestClosed = errors.New("ingest service closed")
	// ErrMalformedCommand wraps wire-format parse failures.
	ErrMalformedCommand = errors.New("malformed command")
)

func init() {
	state.RegisterErrorClass(state.ClassInput, ErrMalformedCommand)
}

// GRPCIngestService accepts commands from the admin gRPC surface. It is
// for operators and keepers, not bulk ingestion (use NATS for that). Both
// surfaces feed the same core channel, so ordering is still decided there.
type GRPCIngestService struct {
	eventChan chan<- event.Event
	closed    <-chan struct{}
}

func NewGRPCIngestService(eventChan chan<- event.Event, closed <-chan struct{}) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan, closed: closed}
}

// Submit queues a typed command for the core.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) error {
	if evt == nil {
		return fmt.Errorf("nil command")
	}
	select {
	case s.eventChan <- evt:
		return nil
	case <-s.closed:
		return ErrIngestClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitRaw parses a command in its NATS wire format and queues it. It
// returns the parsed command so callers can echo its idempotency key.
func (s *GRPCIngestService) SubmitRaw(ctx context.Context, eventType string, data []byte) (event.Event, error) {
	evt, err := ParseRawEvent(RawEvent{Subject: "grpc", Data: data}, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if err := s.Submit(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}
