package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypePriceUpdate
	EventTypeInitializeToken
	EventTypeMintShares
	EventTypeBurnShares
	EventTypeRebalance
	EventTypeSetParams
)

var eventTypeNames = map[EventType]string{
	EventTypeDepositConfirmed:    "DepositConfirmed",
	EventTypeWithdrawalRequested: "WithdrawalRequested",
	EventTypePriceUpdate:         "PriceUpdate",
	EventTypeInitializeToken:     "InitializeToken",
	EventTypeMintShares:          "MintShares",
	EventTypeBurnShares:          "BurnShares",
	EventTypeRebalance:           "Rebalance",
	EventTypeSetParams:           "SetParams",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et, name := range eventTypeNames {
		if name == s {
			return et
		}
	}
	return EventTypeUnknown
}

// Outcome records whether a command changed state.
type Outcome int32

const (
	OutcomeCommitted Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	if o == OutcomeRejected {
		return "rejected"
	}
	return "committed"
}

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Token context (nil for global commands)
	TokenID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command, decodable with DecodePayload
	Payload []byte

	Outcome Outcome

	// Set for rejected commands
	RejectReason string
	ErrorClass   string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// TokenID returns the token context (nil for global commands)
	TokenID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime is the versioned input time in epoch microseconds
	EventTime() int64
}
