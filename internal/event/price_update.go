// internal/event/price_update.go
package event

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PriceUpdate is an oracle price for one whole unit of Asset, scaled by 1e18.
type PriceUpdate struct {
	Asset          string       `json:"asset"`
	Price          *uint256.Int `json:"price"`
	PriceSequence  int64        `json:"price_sequence"`  // Monotonic per asset
	PriceTimestamp int64        `json:"price_timestamp"` // Epoch microseconds (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Asset, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) TokenID() *string {
	return nil
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) EventTime() int64 {
	return p.PriceTimestamp
}
