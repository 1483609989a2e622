// internal/event/deposit.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DepositConfirmed credits a custody-confirmed deposit to a wallet.
type DepositConfirmed struct {
	DepositID uuid.UUID      `json:"deposit_id"`
	Account   common.Address `json:"account"`
	Asset     string         `json:"asset"`
	Amount    *uint256.Int   `json:"amount"`
	Sequence  int64          `json:"sequence"`
	Timestamp int64          `json:"timestamp"` // epoch microseconds
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) TokenID() *string {
	return nil // Global command
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}

func (d *DepositConfirmed) EventTime() int64 {
	return d.Timestamp
}
