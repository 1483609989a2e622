package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// WithdrawalRequested moves funds out of a wallet to custody. It is rejected
// when the wallet cannot cover the amount.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID      `json:"withdrawal_id"`
	Account      common.Address `json:"account"`
	Asset        string         `json:"asset"`
	Amount       *uint256.Int   `json:"amount"`
	Sequence     int64          `json:"sequence"`
	Timestamp    int64          `json:"timestamp"`
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) TokenID() *string {
	return nil
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawalRequested) EventTime() int64 {
	return w.Timestamp
}
