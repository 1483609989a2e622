package event

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a command for the event log.
func EncodePayload(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// DecodePayload restores a command written by EncodePayload.
func DecodePayload(et EventType, data []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeDepositConfirmed:
		evt = &DepositConfirmed{}
	case EventTypeWithdrawalRequested:
		evt = &WithdrawalRequested{}
	case EventTypePriceUpdate:
		evt = &PriceUpdate{}
	case EventTypeInitializeToken:
		evt = &InitializeToken{}
	case EventTypeMintShares:
		evt = &MintShares{}
	case EventTypeBurnShares:
		evt = &BurnShares{}
	case EventTypeRebalance:
		evt = &Rebalance{}
	case EventTypeSetParams:
		evt = &SetParams{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
