package token

import (
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// SetParams validates a params change for the owner. The new value takes
// effect when the receipt is applied.
func (t *Token) SetParams(caller common.Address, params state.Params, effectiveSeq int64) (*Receipt, error) {
	next, err := t.params.Prepare(caller, params)
	if err != nil {
		return nil, err
	}
	next.EffectiveSeq = effectiveSeq
	return &Receipt{
		TokenID: t.cfg.TokenID,
		Kind:    OpSetParams,
		Params:  &next,
	}, nil
}
