package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that, per asset, internal balances equal what
// external accounts have issued.
func (v *InvariantValidator) ValidateConservation() error {
	for assetID, pair := range v.tracker.ComputeGlobalBalance() {
		if !pair[0].Eq(pair[1]) {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("conservation broken for %s: internal=%s external=%s",
				assetName, pair[0].Dec(), pair[1].Dec())
		}
	}
	return nil
}

// ValidateWalletEmpty verifies that addr holds none of the given assets.
func (v *InvariantValidator) ValidateWalletEmpty(addr common.Address, assets ...AssetID) error {
	for _, assetID := range assets {
		if bal := v.tracker.GetWalletBalance(addr, assetID); !bal.IsZero() {
			return fmt.Errorf("%s holds residual %s", WalletKey(addr, assetID).AccountPath(), bal.Dec())
		}
	}
	return nil
}
