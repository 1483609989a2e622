// Package oracle converts asset quantities using reference prices.
package oracle

import (
	"errors"
	"fmt"

	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/state"

	"github.com/holiman/uint256"
)

var (
	ErrAssetNotConfigured = errors.New("oracle: asset not configured")
	ErrZeroPrice          = errors.New("oracle: zero price")
)

func init() {
	state.RegisterErrorClass(state.ClassExternal, ErrAssetNotConfigured, ErrZeroPrice)
}

// Oracle prices assets in a common base unit with 18 decimals.
type Oracle interface {
	// Price returns the base-unit price of one whole unit of asset.
	Price(asset ledger.AssetID) (*uint256.Int, error)
	// PriceOf returns how many quote units one whole base unit is worth.
	PriceOf(base, quote ledger.AssetID) (*uint256.Int, error)
	// TotalValue returns the value of amount base units in quote units, floored.
	TotalValue(base, quote ledger.AssetID, amount *uint256.Int) (*uint256.Int, error)
}

// Convert prices amount of base in quote units with an explicit rounding mode.
func Convert(o Oracle, base, quote ledger.AssetID, amount *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	pb, err := o.Price(base)
	if err != nil {
		return nil, err
	}
	pq, err := o.Price(quote)
	if err != nil {
		return nil, err
	}
	bd, err := ledger.Decimals(base)
	if err != nil {
		return nil, err
	}
	qd, err := ledger.Decimals(quote)
	if err != nil {
		return nil, err
	}

	// amount * pb * 10^qd / (pq * 10^bd)
	num, err := fpmath.MulDiv(pb, fpmath.Pow10(qd), uint256.NewInt(1), fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	den, err := fpmath.MulDiv(pq, fpmath.Pow10(bd), uint256.NewInt(1), fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	return fpmath.MulDiv(amount, num, den, mode)
}
