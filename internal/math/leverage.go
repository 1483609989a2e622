// internal/math/leverage.go
package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrInsolvent is returned when collateral value no longer covers debt.
var ErrInsolvent = errors.New("net asset value is not positive")

// PerShare returns total per one whole share (18 decimals). Zero supply yields zero.
func PerShare(total, supply *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if supply.IsZero() {
		return Zero(), nil
	}
	return MulDiv(total, Wad, supply, mode)
}

// ProRata returns total * part / whole, the slice of a total backing part of
// the supply.
func ProRata(total, part, whole *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(total, part, whole, mode)
}

// NAV returns collateralValue - debt, both in debt precision.
func NAV(collateralValue, debt *uint256.Int) (*uint256.Int, error) {
	if !collateralValue.Gt(debt) {
		return nil, ErrInsolvent
	}
	return new(uint256.Int).Sub(collateralValue, debt), nil
}

// LeverageRatio returns collateralValue * 1e18 / (collateralValue - debt).
func LeverageRatio(collateralValue, debt *uint256.Int) (*uint256.Int, error) {
	nav, err := NAV(collateralValue, debt)
	if err != nil {
		return nil, err
	}
	return MulDiv(collateralValue, Wad, nav, RoundDown)
}

// RebalanceDelta solves Dr = D + dL*V for the debt change dL*V.
func RebalanceDelta(deltaLeverage, nav *uint256.Int) (*uint256.Int, error) {
	return WadMul(deltaLeverage, nav, RoundDown)
}

// Direction of a leverage correction.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp             // ratio below the band
	DirectionDown           // ratio above the band
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "leverage_up"
	case DirectionDown:
		return "leverage_down"
	default:
		return "none"
	}
}

// Drift returns which side of the [min, max] band ratio sits on and how far
// past the bound it is. Inside the band the drift is zero.
func Drift(ratio, min, max *uint256.Int) (Direction, *uint256.Int) {
	switch {
	case ratio.Lt(min):
		return DirectionUp, new(uint256.Int).Sub(min, ratio)
	case ratio.Gt(max):
		return DirectionDown, new(uint256.Int).Sub(ratio, max)
	default:
		return DirectionNone, Zero()
	}
}

// IncentiveRate interpolates linearly from 0 at zero drift to maxIncentive at
// maxDrift and stays clamped beyond it.
func IncentiveRate(drift, maxDrift, maxIncentive *uint256.Int) (*uint256.Int, error) {
	if maxDrift.IsZero() {
		return nil, ErrDivisionByZero
	}
	if !drift.Lt(maxDrift) {
		return maxIncentive.Clone(), nil
	}
	return MulDiv(maxIncentive, drift, maxDrift, RoundDown)
}

// ApplyRate returns amount * rate / 1e18.
func ApplyRate(amount, rate *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return WadMul(amount, rate, mode)
}

// Discount returns amount * 1e18 / (1e18 + rate), the input whose value plus
// incentive equals amount.
func Discount(amount, rate *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	denom, err := Add(Wad, rate)
	if err != nil {
		return nil, err
	}
	return MulDiv(amount, Wad, denom, mode)
}

// Distance returns |a - b|.
func Distance(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}
