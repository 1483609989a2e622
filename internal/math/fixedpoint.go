// internal/math/fixedpoint.go
package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// WadDecimals is the precision of ratios (leverage, fees, incentives) and shares.
const WadDecimals = 18

var (
	// Wad is 1e18, the fixed-point unit.
	Wad = uint256.NewInt(1_000_000_000_000_000_000)
	// TwoWad is a 2.0x leverage ratio.
	TwoWad = uint256.NewInt(2_000_000_000_000_000_000)
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrUnderflow      = errors.New("fixed-point underflow")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // toward zero
	RoundUp                       // away from zero when a remainder exists
)

func (m RoundingMode) String() string {
	if m == RoundUp {
		return "up"
	}
	return "down"
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulDiv computes x * y / d with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			if _, carry := q.AddOverflow(q, uint256.NewInt(1)); carry {
				return nil, ErrOverflow
			}
		}
	}

	return q, nil
}

// WadMul computes x * y / 1e18.
func WadMul(x, y *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, y, Wad, mode)
}

// WadDiv computes x * 1e18 / y.
func WadDiv(x, y *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, Wad, y, mode)
}

// Add returns x + y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y or ErrUnderflow.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// SubFloor returns max(x - y, 0).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return Zero()
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// Pow10 returns 10^n for n <= 77.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// Rescale converts an amount between fractional-unit precisions.
func Rescale(amount *uint256.Int, fromDecimals, toDecimals uint8, mode RoundingMode) (*uint256.Int, error) {
	switch {
	case fromDecimals == toDecimals:
		return amount.Clone(), nil
	case fromDecimals < toDecimals:
		return MulDiv(amount, Pow10(toDecimals-fromDecimals), uint256.NewInt(1), mode)
	default:
		return MulDiv(amount, uint256.NewInt(1), Pow10(fromDecimals-toDecimals), mode)
	}
}

// ParseAmount parses a base-10 integer string. Empty input is zero.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return Zero(), nil
	}
	return uint256.FromDecimal(s)
}

// MustAmount parses a base-10 integer string and panics on error. Intended for
// constants and tests.
func MustAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Units returns whole * 10^decimals.
func Units(whole uint64, decimals uint8) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(whole), Pow10(decimals))
}

// FormatAmount renders an amount with its decimal point for logs and APIs.
func FormatAmount(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	s := amount.Dec()
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	for len(s) <= d {
		s = "0" + s
	}
	intPart, frac := s[:len(s)-d], s[len(s)-d:]
	for len(frac) > 0 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	if frac == "" {
		return intPart
	}
	return intPart + "." + frac
}
