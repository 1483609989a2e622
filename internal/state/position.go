// internal/state/position.go
package state

import (
	"encoding/binary"

	fpmath "LevLedger/internal/math"

	"github.com/holiman/uint256"
)

// Position is the cached lending-pool position backing one token. Totals are
// written once per committed operation from the pool's own balances.
type Position struct {
	TokenID         string       `json:"token_id"`
	TotalCollateral *uint256.Int `json:"total_collateral"` // collateral precision
	TotalDebt       *uint256.Int `json:"total_debt"`       // debt precision
	TotalSupply     *uint256.Int `json:"total_supply"`     // shares, 18 decimals
	IsInitialized   bool         `json:"is_initialized"`
	Version         int64        `json:"version"`
}

func NewPosition(tokenID string) *Position {
	return &Position{
		TokenID:         tokenID,
		TotalCollateral: fpmath.Zero(),
		TotalDebt:       fpmath.Zero(),
		TotalSupply:     fpmath.Zero(),
	}
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	return &Position{
		TokenID:         p.TokenID,
		TotalCollateral: p.TotalCollateral.Clone(),
		TotalDebt:       p.TotalDebt.Clone(),
		TotalSupply:     p.TotalSupply.Clone(),
		IsInitialized:   p.IsInitialized,
		Version:         p.Version,
	}
}

// CheckInvariant verifies that an initialized position has shares outstanding.
// Solvency is checked by the caller, which has prices.
func (p *Position) CheckInvariant() error {
	if p.IsInitialized && p.TotalSupply.IsZero() {
		return ErrInsolvent
	}
	return nil
}

// CanonicalBytes returns deterministic bytes for state hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, len(p.TokenID)+3*32+1+8)
	buf = append(buf, p.TokenID...)
	c := p.TotalCollateral.Bytes32()
	d := p.TotalDebt.Bytes32()
	s := p.TotalSupply.Bytes32()
	buf = append(buf, c[:]...)
	buf = append(buf, d[:]...)
	buf = append(buf, s[:]...)
	if p.IsInitialized {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Version))
	return buf
}
