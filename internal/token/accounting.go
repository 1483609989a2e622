package token

import (
	"fmt"

	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"

	"github.com/holiman/uint256"
)

// Accounting holds the derived figures of a position. Per-share values are
// per one whole share; values are in debt precision.
type Accounting struct {
	CollateralPerShare      *uint256.Int
	DebtPerShare            *uint256.Int
	CollateralValuePerShare *uint256.Int
	NAVPerShare             *uint256.Int
	LeverageRatio           *uint256.Int
	CollateralValue         *uint256.Int
	TotalValue              *uint256.Int
}

func zeroAccounting() Accounting {
	return Accounting{
		CollateralPerShare:      fpmath.Zero(),
		DebtPerShare:            fpmath.Zero(),
		CollateralValuePerShare: fpmath.Zero(),
		NAVPerShare:             fpmath.Zero(),
		LeverageRatio:           fpmath.Zero(),
		CollateralValue:         fpmath.Zero(),
		TotalValue:              fpmath.Zero(),
	}
}

// ComputeAccounting derives per-share figures and the leverage ratio. All
// divisions floor. An uninitialized position yields zeros; a position whose
// collateral no longer covers its debt yields ErrInsolvent.
func ComputeAccounting(s Snapshot, o oracle.Oracle) (Accounting, error) {
	pos := s.Position
	if !pos.IsInitialized || pos.TotalSupply.IsZero() {
		return zeroAccounting(), nil
	}

	cps, err := fpmath.PerShare(pos.TotalCollateral, pos.TotalSupply, fpmath.RoundDown)
	if err != nil {
		return Accounting{}, fmt.Errorf("collateral per share: %w", err)
	}
	dps, err := fpmath.PerShare(pos.TotalDebt, pos.TotalSupply, fpmath.RoundDown)
	if err != nil {
		return Accounting{}, fmt.Errorf("debt per share: %w", err)
	}
	cvps, err := o.TotalValue(s.Config.CollateralAsset, s.Config.DebtAsset, cps)
	if err != nil {
		return Accounting{}, err
	}
	nav, err := fpmath.NAV(cvps, dps)
	if err != nil {
		return Accounting{}, fmt.Errorf("token %s: %w", s.Config.TokenID, err)
	}
	ratio, err := fpmath.MulDiv(cvps, fpmath.Wad, nav, fpmath.RoundDown)
	if err != nil {
		return Accounting{}, err
	}

	cv, err := o.TotalValue(s.Config.CollateralAsset, s.Config.DebtAsset, pos.TotalCollateral)
	if err != nil {
		return Accounting{}, err
	}
	total, err := fpmath.NAV(cv, pos.TotalDebt)
	if err != nil {
		return Accounting{}, fmt.Errorf("token %s: %w", s.Config.TokenID, err)
	}

	return Accounting{
		CollateralPerShare:      cps,
		DebtPerShare:            dps,
		CollateralValuePerShare: cvps,
		NAVPerShare:             nav,
		LeverageRatio:           ratio,
		CollateralValue:         cv,
		TotalValue:              total,
	}, nil
}
