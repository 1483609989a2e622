package state

import (
	"fmt"

	fpmath "LevLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Params is the rebalancing and fee configuration of one leveraged token.
// All ratios are fixed-point with scale 1e18.
type Params struct {
	MinLeverageRatio *uint256.Int `json:"min_leverage_ratio"`
	MaxLeverageRatio *uint256.Int `json:"max_leverage_ratio"`
	Step             *uint256.Int `json:"step"`      // max leverage delta per rebalance call
	MaxDrift         *uint256.Int `json:"max_drift"` // drift at which the incentive saturates
	MaxIncentive     *uint256.Int `json:"max_incentive"`
	Fees             *uint256.Int `json:"fees"`       // charged on mint and burn, in shares
	MaxMint          *uint256.Int `json:"max_mint"`   // shares per mint, zero = unlimited
	MaxSupply        *uint256.Int `json:"max_supply"` // total shares, zero = unlimited
	EffectiveSeq     int64        `json:"effective_seq"`
}

var (
	MinLeverageFloor   = fpmath.MustAmount("1200000000000000000") // 1.2x
	MaxLeverageCeiling = fpmath.MustAmount("3000000000000000000") // 3x
	MinStep            = fpmath.MustAmount("150000000000000000")  // 0.15x
	MaxStep            = fpmath.MustAmount("500000000000000000")  // 0.5x
	MinMaxDrift        = fpmath.MustAmount("50000000000000000")   // 0.05x
	MaxMaxDrift        = fpmath.MustAmount("1000000000000000000") // 1x
	MaxIncentiveCap    = fpmath.MustAmount("200000000000000000")  // 20%
	MaxFees            = fpmath.MustAmount("100000000000000000")  // 10%
)

// DefaultParams is a 1.7x-2.3x band around 2x.
func DefaultParams() Params {
	return Params{
		MinLeverageRatio: fpmath.MustAmount("1700000000000000000"),
		MaxLeverageRatio: fpmath.MustAmount("2300000000000000000"),
		Step:             fpmath.MustAmount("300000000000000000"),
		MaxDrift:         fpmath.MustAmount("400000000000000000"),
		MaxIncentive:     fpmath.MustAmount("100000000000000000"),
		Fees:             fpmath.MustAmount("1000000000000000"),
		MaxMint:          fpmath.Zero(),
		MaxSupply:        fpmath.Zero(),
	}
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	return Params{
		MinLeverageRatio: cloneOrZero(p.MinLeverageRatio),
		MaxLeverageRatio: cloneOrZero(p.MaxLeverageRatio),
		Step:             cloneOrZero(p.Step),
		MaxDrift:         cloneOrZero(p.MaxDrift),
		MaxIncentive:     cloneOrZero(p.MaxIncentive),
		Fees:             cloneOrZero(p.Fees),
		MaxMint:          cloneOrZero(p.MaxMint),
		MaxSupply:        cloneOrZero(p.MaxSupply),
		EffectiveSeq:     p.EffectiveSeq,
	}
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return fpmath.Zero()
	}
	return v.Clone()
}

// ValidateParams checks every field against its range and against the others.
// A params value is only ever accepted as a whole.
func ValidateParams(p Params) error {
	for name, v := range map[string]*uint256.Int{
		"min_leverage_ratio": p.MinLeverageRatio,
		"max_leverage_ratio": p.MaxLeverageRatio,
		"step":               p.Step,
		"max_drift":          p.MaxDrift,
		"max_incentive":      p.MaxIncentive,
		"fees":               p.Fees,
	} {
		if v == nil {
			return fmt.Errorf("%w: %s is required", ErrInvalidParams, name)
		}
	}

	if p.MinLeverageRatio.Lt(MinLeverageFloor) || p.MaxLeverageRatio.Gt(MaxLeverageCeiling) {
		return fmt.Errorf("%w: leverage bounds [%s, %s] outside [%s, %s]", ErrInvalidLeverageBounds,
			p.MinLeverageRatio.Dec(), p.MaxLeverageRatio.Dec(), MinLeverageFloor.Dec(), MaxLeverageCeiling.Dec())
	}
	if !p.MinLeverageRatio.Lt(p.MaxLeverageRatio) {
		return fmt.Errorf("%w: min %s must be < max %s", ErrInvalidLeverageBounds,
			p.MinLeverageRatio.Dec(), p.MaxLeverageRatio.Dec())
	}

	if p.Step.Lt(MinStep) || p.Step.Gt(MaxStep) {
		return fmt.Errorf("%w: step %s outside [%s, %s]", ErrInvalidStep, p.Step.Dec(), MinStep.Dec(), MaxStep.Dec())
	}
	halfSpread := new(uint256.Int).Sub(p.MaxLeverageRatio, p.MinLeverageRatio)
	halfSpread.Rsh(halfSpread, 1)
	if p.Step.Gt(halfSpread) {
		return fmt.Errorf("%w: step %s exceeds half the leverage spread %s", ErrInvalidStep, p.Step.Dec(), halfSpread.Dec())
	}

	if p.MaxDrift.Lt(MinMaxDrift) || p.MaxDrift.Gt(MaxMaxDrift) {
		return fmt.Errorf("%w: max_drift %s outside [%s, %s]", ErrInvalidDrift, p.MaxDrift.Dec(), MinMaxDrift.Dec(), MaxMaxDrift.Dec())
	}

	if p.MaxIncentive.IsZero() || p.MaxIncentive.Gt(MaxIncentiveCap) {
		return fmt.Errorf("%w: max_incentive %s outside (0, %s]", ErrInvalidIncentive, p.MaxIncentive.Dec(), MaxIncentiveCap.Dec())
	}

	if p.Fees.Gt(MaxFees) {
		return fmt.Errorf("%w: fees %s exceed %s", ErrInvalidFees, p.Fees.Dec(), MaxFees.Dec())
	}

	if p.MaxMint != nil && p.MaxSupply != nil && !p.MaxMint.IsZero() && !p.MaxSupply.IsZero() && p.MaxMint.Gt(p.MaxSupply) {
		return fmt.Errorf("%w: max_mint %s exceeds max_supply %s", ErrInvalidParams, p.MaxMint.Dec(), p.MaxSupply.Dec())
	}

	return nil
}

// ParamsManager holds the live params of one token and its owner.
type ParamsManager struct {
	owner  common.Address
	params Params
}

func NewParamsManager(owner common.Address, params Params) (*ParamsManager, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	return &ParamsManager{owner: owner, params: params.Clone()}, nil
}

func (pm *ParamsManager) Owner() common.Address {
	return pm.owner
}

// Params returns a copy of the live params.
func (pm *ParamsManager) Params() Params {
	return pm.params.Clone()
}

// Authorize is the single ownership predicate for mutating calls.
func (pm *ParamsManager) Authorize(caller common.Address) error {
	if caller != pm.owner {
		return fmt.Errorf("%w: %s is not owner %s", ErrUnauthorized, caller.Hex(), pm.owner.Hex())
	}
	return nil
}

// Prepare checks caller and params without mutating anything.
func (pm *ParamsManager) Prepare(caller common.Address, params Params) (Params, error) {
	if err := pm.Authorize(caller); err != nil {
		return Params{}, err
	}
	if err := ValidateParams(params); err != nil {
		return Params{}, fmt.Errorf("invalid params: %w", err)
	}
	return params.Clone(), nil
}

// UpdateParams swaps in a validated params value.
func (pm *ParamsManager) UpdateParams(caller common.Address, params Params) error {
	next, err := pm.Prepare(caller, params)
	if err != nil {
		return err
	}
	pm.params = next
	return nil
}

// Restore replaces params from a snapshot without the owner check.
func (pm *ParamsManager) Restore(params Params) error {
	if err := ValidateParams(params); err != nil {
		return err
	}
	pm.params = params.Clone()
	return nil
}
