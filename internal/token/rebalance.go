package token

import (
	"fmt"

	"LevLedger/internal/ledger"
	"LevLedger/internal/lending"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RebalanceOp is one of the four push/pull primitives.
type RebalanceOp string

const (
	// PushCollateral: caller supplies an exact collateral amount and receives
	// its debt value plus incentive. Leverage up.
	PushCollateral RebalanceOp = "push_collateral"
	// PullDebt: caller asks for an exact debt amount and pays its discounted
	// value in collateral. Leverage up.
	PullDebt RebalanceOp = "pull_debt"
	// PushDebt: caller repays an exact debt amount and receives its
	// collateral value plus incentive. Leverage down.
	PushDebt RebalanceOp = "push_debt"
	// PullCollateral: caller asks for an exact collateral amount and repays
	// its discounted value in debt. Leverage down.
	PullCollateral RebalanceOp = "pull_collateral"
)

func ParseRebalanceOp(s string) (RebalanceOp, error) {
	switch op := RebalanceOp(s); op {
	case PushCollateral, PullDebt, PushDebt, PullCollateral:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", state.ErrUnsupportedRebalanceOp, s)
}

func (op RebalanceOp) direction() fpmath.Direction {
	switch op {
	case PushCollateral, PullDebt:
		return fpmath.DirectionUp
	case PushDebt, PullCollateral:
		return fpmath.DirectionDown
	}
	return fpmath.DirectionNone
}

// exactIn reports whether the caller fixes the input side.
func (op RebalanceOp) exactIn() bool {
	return op == PushCollateral || op == PushDebt
}

type RebalanceRequest struct {
	Caller       common.Address
	Recipient    common.Address
	Op           RebalanceOp
	Amount       *uint256.Int // input for push ops, output for pull ops
	MinAmountOut *uint256.Int // optional, push ops
	MaxAmountIn  *uint256.Int // optional, pull ops
}

type RebalanceResult struct {
	Op             RebalanceOp      `json:"op"`
	Direction      fpmath.Direction `json:"direction"`
	AssetIn        ledger.AssetID   `json:"asset_in"`
	AssetOut       ledger.AssetID   `json:"asset_out"`
	AmountIn       *uint256.Int     `json:"amount_in"`
	AmountOut      *uint256.Int     `json:"amount_out"`
	Incentive      *uint256.Int     `json:"incentive"` // in AssetOut units
	IncentiveRate  *uint256.Int     `json:"incentive_rate"`
	LeverageBefore *uint256.Int     `json:"leverage_before"`
	LeverageAfter  *uint256.Int     `json:"leverage_after"`
}

// Quote is a priced rebalance trade.
type Quote struct {
	Op        RebalanceOp
	AssetIn   ledger.AssetID
	AssetOut  ledger.AssetID
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Incentive *uint256.Int
}

// rebalancePlan is everything a trade is priced from. It is computed from a
// snapshot so Probe can run without touching live state.
type rebalancePlan struct {
	snap      Snapshot
	oracle    oracle.Oracle
	direction fpmath.Direction
	ratio     *uint256.Int
	drift     *uint256.Int
	rate      *uint256.Int
	nav       *uint256.Int
	maxDebt   *uint256.Int // step * NAV, debt units
}

func planRebalance(s Snapshot, o oracle.Oracle) (*rebalancePlan, error) {
	if !s.Position.IsInitialized {
		return nil, fmt.Errorf("%w: %s", state.ErrNotInitialized, s.Config.TokenID)
	}
	acct, err := ComputeAccounting(s, o)
	if err != nil {
		return nil, err
	}
	p := s.Params
	dir, drift := fpmath.Drift(acct.LeverageRatio, p.MinLeverageRatio, p.MaxLeverageRatio)
	rate, err := fpmath.IncentiveRate(drift, p.MaxDrift, p.MaxIncentive)
	if err != nil {
		return nil, err
	}
	maxDebt, err := fpmath.RebalanceDelta(p.Step, acct.TotalValue)
	if err != nil {
		return nil, err
	}
	return &rebalancePlan{
		snap:      s,
		oracle:    o,
		direction: dir,
		ratio:     acct.LeverageRatio,
		drift:     drift,
		rate:      rate,
		nav:       acct.TotalValue,
		maxDebt:   maxDebt,
	}, nil
}

func (p *rebalancePlan) collateralToDebt(amount *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	return oracle.Convert(p.oracle, p.snap.Config.CollateralAsset, p.snap.Config.DebtAsset, amount, mode)
}

func (p *rebalancePlan) debtToCollateral(amount *uint256.Int, mode fpmath.RoundingMode) (*uint256.Int, error) {
	return oracle.Convert(p.oracle, p.snap.Config.DebtAsset, p.snap.Config.CollateralAsset, amount, mode)
}

// debtCap bounds the debt moved by one leverage-down call.
func (p *rebalancePlan) debtCap() *uint256.Int {
	return fpmath.Min(p.maxDebt, p.snap.Position.TotalDebt)
}

// defaultOp is the exact-input primitive for the current drift.
func (p *rebalancePlan) defaultOp() RebalanceOp {
	if p.direction == fpmath.DirectionDown {
		return PushDebt
	}
	return PushCollateral
}

// maxAmount is the largest amount accepted for op.
func (p *rebalancePlan) maxAmount(op RebalanceOp) (*uint256.Int, error) {
	switch op {
	case PushCollateral:
		return p.debtToCollateral(p.maxDebt, fpmath.RoundDown)
	case PullDebt:
		return p.maxDebt.Clone(), nil
	case PushDebt:
		return p.debtCap(), nil
	case PullCollateral:
		// Largest collateral out whose discounted debt value fits the cap.
		grossed, err := fpmath.MulDiv(p.debtCap(), new(uint256.Int).Add(fpmath.Wad, p.rate), fpmath.Wad, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		out, err := p.debtToCollateral(grossed, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		return fpmath.Min(out, p.snap.Position.TotalCollateral), nil
	}
	return nil, fmt.Errorf("%w: %q", state.ErrUnsupportedRebalanceOp, op)
}

// quote prices op for amount, rejecting trades on the wrong side of the band
// and trades outside (0, max].
func (p *rebalancePlan) quote(op RebalanceOp, amount *uint256.Int) (*Quote, error) {
	want := op.direction()
	if want == fpmath.DirectionNone {
		return nil, fmt.Errorf("%w: %q", state.ErrUnsupportedRebalanceOp, op)
	}
	if p.direction != want {
		return nil, fmt.Errorf("%w: leverage %s needs %s, %s is %s", state.ErrBalanced,
			p.ratio.Dec(), p.direction, op, want)
	}
	if isZero(amount) {
		if op.exactIn() {
			return nil, state.ErrAmountInTooLow
		}
		return nil, state.ErrAmountOutTooLow
	}

	cfg := p.snap.Config
	pos := p.snap.Position
	q := &Quote{Op: op}

	switch op {
	case PushCollateral:
		maxIn, err := p.maxAmount(op)
		if err != nil {
			return nil, err
		}
		if amount.Gt(maxIn) {
			return nil, fmt.Errorf("%w: %s > %s", state.ErrAmountInTooHigh, amount.Dec(), maxIn.Dec())
		}
		fair, err := p.collateralToDebt(amount, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		if fair.IsZero() {
			return nil, fmt.Errorf("%w: %s prices to zero debt", state.ErrAmountInTooLow, amount.Dec())
		}
		inc, err := fpmath.ApplyRate(fair, p.rate, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		q.AssetIn, q.AssetOut = cfg.CollateralAsset, cfg.DebtAsset
		q.AmountIn, q.AmountOut, q.Incentive = amount.Clone(), new(uint256.Int).Add(fair, inc), inc

	case PullDebt:
		if amount.Gt(p.maxDebt) {
			return nil, fmt.Errorf("%w: %s > %s", state.ErrAmountOutTooHigh, amount.Dec(), p.maxDebt.Dec())
		}
		base, err := fpmath.Discount(amount, p.rate, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
		in, err := p.debtToCollateral(base, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
		if in.IsZero() {
			return nil, fmt.Errorf("%w: %s prices to zero collateral", state.ErrAmountOutTooLow, amount.Dec())
		}
		q.AssetIn, q.AssetOut = cfg.CollateralAsset, cfg.DebtAsset
		q.AmountIn, q.AmountOut, q.Incentive = in, amount.Clone(), fpmath.SubFloor(amount, base)

	case PushDebt:
		maxIn := p.debtCap()
		if amount.Gt(maxIn) {
			return nil, fmt.Errorf("%w: %s > %s", state.ErrAmountInTooHigh, amount.Dec(), maxIn.Dec())
		}
		fair, err := p.debtToCollateral(amount, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		if fair.IsZero() {
			return nil, fmt.Errorf("%w: %s prices to zero collateral", state.ErrAmountInTooLow, amount.Dec())
		}
		inc, err := fpmath.ApplyRate(fair, p.rate, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		out := new(uint256.Int).Add(fair, inc)
		if out.Gt(pos.TotalCollateral) {
			return nil, fmt.Errorf("%w: pays %s collateral, position holds %s", state.ErrAmountInTooHigh, out.Dec(), pos.TotalCollateral.Dec())
		}
		q.AssetIn, q.AssetOut = cfg.DebtAsset, cfg.CollateralAsset
		q.AmountIn, q.AmountOut, q.Incentive = amount.Clone(), out, inc

	case PullCollateral:
		if amount.Gt(pos.TotalCollateral) {
			return nil, fmt.Errorf("%w: %s > %s", state.ErrAmountOutTooHigh, amount.Dec(), pos.TotalCollateral.Dec())
		}
		base, err := fpmath.Discount(amount, p.rate, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
		in, err := p.collateralToDebt(base, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
		if in.IsZero() {
			return nil, fmt.Errorf("%w: %s prices to zero debt", state.ErrAmountOutTooLow, amount.Dec())
		}
		if maxIn := p.debtCap(); in.Gt(maxIn) {
			return nil, fmt.Errorf("%w: costs %s debt, cap %s", state.ErrAmountOutTooHigh, in.Dec(), maxIn.Dec())
		}
		q.AssetIn, q.AssetOut = cfg.DebtAsset, cfg.CollateralAsset
		q.AmountIn, q.AmountOut, q.Incentive = in, amount.Clone(), fpmath.SubFloor(amount, base)
	}
	return q, nil
}

// project returns the position a quote would produce, before any pool
// rounding.
func (p *rebalancePlan) project(q *Quote) (*state.Position, error) {
	next := p.snap.Position.Clone()
	var err error
	if q.Op.direction() == fpmath.DirectionUp {
		if next.TotalCollateral, err = fpmath.Add(next.TotalCollateral, q.AmountIn); err != nil {
			return nil, err
		}
		if next.TotalDebt, err = fpmath.Add(next.TotalDebt, q.AmountOut); err != nil {
			return nil, err
		}
		return next, nil
	}
	if next.TotalCollateral, err = fpmath.Sub(next.TotalCollateral, q.AmountOut); err != nil {
		return nil, err
	}
	if next.TotalDebt, err = fpmath.Sub(next.TotalDebt, q.AmountIn); err != nil {
		return nil, err
	}
	return next, nil
}

// exactLeverage is the leverage of pos's totals with values carried at 1e18
// times debt precision, so moves below per-share resolution still register.
func (p *rebalancePlan) exactLeverage(pos *state.Position) (*uint256.Int, error) {
	collateral, overflow := new(uint256.Int).MulOverflow(pos.TotalCollateral, fpmath.Wad)
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	debt, overflow := new(uint256.Int).MulOverflow(pos.TotalDebt, fpmath.Wad)
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	value, err := p.collateralToDebt(collateral, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.LeverageRatio(value, debt)
}

// checkMove requires the new ratio to be strictly closer to the band without
// crossing the opposite bound. A trade that moves the exact ratio the right
// way but too little to show in the per-share ratio is rejected as too small.
func (p *rebalancePlan) checkMove(op RebalanceOp, next *state.Position) (*uint256.Int, error) {
	snap := p.snap
	snap.Position = next
	acct, err := ComputeAccounting(snap, p.oracle)
	if err != nil {
		return nil, err
	}
	exactBefore, err := p.exactLeverage(p.snap.Position)
	if err != nil {
		return nil, err
	}
	exactAfter, err := p.exactLeverage(next)
	if err != nil {
		return nil, err
	}

	after := acct.LeverageRatio
	params := p.snap.Params
	var closer, moved, crossed bool
	switch p.direction {
	case fpmath.DirectionUp:
		closer = exactAfter.Gt(exactBefore)
		moved = after.Gt(p.ratio)
		crossed = after.Gt(params.MaxLeverageRatio)
	case fpmath.DirectionDown:
		closer = exactAfter.Lt(exactBefore)
		moved = after.Lt(p.ratio)
		crossed = after.Lt(params.MinLeverageRatio)
	}
	switch {
	case !closer || crossed:
		return nil, fmt.Errorf("%w: %s -> %s, band [%s, %s]", state.ErrLeverageOvershoot,
			p.ratio.Dec(), after.Dec(), params.MinLeverageRatio.Dec(), params.MaxLeverageRatio.Dec())
	case !moved:
		tooLow := state.ErrAmountOutTooLow
		if op.exactIn() {
			tooLow = state.ErrAmountInTooLow
		}
		return nil, fmt.Errorf("%w: %s leaves leverage at %s", tooLow, op, p.ratio.Dec())
	}
	return after, nil
}

// Quote prices a rebalance against committed state without staging anything.
func (t *Token) Quote(op RebalanceOp, amount *uint256.Int) (*Quote, error) {
	return QuoteAt(t.Snapshot(), t.oracle, op, amount)
}

// QuoteAt prices a rebalance against a snapshot.
func QuoteAt(s Snapshot, o oracle.Oracle, op RebalanceOp, amount *uint256.Int) (*Quote, error) {
	plan, err := planRebalance(s, o)
	if err != nil {
		return nil, err
	}
	return plan.quote(op, amount)
}

// Rebalance executes one push/pull trade. The incentive is paid out of the
// position itself; shares are never minted for it.
func (t *Token) Rebalance(tx *ledger.Tx, req RebalanceRequest) (*Receipt, error) {
	plan, err := planRebalance(t.Snapshot(), t.oracle)
	if err != nil {
		return nil, err
	}
	q, err := plan.quote(req.Op, req.Amount)
	if err != nil {
		return nil, err
	}
	if req.MinAmountOut != nil && q.AmountOut.Lt(req.MinAmountOut) {
		return nil, fmt.Errorf("%w: out %s < min %s", state.ErrSlippage, q.AmountOut.Dec(), req.MinAmountOut.Dec())
	}
	if req.MaxAmountIn != nil && q.AmountIn.Gt(req.MaxAmountIn) {
		return nil, fmt.Errorf("%w: in %s > max %s", state.ErrSlippage, q.AmountIn.Dec(), req.MaxAmountIn.Dec())
	}

	if err := tx.Transfer(req.Caller, t.address, q.AssetIn, q.AmountIn, ledger.JournalTypePayment); err != nil {
		return nil, fmt.Errorf("rebalance payment: %w", err)
	}
	if q.Op.direction() == fpmath.DirectionUp {
		if err := t.supplyAndBorrow(tx, q.AmountIn, q.AmountOut); err != nil {
			return nil, err
		}
	} else {
		if err := lending.Check("repay", t.pool.Repay(tx, t.address, t.cfg.DebtAsset, q.AmountIn)); err != nil {
			return nil, err
		}
		if err := lending.Check("redeem", t.pool.Redeem(tx, t.address, t.cfg.CollateralAsset, q.AmountOut)); err != nil {
			return nil, err
		}
	}
	if err := tx.Transfer(t.address, req.Recipient, q.AssetOut, q.AmountOut, ledger.JournalTypePayout); err != nil {
		return nil, err
	}

	next := t.nextPosition(tx)
	if err := t.checkSolvent(next); err != nil {
		return nil, err
	}
	after, err := plan.checkMove(q.Op, next)
	if err != nil {
		return nil, err
	}
	if err := t.checkResidual(tx); err != nil {
		return nil, err
	}

	return &Receipt{
		TokenID:  t.cfg.TokenID,
		Kind:     OpRebalance,
		Position: next,
		Rebalance: &RebalanceResult{
			Op:             q.Op,
			Direction:      plan.direction,
			AssetIn:        q.AssetIn,
			AssetOut:       q.AssetOut,
			AmountIn:       q.AmountIn,
			AmountOut:      q.AmountOut,
			Incentive:      q.Incentive,
			IncentiveRate:  plan.rate,
			LeverageBefore: plan.ratio,
			LeverageAfter:  after,
		},
	}, nil
}

// ProbeResult answers whether a maximum-size rebalance would succeed now and
// what it would trade.
type ProbeResult struct {
	TokenID           string
	Direction         fpmath.Direction
	LeverageRatio     *uint256.Int
	Drift             *uint256.Int
	IncentiveRate     *uint256.Int
	Op                RebalanceOp
	AssetIn           ledger.AssetID
	AssetOut          ledger.AssetID
	MaxAmountIn       *uint256.Int
	ExpectedAmountOut *uint256.Int
	ExpectedIncentive *uint256.Int
	ExpectedLeverage  *uint256.Int
	Err               error
}

// OK reports whether the probed call would succeed.
func (r ProbeResult) OK() bool { return r.Err == nil }

// Probe is a pure dry run of the exact-input primitive at its maximum size.
// It reads only s and o, so it is safe on any goroutine holding a snapshot.
func Probe(s Snapshot, o oracle.Oracle) ProbeResult {
	res := ProbeResult{
		TokenID:           s.Config.TokenID,
		LeverageRatio:     fpmath.Zero(),
		Drift:             fpmath.Zero(),
		IncentiveRate:     fpmath.Zero(),
		MaxAmountIn:       fpmath.Zero(),
		ExpectedAmountOut: fpmath.Zero(),
		ExpectedIncentive: fpmath.Zero(),
		ExpectedLeverage:  fpmath.Zero(),
	}
	plan, err := planRebalance(s, o)
	if err != nil {
		res.Err = err
		return res
	}
	res.Direction = plan.direction
	res.LeverageRatio = plan.ratio
	res.Drift = plan.drift
	res.IncentiveRate = plan.rate
	if plan.direction == fpmath.DirectionNone {
		res.Err = fmt.Errorf("%w: leverage %s inside band", state.ErrBalanced, plan.ratio.Dec())
		return res
	}

	res.Op = plan.defaultOp()
	maxIn, err := plan.maxAmount(res.Op)
	if err != nil {
		res.Err = err
		return res
	}
	q, err := plan.quote(res.Op, maxIn)
	if err != nil {
		res.Err = err
		return res
	}
	res.AssetIn, res.AssetOut = q.AssetIn, q.AssetOut
	res.MaxAmountIn = q.AmountIn
	res.ExpectedAmountOut = q.AmountOut
	res.ExpectedIncentive = q.Incentive

	next, err := plan.project(q)
	if err != nil {
		res.Err = err
		return res
	}
	after, err := plan.checkMove(q.Op, next)
	if err != nil {
		res.Err = err
		return res
	}
	res.ExpectedLeverage = after
	return res
}

// Probe runs Probe against the token's committed state.
func (t *Token) Probe() ProbeResult {
	return Probe(t.Snapshot(), t.oracle)
}
