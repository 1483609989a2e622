package token

import (
	"fmt"

	"LevLedger/internal/ledger"
	"LevLedger/internal/lending"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Rounding policy: every amount an operation takes from the position's
// backing (collateral released, debt drawn) rounds down and every amount it
// adds (collateral required, debt repaid, fees) rounds up. Dust always stays
// with remaining holders, so mint/burn cycles cannot extract value.

type InitializeRequest struct {
	Caller         common.Address
	CollateralMin  *uint256.Int // collateral precision
	NAV            *uint256.Int // initial NAV per share, debt precision
	TargetLeverage *uint256.Int // 1e18 scale
	PaymentAsset   ledger.AssetID
	PaymentAmount  *uint256.Int
}

type InitializeResult struct {
	Shares      *uint256.Int `json:"shares"`
	Collateral  *uint256.Int `json:"collateral"`
	Debt        *uint256.Int `json:"debt"`
	PaymentUsed *uint256.Int `json:"payment_used"`
	Refund      *uint256.Int `json:"refund"`
}

type MintRequest struct {
	Buyer           common.Address
	Recipient       common.Address
	RefundRecipient common.Address
	Shares          *uint256.Int
	FundingAsset    ledger.AssetID
	MaxAmountIn     *uint256.Int
}

type MintResult struct {
	Shares     *uint256.Int `json:"shares"`
	Fee        *uint256.Int `json:"fee"`
	Collateral *uint256.Int `json:"collateral"`
	Debt       *uint256.Int `json:"debt"`
	AmountIn   *uint256.Int `json:"amount_in"`
	Refund     *uint256.Int `json:"refund"`
}

type BurnRequest struct {
	Owner        common.Address
	Recipient    common.Address
	Shares       *uint256.Int
	OutputAsset  ledger.AssetID
	MinAmountOut *uint256.Int
}

type BurnResult struct {
	Shares     *uint256.Int `json:"shares"`
	Fee        *uint256.Int `json:"fee"`
	Collateral *uint256.Int `json:"collateral"`
	Debt       *uint256.Int `json:"debt"`
	AmountOut  *uint256.Int `json:"amount_out"`
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

// Initialize bootstraps the position at the requested leverage and NAV.
func (t *Token) Initialize(tx *ledger.Tx, req InitializeRequest) (*Receipt, error) {
	if t.position.IsInitialized {
		return nil, fmt.Errorf("%w: %s", state.ErrAlreadyInitialized, t.cfg.TokenID)
	}
	if err := t.params.Authorize(req.Caller); err != nil {
		return nil, err
	}
	if isZero(req.CollateralMin) || isZero(req.NAV) {
		return nil, fmt.Errorf("%w: collateral min and nav must be non-zero", state.ErrAmountInTooLow)
	}
	params := t.params.Params()
	if req.TargetLeverage == nil || req.TargetLeverage.Lt(params.MinLeverageRatio) || req.TargetLeverage.Gt(params.MaxLeverageRatio) {
		return nil, fmt.Errorf("%w: target %v not in [%s, %s]", state.ErrInvalidTargetLeverage,
			req.TargetLeverage, params.MinLeverageRatio.Dec(), params.MaxLeverageRatio.Dec())
	}
	if err := t.acceptsAsset(req.PaymentAsset); err != nil {
		return nil, err
	}
	payment := req.PaymentAmount
	if payment == nil {
		payment = fpmath.Zero()
	}

	// Baseline 2x: supply twice the minimum and borrow the value of one.
	collateral := new(uint256.Int).Lsh(req.CollateralMin, 1)
	debt, err := t.valueInDebt(req.CollateralMin, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	collateralValue, err := t.valueInDebt(collateral, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	totalValue, err := fpmath.NAV(collateralValue, debt)
	if err != nil {
		return nil, err
	}
	shares, err := fpmath.MulDiv(totalValue, fpmath.Wad, req.NAV, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: nav %s too large for collateral", state.ErrZeroShares, req.NAV.Dec())
	}

	// Move off 2x with the rebalance identity; NAV is unchanged.
	if !req.TargetLeverage.Eq(fpmath.TwoWad) {
		deltaL := fpmath.Distance(req.TargetLeverage, fpmath.TwoWad)
		deltaDebt, err := fpmath.RebalanceDelta(deltaL, totalValue)
		if err != nil {
			return nil, err
		}
		deltaCollateral, err := t.toCollateral(deltaDebt, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
		if req.TargetLeverage.Gt(fpmath.TwoWad) {
			collateral.Add(collateral, deltaCollateral)
			debt.Add(debt, deltaDebt)
		} else {
			collateral = fpmath.SubFloor(collateral, deltaCollateral)
			debt = fpmath.SubFloor(debt, deltaDebt)
		}
	}

	if err := tx.Transfer(req.Caller, t.address, req.PaymentAsset, payment, ledger.JournalTypePayment); err != nil {
		return nil, fmt.Errorf("initialize payment: %w", err)
	}

	if _, err := t.flashSwap(tx, t.cfg.CollateralAsset, collateral, req.PaymentAsset, flashContext{
		Kind: kindInitialize,
		Initialize: &initializeContext{
			Initializer:    principal(req.Caller),
			TargetLeverage: toWord(req.TargetLeverage),
			NAV:            toWord(req.NAV),
			Collateral:     toWord(collateral),
			Debt:           toWord(debt),
			Shares:         toWord(shares),
			PaymentAsset:   uint16(req.PaymentAsset),
			PaymentAmount:  toWord(payment),
		},
	}); err != nil {
		return nil, err
	}

	refund := tx.WalletBalance(t.address, req.PaymentAsset)
	if err := tx.Transfer(t.address, req.Caller, req.PaymentAsset, refund, ledger.JournalTypeRefund); err != nil {
		return nil, err
	}
	if err := tx.Issue(ledger.WalletKey(req.Caller, t.share), ledger.SubTypeExternalIssuance, shares, ledger.JournalTypeShareMint); err != nil {
		return nil, err
	}

	next := t.nextPosition(tx)
	next.IsInitialized = true
	if err := t.checkSolvent(next); err != nil {
		return nil, err
	}
	if err := t.checkResidual(tx, req.PaymentAsset); err != nil {
		return nil, err
	}

	return &Receipt{
		TokenID:  t.cfg.TokenID,
		Kind:     OpInitialize,
		Position: next,
		Initialize: &InitializeResult{
			Shares:      shares,
			Collateral:  next.TotalCollateral.Clone(),
			Debt:        next.TotalDebt.Clone(),
			PaymentUsed: fpmath.SubFloor(payment, refund),
			Refund:      refund,
		},
	}, nil
}

func (t *Token) continueInitialize(tx *ledger.Tx, c *initializeContext) error {
	if err := t.supplyAndBorrow(tx, c.Collateral.Int(), c.Debt.Int()); err != nil {
		return err
	}
	return t.sellDebtFor(tx, c.paymentAsset(), c.Debt.Int())
}

// Mint issues shares backed by a pro-rata slice of collateral and debt.
func (t *Token) Mint(tx *ledger.Tx, req MintRequest) (*Receipt, error) {
	if err := t.requireInitialized(); err != nil {
		return nil, err
	}
	if isZero(req.Shares) {
		return nil, state.ErrZeroShares
	}
	if err := t.acceptsAsset(req.FundingAsset); err != nil {
		return nil, err
	}
	maxIn := req.MaxAmountIn
	if maxIn == nil {
		maxIn = fpmath.Zero()
	}

	params := t.params.Params()
	fee, err := fpmath.ApplyRate(req.Shares, params.Fees, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	total, err := fpmath.Add(req.Shares, fee)
	if err != nil {
		return nil, err
	}
	if !params.MaxMint.IsZero() && total.Gt(params.MaxMint) {
		return nil, fmt.Errorf("%w: %s > %s", state.ErrMaxMintExceeded, total.Dec(), params.MaxMint.Dec())
	}
	supply := t.position.TotalSupply
	if !params.MaxSupply.IsZero() && new(uint256.Int).Add(supply, total).Gt(params.MaxSupply) {
		return nil, fmt.Errorf("%w: supply %s + %s > %s", state.ErrMaxSupplyExceeded, supply.Dec(), total.Dec(), params.MaxSupply.Dec())
	}

	collateral, err := fpmath.ProRata(t.position.TotalCollateral, total, supply, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	debt, err := fpmath.ProRata(t.position.TotalDebt, total, supply, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	acct, err := t.Accounting()
	if err != nil {
		return nil, err
	}

	if err := tx.Transfer(req.Buyer, t.address, req.FundingAsset, maxIn, ledger.JournalTypePayment); err != nil {
		return nil, fmt.Errorf("mint payment: %w", err)
	}

	if _, err := t.flashSwap(tx, t.cfg.CollateralAsset, collateral, req.FundingAsset, flashContext{
		Kind: kindBuy,
		Buy: &buyContext{
			Buyer:        principal(req.Buyer),
			Recipient:    principal(req.Recipient),
			FundingAsset: uint16(req.FundingAsset),
			Collateral:   toWord(collateral),
			Debt:         toWord(debt),
			Shares:       toWord(req.Shares),
			Fee:          toWord(fee),
			MaxAmountIn:  toWord(maxIn),
			NAVPerShare:  toWord(acct.NAVPerShare),
		},
	}); err != nil {
		return nil, err
	}

	refund := tx.WalletBalance(t.address, req.FundingAsset)
	if err := tx.Transfer(t.address, req.RefundRecipient, req.FundingAsset, refund, ledger.JournalTypeRefund); err != nil {
		return nil, err
	}
	if err := tx.Issue(ledger.WalletKey(req.Recipient, t.share), ledger.SubTypeExternalIssuance, req.Shares, ledger.JournalTypeShareMint); err != nil {
		return nil, err
	}
	if err := tx.Issue(ledger.WalletKey(t.cfg.FeeRecipient, t.share), ledger.SubTypeExternalIssuance, fee, ledger.JournalTypeFee); err != nil {
		return nil, err
	}

	next := t.nextPosition(tx)
	if err := t.checkSolvent(next); err != nil {
		return nil, err
	}
	if err := t.checkResidual(tx, req.FundingAsset); err != nil {
		return nil, err
	}

	return &Receipt{
		TokenID:  t.cfg.TokenID,
		Kind:     OpMint,
		Position: next,
		Mint: &MintResult{
			Shares:     req.Shares.Clone(),
			Fee:        fee,
			Collateral: collateral,
			Debt:       debt,
			AmountIn:   fpmath.SubFloor(maxIn, refund),
			Refund:     refund,
		},
	}, nil
}

func (t *Token) continueBuy(tx *ledger.Tx, c *buyContext) error {
	if err := t.supplyAndBorrow(tx, c.Collateral.Int(), c.Debt.Int()); err != nil {
		return err
	}
	return t.sellDebtFor(tx, c.fundingAsset(), c.Debt.Int())
}

// Burn redeems shares for their pro-rata slice, less the fee, paid out in
// the requested asset.
func (t *Token) Burn(tx *ledger.Tx, req BurnRequest) (*Receipt, error) {
	if err := t.requireInitialized(); err != nil {
		return nil, err
	}
	if isZero(req.Shares) {
		return nil, state.ErrZeroShares
	}
	if err := t.acceptsAsset(req.OutputAsset); err != nil {
		return nil, err
	}
	if have := tx.WalletBalance(req.Owner, t.share); have.Lt(req.Shares) {
		return nil, fmt.Errorf("%w: have %s, burning %s", state.ErrInsufficientShares, have.Dec(), req.Shares.Dec())
	}

	params := t.params.Params()
	fee, err := fpmath.ApplyRate(req.Shares, params.Fees, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	redeem := fpmath.SubFloor(req.Shares, fee)
	if redeem.IsZero() {
		return nil, fmt.Errorf("%w: nothing left after fee", state.ErrZeroShares)
	}

	supply := t.position.TotalSupply
	collateral, err := fpmath.ProRata(t.position.TotalCollateral, redeem, supply, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	debt, err := fpmath.ProRata(t.position.TotalDebt, redeem, supply, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	acct, err := t.Accounting()
	if err != nil {
		return nil, err
	}

	if err := tx.Transfer(req.Owner, t.address, t.share, req.Shares, ledger.JournalTypePayment); err != nil {
		return nil, err
	}
	if err := tx.Transfer(t.address, t.cfg.FeeRecipient, t.share, fee, ledger.JournalTypeFee); err != nil {
		return nil, err
	}

	ctx := &burnContext{
		Owner:       principal(req.Owner),
		Recipient:   principal(req.Recipient),
		OutputAsset: uint16(req.OutputAsset),
		Collateral:  toWord(collateral),
		Debt:        toWord(debt),
		Shares:      toWord(redeem),
		Fee:         toWord(fee),
		NAVPerShare: toWord(acct.NAVPerShare),
	}
	if debt.IsZero() {
		// Nothing to repay, so no liquidity is needed.
		if err := lending.Check("redeem", t.pool.Redeem(tx, t.address, t.cfg.CollateralAsset, collateral)); err != nil {
			return nil, err
		}
	} else if _, err := t.flashSwap(tx, t.cfg.DebtAsset, debt, t.cfg.CollateralAsset, flashContext{Kind: kindBurn, Burn: ctx}); err != nil {
		return nil, err
	}

	surplus := tx.WalletBalance(t.address, t.cfg.CollateralAsset)
	amountOut, err := t.venue.Swap(tx, t.address, t.cfg.CollateralAsset, surplus, req.OutputAsset, nil)
	if err != nil {
		return nil, err
	}
	if req.MinAmountOut != nil && amountOut.Lt(req.MinAmountOut) {
		return nil, fmt.Errorf("%w: %s < %s", state.ErrAmountOutTooLow, amountOut.Dec(), req.MinAmountOut.Dec())
	}
	if err := tx.Transfer(t.address, req.Recipient, req.OutputAsset, amountOut, ledger.JournalTypePayout); err != nil {
		return nil, err
	}
	if err := tx.Retire(ledger.WalletKey(t.address, t.share), ledger.SubTypeExternalIssuance, redeem, ledger.JournalTypeShareBurn); err != nil {
		return nil, err
	}

	next := t.nextPosition(tx)
	if err := t.checkSolvent(next); err != nil {
		return nil, err
	}
	if err := t.checkResidual(tx, req.OutputAsset); err != nil {
		return nil, err
	}

	return &Receipt{
		TokenID:  t.cfg.TokenID,
		Kind:     OpBurn,
		Position: next,
		Burn: &BurnResult{
			Shares:     req.Shares.Clone(),
			Fee:        fee,
			Collateral: collateral,
			Debt:       debt,
			AmountOut:  amountOut,
		},
	}, nil
}

func (t *Token) continueBurn(tx *ledger.Tx, c *burnContext) error {
	if err := lending.Check("repay", t.pool.Repay(tx, t.address, t.cfg.DebtAsset, c.Debt.Int())); err != nil {
		return err
	}
	return lending.Check("redeem", t.pool.Redeem(tx, t.address, t.cfg.CollateralAsset, c.Collateral.Int()))
}

func (t *Token) supplyAndBorrow(tx *ledger.Tx, collateral, debt *uint256.Int) error {
	if err := lending.Check("supply", t.pool.Supply(tx, t.address, t.cfg.CollateralAsset, collateral)); err != nil {
		return err
	}
	return lending.Check("borrow", t.pool.Borrow(tx, t.address, t.cfg.DebtAsset, debt))
}

// sellDebtFor converts freshly borrowed debt into the flash repayment asset.
func (t *Token) sellDebtFor(tx *ledger.Tx, asset ledger.AssetID, debt *uint256.Int) error {
	if asset == t.cfg.DebtAsset || debt.IsZero() {
		return nil
	}
	_, err := t.venue.Swap(tx, t.address, t.cfg.DebtAsset, debt, asset, nil)
	return err
}
