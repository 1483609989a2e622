package core

import (
	"fmt"

	"LevLedger/internal/event"
	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/state"
	"LevLedger/internal/token"

	"github.com/holiman/uint256"
)

// dispatchEvent routes a command to its handler. Token commands return the
// token and its receipt so the core can apply it after the commit.
func (c *DeterministicCore) dispatchEvent(tx *ledger.Tx, evt event.Event) (*token.Token, *token.Receipt, error) {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return nil, nil, c.handleDeposit(tx, e)
	case *event.WithdrawalRequested:
		return nil, nil, c.handleWithdrawal(tx, e)
	case *event.PriceUpdate:
		return nil, nil, c.handlePriceUpdate(e)
	case *event.InitializeToken:
		return c.handleInitialize(tx, e)
	case *event.MintShares:
		return c.handleMint(tx, e)
	case *event.BurnShares:
		return c.handleBurn(tx, e)
	case *event.Rebalance:
		return c.handleRebalance(tx, e)
	case *event.SetParams:
		return c.handleSetParams(e)
	default:
		return nil, nil, fmt.Errorf("unknown command type: %T", evt)
	}
}

func (c *DeterministicCore) lookupAsset(symbol string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrUnknownAsset, symbol)
	}
	return id, nil
}

// custodyAsset resolves an asset that may cross the custody boundary. Share
// assets only exist through mint and burn.
func (c *DeterministicCore) custodyAsset(symbol string) (ledger.AssetID, error) {
	id, err := c.lookupAsset(symbol)
	if err != nil {
		return 0, err
	}
	if tokenID, isShare := c.shareAssets[id]; isShare {
		return 0, fmt.Errorf("%w: %s is the share asset of %s", state.ErrInvalidAsset, symbol, tokenID)
	}
	return id, nil
}

func (c *DeterministicCore) lookupToken(id *string) (*token.Token, error) {
	if id == nil {
		return nil, state.ErrUnknownToken
	}
	tok, ok := c.tokens[*id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownToken, *id)
	}
	return tok, nil
}

func requireAmount(name string, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return fmt.Errorf("%w: %s must be positive", state.ErrAmountInTooLow, name)
	}
	return nil
}

func (c *DeterministicCore) handleDeposit(tx *ledger.Tx, e *event.DepositConfirmed) error {
	id, err := c.custodyAsset(e.Asset)
	if err != nil {
		return err
	}
	if err := requireAmount("deposit amount", e.Amount); err != nil {
		return err
	}
	return tx.Issue(ledger.WalletKey(e.Account, id), ledger.SubTypeExternalDeposits, e.Amount, ledger.JournalTypeDeposit)
}

func (c *DeterministicCore) handleWithdrawal(tx *ledger.Tx, e *event.WithdrawalRequested) error {
	id, err := c.custodyAsset(e.Asset)
	if err != nil {
		return err
	}
	if err := requireAmount("withdrawal amount", e.Amount); err != nil {
		return err
	}
	return tx.Retire(ledger.WalletKey(e.Account, id), ledger.SubTypeExternalDeposits, e.Amount, ledger.JournalTypeWithdrawal)
}

func (c *DeterministicCore) handlePriceUpdate(e *event.PriceUpdate) error {
	id, err := c.lookupAsset(e.Asset)
	if err != nil {
		return err
	}
	_, err = c.prices.UpdatePrice(id, e.Price, e.PriceSequence, e.PriceTimestamp)
	return err
}

func (c *DeterministicCore) handleInitialize(tx *ledger.Tx, e *event.InitializeToken) (*token.Token, *token.Receipt, error) {
	tok, err := c.lookupToken(e.TokenID())
	if err != nil {
		return nil, nil, err
	}
	payment, err := c.lookupAsset(e.PaymentAsset)
	if err != nil {
		return nil, nil, err
	}
	r, err := tok.Initialize(tx, token.InitializeRequest{
		Caller:         e.Caller,
		CollateralMin:  e.CollateralMin,
		NAV:            e.NAV,
		TargetLeverage: e.TargetLeverage,
		PaymentAsset:   payment,
		PaymentAmount:  e.PaymentAmount,
	})
	return tok, r, err
}

func (c *DeterministicCore) handleMint(tx *ledger.Tx, e *event.MintShares) (*token.Token, *token.Receipt, error) {
	tok, err := c.lookupToken(e.TokenID())
	if err != nil {
		return nil, nil, err
	}
	funding, err := c.lookupAsset(e.FundingAsset)
	if err != nil {
		return nil, nil, err
	}
	r, err := tok.Mint(tx, token.MintRequest{
		Buyer:           e.Buyer,
		Recipient:       e.Recipient,
		RefundRecipient: e.RefundRecipient,
		Shares:          e.Shares,
		FundingAsset:    funding,
		MaxAmountIn:     e.MaxAmountIn,
	})
	return tok, r, err
}

func (c *DeterministicCore) handleBurn(tx *ledger.Tx, e *event.BurnShares) (*token.Token, *token.Receipt, error) {
	tok, err := c.lookupToken(e.TokenID())
	if err != nil {
		return nil, nil, err
	}
	output, err := c.lookupAsset(e.OutputAsset)
	if err != nil {
		return nil, nil, err
	}
	r, err := tok.Burn(tx, token.BurnRequest{
		Owner:        e.Owner,
		Recipient:    e.Recipient,
		Shares:       e.Shares,
		OutputAsset:  output,
		MinAmountOut: e.MinAmountOut,
	})
	return tok, r, err
}

func (c *DeterministicCore) handleRebalance(tx *ledger.Tx, e *event.Rebalance) (*token.Token, *token.Receipt, error) {
	tok, err := c.lookupToken(e.TokenID())
	if err != nil {
		return nil, nil, err
	}
	op, err := token.ParseRebalanceOp(e.Op)
	if err != nil {
		return nil, nil, err
	}
	r, err := tok.Rebalance(tx, token.RebalanceRequest{
		Caller:       e.Caller,
		Recipient:    e.Recipient,
		Op:           op,
		Amount:       e.Amount,
		MinAmountOut: e.MinAmountOut,
		MaxAmountIn:  e.MaxAmountIn,
	})
	return tok, r, err
}

func (c *DeterministicCore) handleSetParams(e *event.SetParams) (*token.Token, *token.Receipt, error) {
	tok, err := c.lookupToken(e.TokenID())
	if err != nil {
		return nil, nil, err
	}
	params := state.Params{
		MinLeverageRatio: e.MinLeverageRatio,
		MaxLeverageRatio: e.MaxLeverageRatio,
		Step:             e.Step,
		MaxDrift:         e.MaxDrift,
		MaxIncentive:     e.MaxIncentive,
		Fees:             e.Fees,
		MaxMint:          orZero(e.MaxMint),
		MaxSupply:        orZero(e.MaxSupply),
	}
	effective := e.EffectiveSeq
	if effective == 0 {
		effective = c.sequence
	}
	r, err := tok.SetParams(e.Caller, params, effective)
	return tok, r, err
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return fpmath.Zero()
	}
	return v
}
