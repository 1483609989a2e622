package token

import (
	"errors"
	"fmt"

	"LevLedger/internal/flash"
	"LevLedger/internal/ledger"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var errFlashInProgress = errors.New("flash swap already pending")

// pendingFlash is the capability issued for one flash swap. The continuation
// runs only for a callback presenting this ticket, once.
type pendingFlash struct {
	ticket   flash.Ticket
	kind     contextKind
	consumed bool
	repaid   *uint256.Int
}

// flashSwap borrows amountOut of assetOut, to be repaid in assetIn, and runs
// the continuation for ctx inside the venue's callback.
func (t *Token) flashSwap(tx *ledger.Tx, assetOut ledger.AssetID, amountOut *uint256.Int, assetIn ledger.AssetID, ctx flashContext) (*uint256.Int, error) {
	if t.pending != nil {
		return nil, errFlashInProgress
	}

	data, err := encodeContext(ctx)
	if err != nil {
		return nil, err
	}

	t.pending = &pendingFlash{
		ticket: flash.Ticket{
			ID:        uuid.New(),
			Borrower:  t.address,
			AssetOut:  assetOut,
			AmountOut: amountOut.Clone(),
			AssetIn:   assetIn,
		},
		kind: ctx.Kind,
	}
	defer func() { t.pending = nil }()

	if err := t.venue.BorrowExact(tx, t, t.pending.ticket, data); err != nil {
		return nil, err
	}
	if !t.pending.consumed {
		return nil, fmt.Errorf("%w: continuation never ran", state.ErrUnauthorizedCallback)
	}
	return t.pending.repaid, nil
}

// OnFlashSwap is the continuation entry point called by the venue.
func (t *Token) OnFlashSwap(tx *ledger.Tx, from common.Address, ticket flash.Ticket, repayAmount, receivedAmount *uint256.Int, data []byte) error {
	if from != t.venue.Address() {
		return fmt.Errorf("%w: caller %s is not the venue", state.ErrUnauthorizedCallback, from.Hex())
	}
	p := t.pending
	if p == nil || p.consumed {
		return fmt.Errorf("%w: no pending request", state.ErrUnauthorizedCallback)
	}
	if !p.ticket.Matches(ticket) {
		return fmt.Errorf("%w: ticket %s does not match pending %s", state.ErrUnauthorizedCallback, ticket.ID, p.ticket.ID)
	}
	if receivedAmount == nil || !receivedAmount.Eq(p.ticket.AmountOut) {
		return fmt.Errorf("%w: received amount differs from request", state.ErrUnauthorizedCallback)
	}

	ctx, err := decodeContext(data)
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrUnauthorizedCallback, err)
	}
	if ctx.Kind != p.kind {
		return fmt.Errorf("%w: context %s for %s request", state.ErrUnauthorizedCallback, ctx.Kind, p.kind)
	}
	p.consumed = true

	switch ctx.Kind {
	case kindInitialize:
		err = t.continueInitialize(tx, ctx.Initialize)
	case kindBuy:
		err = t.continueBuy(tx, ctx.Buy)
	case kindBurn:
		err = t.continueBurn(tx, ctx.Burn)
	}
	if err != nil {
		return err
	}

	if err := t.repayFlash(tx, ticket.AssetIn, repayAmount); err != nil {
		return err
	}
	p.repaid = repayAmount.Clone()
	return nil
}

// repayFlash pays the venue from the engine wallet or fails with slippage.
func (t *Token) repayFlash(tx *ledger.Tx, asset ledger.AssetID, amount *uint256.Int) error {
	have := tx.WalletBalance(t.address, asset)
	if have.Lt(amount) {
		name, _ := ledger.GetAssetName(asset)
		return fmt.Errorf("%w: owe %s %s, have %s", state.ErrSlippage, amount.Dec(), name, have.Dec())
	}
	return tx.Transfer(t.address, t.venue.Address(), asset, amount, ledger.JournalTypeFlashRepay)
}
