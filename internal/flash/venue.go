// Package flash provides flash-swap liquidity: an exact amount of one asset
// lent against repayment in another asset before the call returns.
package flash

import (
	"errors"
	"fmt"

	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrFlashNotRepaid        = errors.New("flash swap not repaid")
	ErrReentrant             = errors.New("flash swap already in progress")
	ErrInsufficientLiquidity = errors.New("venue lacks liquidity")
	ErrSwapSlippage          = errors.New("swap output below minimum")
	ErrInvalidFee            = errors.New("venue fee out of range")
)

func init() {
	state.RegisterErrorClass(state.ClassExternal, ErrFlashNotRepaid, ErrReentrant, ErrInsufficientLiquidity, ErrInvalidFee)
	state.RegisterErrorClass(state.ClassEconomic, ErrSwapSlippage)
}

// Ticket identifies one flash request. The borrower issues it and gets the
// same value back in its callback.
type Ticket struct {
	ID        uuid.UUID
	Borrower  common.Address
	AssetOut  ledger.AssetID
	AmountOut *uint256.Int
	AssetIn   ledger.AssetID
}

// Matches reports whether other describes the same request.
func (t Ticket) Matches(other Ticket) bool {
	return t.ID == other.ID &&
		t.Borrower == other.Borrower &&
		t.AssetOut == other.AssetOut &&
		t.AssetIn == other.AssetIn &&
		t.AmountOut != nil && other.AmountOut != nil &&
		t.AmountOut.Eq(other.AmountOut)
}

// Callback is implemented by flash borrowers.
type Callback interface {
	OnFlashSwap(tx *ledger.Tx, from common.Address, ticket Ticket, repayAmount, receivedAmount *uint256.Int, data []byte) error
}

// Adapter is the flash-liquidity capability consumed by leveraged tokens.
type Adapter interface {
	Address() common.Address
	// BorrowExact sends ticket.AmountOut of ticket.AssetOut to the borrower,
	// invokes cb and requires the quoted repayment in ticket.AssetIn before
	// returning.
	BorrowExact(tx *ledger.Tx, cb Callback, ticket Ticket, data []byte) error
	QuoteRepay(assetOut ledger.AssetID, amountOut *uint256.Int, assetIn ledger.AssetID) (*uint256.Int, error)
	QuoteSwap(assetIn ledger.AssetID, amountIn *uint256.Int, assetOut ledger.AssetID) (*uint256.Int, error)
	Swap(tx *ledger.Tx, trader common.Address, assetIn ledger.AssetID, amountIn *uint256.Int, assetOut ledger.AssetID, minOut *uint256.Int) (*uint256.Int, error)
}

type pendingRepay struct {
	asset    ledger.AssetID
	expected *uint256.Int
}

// Venue quotes at oracle prices plus a flat fee and keeps its inventory in
// its own ledger wallet.
type Venue struct {
	address common.Address
	oracle  oracle.Oracle
	fee     *uint256.Int // 1e18 scale
	active  *pendingRepay
}

// MaxVenueFee caps the venue fee at 5%.
var MaxVenueFee = fpmath.MustAmount("50000000000000000")

func NewVenue(name string, o oracle.Oracle, fee *uint256.Int) (*Venue, error) {
	if fee.Gt(MaxVenueFee) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFee, fee.Dec())
	}
	return &Venue{
		address: ledger.SystemAddress(name),
		oracle:  o,
		fee:     fee.Clone(),
	}, nil
}

func (v *Venue) Address() common.Address {
	return v.address
}

func (v *Venue) Fee() *uint256.Int {
	return v.fee.Clone()
}

func (v *Venue) QuoteRepay(assetOut ledger.AssetID, amountOut *uint256.Int, assetIn ledger.AssetID) (*uint256.Int, error) {
	value, err := oracle.Convert(v.oracle, assetOut, assetIn, amountOut, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(value, new(uint256.Int).Add(fpmath.Wad, v.fee), fpmath.Wad, fpmath.RoundUp)
}

func (v *Venue) QuoteSwap(assetIn ledger.AssetID, amountIn *uint256.Int, assetOut ledger.AssetID) (*uint256.Int, error) {
	value, err := oracle.Convert(v.oracle, assetIn, assetOut, amountIn, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(value, new(uint256.Int).Sub(fpmath.Wad, v.fee), fpmath.Wad, fpmath.RoundDown)
}

func (v *Venue) BorrowExact(tx *ledger.Tx, cb Callback, ticket Ticket, data []byte) error {
	if v.active != nil {
		return ErrReentrant
	}
	if ticket.AmountOut == nil || ticket.AmountOut.IsZero() {
		return fmt.Errorf("flash: zero amount")
	}

	repay, err := v.QuoteRepay(ticket.AssetOut, ticket.AmountOut, ticket.AssetIn)
	if err != nil {
		return fmt.Errorf("flash quote: %w", err)
	}

	if tx.WalletBalance(v.address, ticket.AssetOut).Lt(ticket.AmountOut) {
		return fmt.Errorf("%w: flash %s", ErrInsufficientLiquidity, ticket.AmountOut.Dec())
	}
	if err := tx.Transfer(v.address, ticket.Borrower, ticket.AssetOut, ticket.AmountOut, ledger.JournalTypeFlashLend); err != nil {
		return fmt.Errorf("flash lend: %w", err)
	}

	expected := tx.WalletBalance(v.address, ticket.AssetIn)
	expected.Add(expected, repay)
	v.active = &pendingRepay{asset: ticket.AssetIn, expected: expected}
	defer func() { v.active = nil }()

	if err := cb.OnFlashSwap(tx, v.address, ticket, repay, ticket.AmountOut.Clone(), data); err != nil {
		return err
	}

	if have := tx.WalletBalance(v.address, ticket.AssetIn); have.Lt(v.active.expected) {
		return fmt.Errorf("%w: have %s, want %s", ErrFlashNotRepaid, have.Dec(), v.active.expected.Dec())
	}
	return nil
}

func (v *Venue) Swap(tx *ledger.Tx, trader common.Address, assetIn ledger.AssetID, amountIn *uint256.Int, assetOut ledger.AssetID, minOut *uint256.Int) (*uint256.Int, error) {
	if assetIn == assetOut {
		return amountIn.Clone(), nil
	}
	out, err := v.QuoteSwap(assetIn, amountIn, assetOut)
	if err != nil {
		return nil, fmt.Errorf("swap quote: %w", err)
	}
	if minOut != nil && out.Lt(minOut) {
		return nil, fmt.Errorf("%w: got %s, min %s", ErrSwapSlippage, out.Dec(), minOut.Dec())
	}
	if tx.WalletBalance(v.address, assetOut).Lt(out) {
		return nil, fmt.Errorf("%w: swap out %s", ErrInsufficientLiquidity, out.Dec())
	}

	if err := tx.Transfer(trader, v.address, assetIn, amountIn, ledger.JournalTypeSwapIn); err != nil {
		return nil, fmt.Errorf("swap in: %w", err)
	}
	if err := tx.Transfer(v.address, trader, assetOut, out, ledger.JournalTypeSwapOut); err != nil {
		return nil, fmt.Errorf("swap out: %w", err)
	}

	// Swaps inside a flash move the venue's balance of the repayment asset,
	// so the repayment target moves with them.
	if v.active != nil {
		if assetIn == v.active.asset {
			v.active.expected.Add(v.active.expected, amountIn)
		}
		if assetOut == v.active.asset {
			v.active.expected = fpmath.SubFloor(v.active.expected, out)
		}
	}
	return out, nil
}
