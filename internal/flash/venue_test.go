package flash_test

import (
	"errors"
	"testing"

	"LevLedger/internal/flash"
	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var borrower = common.HexToAddress("0x2000000000000000000000000000000000000002")

type callbackFunc func(tx *ledger.Tx, from common.Address, ticket flash.Ticket, repay, received *uint256.Int, data []byte) error

func (f callbackFunc) OnFlashSwap(tx *ledger.Tx, from common.Address, ticket flash.Ticket, repay, received *uint256.Int, data []byte) error {
	return f(tx, from, ticket, repay, received, data)
}

func setup(t *testing.T, fee string) (*ledger.BalanceTracker, *flash.Venue, ledger.AssetID, ledger.AssetID) {
	t.Helper()
	weth, _ := ledger.GetAssetID("WETH")
	usdc, _ := ledger.GetAssetID("USDC")

	pb := oracle.NewPriceBook()
	_, err := pb.UpdatePrice(weth, fpmath.Units(400, 18), 1, 0)
	require.NoError(t, err)
	_, err = pb.UpdatePrice(usdc, fpmath.Units(1, 18), 1, 0)
	require.NoError(t, err)

	venue, err := flash.NewVenue("venue-test", pb, fpmath.MustAmount(fee))
	require.NoError(t, err)

	bt := ledger.NewBalanceTracker()
	tx := bt.Begin("seed", 0, 0)
	require.NoError(t, tx.Issue(ledger.WalletKey(venue.Address(), weth), ledger.SubTypeExternalDeposits, fpmath.Units(100, 18), ledger.JournalTypeDeposit))
	require.NoError(t, tx.Issue(ledger.WalletKey(venue.Address(), usdc), ledger.SubTypeExternalDeposits, fpmath.Units(100_000, 6), ledger.JournalTypeDeposit))
	require.NoError(t, tx.Issue(ledger.WalletKey(borrower, usdc), ledger.SubTypeExternalDeposits, fpmath.Units(1_000, 6), ledger.JournalTypeDeposit))
	_, err = bt.Commit(tx)
	require.NoError(t, err)
	return bt, venue, weth, usdc
}

func TestVenue_QuoteRepayIncludesFee(t *testing.T) {
	_, venue, weth, usdc := setup(t, "3000000000000000") // 0.3%

	repay, err := venue.QuoteRepay(weth, fpmath.Units(1, 18), usdc)
	require.NoError(t, err)
	assert.Equal(t, "401200000", repay.Dec())

	out, err := venue.QuoteSwap(usdc, fpmath.Units(400, 6), weth)
	require.NoError(t, err)
	assert.Equal(t, "997000000000000000", out.Dec())
}

func TestVenue_BorrowExactRepaid(t *testing.T) {
	bt, venue, weth, usdc := setup(t, "0")
	tx := bt.Begin("flash", 1, 0)
	ticket := flash.Ticket{ID: uuid.New(), Borrower: borrower, AssetOut: weth, AmountOut: fpmath.Units(1, 18), AssetIn: usdc}

	called := false
	err := venue.BorrowExact(tx, callbackFunc(func(tx *ledger.Tx, from common.Address, got flash.Ticket, repay, received *uint256.Int, data []byte) error {
		called = true
		assert.Equal(t, venue.Address(), from)
		assert.True(t, got.Matches(ticket))
		assert.Equal(t, []byte("ctx"), data)
		assert.Equal(t, fpmath.Units(1, 18).Dec(), tx.WalletBalance(borrower, weth).Dec())
		return tx.Transfer(borrower, venue.Address(), usdc, repay, ledger.JournalTypeFlashRepay)
	}), ticket, []byte("ctx"))

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, fpmath.Units(600, 6).Dec(), tx.WalletBalance(borrower, usdc).Dec())
}

func TestVenue_BorrowExactNotRepaid(t *testing.T) {
	bt, venue, weth, usdc := setup(t, "0")
	tx := bt.Begin("flash", 1, 0)
	ticket := flash.Ticket{ID: uuid.New(), Borrower: borrower, AssetOut: weth, AmountOut: fpmath.Units(1, 18), AssetIn: usdc}

	err := venue.BorrowExact(tx, callbackFunc(func(tx *ledger.Tx, _ common.Address, _ flash.Ticket, repay, _ *uint256.Int, _ []byte) error {
		short := new(uint256.Int).Sub(repay, uint256.NewInt(1))
		return tx.Transfer(borrower, venue.Address(), usdc, short, ledger.JournalTypeFlashRepay)
	}), ticket, nil)

	require.ErrorIs(t, err, flash.ErrFlashNotRepaid)
}

func TestVenue_CallbackErrorPropagates(t *testing.T) {
	bt, venue, weth, usdc := setup(t, "0")
	tx := bt.Begin("flash", 1, 0)
	boom := errors.New("boom")
	ticket := flash.Ticket{ID: uuid.New(), Borrower: borrower, AssetOut: weth, AmountOut: fpmath.Units(1, 18), AssetIn: usdc}

	err := venue.BorrowExact(tx, callbackFunc(func(*ledger.Tx, common.Address, flash.Ticket, *uint256.Int, *uint256.Int, []byte) error {
		return boom
	}), ticket, nil)
	require.ErrorIs(t, err, boom)
}

func TestVenue_NestedFlashRejected(t *testing.T) {
	bt, venue, weth, usdc := setup(t, "0")
	tx := bt.Begin("flash", 1, 0)
	ticket := flash.Ticket{ID: uuid.New(), Borrower: borrower, AssetOut: weth, AmountOut: fpmath.Units(1, 18), AssetIn: usdc}

	err := venue.BorrowExact(tx, callbackFunc(func(tx *ledger.Tx, _ common.Address, tk flash.Ticket, _, _ *uint256.Int, _ []byte) error {
		return venue.BorrowExact(tx, callbackFunc(func(*ledger.Tx, common.Address, flash.Ticket, *uint256.Int, *uint256.Int, []byte) error {
			return nil
		}), tk, nil)
	}), ticket, nil)
	require.ErrorIs(t, err, flash.ErrReentrant)
}

func TestVenue_SwapInsideFlashMovesTarget(t *testing.T) {
	bt, venue, weth, usdc := setup(t, "0")
	tx := bt.Begin("flash", 1, 0)
	// Borrow WETH, repay in WETH, funding the repayment by selling USDC.
	ticket := flash.Ticket{ID: uuid.New(), Borrower: borrower, AssetOut: weth, AmountOut: fpmath.Units(1, 18), AssetIn: weth}

	err := venue.BorrowExact(tx, callbackFunc(func(tx *ledger.Tx, _ common.Address, _ flash.Ticket, repay, received *uint256.Int, _ []byte) error {
		got, err := venue.Swap(tx, borrower, usdc, fpmath.Units(400, 6), weth, nil)
		if err != nil {
			return err
		}
		total := new(uint256.Int).Add(received, got)
		if total.Lt(repay) {
			return errors.New("short")
		}
		return tx.Transfer(borrower, venue.Address(), weth, repay, ledger.JournalTypeFlashRepay)
	}), ticket, nil)
	require.NoError(t, err)
}

func TestVenue_SwapSlippage(t *testing.T) {
	bt, venue, weth, usdc := setup(t, "3000000000000000")
	tx := bt.Begin("swap", 1, 0)

	_, err := venue.Swap(tx, borrower, usdc, fpmath.Units(400, 6), weth, fpmath.Units(1, 18))
	require.ErrorIs(t, err, flash.ErrSwapSlippage)
}

func TestNewVenue_FeeCap(t *testing.T) {
	_, err := flash.NewVenue("venue-bad", oracle.NewPriceBook(), fpmath.MustAmount("60000000000000000"))
	require.ErrorIs(t, err, flash.ErrInvalidFee)
}
