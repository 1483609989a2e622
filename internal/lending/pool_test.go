package lending_test

import (
	"testing"

	"LevLedger/internal/ledger"
	"LevLedger/internal/lending"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	bt   *ledger.BalanceTracker
	pool *lending.Pool
	weth ledger.AssetID
	usdc ledger.AssetID
	user common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	weth, _ := ledger.GetAssetID("WETH")
	usdc, _ := ledger.GetAssetID("USDC")

	pb := oracle.NewPriceBook()
	_, err := pb.UpdatePrice(weth, fpmath.Units(400, 18), 1, 0)
	require.NoError(t, err)
	_, err = pb.UpdatePrice(usdc, fpmath.Units(1, 18), 1, 0)
	require.NoError(t, err)

	pool := lending.NewPool("pool-test", pb)
	require.NoError(t, pool.ListMarket(weth, fpmath.MustAmount("800000000000000000")))
	require.NoError(t, pool.ListMarket(usdc, fpmath.MustAmount("850000000000000000")))

	f := &fixture{bt: ledger.NewBalanceTracker(), pool: pool, weth: weth, usdc: usdc,
		user: common.HexToAddress("0x1000000000000000000000000000000000000001")}

	tx := f.bt.Begin("seed", 0, 0)
	require.NoError(t, tx.Issue(ledger.WalletKey(pool.Address(), usdc), ledger.SubTypeExternalDeposits, fpmath.Units(1_000_000, 6), ledger.JournalTypeDeposit))
	require.NoError(t, tx.Issue(ledger.WalletKey(f.user, weth), ledger.SubTypeExternalDeposits, fpmath.Units(10, 18), ledger.JournalTypeDeposit))
	_, err = f.bt.Commit(tx)
	require.NoError(t, err)
	return f
}

func TestPool_SupplyBorrowRepayRedeem(t *testing.T) {
	f := newFixture(t)
	tx := f.bt.Begin("op", 1, 0)

	require.Equal(t, lending.CodeOK, f.pool.Supply(tx, f.user, f.weth, fpmath.Units(1, 18)))
	require.Equal(t, lending.CodeOK, f.pool.Borrow(tx, f.user, f.usdc, fpmath.Units(200, 6)))

	assert.Equal(t, fpmath.Units(1, 18).Dec(), f.pool.BalanceOfUnderlying(tx, f.user, f.weth).Dec())
	assert.Equal(t, fpmath.Units(200, 6).Dec(), f.pool.BorrowBalanceCurrent(tx, f.user, f.usdc).Dec())
	assert.Equal(t, fpmath.Units(200, 6).Dec(), tx.WalletBalance(f.user, f.usdc).Dec())

	require.Equal(t, lending.CodeOK, f.pool.Repay(tx, f.user, f.usdc, fpmath.Units(200, 6)))
	require.Equal(t, lending.CodeOK, f.pool.Redeem(tx, f.user, f.weth, fpmath.Units(1, 18)))

	_, err := f.bt.Commit(tx)
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(10, 18).Dec(), f.bt.GetWalletBalance(f.user, f.weth).Dec())
	require.NoError(t, ledger.NewInvariantValidator(f.bt).ValidateConservation())
}

func TestPool_BorrowBeyondCollateralFactor(t *testing.T) {
	f := newFixture(t)
	tx := f.bt.Begin("op", 1, 0)

	require.Equal(t, lending.CodeOK, f.pool.Supply(tx, f.user, f.weth, fpmath.Units(1, 18)))
	// 1 WETH at 400 with 80% factor allows 320.
	assert.Equal(t, lending.CodeInsufficientCollateral, f.pool.Borrow(tx, f.user, f.usdc, fpmath.Units(321, 6)))
	assert.Equal(t, lending.CodeOK, f.pool.Borrow(tx, f.user, f.usdc, fpmath.Units(320, 6)))
}

func TestPool_RedeemBreachingFactorFails(t *testing.T) {
	f := newFixture(t)
	tx := f.bt.Begin("op", 1, 0)

	require.Equal(t, lending.CodeOK, f.pool.Supply(tx, f.user, f.weth, fpmath.Units(1, 18)))
	require.Equal(t, lending.CodeOK, f.pool.Borrow(tx, f.user, f.usdc, fpmath.Units(300, 6)))
	assert.Equal(t, lending.CodeInsufficientCollateral, f.pool.Redeem(tx, f.user, f.weth, fpmath.MustAmount("100000000000000000")))
}

func TestPool_Codes(t *testing.T) {
	f := newFixture(t)
	tx := f.bt.Begin("op", 1, 0)
	wbtc, _ := ledger.GetAssetID("WBTC")

	assert.Equal(t, lending.CodeMarketNotListed, f.pool.Supply(tx, f.user, wbtc, uint256.NewInt(1)))
	assert.Equal(t, lending.CodeInsufficientBalance, f.pool.Supply(tx, f.user, f.weth, fpmath.Units(11, 18)))
	assert.Equal(t, lending.CodeRepayExceedsDebt, f.pool.Repay(tx, f.user, f.usdc, uint256.NewInt(1)))
	assert.Equal(t, lending.CodeRedeemExceedsSupply, f.pool.Redeem(tx, f.user, f.weth, uint256.NewInt(1)))
	assert.Equal(t, lending.CodeInsufficientCash, f.pool.Borrow(tx, f.user, f.weth, uint256.NewInt(1)))
}

func TestCheck_SurfacesCode(t *testing.T) {
	err := lending.Check("borrow", lending.CodeInsufficientCash)
	require.ErrorIs(t, err, lending.ErrLendingFailure)

	var codeErr *lending.CodeError
	require.ErrorAs(t, err, &codeErr)
	assert.Equal(t, lending.CodeInsufficientCash, codeErr.Code)
	assert.Equal(t, state.ClassExternal, state.Classify(err))
	assert.NoError(t, lending.Check("supply", lending.CodeOK))
}
