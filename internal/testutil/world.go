package testutil

import (
	"testing"

	"LevLedger/internal/flash"
	"LevLedger/internal/ledger"
	"LevLedger/internal/lending"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/oracle"
	"LevLedger/internal/state"
	"LevLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	Owner        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	FeeRecipient = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	Alice        = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	Bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	Keeper       = common.HexToAddress("0x000000000000000000000000000000000000cee9")
)

// World is a ready-made ledger with a price book, a funded lending pool and
// a funded flash venue. Prices start at WETH=400, WBTC=30000, USDC=USDT=1.
type World struct {
	Tracker *ledger.BalanceTracker
	Prices  *oracle.PriceBook
	Pool    *lending.Pool
	Venue   *flash.Venue

	WETH ledger.AssetID
	WBTC ledger.AssetID
	USDC ledger.AssetID
	USDT ledger.AssetID

	seq int64
}

func mustID(t testing.TB, symbol string) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID(symbol)
	if !ok {
		t.Fatalf("asset %s not registered", symbol)
	}
	return id
}

// NewWorld builds a world whose venue charges venueFee (1e18 scale).
func NewWorld(t testing.TB, venueFee *uint256.Int) *World {
	t.Helper()
	w := &World{
		Tracker: ledger.NewBalanceTracker(),
		Prices:  oracle.NewPriceBook(),
		WETH:    mustID(t, "WETH"),
		WBTC:    mustID(t, "WBTC"),
		USDC:    mustID(t, "USDC"),
		USDT:    mustID(t, "USDT"),
	}
	w.SetPrice(t, w.WETH, 400)
	w.SetPrice(t, w.WBTC, 30_000)
	w.SetPrice(t, w.USDC, 1)
	w.SetPrice(t, w.USDT, 1)

	w.Pool = lending.NewPool("test-pool", w.Prices)
	for asset, cf := range map[ledger.AssetID]string{
		w.WETH: "800000000000000000",
		w.WBTC: "750000000000000000",
		w.USDC: "850000000000000000",
		w.USDT: "850000000000000000",
	} {
		if err := w.Pool.ListMarket(asset, fpmath.MustAmount(cf)); err != nil {
			t.Fatalf("list market: %v", err)
		}
	}

	venue, err := flash.NewVenue("test-venue", w.Prices, venueFee)
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	w.Venue = venue

	for _, addr := range []common.Address{w.Pool.Address(), w.Venue.Address()} {
		w.Fund(t, addr, w.WETH, fpmath.Units(10_000, 18))
		w.Fund(t, addr, w.WBTC, fpmath.Units(100, 8))
		w.Fund(t, addr, w.USDC, fpmath.Units(10_000_000, 6))
		w.Fund(t, addr, w.USDT, fpmath.Units(10_000_000, 6))
	}
	return w
}

// SetPrice sets the price of one whole unit in dollars.
func (w *World) SetPrice(t testing.TB, asset ledger.AssetID, dollars uint64) {
	t.Helper()
	w.SetPriceWad(t, asset, fpmath.Units(dollars, 18))
}

// SetPriceWad sets a raw 1e18-scaled price.
func (w *World) SetPriceWad(t testing.TB, asset ledger.AssetID, price *uint256.Int) {
	t.Helper()
	w.seq++
	if _, err := w.Prices.UpdatePrice(asset, price, w.seq, w.seq); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

// Fund deposits amount into who's wallet.
func (w *World) Fund(t testing.TB, who common.Address, asset ledger.AssetID, amount *uint256.Int) {
	t.Helper()
	w.seq++
	tx := w.Tracker.Begin(uuid.NewString(), w.seq, w.seq)
	if err := tx.Issue(ledger.WalletKey(who, asset), ledger.SubTypeExternalDeposits, amount, ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := w.Tracker.Commit(tx); err != nil {
		t.Fatalf("fund commit: %v", err)
	}
}

// Balance reads a committed wallet balance.
func (w *World) Balance(who common.Address, asset ledger.AssetID) *uint256.Int {
	return w.Tracker.GetWalletBalance(who, asset)
}

// NewToken creates a WETH/USDC token owned by Owner.
func (w *World) NewToken(t testing.TB, id, symbol string, params state.Params) *token.Token {
	t.Helper()
	tok, err := token.New(token.Config{
		TokenID:         id,
		Symbol:          symbol,
		Owner:           Owner,
		FeeRecipient:    FeeRecipient,
		CollateralAsset: w.WETH,
		DebtAsset:       w.USDC,
		Params:          params,
	}, w.Prices, w.Pool, w.Venue)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	return tok
}

// Exec runs op in a fresh tx, committing and applying on success and
// discarding on failure.
func (w *World) Exec(tok *token.Token, op func(tx *ledger.Tx) (*token.Receipt, error)) (*token.Receipt, error) {
	w.seq++
	tx := w.Tracker.Begin(uuid.NewString(), w.seq, w.seq)
	r, err := op(tx)
	if err != nil {
		tx.Discard()
		return nil, err
	}
	if _, err := w.Tracker.Commit(tx); err != nil {
		return nil, err
	}
	if err := tok.Apply(r); err != nil {
		return nil, err
	}
	return r, nil
}

// InitializeAt2x initializes tok with 0.5 WETH of collateral at NAV 200 USDC
// per share, paid in USDC by Owner.
func (w *World) InitializeAt2x(t testing.TB, tok *token.Token) *token.Receipt {
	t.Helper()
	w.Fund(t, Owner, w.USDC, fpmath.Units(1_000, 6))
	r, err := w.Exec(tok, func(tx *ledger.Tx) (*token.Receipt, error) {
		return tok.Initialize(tx, token.InitializeRequest{
			Caller:         Owner,
			CollateralMin:  fpmath.MustAmount("500000000000000000"),
			NAV:            fpmath.Units(200, 6),
			TargetLeverage: fpmath.TwoWad,
			PaymentAsset:   w.USDC,
			PaymentAmount:  fpmath.Units(1_000, 6),
		})
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return r
}

// CheckConservation fails t if any asset's internal balances differ from
// its outstanding issuance.
func (w *World) CheckConservation(t testing.TB) {
	t.Helper()
	if err := ledger.NewInvariantValidator(w.Tracker).ValidateConservation(); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}
