package token_test

import (
	"testing"

	"LevLedger/internal/ledger"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/state"
	"LevLedger/internal/testutil"
	"LevLedger/internal/token"

	"github.com/holiman/uint256"
)

func rebalance(w *testutil.World, tok *token.Token, op token.RebalanceOp, amount *uint256.Int) (*token.Receipt, error) {
	return w.Exec(tok, func(tx *ledger.Tx) (*token.Receipt, error) {
		return tok.Rebalance(tx, token.RebalanceRequest{
			Caller:    testutil.Keeper,
			Recipient: testutil.Keeper,
			Op:        op,
			Amount:    amount,
		})
	})
}

// underLeveraged returns a 2x token after WETH rallies from 400 to 600,
// which leaves it at 1.5x.
func underLeveraged(t *testing.T) (*testutil.World, *token.Token) {
	t.Helper()
	w, tok := newWorld(t)
	w.InitializeAt2x(t, tok)
	w.SetPrice(t, w.WETH, 600)
	w.Fund(t, testutil.Keeper, w.WETH, eth(10))
	w.Fund(t, testutil.Keeper, w.USDC, usdc(10_000))
	return w, tok
}

// overLeveraged returns a 2x token after WETH drops from 400 to 300,
// which leaves it at 3x.
func overLeveraged(t *testing.T) (*testutil.World, *token.Token) {
	t.Helper()
	w, tok := newWorld(t)
	w.InitializeAt2x(t, tok)
	w.SetPrice(t, w.WETH, 300)
	w.Fund(t, testutil.Keeper, w.WETH, eth(10))
	w.Fund(t, testutil.Keeper, w.USDC, usdc(10_000))
	return w, tok
}

// ============================================================================
// Test: Probe
// ============================================================================

func TestProbe_MidDrift(t *testing.T) {
	_, tok := underLeveraged(t)

	p := tok.Probe()
	if !p.OK() {
		t.Fatalf("probe failed: %v", p.Err)
	}
	if p.Direction != fpmath.DirectionUp {
		t.Fatalf("direction = %s, want leverage_up", p.Direction)
	}
	mustEqual(t, "leverage", p.LeverageRatio, wad("1500000000000000000"))
	mustEqual(t, "drift", p.Drift, wad("200000000000000000"))
	mustEqual(t, "incentive rate", p.IncentiveRate, wad("50000000000000000"))
	if p.Op != token.PushCollateral {
		t.Fatalf("op = %s, want %s", p.Op, token.PushCollateral)
	}
	// step 0.3 x NAV 400 = 120 USDC of debt, 0.2 WETH at 600.
	mustEqual(t, "max in", p.MaxAmountIn, wad("200000000000000000"))
	mustEqual(t, "expected out", p.ExpectedAmountOut, usdc(126))
	mustEqual(t, "expected incentive", p.ExpectedIncentive, usdc(6))
	if !p.ExpectedLeverage.Gt(p.LeverageRatio) || p.ExpectedLeverage.Gt(tok.Params().MaxLeverageRatio) {
		t.Fatalf("expected leverage %s not inside (1.5, 2.3]", p.ExpectedLeverage.Dec())
	}
}

func TestProbe_Balanced(t *testing.T) {
	w, tok := newWorld(t)
	w.InitializeAt2x(t, tok)

	p := tok.Probe()
	mustErr(t, p.Err, state.ErrBalanced)
	if p.Direction != fpmath.DirectionNone {
		t.Fatalf("direction = %s", p.Direction)
	}
}

func TestProbe_Uninitialized(t *testing.T) {
	_, tok := newWorld(t)
	mustErr(t, tok.Probe().Err, state.ErrNotInitialized)
}

func TestProbe_MatchesExecution(t *testing.T) {
	w, tok := overLeveraged(t)

	p := tok.Probe()
	if !p.OK() {
		t.Fatalf("probe failed: %v", p.Err)
	}
	if p.Op != token.PushDebt {
		t.Fatalf("op = %s, want %s", p.Op, token.PushDebt)
	}

	r, err := rebalance(w, tok, p.Op, p.MaxAmountIn)
	if err != nil {
		t.Fatalf("rebalance at probe size: %v", err)
	}
	mustEqual(t, "amount out", r.Rebalance.AmountOut, p.ExpectedAmountOut)
	mustEqual(t, "leverage after", r.Rebalance.LeverageAfter, p.ExpectedLeverage)
}

// ============================================================================
// Test: Rebalance
// ============================================================================

func TestRebalance_PushCollateral(t *testing.T) {
	w, tok := underLeveraged(t)
	supply := tok.TotalSupply()
	navBefore := mustAccounting(t, tok).NAVPerShare

	r, err := rebalance(w, tok, token.PushCollateral, wad("200000000000000000"))
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	rb := r.Rebalance
	mustEqual(t, "amount out", rb.AmountOut, usdc(126))
	mustEqual(t, "incentive", rb.Incentive, usdc(6))
	mustEqual(t, "rate", rb.IncentiveRate, wad("50000000000000000"))

	mustEqual(t, "total collateral", tok.TotalCollateral(), wad("1200000000000000000"))
	mustEqual(t, "total debt", tok.TotalDebt(), usdc(326))
	mustEqual(t, "supply unchanged", tok.TotalSupply(), supply)
	mustEqual(t, "keeper usdc", w.Balance(testutil.Keeper, w.USDC), usdc(10_126))

	after := mustAccounting(t, tok)
	if !after.LeverageRatio.Gt(wad("1500000000000000000")) || after.LeverageRatio.Gt(tok.Params().MaxLeverageRatio) {
		t.Fatalf("leverage after = %s", after.LeverageRatio.Dec())
	}
	// The incentive is paid out of NAV: 400 - 6.
	mustEqual(t, "nav per share", after.NAVPerShare, usdc(394))
	if !after.NAVPerShare.Lt(navBefore) {
		t.Fatal("incentive must come out of the position")
	}

	assertEngineEmpty(t, w, tok)
	w.CheckConservation(t)
}

func TestRebalance_PullDebt(t *testing.T) {
	w, tok := underLeveraged(t)
	wethBefore := w.Balance(testutil.Keeper, w.WETH)

	r, err := rebalance(w, tok, token.PullDebt, usdc(100))
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	rb := r.Rebalance
	mustEqual(t, "amount out", rb.AmountOut, usdc(100))
	// 100 / 1.05 = 95.238096 USDC (rounded up) = 0.15873016 WETH at 600.
	mustEqual(t, "amount in", rb.AmountIn, wad("158730160000000000"))
	mustEqual(t, "incentive", rb.Incentive, fpmath.Units(4_761_904, 0))
	mustEqual(t, "keeper weth", w.Balance(testutil.Keeper, w.WETH), new(uint256.Int).Sub(wethBefore, rb.AmountIn))

	assertEngineEmpty(t, w, tok)
	w.CheckConservation(t)
}

func TestRebalance_PushDebt(t *testing.T) {
	w, tok := overLeveraged(t)

	r, err := rebalance(w, tok, token.PushDebt, usdc(30))
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	rb := r.Rebalance
	// Drift 0.7 is past max drift, so the incentive is clamped at 10%.
	mustEqual(t, "rate", rb.IncentiveRate, wad("100000000000000000"))
	mustEqual(t, "amount out", rb.AmountOut, wad("110000000000000000"))
	mustEqual(t, "total collateral", tok.TotalCollateral(), wad("890000000000000000"))
	mustEqual(t, "total debt", tok.TotalDebt(), usdc(170))

	after := mustAccounting(t, tok).LeverageRatio
	if !after.Lt(eth(3)) || after.Lt(tok.Params().MinLeverageRatio) {
		t.Fatalf("leverage after = %s", after.Dec())
	}
	assertEngineEmpty(t, w, tok)
	w.CheckConservation(t)
}

func TestRebalance_PullCollateral(t *testing.T) {
	w, tok := overLeveraged(t)

	r, err := rebalance(w, tok, token.PullCollateral, wad("100000000000000000"))
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	rb := r.Rebalance
	mustEqual(t, "amount out", rb.AmountOut, wad("100000000000000000"))
	if !rb.AmountIn.Lt(usdc(30)) {
		t.Fatalf("amount in %s should be discounted below the 30 USDC fair value", rb.AmountIn.Dec())
	}
	assertEngineEmpty(t, w, tok)
	w.CheckConservation(t)
}

func TestRebalance_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*testing.T) (*testutil.World, *token.Token)
		op     token.RebalanceOp
		amount *uint256.Int
		want   error
	}{
		{"balanced", func(t *testing.T) (*testutil.World, *token.Token) {
			w, tok := newWorld(t)
			w.InitializeAt2x(t, tok)
			return w, tok
		}, token.PushCollateral, wad("100000000000000000"), state.ErrBalanced},
		{"wrong direction", underLeveraged, token.PushDebt, usdc(10), state.ErrBalanced},
		{"zero push", underLeveraged, token.PushCollateral, fpmath.Zero(), state.ErrAmountInTooLow},
		{"zero pull", underLeveraged, token.PullDebt, fpmath.Zero(), state.ErrAmountOutTooLow},
		{"push too large", underLeveraged, token.PushCollateral, wad("200000000000000001"), state.ErrAmountInTooHigh},
		{"pull too large", underLeveraged, token.PullDebt, usdc(121), state.ErrAmountOutTooHigh},
		{"push debt too large", overLeveraged, token.PushDebt, usdc(31), state.ErrAmountInTooHigh},
		{"pull collateral too large", overLeveraged, token.PullCollateral, wad("200000000000000000"), state.ErrAmountOutTooHigh},
		{"unknown op", underLeveraged, token.RebalanceOp("swap"), usdc(1), state.ErrUnsupportedRebalanceOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, tok := tt.setup(t)
			before := tok.Position()
			_, err := rebalance(w, tok, tt.op, tt.amount)
			mustErr(t, err, tt.want)
			after := tok.Position()
			mustEqual(t, "collateral", after.TotalCollateral, before.TotalCollateral)
			mustEqual(t, "debt", after.TotalDebt, before.TotalDebt)
		})
	}
}

func TestRebalance_DustIsTooSmallNotOvershoot(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*testing.T) (*testutil.World, *token.Token)
		op     token.RebalanceOp
		amount *uint256.Int
	}{
		// One debt unit moves the exact ratio down but the per-share ratio
		// floors the other way.
		{"one unit of debt", overLeveraged, token.PushDebt, uint256.NewInt(1)},
		// Worth less than one debt unit at 600.
		{"sub-unit collateral", underLeveraged, token.PushCollateral, uint256.NewInt(1_000_000_000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, tok := tt.setup(t)
			before := tok.Position()
			_, err := rebalance(w, tok, tt.op, tt.amount)
			mustErr(t, err, state.ErrAmountInTooLow)
			if c := state.Classify(err); c != state.ClassInput {
				t.Fatalf("class %q, want %q", c, state.ClassInput)
			}
			after := tok.Position()
			mustEqual(t, "collateral", after.TotalCollateral, before.TotalCollateral)
			mustEqual(t, "debt", after.TotalDebt, before.TotalDebt)
		})
	}

	w, tok := overLeveraged(t)
	r, err := rebalance(w, tok, token.PushDebt, uint256.NewInt(100))
	if err != nil {
		t.Fatalf("hundred units: %v", err)
	}
	if !r.Rebalance.LeverageAfter.Lt(r.Rebalance.LeverageBefore) {
		t.Fatalf("leverage %s -> %s", r.Rebalance.LeverageBefore.Dec(), r.Rebalance.LeverageAfter.Dec())
	}
	w.CheckConservation(t)
}

func TestRebalance_SlippageGuards(t *testing.T) {
	w, tok := underLeveraged(t)

	_, err := w.Exec(tok, func(tx *ledger.Tx) (*token.Receipt, error) {
		return tok.Rebalance(tx, token.RebalanceRequest{
			Caller:       testutil.Keeper,
			Recipient:    testutil.Keeper,
			Op:           token.PushCollateral,
			Amount:       wad("200000000000000000"),
			MinAmountOut: usdc(127),
		})
	})
	mustErr(t, err, state.ErrSlippage)

	_, err = w.Exec(tok, func(tx *ledger.Tx) (*token.Receipt, error) {
		return tok.Rebalance(tx, token.RebalanceRequest{
			Caller:      testutil.Keeper,
			Recipient:   testutil.Keeper,
			Op:          token.PullDebt,
			Amount:      usdc(100),
			MaxAmountIn: wad("150000000000000000"),
		})
	})
	mustErr(t, err, state.ErrSlippage)
}

func TestRebalance_IncentiveGrowsWithDrift(t *testing.T) {
	var last *uint256.Int
	for _, price := range []uint64{520, 550, 600, 700, 900} {
		w, tok := newWorld(t)
		w.InitializeAt2x(t, tok)
		w.SetPrice(t, w.WETH, price)

		p := tok.Probe()
		if p.Err != nil && p.Direction == fpmath.DirectionNone {
			t.Fatalf("price %d: %v", price, p.Err)
		}
		if last != nil && p.IncentiveRate.Lt(last) {
			t.Fatalf("price %d: rate %s below previous %s", price, p.IncentiveRate.Dec(), last.Dec())
		}
		if p.IncentiveRate.Gt(tok.Params().MaxIncentive) {
			t.Fatalf("price %d: rate %s above cap", price, p.IncentiveRate.Dec())
		}
		last = p.IncentiveRate
	}
	mustEqual(t, "clamped rate", last, state.DefaultParams().MaxIncentive)
}

func TestQuote_DoesNotStage(t *testing.T) {
	w, tok := underLeveraged(t)
	q, err := tok.Quote(token.PushCollateral, wad("100000000000000000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	mustEqual(t, "quote out", q.AmountOut, usdc(63))
	mustEqual(t, "keeper weth", w.Balance(testutil.Keeper, w.WETH), eth(10))
}

func TestParseRebalanceOp(t *testing.T) {
	for _, s := range []string{"push_collateral", "pull_debt", "push_debt", "pull_collateral"} {
		if _, err := token.ParseRebalanceOp(s); err != nil {
			t.Errorf("%s: %v", s, err)
		}
	}
	_, err := token.ParseRebalanceOp("flip")
	mustErr(t, err, state.ErrUnsupportedRebalanceOp)
}
