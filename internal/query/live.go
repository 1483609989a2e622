package query

import (
	"errors"
	"fmt"
	"sort"

	"LevLedger/internal/core"
	"LevLedger/internal/ledger"
	"LevLedger/internal/state"
	"LevLedger/internal/token"

	"github.com/holiman/uint256"
)

// ErrNotReady is returned before the core has published its first view.
var ErrNotReady = errors.New("core view not ready")

// ViewSource supplies the core's latest committed read view. Token state,
// probes and quotes are served from it rather than from projections, so
// they are never behind the core.
type ViewSource interface {
	View() *core.ReadView
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func symbol(id ledger.AssetID) string {
	if id == 0 {
		return ""
	}
	if name, ok := ledger.GetAssetName(id); ok {
		return name
	}
	return fmt.Sprintf("asset#%d", id)
}

func (qs *QueryService) view() (*core.ReadView, error) {
	if qs.views == nil {
		return nil, ErrNotReady
	}
	v := qs.views.View()
	if v == nil {
		return nil, ErrNotReady
	}
	return v, nil
}

// ViewSequence is the last sequence reflected in the core's read view, or
// -1 before the first command.
func (qs *QueryService) ViewSequence() (int64, error) {
	v, err := qs.view()
	if err != nil {
		return -1, err
	}
	return v.Sequence, nil
}

// GetToken returns a token's committed state with accounting at current
// prices. Accounting failures, such as a missing price, are reported in the
// response rather than failing the call.
func (qs *QueryService) GetToken(id string) (*TokenResponse, error) {
	v, err := qs.view()
	if err != nil {
		return nil, err
	}
	s, err := v.Token(id)
	if err != nil {
		return nil, err
	}
	resp := tokenResponse(s, v.Sequence)
	resp.NextSequence = v.NextSourceSequence(id)
	if acc, err := v.Accounting(id); err != nil {
		resp.AccountingError = err.Error()
	} else {
		resp.CollateralPerShare = amount(acc.CollateralPerShare)
		resp.DebtPerShare = amount(acc.DebtPerShare)
		resp.CollateralValuePerShare = amount(acc.CollateralValuePerShare)
		resp.NAVPerShare = amount(acc.NAVPerShare)
		resp.LeverageRatio = amount(acc.LeverageRatio)
		resp.TotalValue = amount(acc.TotalValue)
	}
	return resp, nil
}

// ListTokens returns every configured token in id order.
func (qs *QueryService) ListTokens() ([]TokenResponse, error) {
	v, err := qs.view()
	if err != nil {
		return nil, err
	}
	out := make([]TokenResponse, 0, len(v.TokenIDs()))
	for _, id := range v.TokenIDs() {
		t, err := qs.GetToken(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func tokenResponse(s token.Snapshot, asOf int64) *TokenResponse {
	cfg := s.Config
	return &TokenResponse{
		TokenID:         cfg.TokenID,
		Symbol:          cfg.Symbol,
		Owner:           cfg.Owner.Hex(),
		FeeRecipient:    cfg.FeeRecipient.Hex(),
		CollateralAsset: symbol(cfg.CollateralAsset),
		DebtAsset:       symbol(cfg.DebtAsset),
		ShareAsset:      symbol(s.Share),
		IsInitialized:   s.Position.IsInitialized,
		TotalCollateral: amount(s.Position.TotalCollateral),
		TotalDebt:       amount(s.Position.TotalDebt),
		TotalSupply:     amount(s.Position.TotalSupply),
		Params:          paramsResponse(s.Params),
		Version:         s.Position.Version,
		AsOfSequence:    asOf,
	}
}

func paramsResponse(p state.Params) ParamsResponse {
	return ParamsResponse{
		MinLeverageRatio: amount(p.MinLeverageRatio),
		MaxLeverageRatio: amount(p.MaxLeverageRatio),
		Step:             amount(p.Step),
		MaxDrift:         amount(p.MaxDrift),
		MaxIncentive:     amount(p.MaxIncentive),
		Fees:             amount(p.Fees),
		MaxMint:          amount(p.MaxMint),
		MaxSupply:        amount(p.MaxSupply),
		EffectiveSeq:     p.EffectiveSeq,
	}
}

// Probe dry-runs a maximum-size rebalance of one token.
func (qs *QueryService) Probe(id string) (*ProbeResponse, error) {
	v, err := qs.view()
	if err != nil {
		return nil, err
	}
	r, err := v.Probe(id)
	if err != nil {
		return nil, err
	}
	resp := probeResponse(r, v.Sequence)
	qs.recordProbe(resp)
	return resp, nil
}

// ProbeAll probes every token against one view, so all results share the
// same as_of_sequence.
func (qs *QueryService) ProbeAll() ([]ProbeResponse, error) {
	v, err := qs.view()
	if err != nil {
		return nil, err
	}
	results := v.ProbeAll()
	out := make([]ProbeResponse, 0, len(results))
	for _, r := range results {
		resp := probeResponse(r, v.Sequence)
		qs.recordProbe(resp)
		out = append(out, *resp)
	}
	return out, nil
}

func probeResponse(r token.ProbeResult, asOf int64) *ProbeResponse {
	resp := &ProbeResponse{
		TokenID:           r.TokenID,
		OK:                r.OK(),
		Direction:         r.Direction.String(),
		LeverageRatio:     amount(r.LeverageRatio),
		Drift:             amount(r.Drift),
		IncentiveRate:     amount(r.IncentiveRate),
		Op:                string(r.Op),
		AssetIn:           symbol(r.AssetIn),
		AssetOut:          symbol(r.AssetOut),
		MaxAmountIn:       amount(r.MaxAmountIn),
		ExpectedAmountOut: amount(r.ExpectedAmountOut),
		ExpectedIncentive: amount(r.ExpectedIncentive),
		ExpectedLeverage:  amount(r.ExpectedLeverage),
		AsOfSequence:      asOf,
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
		resp.ErrorClass = string(state.Classify(r.Err))
	}
	return resp
}

func (qs *QueryService) recordProbe(r *ProbeResponse) {
	if qs.metrics == nil {
		return
	}
	outcome := "ok"
	if !r.OK {
		outcome = r.ErrorClass
	}
	qs.metrics.ProbeResults.WithLabelValues(r.TokenID, outcome).Inc()
}

// Quote prices one primitive at amount without executing it.
func (qs *QueryService) Quote(id, op string, amt *uint256.Int) (*QuoteResponse, error) {
	v, err := qs.view()
	if err != nil {
		return nil, err
	}
	rop, err := token.ParseRebalanceOp(op)
	if err != nil {
		return nil, err
	}
	q, err := v.Quote(id, rop, amt)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		TokenID:      id,
		Op:           string(q.Op),
		AssetIn:      symbol(q.AssetIn),
		AssetOut:     symbol(q.AssetOut),
		AmountIn:     amount(q.AmountIn),
		AmountOut:    amount(q.AmountOut),
		Incentive:    amount(q.Incentive),
		AsOfSequence: v.Sequence,
	}, nil
}

// GetPrices returns the oracle prices in asset order.
func (qs *QueryService) GetPrices() ([]PriceResponse, error) {
	v, err := qs.view()
	if err != nil {
		return nil, err
	}
	prices := v.Prices()
	out := make([]PriceResponse, 0, len(prices))
	for id, ps := range prices {
		out = append(out, PriceResponse{
			Asset:         symbol(id),
			Price:         amount(ps.Price),
			PriceSequence: ps.PriceSequence,
			Timestamp:     ps.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}
