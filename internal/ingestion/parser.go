package ingestion

import (
	"encoding/json"
	"fmt"

	"LevLedger/internal/event"
	fpmath "LevLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates and converts raw commands
// before they reach the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeDepositConfirmed:
		return parseDepositConfirmed(raw.Data)
	case event.EventTypeWithdrawalRequested:
		return parseWithdrawalRequested(raw.Data)
	case event.EventTypePriceUpdate:
		return parsePriceUpdate(raw.Data)
	case event.EventTypeInitializeToken:
		return parseInitializeToken(raw.Data)
	case event.EventTypeMintShares:
		return parseMintShares(raw.Data)
	case event.EventTypeBurnShares:
		return parseBurnShares(raw.Data)
	case event.EventTypeRebalance:
		return parseRebalance(raw.Data)
	case event.EventTypeSetParams:
		return parseSetParams(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts travel as
// base-10 integer strings in the asset's smallest unit; ratios are 1e18-scaled.

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

// parseOptionalAmount returns nil for an absent field.
func parseOptionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseAmount(field, s)
}

// fieldParser collects the first error over a run of field conversions.
type fieldParser struct {
	err error
}

func (p *fieldParser) address(field, s string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	a, err := parseAddress(field, s)
	p.err = err
	return a
}

func (p *fieldParser) amount(field, s string) *uint256.Int {
	if p.err != nil {
		return nil
	}
	v, err := parseAmount(field, s)
	p.err = err
	return v
}

func (p *fieldParser) optionalAmount(field, s string) *uint256.Int {
	if p.err != nil {
		return nil
	}
	v, err := parseOptionalAmount(field, s)
	p.err = err
	return v
}

func (p *fieldParser) id(field, s string) uuid.UUID {
	if p.err != nil {
		return uuid.Nil
	}
	v, err := uuid.Parse(s)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", field, err)
	}
	return v
}

type custodyJSON struct {
	DepositID    string `json:"deposit_id,omitempty"`
	WithdrawalID string `json:"withdrawal_id,omitempty"`
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j custodyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	var p fieldParser
	e := &event.DepositConfirmed{
		DepositID: p.id("deposit_id", j.DepositID),
		Account:   p.address("account", j.Account),
		Asset:     j.Asset,
		Amount:    p.amount("amount", j.Amount),
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j custodyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	var p fieldParser
	e := &event.WithdrawalRequested{
		WithdrawalID: p.id("withdrawal_id", j.WithdrawalID),
		Account:      p.address("account", j.Account),
		Asset:        j.Asset,
		Amount:       p.amount("amount", j.Amount),
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampUs,
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

type priceUpdateJSON struct {
	Asset         string `json:"asset"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("parse price: must be positive")
	}
	return &event.PriceUpdate{
		Asset:          j.Asset,
		Price:          price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.TimestampUs,
	}, nil
}

type headerJSON struct {
	CommandID   string `json:"command_id"`
	TokenID     string `json:"token_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (p *fieldParser) header(h headerJSON) event.CommandHeader {
	id := p.id("command_id", h.CommandID)
	if p.err == nil && h.TokenID == "" {
		p.err = fmt.Errorf("parse token_id: required")
	}
	return event.CommandHeader{CommandID: id, Token: h.TokenID, Sequence: h.Sequence, Timestamp: h.TimestampUs}
}

type initializeJSON struct {
	headerJSON
	Caller         string `json:"caller"`
	CollateralMin  string `json:"collateral_min"`
	NAV            string `json:"nav"`
	TargetLeverage string `json:"target_leverage"`
	PaymentAsset   string `json:"payment_asset"`
	PaymentAmount  string `json:"payment_amount"`
}

func parseInitializeToken(data []byte) (*event.InitializeToken, error) {
	var j initializeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitializeToken: %w", err)
	}
	var p fieldParser
	e := &event.InitializeToken{
		CommandHeader:  p.header(j.headerJSON),
		Caller:         p.address("caller", j.Caller),
		CollateralMin:  p.amount("collateral_min", j.CollateralMin),
		NAV:            p.amount("nav", j.NAV),
		TargetLeverage: p.amount("target_leverage", j.TargetLeverage),
		PaymentAsset:   j.PaymentAsset,
		PaymentAmount:  p.amount("payment_amount", j.PaymentAmount),
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

type mintJSON struct {
	headerJSON
	Buyer           string `json:"buyer"`
	Recipient       string `json:"recipient"`
	RefundRecipient string `json:"refund_recipient"`
	Shares          string `json:"shares"`
	FundingAsset    string `json:"funding_asset"`
	MaxAmountIn     string `json:"max_amount_in"`
}

func parseMintShares(data []byte) (*event.MintShares, error) {
	var j mintJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MintShares: %w", err)
	}
	if j.Recipient == "" {
		j.Recipient = j.Buyer
	}
	if j.RefundRecipient == "" {
		j.RefundRecipient = j.Buyer
	}
	var p fieldParser
	e := &event.MintShares{
		CommandHeader:   p.header(j.headerJSON),
		Buyer:           p.address("buyer", j.Buyer),
		Recipient:       p.address("recipient", j.Recipient),
		RefundRecipient: p.address("refund_recipient", j.RefundRecipient),
		Shares:          p.amount("shares", j.Shares),
		FundingAsset:    j.FundingAsset,
		MaxAmountIn:     p.amount("max_amount_in", j.MaxAmountIn),
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

type burnJSON struct {
	headerJSON
	Owner        string `json:"owner"`
	Recipient    string `json:"recipient"`
	Shares       string `json:"shares"`
	OutputAsset  string `json:"output_asset"`
	MinAmountOut string `json:"min_amount_out"`
}

func parseBurnShares(data []byte) (*event.BurnShares, error) {
	var j burnJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BurnShares: %w", err)
	}
	if j.Recipient == "" {
		j.Recipient = j.Owner
	}
	var p fieldParser
	e := &event.BurnShares{
		CommandHeader: p.header(j.headerJSON),
		Owner:         p.address("owner", j.Owner),
		Recipient:     p.address("recipient", j.Recipient),
		Shares:        p.amount("shares", j.Shares),
		OutputAsset:   j.OutputAsset,
		MinAmountOut:  p.amount("min_amount_out", j.MinAmountOut),
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

type rebalanceJSON struct {
	headerJSON
	Caller       string `json:"caller"`
	Recipient    string `json:"recipient"`
	Op           string `json:"op"`
	Amount       string `json:"amount"`
	MinAmountOut string `json:"min_amount_out"`
	MaxAmountIn  string `json:"max_amount_in"`
}

func parseRebalance(data []byte) (*event.Rebalance, error) {
	var j rebalanceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Rebalance: %w", err)
	}
	if j.Recipient == "" {
		j.Recipient = j.Caller
	}
	var p fieldParser
	e := &event.Rebalance{
		CommandHeader: p.header(j.headerJSON),
		Caller:        p.address("caller", j.Caller),
		Recipient:     p.address("recipient", j.Recipient),
		Op:            j.Op,
		Amount:        p.amount("amount", j.Amount),
		MinAmountOut:  p.optionalAmount("min_amount_out", j.MinAmountOut),
		MaxAmountIn:   p.optionalAmount("max_amount_in", j.MaxAmountIn),
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

type setParamsJSON struct {
	headerJSON
	Caller           string `json:"caller"`
	MinLeverageRatio string `json:"min_leverage_ratio"`
	MaxLeverageRatio string `json:"max_leverage_ratio"`
	Step             string `json:"step"`
	MaxDrift         string `json:"max_drift"`
	MaxIncentive     string `json:"max_incentive"`
	Fees             string `json:"fees"`
	MaxMint          string `json:"max_mint"`
	MaxSupply        string `json:"max_supply"`
	EffectiveSeq     int64  `json:"effective_seq"`
}

func parseSetParams(data []byte) (*event.SetParams, error) {
	var j setParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetParams: %w", err)
	}
	var p fieldParser
	e := &event.SetParams{
		CommandHeader:    p.header(j.headerJSON),
		Caller:           p.address("caller", j.Caller),
		MinLeverageRatio: p.amount("min_leverage_ratio", j.MinLeverageRatio),
		MaxLeverageRatio: p.amount("max_leverage_ratio", j.MaxLeverageRatio),
		Step:             p.amount("step", j.Step),
		MaxDrift:         p.amount("max_drift", j.MaxDrift),
		MaxIncentive:     p.amount("max_incentive", j.MaxIncentive),
		Fees:             p.amount("fees", j.Fees),
		MaxMint:          p.optionalAmount("max_mint", j.MaxMint),
		MaxSupply:        p.optionalAmount("max_supply", j.MaxSupply),
		EffectiveSeq:     j.EffectiveSeq,
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}
