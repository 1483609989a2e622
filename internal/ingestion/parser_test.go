package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"LevLedger/internal/event"
	"LevLedger/internal/ingestion"

	"github.com/ethereum/go-ethereum/common"
)

const (
	alice   = "0x000000000000000000000000000000000000a11c"
	keeper  = "0x000000000000000000000000000000000000cee9"
	cmdUUID = "550e8400-e29b-41d4-a716-446655440000"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDepositConfirmed(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   cmdUUID,
		"account":      alice,
		"asset":        "USDC",
		"amount":       "2000000",
		"sequence":     int64(2),
		"timestamp_us": int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("expected *event.DepositConfirmed, got %T", evt)
	}
	if dc.Amount.Uint64() != 2_000_000 {
		t.Errorf("amount: got %s, want 2000000", dc.Amount.Dec())
	}
	if dc.Account != common.HexToAddress(alice) {
		t.Errorf("account: got %s", dc.Account.Hex())
	}
	if dc.SourceSequence() != 2 || dc.EventTime() != 1700000000000000 {
		t.Errorf("sequence/time: got %d/%d", dc.SourceSequence(), dc.EventTime())
	}
	if dc.EventType() != event.EventTypeDepositConfirmed {
		t.Errorf("event type: got %v, want DepositConfirmed", dc.EventType())
	}
}

func TestParseWithdrawalRequested(t *testing.T) {
	payload := map[string]interface{}{
		"withdrawal_id": cmdUUID,
		"account":       alice,
		"asset":         "WETH",
		"amount":        "1000000000000000000",
		"sequence":      int64(7),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "WithdrawalRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	wr := evt.(*event.WithdrawalRequested)
	if wr.Amount.Dec() != "1000000000000000000" || wr.Asset != "WETH" {
		t.Errorf("got %s %s", wr.Amount.Dec(), wr.Asset)
	}
	if wr.IdempotencyKey() != cmdUUID {
		t.Errorf("idempotency key: got %s", wr.IdempotencyKey())
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset":          "WETH",
		"price":          "3000000000000000000000",
		"price_sequence": int64(100),
		"timestamp_us":   int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pu := evt.(*event.PriceUpdate)
	if pu.Price.Dec() != "3000000000000000000000" {
		t.Errorf("price: got %s", pu.Price.Dec())
	}
	if pu.IdempotencyKey() != "WETH:price:100" {
		t.Errorf("idempotency key: got %s", pu.IdempotencyKey())
	}
	if pu.TokenID() != nil {
		t.Error("price updates are global")
	}
}

func TestParsePriceUpdate_ZeroPriceFails(t *testing.T) {
	payload := map[string]interface{}{"asset": "WETH", "price": "0", "price_sequence": int64(1)}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate"); err == nil {
		t.Fatal("expected error for zero price")
	}
}

func TestParseMintShares_DefaultsRecipients(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    cmdUUID,
		"token_id":      "ETH2X",
		"sequence":      int64(3),
		"buyer":         alice,
		"shares":        "1000000000000000000",
		"funding_asset": "USDC",
		"max_amount_in": "500000000",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "MintShares")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	m := evt.(*event.MintShares)
	if m.Recipient != m.Buyer || m.RefundRecipient != m.Buyer {
		t.Errorf("recipients should default to the buyer")
	}
	if id := m.TokenID(); id == nil || *id != "ETH2X" {
		t.Errorf("token id: got %v", id)
	}
	if m.SourceSequence() != 3 {
		t.Errorf("sequence: got %d", m.SourceSequence())
	}
}

func TestParseBurnShares(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":     cmdUUID,
		"token_id":       "ETH2X",
		"owner":          alice,
		"shares":         "500000000000000000",
		"output_asset":   "WETH",
		"min_amount_out": "1",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "BurnShares")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b := evt.(*event.BurnShares)
	if b.Recipient != b.Owner || b.OutputAsset != "WETH" || b.MinAmountOut.Uint64() != 1 {
		t.Errorf("unexpected burn %+v", b)
	}
}

func TestParseRebalance_OptionalBounds(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": cmdUUID,
		"token_id":   "ETH2X",
		"caller":     keeper,
		"op":         "push_collateral",
		"amount":     "200000000000000000",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Rebalance")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := evt.(*event.Rebalance)
	if r.MinAmountOut != nil || r.MaxAmountIn != nil {
		t.Error("absent bounds should stay nil")
	}
	if r.Op != "push_collateral" || r.Recipient != common.HexToAddress(keeper) {
		t.Errorf("unexpected rebalance %+v", r)
	}
}

func TestParseSetParams(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":         cmdUUID,
		"token_id":           "ETH2X",
		"caller":             alice,
		"min_leverage_ratio": "1700000000000000000",
		"max_leverage_ratio": "2300000000000000000",
		"step":               "300000000000000000",
		"max_drift":          "400000000000000000",
		"max_incentive":      "100000000000000000",
		"fees":               "1000000000000000",
		"effective_seq":      int64(10),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "SetParams")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	sp := evt.(*event.SetParams)
	if sp.MaxMint != nil || sp.MaxSupply != nil {
		t.Error("absent caps should stay nil")
	}
	if sp.EffectiveSeq != 10 || sp.Step.Dec() != "300000000000000000" {
		t.Errorf("unexpected params %+v", sp)
	}
}

func TestParseTokenCommand_MissingTokenFails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": cmdUUID,
		"caller":     keeper,
		"op":         "push_debt",
		"amount":     "1",
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Rebalance"); err == nil {
		t.Fatal("expected error for missing token_id")
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := rawFromJSON(t, map[string]string{"foo": "bar"})
	if _, err := ingestion.ParseRawEvent(raw, "TradeFill"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte("{invalid json")}
	if _, err := ingestion.ParseRawEvent(raw, "DepositConfirmed"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": "not-a-uuid",
		"account":    alice,
		"asset":      "USDC",
		"amount":     "1",
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseInvalidAddress_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": cmdUUID,
		"account":    "alice",
		"asset":      "USDC",
		"amount":     "1",
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed"); err == nil {
		t.Fatal("expected error for invalid address")
	}
}

func TestParseInvalidAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": cmdUUID,
		"account":    alice,
		"asset":      "USDC",
		"amount":     "-5",
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed"); err == nil {
		t.Fatal("expected error for negative amount")
	}
}
