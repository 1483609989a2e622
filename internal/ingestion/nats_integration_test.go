package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"LevLedger/internal/event"
	"LevLedger/internal/ingestion"
	"LevLedger/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
)

func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return js
}

func TestIntegrationSubscriberDeliversPrice(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}
	stream, err := js.Stream(ctx, "LEV_PRICES")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if err := stream.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	var prices []ingestion.SubjectConfig
	for _, s := range ingestion.DefaultSubjects() {
		if s.EventType == "PriceUpdate" {
			prices = append(prices, s)
		}
	}
	rawCh := make(chan ingestion.RawEvent, 1)
	sub := ingestion.NewNATSSubscriber(js, rawCh)
	if err := sub.Subscribe(ctx, prices); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	data, _ := json.Marshal(map[string]interface{}{
		"asset":          "WETH",
		"price":          "2000000000000000000000",
		"price_sequence": time.Now().UnixNano(),
	})
	if _, err := js.Publish(ctx, "lev.prices.WETH", data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var raw ingestion.RawEvent
	select {
	case raw = <-rawCh:
	case <-ctx.Done():
		t.Fatal("no message delivered")
	}
	if raw.Subject != "lev.prices.WETH" {
		t.Fatalf("subject %q", raw.Subject)
	}

	out := make(chan event.Event, 1)
	in := make(chan ingestion.RawEvent, 1)
	in <- raw
	close(in)
	if err := ingestion.NewShell(prices, out, nil).Run(ctx, in); err != nil {
		t.Fatalf("shell: %v", err)
	}
	evt := <-out
	if evt.EventType() != event.EventTypePriceUpdate {
		t.Fatalf("queued %s", evt.EventType())
	}
}

func TestIntegrationPublisherWritesOutboundStream(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		t.Fatalf("ensure outbound: %v", err)
	}

	// A fresh sequence and token keep reruns clear of the dedup window.
	seq := time.Now().UnixNano()
	token := fmt.Sprintf("IT%d", seq)
	evt := ingestion.PublishableEvent{
		Sequence:       seq,
		EventType:      "MintShares",
		IdempotencyKey: "mint-1",
		TokenID:        &token,
		Outcome:        "committed",
		Payload:        json.RawMessage(`{}`),
		StateHash:      "00",
		Timestamp:      time.Now().UTC(),
	}

	in := make(chan ingestion.PublishableEvent, 1)
	in <- evt
	close(in)
	if err := ingestion.NewOutboundPublisher(js, in, nil).Run(ctx); err != nil {
		t.Fatalf("publisher: %v", err)
	}

	cons, err := js.OrderedConsumer(ctx, "LEV_LEDGER_EVENTS", jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ingestion.OutboundSubject(evt)},
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	msg, err := cons.Next(jetstream.FetchMaxWait(5 * time.Second))
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	var got ingestion.PublishableEvent
	if err := json.Unmarshal(msg.Data(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != seq || got.TokenID == nil || *got.TokenID != token {
		t.Fatalf("published %+v", got)
	}
	if id := msg.Headers().Get(jetstream.MsgIDHeader); id != fmt.Sprintf("%d", seq) {
		t.Fatalf("msg id %q", id)
	}
}
