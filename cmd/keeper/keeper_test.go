package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"LevLedger/internal/query"
	"LevLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeLedger struct {
	probes    []query.ProbeResponse
	nextSeq   map[string]int64
	submitErr error
	failToken string

	mu        sync.Mutex
	submitted []rebalanceJSON
}

func (f *fakeLedger) Invoke(ctx context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var resp any
	switch method {
	case server.MethodProbeAll:
		resp = server.ProbeAllResponse{Results: f.probes}
	case server.MethodGetToken:
		id := args.(*server.TokenRequest).TokenID
		resp = query.TokenResponse{TokenID: id, NextSequence: f.nextSeq[id]}
	case server.MethodSubmit:
		if f.submitErr != nil {
			return f.submitErr
		}
		req := args.(*server.SubmitRequest)
		var cmd rebalanceJSON
		if err := json.Unmarshal(req.Payload, &cmd); err != nil {
			return err
		}
		if cmd.TokenID == f.failToken {
			return errors.New("unavailable")
		}
		f.mu.Lock()
		f.submitted = append(f.submitted, cmd)
		f.mu.Unlock()
		resp = server.SubmitResponse{Accepted: true, EventType: req.EventType, IdempotencyKey: cmd.CommandID}
	default:
		return errors.New("unexpected method " + method)
	}
	// Round-trip through JSON like the wire codec does.
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, reply)
}

var keeperAddr = common.HexToAddress("0x000000000000000000000000000000000000cee9")

func newTestKeeper(f *fakeLedger) *keeper {
	return &keeper{
		conn:        f,
		caller:      keeperAddr,
		recipient:   keeperAddr,
		concurrency: 2,
		logger:      zerolog.Nop(),
	}
}

func okProbe(id, op, maxIn, out string) query.ProbeResponse {
	return query.ProbeResponse{TokenID: id, OK: true, Op: op, MaxAmountIn: maxIn, ExpectedAmountOut: out}
}

func TestRoundSubmitsOnlyRebalanceableTokens(t *testing.T) {
	f := &fakeLedger{
		probes: []query.ProbeResponse{
			okProbe("ETH2X", "push_debt", "1000000", "490000000000000"),
			{TokenID: "BTC2X", OK: false, ErrorClass: "state", Error: "balanced"},
			okProbe("SOL2X", "pull_collateral", "5000", "4900"),
		},
		nextSeq: map[string]int64{"ETH2X": 7, "SOL2X": 2},
	}
	k := newTestKeeper(f)

	n, err := k.round(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, f.submitted, 2)

	byToken := map[string]rebalanceJSON{}
	for _, cmd := range f.submitted {
		byToken[cmd.TokenID] = cmd
	}
	eth := byToken["ETH2X"]
	assert.Equal(t, int64(7), eth.Sequence)
	assert.Equal(t, "push_debt", eth.Op)
	assert.Equal(t, "1000000", eth.Amount)
	assert.Equal(t, "490000000000000", eth.MinAmountOut)
	assert.Equal(t, keeperAddr.Hex(), eth.Caller)
	assert.NotEmpty(t, eth.CommandID)
	assert.Equal(t, int64(2), byToken["SOL2X"].Sequence)
}

func TestRoundTokenFilter(t *testing.T) {
	f := &fakeLedger{
		probes: []query.ProbeResponse{
			okProbe("ETH2X", "push_debt", "1000", "1"),
			okProbe("SOL2X", "push_debt", "1000", "1"),
		},
	}
	k := newTestKeeper(f)
	k.tokens = map[string]bool{"SOL2X": true}

	n, err := k.round(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "SOL2X", f.submitted[0].TokenID)
}

func TestSizeCapsAmountAndDropsFloor(t *testing.T) {
	k := newTestKeeper(&fakeLedger{})
	k.maxAmount = uint256.NewInt(400)

	amount, minOut, err := k.size(okProbe("ETH2X", "push_debt", "1000", "999"))
	require.NoError(t, err)
	assert.Equal(t, "400", amount.Dec())
	assert.Empty(t, minOut)

	amount, minOut, err = k.size(okProbe("ETH2X", "push_debt", "300", "299"))
	require.NoError(t, err)
	assert.Equal(t, "300", amount.Dec())
	assert.Equal(t, "299", minOut)
}

func TestSizeRejectsBadProbe(t *testing.T) {
	k := newTestKeeper(&fakeLedger{})
	_, _, err := k.size(okProbe("ETH2X", "push_debt", "0", "0"))
	assert.Error(t, err)
	_, _, err = k.size(okProbe("ETH2X", "push_debt", "abc", "0"))
	assert.Error(t, err)
}

func TestRoundReportsSubmitFailure(t *testing.T) {
	f := &fakeLedger{
		probes:    []query.ProbeResponse{okProbe("ETH2X", "push_debt", "1000", "1")},
		submitErr: errors.New("unavailable"),
	}
	n, err := newTestKeeper(f).round(context.Background())
	assert.EqualError(t, err, "1 of 1 rebalances failed")
	assert.Zero(t, n)
}

func TestRoundFailureDoesNotCancelOtherTokens(t *testing.T) {
	f := &fakeLedger{
		probes: []query.ProbeResponse{
			okProbe("ETH2X", "push_debt", "1000", "1"),
			okProbe("BTC2X", "push_debt", "1000", "1"),
			okProbe("SOL2X", "push_debt", "1000", "1"),
		},
		failToken: "ETH2X",
	}
	k := newTestKeeper(f)
	k.concurrency = 1

	n, err := k.round(context.Background())
	assert.EqualError(t, err, "1 of 3 rebalances failed")
	assert.Equal(t, 2, n)

	var ids []string
	for _, cmd := range f.submitted {
		ids = append(ids, cmd.TokenID)
	}
	assert.ElementsMatch(t, []string{"BTC2X", "SOL2X"}, ids)
}
