package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"LevLedger/internal/query"
	"LevLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// invoker is the part of *grpc.ClientConn the keeper uses.
type invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// keeper probes every token and submits one rebalance per token whose probe
// says a maximum-size call would succeed.
type keeper struct {
	conn        invoker
	caller      common.Address
	recipient   common.Address
	maxAmount   *uint256.Int // nil means no cap
	tokens      map[string]bool
	concurrency int
	logger      zerolog.Logger
}

type rebalanceJSON struct {
	CommandID    string `json:"command_id"`
	TokenID      string `json:"token_id"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
	Caller       string `json:"caller"`
	Recipient    string `json:"recipient"`
	Op           string `json:"op"`
	Amount       string `json:"amount"`
	MinAmountOut string `json:"min_amount_out,omitempty"`
}

// round runs one probe-and-submit pass and returns how many rebalances were
// queued. A failed token is logged and does not stop the others; the error
// only reports how many failed.
func (k *keeper) round(ctx context.Context) (int, error) {
	var probes server.ProbeAllResponse
	if err := k.conn.Invoke(ctx, server.MethodProbeAll, &server.Empty{}, &probes); err != nil {
		return 0, fmt.Errorf("probe all: %w", err)
	}

	var g errgroup.Group
	if k.concurrency > 0 {
		g.SetLimit(k.concurrency)
	}
	submitted := make([]bool, len(probes.Results))
	failed := make([]bool, len(probes.Results))
	attempted := 0
	for i, p := range probes.Results {
		if !k.wants(p) {
			continue
		}
		attempted++
		i, p := i, p
		g.Go(func() error {
			ok, err := k.submit(ctx, p)
			if err != nil {
				failed[i] = true
				k.logger.Warn().Err(err).Str("token", p.TokenID).Str("op", p.Op).Msg("rebalance not queued")
				return nil
			}
			submitted[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	n, nFailed := 0, 0
	for i := range probes.Results {
		if submitted[i] {
			n++
		}
		if failed[i] {
			nFailed++
		}
	}
	if nFailed > 0 {
		return n, fmt.Errorf("%d of %d rebalances failed", nFailed, attempted)
	}
	return n, nil
}

func (k *keeper) wants(p query.ProbeResponse) bool {
	if len(k.tokens) > 0 && !k.tokens[p.TokenID] {
		return false
	}
	if !p.OK {
		if p.ErrorClass != "" {
			k.logger.Debug().Str("token", p.TokenID).Str("class", p.ErrorClass).Str("reason", p.Error).Msg("not rebalanceable")
		}
		return false
	}
	return true
}

func (k *keeper) submit(ctx context.Context, p query.ProbeResponse) (bool, error) {
	amount, minOut, err := k.size(p)
	if err != nil {
		return false, fmt.Errorf("token %s: %w", p.TokenID, err)
	}

	var tok query.TokenResponse
	if err := k.conn.Invoke(ctx, server.MethodGetToken, &server.TokenRequest{TokenID: p.TokenID}, &tok); err != nil {
		return false, fmt.Errorf("token %s: %w", p.TokenID, err)
	}

	payload, err := json.Marshal(rebalanceJSON{
		CommandID:    uuid.NewString(),
		TokenID:      p.TokenID,
		Sequence:     tok.NextSequence,
		TimestampUs:  time.Now().UnixMicro(),
		Caller:       k.caller.Hex(),
		Recipient:    k.recipient.Hex(),
		Op:           p.Op,
		Amount:       amount.Dec(),
		MinAmountOut: minOut,
	})
	if err != nil {
		return false, err
	}

	var resp server.SubmitResponse
	req := &server.SubmitRequest{EventType: "Rebalance", Payload: payload}
	if err := k.conn.Invoke(ctx, server.MethodSubmit, req, &resp); err != nil {
		return false, fmt.Errorf("token %s: submit: %w", p.TokenID, err)
	}
	k.logger.Info().
		Str("token", p.TokenID).Str("op", p.Op).Str("amount", amount.Dec()).
		Str("key", resp.IdempotencyKey).Msg("rebalance queued")
	return resp.Accepted, nil
}

// size picks the trade amount. An uncapped trade takes the probe's expected
// output as its slippage floor; a capped one has no quote to hold it to.
func (k *keeper) size(p query.ProbeResponse) (*uint256.Int, string, error) {
	maxIn, err := uint256.FromDecimal(p.MaxAmountIn)
	if err != nil {
		return nil, "", fmt.Errorf("max_amount_in %q: %w", p.MaxAmountIn, err)
	}
	if maxIn.IsZero() {
		return nil, "", fmt.Errorf("probe reported zero max_amount_in")
	}
	if k.maxAmount != nil && maxIn.Gt(k.maxAmount) {
		return k.maxAmount.Clone(), "", nil
	}
	return maxIn, p.ExpectedAmountOut, nil
}
