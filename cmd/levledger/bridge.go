package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"LevLedger/internal/core"
	"LevLedger/internal/event"
	"LevLedger/internal/ingestion"
	"LevLedger/internal/ledger"
	"LevLedger/internal/observability"
	"LevLedger/internal/persistence"
	"LevLedger/internal/projection"
	"LevLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// bridge converts core outputs into the persistence and projection shapes.
// It lives in main so that core never imports the storage packages.
type bridge struct {
	persistIn     <-chan core.CoreOutput
	projectionIn  <-chan core.CoreOutput
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// run forwards until both inputs are closed or ctx is done, then closes its
// outputs. Persist sends block so the core stalls behind a slow writer;
// projection sends drop when the worker is behind.
func (b *bridge) run(ctx context.Context) {
	defer close(b.persistOut)
	defer close(b.projectionOut)

	persistIn, projectionIn := b.persistIn, b.projectionIn
	for persistIn != nil || projectionIn != nil {
		select {
		case <-ctx.Done():
			return

		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			row, err := toPersistence(out)
			if err != nil {
				b.logger.Error().Err(err).Msg("bridge: persistence conversion failed")
				continue
			}
			select {
			case b.persistOut <- row:
			case <-ctx.Done():
				return
			}

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case b.projectionOut <- toProjection(out):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

// forwardCommitted publishes rows once the persistence worker has made them
// durable. A full publish channel drops; the log stays the source of truth.
func forwardCommitted(ctx context.Context, committed <-chan persistence.CoreOutput, publishOut chan<- ingestion.PublishableEvent, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-committed:
			if !ok {
				return
			}
			select {
			case publishOut <- toPublishable(row):
			default:
				logger.Warn().Int64("sequence", row.EventRow.Sequence).Msg("publish channel full, dropping outbound event")
			}
		}
	}
}

func toPersistence(out core.CoreOutput) (persistence.CoreOutput, error) {
	env := out.Envelope
	if env == nil {
		return persistence.CoreOutput{}, fmt.Errorf("core output without envelope")
	}

	row := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			TokenID:        copyString(env.TokenID),
			Payload:        env.Payload,
			Outcome:        env.Outcome.String(),
			ErrorClass:     env.ErrorClass,
			RejectReason:   env.RejectReason,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}

	if out.Batch != nil {
		row.JournalRows = make([]persistence.JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			row.JournalRows = append(row.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         assetName(j.AssetID),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}

	if out.Receipt != nil {
		receipt, err := json.Marshal(out.Receipt)
		if err != nil {
			return persistence.CoreOutput{}, fmt.Errorf("encode receipt: %w", err)
		}
		row.Receipt = receipt
	}
	return row, nil
}

func toProjection(out core.CoreOutput) projection.ProjectionOutput {
	env := out.Envelope
	p := projection.ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		TokenID:   copyString(env.TokenID),
		Committed: env.Outcome == event.OutcomeCommitted,
		Timestamp: env.Timestamp,
	}
	if !p.Committed {
		return p
	}

	for _, bc := range out.Balances {
		p.Balances = append(p.Balances, projection.BalanceUpdate{
			AccountPath: bc.Key.AccountPath(),
			Asset:       assetName(bc.Key.AssetID),
			Balance:     bc.Balance.Dec(),
		})
	}

	r := out.Receipt
	if r == nil {
		return p
	}
	if r.Position != nil || r.Params != nil {
		upd := &projection.TokenUpdate{}
		if pos := r.Position; pos != nil {
			upd.HasPosition = true
			upd.TotalCollateral = pos.TotalCollateral.Dec()
			upd.TotalDebt = pos.TotalDebt.Dec()
			upd.TotalSupply = pos.TotalSupply.Dec()
			upd.IsInitialized = pos.IsInitialized
			upd.Version = pos.Version
		}
		if r.Params != nil {
			// ParamsSnap is all strings and ints; Marshal cannot fail.
			upd.Params, _ = json.Marshal(persistence.EncodeParams(*r.Params))
		}
		p.Token = upd
	}

	account := commandAccount(out.Event)
	switch r.Kind {
	case token.OpInitialize:
		if res := r.Initialize; res != nil {
			p.Operation = &projection.OperationRecord{
				Kind:       string(r.Kind),
				Account:    account,
				Shares:     dec(res.Shares),
				Collateral: dec(res.Collateral),
				Debt:       dec(res.Debt),
				Amount:     dec(res.PaymentUsed),
				Refund:     dec(res.Refund),
			}
		}
	case token.OpMint:
		if res := r.Mint; res != nil {
			p.Operation = &projection.OperationRecord{
				Kind:       string(r.Kind),
				Account:    account,
				Shares:     dec(res.Shares),
				Fee:        dec(res.Fee),
				Collateral: dec(res.Collateral),
				Debt:       dec(res.Debt),
				Amount:     dec(res.AmountIn),
				Refund:     dec(res.Refund),
			}
		}
	case token.OpBurn:
		if res := r.Burn; res != nil {
			p.Operation = &projection.OperationRecord{
				Kind:       string(r.Kind),
				Account:    account,
				Shares:     dec(res.Shares),
				Fee:        dec(res.Fee),
				Collateral: dec(res.Collateral),
				Debt:       dec(res.Debt),
				Amount:     dec(res.AmountOut),
			}
		}
	case token.OpSetParams:
		p.Operation = &projection.OperationRecord{Kind: string(r.Kind), Account: account}
	case token.OpRebalance:
		if res := r.Rebalance; res != nil {
			p.Rebalance = &projection.RebalanceRecord{
				Op:             string(res.Op),
				Caller:         account,
				AssetIn:        assetName(res.AssetIn),
				AssetOut:       assetName(res.AssetOut),
				AmountIn:       dec(res.AmountIn),
				AmountOut:      dec(res.AmountOut),
				Incentive:      dec(res.Incentive),
				IncentiveRate:  dec(res.IncentiveRate),
				LeverageBefore: dec(res.LeverageBefore),
				LeverageAfter:  dec(res.LeverageAfter),
			}
		}
	}
	return p
}

func toPublishable(row persistence.CoreOutput) ingestion.PublishableEvent {
	e := row.EventRow
	pub := ingestion.PublishableEvent{
		Sequence:       e.Sequence,
		EventType:      e.EventType,
		IdempotencyKey: e.IdempotencyKey,
		TokenID:        e.TokenID,
		Outcome:        e.Outcome,
		ErrorClass:     e.ErrorClass,
		RejectReason:   e.RejectReason,
		Payload:        json.RawMessage(e.Payload),
		StateHash:      hex.EncodeToString(e.StateHash),
		Timestamp:      e.Timestamp,
	}
	if len(row.Receipt) > 0 {
		pub.Receipt = json.RawMessage(row.Receipt)
	}
	return pub
}

// commandAccount is the principal a token operation is attributed to.
func commandAccount(evt event.Event) string {
	var addr common.Address
	switch e := evt.(type) {
	case *event.InitializeToken:
		addr = e.Caller
	case *event.MintShares:
		addr = e.Recipient
	case *event.BurnShares:
		addr = e.Owner
	case *event.Rebalance:
		addr = e.Caller
	case *event.SetParams:
		addr = e.Caller
	default:
		return ""
	}
	return addr.Hex()
}

func assetName(id ledger.AssetID) string {
	if name, ok := ledger.GetAssetName(id); ok {
		return name
	}
	return fmt.Sprintf("asset:%d", id)
}

func dec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
