package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"LevLedger/internal/core"
	"LevLedger/internal/event"
	"LevLedger/internal/ingestion"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/observability"
	"LevLedger/internal/persistence"
	"LevLedger/internal/projection"
	"LevLedger/internal/state"
	"LevLedger/internal/testutil"
	"LevLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenID = "ETH2X"

type rig struct {
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	seq     int64
}

func newRig(t *testing.T) *rig {
	t.Helper()
	w := testutil.NewWorld(t, fpmath.Zero())
	tok := w.NewToken(t, tokenID, tokenID, state.DefaultParams())
	persist := make(chan core.CoreOutput, 16)
	c, err := core.NewDeterministicCore(0, core.Components{
		Tracker: w.Tracker,
		Prices:  w.Prices,
		Pool:    w.Pool,
		Venue:   w.Venue,
		Tokens:  []*token.Token{tok},
	}, persist, nil, nil, nil, 64)
	require.NoError(t, err)
	return &rig{core: c, persist: persist}
}

func (r *rig) header() event.CommandHeader {
	h := event.CommandHeader{CommandID: uuid.New(), Token: tokenID, Sequence: r.seq, Timestamp: 1_000_000 + r.seq}
	r.seq++
	return h
}

// process runs evt and returns the single output it produced.
func (r *rig) process(t *testing.T, evt event.Event) core.CoreOutput {
	t.Helper()
	_ = r.core.ProcessEvent(evt)
	select {
	case out := <-r.persist:
		return out
	default:
		t.Fatalf("%s produced no output", evt.EventType())
		return core.CoreOutput{}
	}
}

func (r *rig) initialize(caller common.Address) *event.InitializeToken {
	return &event.InitializeToken{
		CommandHeader:  r.header(),
		Caller:         caller,
		CollateralMin:  fpmath.MustAmount("500000000000000000"),
		NAV:            fpmath.Units(200, 6),
		TargetLeverage: fpmath.TwoWad,
		PaymentAsset:   "USDC",
		PaymentAmount:  fpmath.Units(1_000, 6),
	}
}

func (r *rig) deposit(t *testing.T) {
	t.Helper()
	r.process(t, &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   testutil.Owner,
		Asset:     "USDC",
		Amount:    fpmath.Units(1_000, 6),
		Sequence:  0,
		Timestamp: 1,
	})
}

func TestBridgeInitializeOutput(t *testing.T) {
	r := newRig(t)
	r.deposit(t)
	out := r.process(t, r.initialize(testutil.Owner))
	require.Equal(t, event.OutcomeCommitted, out.Envelope.Outcome)

	row, err := toPersistence(out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.EventRow.Sequence)
	assert.Equal(t, "InitializeToken", row.EventRow.EventType)
	assert.Equal(t, "committed", row.EventRow.Outcome)
	require.NotNil(t, row.EventRow.TokenID)
	assert.Equal(t, tokenID, *row.EventRow.TokenID)
	assert.Equal(t, out.Envelope.StateHash[:], row.EventRow.StateHash)
	require.NotEmpty(t, row.JournalRows)
	for _, j := range row.JournalRows {
		assert.NotEmpty(t, j.DebitAccount)
		assert.NotEqual(t, j.DebitAccount, j.CreditAccount)
		assert.NotEqual(t, "0", j.Amount)
	}

	var receipt map[string]interface{}
	require.NoError(t, json.Unmarshal(row.Receipt, &receipt))
	assert.Equal(t, "initialize", receipt["kind"])

	proj := toProjection(out)
	assert.True(t, proj.Committed)
	assert.NotEmpty(t, proj.Balances)
	require.NotNil(t, proj.Token)
	assert.True(t, proj.Token.HasPosition)
	assert.True(t, proj.Token.IsInitialized)
	assert.Equal(t, out.Receipt.Position.TotalSupply.Dec(), proj.Token.TotalSupply)
	require.NotNil(t, proj.Operation)
	assert.Equal(t, "initialize", proj.Operation.Kind)
	assert.Equal(t, testutil.Owner.Hex(), proj.Operation.Account)
	assert.Nil(t, proj.Rebalance)
}

func TestBridgeRejectedOutput(t *testing.T) {
	r := newRig(t)
	out := r.process(t, r.initialize(testutil.Alice))
	require.Equal(t, event.OutcomeRejected, out.Envelope.Outcome)

	row, err := toPersistence(out)
	require.NoError(t, err)
	assert.Equal(t, "rejected", row.EventRow.Outcome)
	assert.Equal(t, string(state.ClassAccess), row.EventRow.ErrorClass)
	assert.Empty(t, row.JournalRows)
	assert.Empty(t, row.Receipt)

	proj := toProjection(out)
	assert.False(t, proj.Committed)
	assert.Empty(t, proj.Balances)
	assert.Nil(t, proj.Token)
	assert.Nil(t, proj.Operation)
}

func TestBridgeSetParamsKeepsPosition(t *testing.T) {
	r := newRig(t)
	p := state.DefaultParams()
	p.Step = fpmath.MustAmount("200000000000000000")
	out := r.process(t, &event.SetParams{
		CommandHeader:    r.header(),
		Caller:           testutil.Owner,
		MinLeverageRatio: p.MinLeverageRatio,
		MaxLeverageRatio: p.MaxLeverageRatio,
		Step:             p.Step,
		MaxDrift:         p.MaxDrift,
		MaxIncentive:     p.MaxIncentive,
		Fees:             p.Fees,
		MaxMint:          p.MaxMint,
		MaxSupply:        p.MaxSupply,
	})
	require.Equal(t, event.OutcomeCommitted, out.Envelope.Outcome, out.Envelope.RejectReason)

	proj := toProjection(out)
	require.NotNil(t, proj.Token)
	assert.False(t, proj.Token.HasPosition)

	var params persistence.ParamsSnap
	require.NoError(t, json.Unmarshal(proj.Token.Params, &params))
	assert.Equal(t, "200000000000000000", params.Step)
	require.NotNil(t, proj.Operation)
	assert.Equal(t, "set_params", proj.Operation.Kind)
}

func TestEnvelopeFromRowMatchesCore(t *testing.T) {
	r := newRig(t)
	r.deposit(t)
	out := r.process(t, r.initialize(testutil.Alice))

	row, err := toPersistence(out)
	require.NoError(t, err)

	evt, env, err := envelopeFromRow(row.EventRow)
	require.NoError(t, err)
	assert.Equal(t, out.Event.IdempotencyKey(), evt.IdempotencyKey())
	assert.Equal(t, out.Envelope.Sequence, env.Sequence)
	assert.Equal(t, out.Envelope.Outcome, env.Outcome)
	assert.Equal(t, out.Envelope.StateHash, env.StateHash)
	assert.Equal(t, out.Envelope.PrevHash, env.PrevHash)
	assert.Equal(t, out.Envelope.ErrorClass, env.ErrorClass)
}

func TestToPublishable(t *testing.T) {
	r := newRig(t)
	r.deposit(t)
	out := r.process(t, r.initialize(testutil.Owner))
	row, err := toPersistence(out)
	require.NoError(t, err)

	pub := toPublishable(row)
	assert.Equal(t, hex.EncodeToString(out.Envelope.StateHash[:]), pub.StateHash)
	assert.Equal(t, "committed", pub.Outcome)
	assert.Equal(t, json.RawMessage(row.Receipt), pub.Receipt)
	assert.Equal(t, "lev.ledger.events.InitializeToken."+tokenID, ingestion.OutboundSubject(pub))
}

func TestBridgeDropsProjectionsWhenFull(t *testing.T) {
	r := newRig(t)
	r.deposit(t)
	out := r.process(t, r.initialize(testutil.Owner))

	persistIn := make(chan core.CoreOutput, 1)
	projectionIn := make(chan core.CoreOutput, 2)
	persistOut := make(chan persistence.CoreOutput, 1)
	projectionOut := make(chan projection.ProjectionOutput, 1)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	persistIn <- out
	projectionIn <- out
	projectionIn <- out
	close(persistIn)
	close(projectionIn)

	b := &bridge{
		persistIn:     persistIn,
		projectionIn:  projectionIn,
		persistOut:    persistOut,
		projectionOut: projectionOut,
		metrics:       metrics,
		logger:        zerolog.Nop(),
	}
	b.run(context.Background())

	assert.Len(t, persistOut, 1)
	assert.Len(t, projectionOut, 1)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ProjectionDrops.WithLabelValues("bridge")))
}
