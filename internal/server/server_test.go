package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"LevLedger/internal/core"
	"LevLedger/internal/event"
	"LevLedger/internal/ingestion"
	fpmath "LevLedger/internal/math"
	"LevLedger/internal/query"
	"LevLedger/internal/state"
	"LevLedger/internal/testutil"
	"LevLedger/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fixture struct {
	srv    *GRPCServer
	events chan event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := testutil.NewWorld(t, fpmath.Zero())
	tok := w.NewToken(t, "ETH2X", "ETH2X", state.DefaultParams())
	c, err := core.NewDeterministicCore(0, core.Components{
		Tracker: w.Tracker,
		Prices:  w.Prices,
		Pool:    w.Pool,
		Venue:   w.Venue,
		Tokens:  []*token.Token{tok},
	}, nil, nil, nil, nil, 16)
	require.NoError(t, err)

	events := make(chan event.Event, 4)
	deps := &ServerDeps{
		QueryService:  query.NewQueryService(nil, c, nil),
		IngestService: ingestion.NewGRPCIngestService(events, make(chan struct{})),
		StartTime:     time.Now(),
	}
	return &fixture{srv: NewGRPCServer("", "", deps), events: events}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPGetToken(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/tokens/ETH2X")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp query.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ETH2X", resp.TokenID)
	assert.Equal(t, "WETH", resp.CollateralAsset)
	assert.Equal(t, "USDC", resp.DebtAsset)
	assert.False(t, resp.IsInitialized)
	assert.Equal(t, "0", resp.TotalSupply)
}

func TestHTTPUnknownTokenIsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/tokens/NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, codes.NotFound.String(), body.Code)
}

func TestHTTPProbeUninitialized(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/tokens/ETH2X/probe")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp query.ProbeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, string(state.ClassState), resp.ErrorClass)
	assert.Equal(t, int64(-1), resp.AsOfSequence)
}

func TestHTTPQuoteRejectsBadAmount(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/tokens/ETH2X/quote?op=push_debt&amount=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/v1/tokens/ETH2X/quote?op=sideways&amount=1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPSubmitCommand(t *testing.T) {
	f := newFixture(t)

	body := `{"asset":"WETH","price":"2000000000000000000000","price_sequence":7,"timestamp_us":1}`
	rec := httptest.NewRecorder()
	f.srv.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/commands/PriceUpdate", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, "PriceUpdate", resp.EventType)

	select {
	case evt := <-f.events:
		assert.Equal(t, event.EventTypePriceUpdate, evt.EventType())
	default:
		t.Fatal("command was not queued")
	}
}

func TestHTTPSubmitMalformed(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/commands/PriceUpdate", strings.NewReader(`{"asset":"WETH","price":"0"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.events)
}

func TestGRPCOverJSONCodec(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis := bufconn.Listen(1 << 20)
	go f.srv.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	var tokResp query.TokenResponse
	require.NoError(t, conn.Invoke(ctx, MethodGetToken, &TokenRequest{TokenID: "ETH2X"}, &tokResp))
	assert.Equal(t, "ETH2X", tokResp.TokenID)

	var probes ProbeAllResponse
	require.NoError(t, conn.Invoke(ctx, MethodProbeAll, &Empty{}, &probes))
	require.Len(t, probes.Results, 1)
	assert.False(t, probes.Results[0].OK)

	err = conn.Invoke(ctx, MethodGetToken, &TokenRequest{TokenID: "NOPE"}, &tokResp)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, MethodProbe, &TokenRequest{}, &ProbeAllResponse{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStatusErrorByClass(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("wrap: %w", state.ErrBalanced), codes.FailedPrecondition},
		{state.ErrSlippage, codes.Aborted},
		{state.ErrUnauthorized, codes.PermissionDenied},
		{state.ErrInvalidStep, codes.InvalidArgument},
		{state.ErrAmountInTooHigh, codes.InvalidArgument},
		{state.ErrUnknownToken, codes.NotFound},
		{query.ErrNotReady, codes.Unavailable},
		{ingestion.ErrMalformedCommand, codes.InvalidArgument},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.ResourceExhausted, "full"), codes.ResourceExhausted},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, status.Code(statusError(tc.err)), tc.err.Error())
	}
	assert.NoError(t, statusError(nil))
}
