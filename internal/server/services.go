package server

import (
	"context"
	"encoding/json"
	"time"

	fpmath "LevLedger/internal/math"
	"LevLedger/internal/projection"
	"LevLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	queryServiceName  = "levledger.v1.QueryService"
	ingestServiceName = "levledger.v1.IngestService"
	adminServiceName  = "levledger.v1.AdminService"
)

// --- Messages ---

type Empty struct{}

type TokenRequest struct {
	TokenID string `json:"token_id"`
}

type QuoteRequest struct {
	TokenID string `json:"token_id"`
	Op      string `json:"op"`
	Amount  string `json:"amount"`
}

type BalanceRequest struct {
	Principal string `json:"principal"`
	Asset     string `json:"asset,omitempty"`
}

// HistoryRequest pages newest first. TokenID selects operation and
// rebalance history, Principal selects journals.
type HistoryRequest struct {
	TokenID   string `json:"token_id,omitempty"`
	Principal string `json:"principal,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Before    *int64 `json:"before,omitempty"`
}

type ListTokensResponse struct {
	Tokens []query.TokenResponse `json:"tokens"`
}

type ProbeAllResponse struct {
	Results []query.ProbeResponse `json:"results"`
}

type PricesResponse struct {
	Prices []query.PriceResponse `json:"prices"`
}

type BalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type OperationsResponse struct {
	Operations []query.OperationResponse `json:"operations"`
}

type RebalancesResponse struct {
	Rebalances []query.RebalanceResponse `json:"rebalances"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// SubmitRequest carries a command in its NATS wire format.
type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// SubmitResponse acknowledges queueing, not execution. The outcome is
// published once the command is sequenced.
type SubmitResponse struct {
	Accepted       bool    `json:"accepted"`
	EventType      string  `json:"event_type"`
	IdempotencyKey string  `json:"idempotency_key"`
	TokenID        *string `json:"token_id,omitempty"`
}

type EventLogInfoResponse struct {
	LastSequence        int64  `json:"last_sequence"`
	ProjectionWatermark int64  `json:"projection_watermark"`
	ViewSequence        int64  `json:"view_sequence"`
	Uptime              string `json:"uptime"`
}

type RebuildResponse struct {
	Completed bool `json:"completed"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// --- Handlers ---

// handlers implements every service. gRPC and HTTP routes share it.
type handlers struct {
	deps *ServerDeps
}

func (h *handlers) query() (*query.QueryService, error) {
	if h.deps.QueryService == nil {
		return nil, status.Error(codes.Unavailable, "query service not configured")
	}
	return h.deps.QueryService, nil
}

func required(name, v string) error {
	if v == "" {
		return status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return nil
}

func (h *handlers) GetToken(ctx context.Context, req *TokenRequest) (*query.TokenResponse, error) {
	if err := required("token_id", req.TokenID); err != nil {
		return nil, err
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	return qs.GetToken(req.TokenID)
}

func (h *handlers) ListTokens(ctx context.Context, _ *Empty) (*ListTokensResponse, error) {
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	tokens, err := qs.ListTokens()
	if err != nil {
		return nil, err
	}
	return &ListTokensResponse{Tokens: tokens}, nil
}

func (h *handlers) Probe(ctx context.Context, req *TokenRequest) (*query.ProbeResponse, error) {
	if err := required("token_id", req.TokenID); err != nil {
		return nil, err
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	return qs.Probe(req.TokenID)
}

func (h *handlers) ProbeAll(ctx context.Context, _ *Empty) (*ProbeAllResponse, error) {
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	results, err := qs.ProbeAll()
	if err != nil {
		return nil, err
	}
	return &ProbeAllResponse{Results: results}, nil
}

func (h *handlers) Quote(ctx context.Context, req *QuoteRequest) (*query.QuoteResponse, error) {
	if err := required("token_id", req.TokenID); err != nil {
		return nil, err
	}
	if err := required("op", req.Op); err != nil {
		return nil, err
	}
	amt, err := fpmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "amount: %v", err)
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	return qs.Quote(req.TokenID, req.Op, amt)
}

func (h *handlers) GetPrices(ctx context.Context, _ *Empty) (*PricesResponse, error) {
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	prices, err := qs.GetPrices()
	if err != nil {
		return nil, err
	}
	return &PricesResponse{Prices: prices}, nil
}

func (h *handlers) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	if err := required("principal", req.Principal); err != nil {
		return nil, err
	}
	if err := required("asset", req.Asset); err != nil {
		return nil, err
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	return qs.GetBalance(ctx, req.Principal, req.Asset)
}

func (h *handlers) GetBalances(ctx context.Context, req *BalanceRequest) (*BalancesResponse, error) {
	if err := required("principal", req.Principal); err != nil {
		return nil, err
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	balances, err := qs.GetBalances(ctx, req.Principal)
	if err != nil {
		return nil, err
	}
	return &BalancesResponse{Balances: balances}, nil
}

func (h *handlers) ListOperations(ctx context.Context, req *HistoryRequest) (*OperationsResponse, error) {
	if err := required("token_id", req.TokenID); err != nil {
		return nil, err
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	ops, err := qs.GetOperations(ctx, req.TokenID, query.Page{Limit: req.Limit, Before: req.Before})
	if err != nil {
		return nil, err
	}
	return &OperationsResponse{Operations: ops}, nil
}

func (h *handlers) ListRebalances(ctx context.Context, req *HistoryRequest) (*RebalancesResponse, error) {
	if err := required("token_id", req.TokenID); err != nil {
		return nil, err
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	history, err := qs.GetRebalanceHistory(ctx, req.TokenID, query.Page{Limit: req.Limit, Before: req.Before})
	if err != nil {
		return nil, err
	}
	return &RebalancesResponse{Rebalances: history}, nil
}

func (h *handlers) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	if err := required("principal", req.Principal); err != nil {
		return nil, err
	}
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	entries, err := qs.GetJournalHistory(ctx, req.Principal, query.Page{Limit: req.Limit, Before: req.Before})
	if err != nil {
		return nil, err
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (h *handlers) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if err := required("event_type", req.EventType); err != nil {
		return nil, err
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	if h.deps.IngestService == nil {
		return nil, status.Error(codes.Unavailable, "ingest service not configured")
	}
	evt, err := h.deps.IngestService.SubmitRaw(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{
		Accepted:       true,
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		TokenID:        evt.TokenID(),
	}, nil
}

func (h *handlers) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{
		LastSequence:        -1,
		ProjectionWatermark: -1,
		ViewSequence:        -1,
		Uptime:              time.Since(h.deps.StartTime).Truncate(time.Second).String(),
	}
	if h.deps.SnapshotMgr != nil {
		seq, err := h.deps.SnapshotMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "latest sequence: %v", err)
		}
		resp.LastSequence = seq
	}
	if qs := h.deps.QueryService; qs != nil {
		if seq, err := qs.ViewSequence(); err == nil {
			resp.ViewSequence = seq
		}
		if h.deps.DB != nil {
			wm, err := qs.Watermark(ctx)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "watermark: %v", err)
			}
			resp.ProjectionWatermark = wm
		}
	}
	return resp, nil
}

func (h *handlers) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	qs, err := h.query()
	if err != nil {
		return nil, err
	}
	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (h *handlers) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if h.deps.DB == nil {
		return nil, status.Error(codes.Unavailable, "database not configured")
	}
	if err := projection.RebuildProjections(ctx, h.deps.DB); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{Completed: true}, nil
}

func (h *handlers) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if h.deps.Snapshotter == nil {
		return nil, status.Error(codes.Unavailable, "snapshots not configured")
	}
	seq, err := h.deps.Snapshotter.TakeSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

// --- Service descriptors ---

type queryServer interface {
	GetToken(context.Context, *TokenRequest) (*query.TokenResponse, error)
	ListTokens(context.Context, *Empty) (*ListTokensResponse, error)
	Probe(context.Context, *TokenRequest) (*query.ProbeResponse, error)
	ProbeAll(context.Context, *Empty) (*ProbeAllResponse, error)
	Quote(context.Context, *QuoteRequest) (*query.QuoteResponse, error)
	GetPrices(context.Context, *Empty) (*PricesResponse, error)
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	GetBalances(context.Context, *BalanceRequest) (*BalancesResponse, error)
	ListOperations(context.Context, *HistoryRequest) (*OperationsResponse, error)
	ListRebalances(context.Context, *HistoryRequest) (*RebalancesResponse, error)
	ListJournals(context.Context, *HistoryRequest) (*JournalsResponse, error)
}

type ingestServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
}

type adminServer interface {
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
}

// unary adapts a typed handler method to a grpc.MethodDesc.
func unary[Req, Resp any](service, method string, fn func(*handlers, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(*handlers)
			if interceptor == nil {
				return fn(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(h, ctx, req.(*Req))
			})
		},
	}
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*queryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(queryServiceName, "GetToken", (*handlers).GetToken),
		unary(queryServiceName, "ListTokens", (*handlers).ListTokens),
		unary(queryServiceName, "Probe", (*handlers).Probe),
		unary(queryServiceName, "ProbeAll", (*handlers).ProbeAll),
		unary(queryServiceName, "Quote", (*handlers).Quote),
		unary(queryServiceName, "GetPrices", (*handlers).GetPrices),
		unary(queryServiceName, "GetBalance", (*handlers).GetBalance),
		unary(queryServiceName, "GetBalances", (*handlers).GetBalances),
		unary(queryServiceName, "ListOperations", (*handlers).ListOperations),
		unary(queryServiceName, "ListRebalances", (*handlers).ListRebalances),
		unary(queryServiceName, "ListJournals", (*handlers).ListJournals),
	},
	Metadata: "levledger/v1/query",
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ingestServiceName,
	HandlerType: (*ingestServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ingestServiceName, "Submit", (*handlers).Submit),
	},
	Metadata: "levledger/v1/ingest",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(adminServiceName, "GetEventLogInfo", (*handlers).GetEventLogInfo),
		unary(adminServiceName, "VerifyIntegrity", (*handlers).VerifyIntegrity),
		unary(adminServiceName, "RebuildProjections", (*handlers).RebuildProjections),
		unary(adminServiceName, "TakeSnapshot", (*handlers).TakeSnapshot),
	},
	Metadata: "levledger/v1/admin",
}

// Method names for clients.
const (
	MethodProbeAll = "/" + queryServiceName + "/ProbeAll"
	MethodProbe    = "/" + queryServiceName + "/Probe"
	MethodGetToken = "/" + queryServiceName + "/GetToken"
	MethodSubmit   = "/" + ingestServiceName + "/Submit"
)
