package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 1 << 20

// routeFunc builds a handler call from the request. Errors should already
// carry a gRPC status or a classified error.
type routeFunc func(ctx context.Context, r *http.Request, params map[string]string) (interface{}, error)

type route struct {
	method  string
	pattern string
	fn      routeFunc
}

// HTTPHandler returns the HTTP/JSON surface: the gateway mux with one route
// per RPC plus /healthz and /readyz.
func (s *GRPCServer) HTTPHandler() http.Handler {
	gw := runtime.NewServeMux()
	for _, rt := range s.routes() {
		rt := rt
		endpoint := "http " + rt.method + " " + rt.pattern
		if err := gw.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := rt.fn(r.Context(), r, params)
			err = statusError(err)
			observe(s.handlers.deps.Metrics, endpoint, start, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		}); err != nil {
			s.logger.Error().Err(err).Str("pattern", rt.pattern).Msg("register route")
		}
	}

	mux := http.NewServeMux()
	if hc := s.handlers.deps.HealthChecker; hc != nil {
		mux.HandleFunc("/healthz", hc.LivenessHandler)
		mux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("/", gw)
	return mux
}

func (s *GRPCServer) routes() []route {
	h := s.handlers
	return []route{
		{"GET", "/v1/tokens", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.ListTokens(ctx, &Empty{})
		}},
		{"GET", "/v1/tokens/{token_id}", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetToken(ctx, &TokenRequest{TokenID: p["token_id"]})
		}},
		{"GET", "/v1/tokens/{token_id}/probe", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.Probe(ctx, &TokenRequest{TokenID: p["token_id"]})
		}},
		{"GET", "/v1/tokens/{token_id}/quote", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			q := r.URL.Query()
			return h.Quote(ctx, &QuoteRequest{TokenID: p["token_id"], Op: q.Get("op"), Amount: q.Get("amount")})
		}},
		{"GET", "/v1/tokens/{token_id}/operations", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			req, err := historyRequest(r)
			if err != nil {
				return nil, err
			}
			req.TokenID = p["token_id"]
			return h.ListOperations(ctx, req)
		}},
		{"GET", "/v1/tokens/{token_id}/rebalances", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			req, err := historyRequest(r)
			if err != nil {
				return nil, err
			}
			req.TokenID = p["token_id"]
			return h.ListRebalances(ctx, req)
		}},
		{"GET", "/v1/probe", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.ProbeAll(ctx, &Empty{})
		}},
		{"GET", "/v1/prices", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetPrices(ctx, &Empty{})
		}},
		{"GET", "/v1/accounts/{principal}/balances", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetBalances(ctx, &BalanceRequest{Principal: p["principal"]})
		}},
		{"GET", "/v1/accounts/{principal}/balances/{asset}", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetBalance(ctx, &BalanceRequest{Principal: p["principal"], Asset: p["asset"]})
		}},
		{"GET", "/v1/accounts/{principal}/journals", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			req, err := historyRequest(r)
			if err != nil {
				return nil, err
			}
			req.Principal = p["principal"]
			return h.ListJournals(ctx, req)
		}},
		{"POST", "/v1/commands/{event_type}", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return h.Submit(ctx, &SubmitRequest{EventType: p["event_type"], Payload: body})
		}},
		{"GET", "/v1/admin/event-log", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetEventLogInfo(ctx, &Empty{})
		}},
		{"GET", "/v1/admin/integrity", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.VerifyIntegrity(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/projections/rebuild", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.RebuildProjections(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/snapshot", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			return h.TakeSnapshot(ctx, &Empty{})
		}},
	}
}

func historyRequest(r *http.Request) (*HistoryRequest, error) {
	q := r.URL.Query()
	req := &HistoryRequest{}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "limit: %v", err)
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "before: %v", err)
		}
		req.Before = &n
	}
	return req, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
