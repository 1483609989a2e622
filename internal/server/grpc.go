package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"LevLedger/internal/ingestion"
	"LevLedger/internal/observability"
	"LevLedger/internal/persistence"
	"LevLedger/internal/query"
	"LevLedger/internal/state"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// CodecName is the gRPC content subtype of the JSON codec. Clients select it
// with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// jsonCodec carries the plain Go request and response structs of this
// package, so no generated protobuf code is needed.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Snapshotter takes a snapshot on the core goroutine and returns its
// sequence.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

// ServerDeps holds the dependencies for the gRPC and HTTP servers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Snapshotter   Snapshotter
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StartTime     time.Time
}

// GRPCServer serves the query, ingest and admin services over gRPC and the
// same handlers as HTTP/JSON routes.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	handlers   *handlers
	health     *health.Server
	logger     zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	h := &handlers{deps: deps}
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		handlers: h,
		health:   health.NewServer(),
		logger:   observability.NewLogger("server"),
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))
	s.grpcServer.RegisterService(&queryServiceDesc, h)
	s.grpcServer.RegisterService(&ingestServiceDesc, h)
	s.grpcServer.RegisterService(&adminServiceDesc, h)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips the gRPC health status of every service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	for _, name := range []string{queryServiceName, ingestServiceName, adminServiceName} {
		s.health.SetServingStatus(name, st)
	}
}

// StartGRPC serves gRPC until ctx is done.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is done.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes and health endpoints until
// ctx is done.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusError maps an error to a gRPC status by its class.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, state.ErrUnknownToken):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrNotReady), errors.Is(err, ingestion.ErrIngestClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(classCode(state.Classify(err)), err.Error())
}

func classCode(class state.ErrorClass) codes.Code {
	switch class {
	case state.ClassInput, state.ClassConfiguration:
		return codes.InvalidArgument
	case state.ClassState:
		return codes.FailedPrecondition
	case state.ClassAccess:
		return codes.PermissionDenied
	case state.ClassEconomic:
		return codes.Aborted
	case state.ClassExternal:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = statusError(err)
		observe(m, info.FullMethod, start, err)
		return resp, err
	}
}

func observe(m *observability.Metrics, endpoint string, start time.Time, err error) {
	if m == nil {
		return
	}
	code := status.Code(err)
	m.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
	m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		m.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
	}
}
