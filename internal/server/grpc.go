package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	limiter       *RateLimiter
	metrics       *observability.Metrics
	logger        zerolog.Logger

	cdp   *cdpService
	admin *adminService
}

// ServerDeps holds everything the services need. Queries and Snapshots may be
// nil when the service runs without Postgres; the RPCs that need them then
// return Unavailable.
type ServerDeps struct {
	Runner        *core.Runner
	Live          *query.LiveService
	Queries       *query.QueryService
	AdminIngest   *ingestion.AdminIngestService
	Snapshots     *persistence.SnapshotManager
	Projections   projection.Resetter
	ProgramID     string
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
	RateLimit     RateLimit
	StartTime     time.Time
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	logger := deps.Logger.With().Str("component", "api").Logger()
	limiter := NewRateLimiter(deps.RateLimit, deps.Metrics)

	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		limiter:       limiter,
		metrics:       deps.Metrics,
		logger:        logger,
		cdp: &cdpService{
			runner:  deps.Runner,
			live:    deps.Live,
			qs:      deps.Queries,
			metrics: deps.Metrics,
			now:     time.Now,
		},
		admin: &adminService{
			runner:      deps.Runner,
			ingest:      deps.AdminIngest,
			snapshots:   deps.Snapshots,
			projections: deps.Projections,
			qs:          deps.Queries,
			programID:   deps.ProgramID,
			startTime:   deps.StartTime,
			logger:      logger,
		},
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		limiter.UnaryInterceptor(),
		s.observeInterceptor,
	))

	s.grpcServer.RegisterService(&CDPServiceDesc, s.cdp)
	s.grpcServer.RegisterService(&AdminServiceDesc, s.admin)

	// Health check
	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl
	reflection.Register(s.grpcServer)

	return s
}

// SetServing flips the gRPC health status once recovery has completed.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(CDPServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking). Routes call the
// service implementations in process.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// observeInterceptor converts domain errors to status errors and records
// per-method request metrics.
func (s *GRPCServer) observeInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(methodName(info.FullMethod), start, err)
	if err != nil {
		if grpcCode(err) == codes.Internal {
			s.logger.Error().Err(err).Str("method", info.FullMethod).Msg("request failed")
		}
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, grpcCode(err).String()).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func methodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}

// ============================================================================
// CDPService implementation
// ============================================================================

type cdpService struct {
	runner  *core.Runner
	live    *query.LiveService
	qs      *query.QueryService
	metrics *observability.Metrics
	now     func() time.Time
}

func (s *cdpService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*CommandResponse, error) {
	if req.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", errBadRequest)
	}
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("%w: command is required", errBadRequest)
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: req.EventType, Data: req.Command}, req.EventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if mc, ok := evt.(event.MetaCarrier); ok && mc.GetMeta().Timestamp == 0 {
		mc.GetMeta().Timestamp = s.now().Unix()
	}

	receipt, err := s.runner.Submit(ctx, evt)
	s.countCommand(req.EventType, err)
	if err != nil {
		return nil, err
	}
	return NewCommandResponse(receipt), nil
}

func (s *cdpService) countCommand(eventType string, err error) {
	if s.metrics == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = errorName(err)
	}
	s.metrics.CommandsSubmits.WithLabelValues(eventType, code).Inc()
}

func (s *cdpService) GetConfig(ctx context.Context, req *GetConfigRequest) (*query.ConfigResponse, error) {
	if req.Live {
		return s.live.GetConfig(ctx)
	}
	if s.qs == nil {
		return nil, errNotConfigured
	}
	return s.qs.GetConfig(ctx)
}

func (s *cdpService) GetVault(ctx context.Context, req *GetVaultRequest) (*query.VaultResponse, error) {
	owner, err := parseID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	if req.Live {
		return s.live.GetVault(ctx, owner)
	}
	if s.qs == nil {
		return nil, errNotConfigured
	}
	return s.qs.GetVault(ctx, owner)
}

// GetVaultHealth is always live: it needs the current price and pending interest.
func (s *cdpService) GetVaultHealth(ctx context.Context, req *GetVaultRequest) (*query.VaultHealth, error) {
	owner, err := parseID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	return s.live.GetVaultHealth(ctx, owner)
}

func (s *cdpService) ListVaults(ctx context.Context, req *ListVaultsRequest) (*ListVaultsResponse, error) {
	if s.qs == nil {
		return nil, errNotConfigured
	}
	filter := query.VaultFilter{State: req.State, Limit: req.PageSize}
	if req.AfterOwner != "" {
		after, err := parseID("after_owner", req.AfterOwner)
		if err != nil {
			return nil, err
		}
		filter.AfterOwner = &after
	}

	vaults, err := s.qs.ListVaults(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &ListVaultsResponse{Vaults: vaults}, nil
}

func (s *cdpService) GetBalances(ctx context.Context, req *GetBalancesRequest) (*GetBalancesResponse, error) {
	userID, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	if s.qs == nil {
		return nil, errNotConfigured
	}

	balances, err := s.qs.GetUserBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &GetBalancesResponse{Balances: balances}, nil
}

func (s *cdpService) ListLiquidations(ctx context.Context, req *ListLiquidationsRequest) (*ListLiquidationsResponse, error) {
	if s.qs == nil {
		return nil, errNotConfigured
	}
	var owner *uuid.UUID
	if req.Owner != "" {
		id, err := parseID("owner", req.Owner)
		if err != nil {
			return nil, err
		}
		owner = &id
	}

	liqs, err := s.qs.GetLiquidationHistory(ctx, owner, req.PageSize, cursor(req.BeforeSequence))
	if err != nil {
		return nil, err
	}
	return &ListLiquidationsResponse{Liquidations: liqs}, nil
}

func (s *cdpService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	userID, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	if s.qs == nil {
		return nil, errNotConfigured
	}

	entries, err := s.qs.GetJournalHistory(ctx, userID, req.PageSize, cursor(req.BeforeSequence))
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

// ============================================================================
// AdminService implementation
// ============================================================================

type adminService struct {
	runner      *core.Runner
	ingest      *ingestion.AdminIngestService
	snapshots   *persistence.SnapshotManager
	projections projection.Resetter
	qs          *query.QueryService
	programID   string
	startTime   time.Time
	logger      zerolog.Logger
}

func (s *adminService) InjectAssetDeposit(ctx context.Context, req *InjectAssetDepositRequest) (*CommandResponse, error) {
	holder, err := parseID("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	if req.Asset == "" {
		return nil, fmt.Errorf("%w: asset is required", errBadRequest)
	}
	if req.Amount <= 0 {
		return nil, cdperr.New(cdperr.CodeInvalidAmount, "deposit amount %d", req.Amount)
	}
	depositID := uuid.Nil
	if req.DepositID != "" {
		if depositID, err = parseID("deposit_id", req.DepositID); err != nil {
			return nil, err
		}
	}

	receipt, err := s.ingest.InjectAssetDeposit(ctx, depositID, holder, req.Asset, req.Amount)
	if err != nil {
		return nil, err
	}
	return NewCommandResponse(receipt), nil
}

func (s *adminService) InjectPrice(_ context.Context, req *InjectPriceRequest) (*InjectPriceResponse, error) {
	if req.Asset == "" {
		return nil, fmt.Errorf("%w: asset is required", errBadRequest)
	}
	price, err := fpmath.ParseFixed(req.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: price: %v", errBadRequest, err)
	}
	if price <= 0 {
		return nil, cdperr.New(cdperr.CodeInvalidAmount, "price %s", req.Price)
	}

	accepted, err := s.ingest.InjectPrice(req.Asset, price, req.Sequence)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("asset", req.Asset).Str("price", req.Price).Bool("accepted", accepted).Msg("manual price")
	return &InjectPriceResponse{Accepted: accepted}, nil
}

func (s *adminService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, errNotConfigured
	}
	snap, err := s.runner.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	data := persistence.NewSnapshotData(snap, time.Now())
	size, err := s.snapshots.SaveSnapshot(ctx, data)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("sequence", data.Sequence).Int("bytes", size).Msg("snapshot taken")
	return &TakeSnapshotResponse{
		SizeBytes: size,
		Sequence:  data.Sequence,
		StateHash: hex.EncodeToString(snap.StateHash[:]),
	}, nil
}

func (s *adminService) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.snapshots == nil || s.projections == nil {
		return nil, errNotConfigured
	}
	last, err := projection.RebuildProjections(ctx, s.projections, s.snapshots, s.programID)
	if err != nil {
		return nil, fmt.Errorf("rebuild failed: %w", err)
	}
	return &RebuildProjectionsResponse{LastSequence: last}, nil
}

func (s *adminService) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error) {
	resp := &GetEventLogInfoResponse{UptimeSeconds: int64(time.Since(s.startTime).Seconds())}

	var hash [32]byte
	if err := s.runner.Read(ctx, func(c *core.DeterministicCore) {
		resp.CoreSequence = c.GetSequence()
		hash = c.GetStateHash()
	}); err != nil {
		return nil, err
	}
	resp.StateHash = hex.EncodeToString(hash[:])

	if s.snapshots != nil {
		latest, err := s.snapshots.GetLatestSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("get latest sequence: %w", err)
		}
		resp.LastPersistedSequence = latest
	}
	return resp, nil
}

func (s *adminService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.qs == nil {
		return nil, errNotConfigured
	}
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify integrity: %w", err)
	}
	if !report.IsHealthy {
		s.logger.Warn().
			Int("hash_chain_breaks", len(report.HashChainBreaks)).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Msg("integrity check failed")
	}
	return report, nil
}

// ============================================================================
// Helpers
// ============================================================================

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", errBadRequest, field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s: %v", errBadRequest, field, err)
	}
	return id, nil
}

func cursor(before int64) *int64 {
	if before <= 0 {
		return nil
	}
	return &before
}
