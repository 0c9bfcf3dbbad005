package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/query"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	admin = uuid.MustParse("00000000-0000-0000-0000-00000000a0a0")
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000a11ce")
)

type harness struct {
	server  *GRPCServer
	http    http.Handler
	metrics *observability.Metrics
}

// newHarness wires a server over an in-memory core without Postgres.
func newHarness(t *testing.T, limit RateLimit) *harness {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	prices := oracle.NewCache(0, metrics)

	c := core.NewDeterministicCore(core.CoreConfig{ProgramID: "server-test", Logger: zerolog.Nop()}, nil, nil)
	runner := core.NewRunner(c, 16, prices, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := NewGRPCServer("", "", &ServerDeps{
		Runner:        runner,
		Live:          query.NewLiveService(runner, prices),
		AdminIngest:   ingestion.NewAdminIngestService(runner, prices),
		ProgramID:     "server-test",
		Metrics:       metrics,
		HealthChecker: observability.NewHealthChecker(),
		RateLimit:     limit,
		Logger:        zerolog.Nop(),
	})
	h, err := srv.HTTPHandler()
	require.NoError(t, err)
	return &harness{server: srv, http: h, metrics: metrics}
}

func encode(t *testing.T, evt event.Event) []byte {
	t.Helper()
	data, err := event.Encode(evt)
	require.NoError(t, err)
	return data
}

func (h *harness) do(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.http.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func initializeBody(t *testing.T) []byte {
	return encode(t, &event.InitializeProtocol{
		Meta:                 event.Meta{CommandID: uuid.New()},
		Admin:                admin,
		CollateralAssetID:    "SOL",
		DebtAssetID:          "cUSD",
		MaxCollateralRatio:   state.DefaultMaxCollateralRatio,
		InterestRate:         state.DefaultInterestRate,
		LiquidationThreshold: state.DefaultLiquidationThreshold,
		LiquidationPenalty:   state.DefaultLiquidationPenalty,
		MinCollateralAmount:  1,
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		grpc     codes.Code
		http     int
		wantName string
	}{
		{"validation", cdperr.New(cdperr.CodeExceedsDebt, "repay 5"), codes.InvalidArgument, http.StatusUnprocessableEntity, "ExceedsDebt"},
		{"state", cdperr.ErrProtocolNotInitialized, codes.FailedPrecondition, http.StatusConflict, "ProtocolNotInitialized"},
		{"not found", cdperr.New(cdperr.CodeVaultNotFound, "owner x"), codes.NotFound, http.StatusNotFound, "VaultNotFound"},
		{"arithmetic", cdperr.New(cdperr.CodeArithmeticOverflow, ""), codes.OutOfRange, http.StatusUnprocessableEntity, "ArithmeticOverflow"},
		{"authorization", cdperr.New(cdperr.CodeNotOwner, ""), codes.PermissionDenied, http.StatusForbidden, "NotOwner"},
		{"wrapped", fmt.Errorf("submit: %w", cdperr.New(cdperr.CodeNotAdmin, "")), codes.PermissionDenied, http.StatusForbidden, "NotAdmin"},
		{"bad filter", fmt.Errorf("%w: state", query.ErrInvalidFilter), codes.InvalidArgument, http.StatusBadRequest, "InvalidArgument"},
		{"no price", oracle.ErrNoPrice, codes.Unavailable, http.StatusServiceUnavailable, "Unavailable"},
		{"runner stopped", core.ErrRunnerStopped, codes.Unavailable, http.StatusServiceUnavailable, "Unavailable"},
		{"infrastructure", fmt.Errorf("pq: connection refused"), codes.Internal, http.StatusInternalServerError, "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.grpc, grpcCode(tt.err))
			assert.Equal(t, tt.http, httpStatus(tt.err))
			assert.Equal(t, tt.wantName, errorName(tt.err))

			st, ok := status.FromError(toStatus(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.grpc, st.Code())
			assert.Contains(t, st.Message(), tt.wantName)
		})
	}
}

func TestResolveCommandName(t *testing.T) {
	name, ok := resolveCommandName("mint_debt")
	assert.True(t, ok)
	assert.Equal(t, "MintDebt", name)

	name, ok = resolveCommandName("LiquidateVault")
	assert.True(t, ok)
	assert.Equal(t, "LiquidateVault", name)

	_, ok = resolveCommandName("open_position")
	assert.False(t, ok)
}

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	limiter := NewRateLimiter(RateLimit{RequestsPerSecond: 1, Burst: 1}, metrics)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)

	other := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
	other.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.9")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, other)
	assert.Equal(t, http.StatusOK, res.Code, "clients have separate buckets")
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{}, nil)
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("10.0.0.1"))
	}
}

func TestGateway_CommandsAndLiveReads(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec, body := h.do(t, http.MethodGet, "/v1/config?live=true", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ProtocolNotInitialized", body["name"])

	rec, body = h.do(t, http.MethodPost, "/v1/commands/initialize_protocol", initializeBody(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["sequence"])
	assert.Equal(t, "InitializeProtocol", body["event_type"])

	deposit, _ := json.Marshal(InjectAssetDepositRequest{Holder: alice.String(), Asset: "SOL", Amount: 100})
	rec, body = h.do(t, http.MethodPost, "/v1/admin/deposits", deposit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "AssetDeposited", body["event_type"])

	// No oracle price yet and none in the command
	mint := encode(t, &event.MintDebt{
		Meta: event.Meta{CommandID: uuid.New()}, Caller: alice, Owner: alice,
		CollateralDeposit: 100, Amount: 10_000,
	})
	rec, _ = h.do(t, http.MethodPost, "/v1/commands/MintDebt", mint)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	price, _ := json.Marshal(InjectPriceRequest{Asset: "SOL", Price: "550"})
	rec, body = h.do(t, http.MethodPost, "/v1/admin/prices", price)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["accepted"])

	rec, body = h.do(t, http.MethodPost, "/v1/commands/mint_debt", mint)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(10_000), body["debt_minted"])
	assert.Equal(t, float64(100), body["collateral_in"])

	overMint := encode(t, &event.MintDebt{
		Meta: event.Meta{CommandID: uuid.New()}, Caller: alice, Owner: alice, Amount: 30_000,
	})
	rec, body = h.do(t, http.MethodPost, "/v1/commands/mint_debt", overMint)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InsufficientCollateralRatio", body["name"])
	assert.Equal(t, float64(cdperr.CodeInsufficientCollateralRatio), body["code"])

	rec, body = h.do(t, http.MethodGet, "/v1/vaults/"+alice.String()+"?live=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Active", body["state"])
	assert.Equal(t, float64(10_000), body["debt_amount"])
	assert.Equal(t, float64(3), body["as_of_sequence"])

	rec, body = h.do(t, http.MethodGet, "/v1/vaults/"+alice.String()+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["liquidatable"])
	assert.Equal(t, "550", body["price"])

	rec, body = h.do(t, http.MethodGet, "/v1/vaults/"+uuid.NewString()+"?live=true", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "VaultNotFound", body["name"])

	rec, body = h.do(t, http.MethodGet, "/v1/admin/event_log", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(3), body["core_sequence"])
	assert.Len(t, body["state_hash"], 64)
}

func TestGateway_BadRequests(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec, _ := h.do(t, http.MethodPost, "/v1/commands/open_position", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/v1/commands/mint_debt", []byte(`{"command_id":"nope"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/v1/vaults/not-a-uuid?live=true", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/v1/config?live=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/v1/admin/prices", []byte(`{"asset":"SOL","price":"-1"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InvalidAmount", body["name"])
}

func TestGateway_ProjectionReadsNeedDatabase(t *testing.T) {
	h := newHarness(t, RateLimit{})

	for _, path := range []string{
		"/v1/config",
		"/v1/vaults",
		"/v1/vaults/" + alice.String(),
		"/v1/users/" + alice.String() + "/balances",
		"/v1/liquidations",
		"/v1/admin/integrity",
	} {
		rec, _ := h.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec, _ := h.do(t, http.MethodPost, "/v1/admin/snapshots", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_RateLimited(t *testing.T) {
	h := newHarness(t, RateLimit{RequestsPerSecond: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		rec, _ := h.do(t, http.MethodGet, "/v1/config?live=true", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	}
	rec, _ := h.do(t, http.MethodGet, "/v1/config?live=true", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Health endpoints sit outside the limiter
	rec, _ = h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func dialBufconn(t *testing.T, h *harness) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.server.ServeGRPC(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
	})
	return conn
}

func TestGRPC_SubmitAndQuery(t *testing.T) {
	h := newHarness(t, RateLimit{})
	conn := dialBufconn(t, h)
	client := NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.GetConfig(ctx, &GetConfigRequest{Live: true})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	resp, err := client.SubmitCommand(ctx, &SubmitCommandRequest{EventType: "InitializeProtocol", Command: initializeBody(t)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Sequence)
	require.NotNil(t, resp.Config)
	assert.Equal(t, "1.5", resp.Config.MaxCollateralRatio)

	_, err = client.InjectAssetDeposit(ctx, &InjectAssetDepositRequest{Holder: alice.String(), Asset: "SOL", Amount: 100})
	require.NoError(t, err)

	mint := encode(t, &event.MintDebt{
		Meta: event.Meta{CommandID: uuid.New()}, Caller: alice, Owner: alice,
		CollateralDeposit: 100, Amount: 36_667, Price: 550_000_000_000,
	})
	_, err = client.SubmitCommand(ctx, &SubmitCommandRequest{EventType: "MintDebt", Command: mint})
	st, _ := status.FromError(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Contains(t, st.Message(), "InsufficientCollateralRatio")

	id := uuid.New()
	mint = encode(t, &event.MintDebt{
		Meta: event.Meta{CommandID: id}, Caller: alice, Owner: alice,
		CollateralDeposit: 100, Amount: 36_666, Price: 550_000_000_000,
	})
	resp, err = client.SubmitCommand(ctx, &SubmitCommandRequest{EventType: "MintDebt", Command: mint})
	require.NoError(t, err)
	assert.Equal(t, int64(36_666), resp.DebtMinted)
	assert.False(t, resp.Duplicate)

	resp, err = client.SubmitCommand(ctx, &SubmitCommandRequest{EventType: "MintDebt", Command: mint})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate, "same command id is a duplicate")
	assert.Equal(t, id.String(), resp.IdempotencyKey)

	vault, err := client.GetVault(ctx, &GetVaultRequest{Owner: alice.String(), Live: true})
	require.NoError(t, err)
	assert.Equal(t, int64(36_666), vault.DebtAmount)

	_, err = client.ListVaults(ctx, &ListVaultsRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	info, err := client.GetEventLogInfo(ctx, &GetEventLogInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.CoreSequence)
}

func TestGRPC_HealthFollowsReadiness(t *testing.T) {
	h := newHarness(t, RateLimit{})
	conn := dialBufconn(t, h)
	hc := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.server.SetServing(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: CDPServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPC_RateLimited(t *testing.T) {
	h := newHarness(t, RateLimit{RequestsPerSecond: 0.001, Burst: 1})
	client := NewClient(dialBufconn(t, h))
	ctx := context.Background()

	_, err := client.GetEventLogInfo(ctx, &GetEventLogInfoRequest{})
	require.NoError(t, err)
	_, err = client.GetEventLogInfo(ctx, &GetEventLogInfoRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestOpsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.RateLimited.WithLabelValues("http").Inc()
	health := observability.NewHealthChecker()
	router := NewOpsRouter(health, reg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cdp_api_rate_limited_total")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health.SetReady(true)
	health.AddCheck("projection", func(context.Context) error { return nil })
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
