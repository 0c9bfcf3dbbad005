package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"

	"github.com/go-chi/chi/v5"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxCommandBody = 1 << 20

// gatewayFunc serves one HTTP route. It returns the response message or an error.
type gatewayFunc func(ctx context.Context, r *http.Request, params map[string]string, in runtime.Marshaler) (any, error)

// HTTPHandler builds the HTTP/JSON gateway: REST routes on a grpc-gateway
// mux calling the services in process, behind the rate limiter.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
		runtime.WithErrorHandler(writeHTTPError),
	)

	routes := []struct {
		method, pattern, endpoint string
		fn                        gatewayFunc
	}{
		{http.MethodPost, "/v1/commands/{event_type}", "SubmitCommand", s.httpSubmitCommand},
		{http.MethodGet, "/v1/config", "GetConfig", s.httpGetConfig},
		{http.MethodGet, "/v1/vaults", "ListVaults", s.httpListVaults},
		{http.MethodGet, "/v1/vaults/{owner}", "GetVault", s.httpGetVault},
		{http.MethodGet, "/v1/vaults/{owner}/health", "GetVaultHealth", s.httpGetVaultHealth},
		{http.MethodGet, "/v1/users/{user_id}/balances", "GetBalances", s.httpGetBalances},
		{http.MethodGet, "/v1/users/{user_id}/journals", "ListJournals", s.httpListJournals},
		{http.MethodGet, "/v1/liquidations", "ListLiquidations", s.httpListLiquidations},

		{http.MethodPost, "/v1/admin/deposits", "InjectAssetDeposit", s.httpInjectAssetDeposit},
		{http.MethodPost, "/v1/admin/prices", "InjectPrice", s.httpInjectPrice},
		{http.MethodPost, "/v1/admin/snapshots", "TakeSnapshot", s.httpTakeSnapshot},
		{http.MethodPost, "/v1/admin/projections/rebuild", "RebuildProjections", s.httpRebuildProjections},
		{http.MethodGet, "/v1/admin/event_log", "GetEventLogInfo", s.httpGetEventLogInfo},
		{http.MethodGet, "/v1/admin/integrity", "VerifyIntegrity", s.httpVerifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.gatewayHandler(mux, rt.endpoint, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	r := chi.NewRouter()
	if s.healthChecker != nil {
		r.Get("/healthz", s.healthChecker.LivenessHandler)
		r.Get("/readyz", s.healthChecker.ReadinessHandler)
	}
	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Handle("/v1/*", mux)
	})
	return r, nil
}

func (s *GRPCServer) gatewayHandler(mux *runtime.ServeMux, endpoint string, fn gatewayFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		ctx := r.Context()
		inbound, outbound := runtime.MarshalerForRequest(mux, r)

		resp, err := fn(ctx, r, params, inbound)
		s.observe(endpoint, start, err)
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, err)
			return
		}

		buf, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, err)
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		_, _ = w.Write(buf)
	}
}

// writeHTTPError is the gateway error handler: category-mapped status and a
// JSON body naming the error code.
func writeHTTPError(_ context.Context, _ *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, _ *http.Request, err error) {
	body := newErrorBody(err)
	buf, merr := m.Marshal(body)
	if merr != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", m.ContentType(body))
	w.WriteHeader(httpStatus(err))
	_, _ = w.Write(buf)
}

// --- CDPService routes ---

func (s *GRPCServer) httpSubmitCommand(ctx context.Context, r *http.Request, params map[string]string, _ runtime.Marshaler) (any, error) {
	eventType, ok := resolveCommandName(params["event_type"])
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", errBadRequest, params["event_type"])
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	return s.cdp.SubmitCommand(ctx, &SubmitCommandRequest{EventType: eventType, Command: body})
}

func (s *GRPCServer) httpGetConfig(ctx context.Context, r *http.Request, _ map[string]string, _ runtime.Marshaler) (any, error) {
	live, err := queryBool(r, "live")
	if err != nil {
		return nil, err
	}
	return s.cdp.GetConfig(ctx, &GetConfigRequest{Live: live})
}

func (s *GRPCServer) httpListVaults(ctx context.Context, r *http.Request, _ map[string]string, _ runtime.Marshaler) (any, error) {
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		return nil, err
	}
	return s.cdp.ListVaults(ctx, &ListVaultsRequest{
		State:      r.URL.Query().Get("state"),
		AfterOwner: r.URL.Query().Get("after_owner"),
		PageSize:   int(pageSize),
	})
}

func (s *GRPCServer) httpGetVault(ctx context.Context, r *http.Request, params map[string]string, _ runtime.Marshaler) (any, error) {
	live, err := queryBool(r, "live")
	if err != nil {
		return nil, err
	}
	return s.cdp.GetVault(ctx, &GetVaultRequest{Owner: params["owner"], Live: live})
}

func (s *GRPCServer) httpGetVaultHealth(ctx context.Context, _ *http.Request, params map[string]string, _ runtime.Marshaler) (any, error) {
	return s.cdp.GetVaultHealth(ctx, &GetVaultRequest{Owner: params["owner"], Live: true})
}

func (s *GRPCServer) httpGetBalances(ctx context.Context, _ *http.Request, params map[string]string, _ runtime.Marshaler) (any, error) {
	return s.cdp.GetBalances(ctx, &GetBalancesRequest{UserID: params["user_id"]})
}

func (s *GRPCServer) httpListJournals(ctx context.Context, r *http.Request, params map[string]string, _ runtime.Marshaler) (any, error) {
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before_sequence")
	if err != nil {
		return nil, err
	}
	return s.cdp.ListJournals(ctx, &ListJournalsRequest{
		UserID:         params["user_id"],
		PageSize:       int(pageSize),
		BeforeSequence: before,
	})
}

func (s *GRPCServer) httpListLiquidations(ctx context.Context, r *http.Request, _ map[string]string, _ runtime.Marshaler) (any, error) {
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before_sequence")
	if err != nil {
		return nil, err
	}
	return s.cdp.ListLiquidations(ctx, &ListLiquidationsRequest{
		Owner:          r.URL.Query().Get("owner"),
		PageSize:       int(pageSize),
		BeforeSequence: before,
	})
}

// --- AdminService routes ---

func (s *GRPCServer) httpInjectAssetDeposit(ctx context.Context, r *http.Request, _ map[string]string, in runtime.Marshaler) (any, error) {
	var req InjectAssetDepositRequest
	if err := decodeBody(r, in, &req); err != nil {
		return nil, err
	}
	return s.admin.InjectAssetDeposit(ctx, &req)
}

func (s *GRPCServer) httpInjectPrice(ctx context.Context, r *http.Request, _ map[string]string, in runtime.Marshaler) (any, error) {
	var req InjectPriceRequest
	if err := decodeBody(r, in, &req); err != nil {
		return nil, err
	}
	return s.admin.InjectPrice(ctx, &req)
}

func (s *GRPCServer) httpTakeSnapshot(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (any, error) {
	return s.admin.TakeSnapshot(ctx, &TakeSnapshotRequest{})
}

func (s *GRPCServer) httpRebuildProjections(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (any, error) {
	return s.admin.RebuildProjections(ctx, &RebuildProjectionsRequest{})
}

func (s *GRPCServer) httpGetEventLogInfo(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (any, error) {
	return s.admin.GetEventLogInfo(ctx, &GetEventLogInfoRequest{})
}

func (s *GRPCServer) httpVerifyIntegrity(ctx context.Context, _ *http.Request, _ map[string]string, _ runtime.Marshaler) (any, error) {
	return s.admin.VerifyIntegrity(ctx, &VerifyIntegrityRequest{})
}

// --- helpers ---

// resolveCommandName accepts the command name ("MintDebt") or its subject
// token ("mint_debt").
func resolveCommandName(s string) (string, bool) {
	for _, et := range event.AllEventTypes() {
		if s == et.String() || s == ingestion.SubjectToken(et) {
			return et.String(), true
		}
	}
	return "", false
}

func decodeBody(r *http.Request, in runtime.Marshaler, v any) error {
	if err := in.NewDecoder(io.LimitReader(r.Body, maxCommandBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", errBadRequest, key, err)
	}
	return b, nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, key, err)
	}
	return n, nil
}
