package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"CDPLedger/internal/observability"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RateLimit is the per-client token bucket. RequestsPerSecond <= 0 disables
// limiting.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

const (
	maxTrackedClients = 10_000
	clientIdleTTL     = 5 * time.Minute
)

// RateLimiter keeps one token bucket per client address. Idle clients expire.
type RateLimiter struct {
	limit    RateLimit
	visitors *expirable.LRU[string, *rate.Limiter]
	metrics  *observability.Metrics
}

func NewRateLimiter(limit RateLimit, metrics *observability.Metrics) *RateLimiter {
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		visitors: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, clientIdleTTL),
		metrics:  metrics,
	}
}

// Allow reports whether client may make a request now.
func (r *RateLimiter) Allow(client string) bool {
	if r.limit.RequestsPerSecond <= 0 {
		return true
	}
	limiter, ok := r.visitors.Get(client)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.limit.RequestsPerSecond), r.limit.Burst)
		r.visitors.Add(client, limiter)
	}
	return limiter.Allow()
}

// Middleware rejects HTTP requests over the limit with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow(httpClientID(req)) {
			r.count("http")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// UnaryInterceptor rejects gRPC calls over the limit with ResourceExhausted.
func (r *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !r.Allow(grpcClientID(ctx)) {
			r.count("grpc")
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func (r *RateLimiter) count(transport string) {
	if r.metrics != nil {
		r.metrics.RateLimited.WithLabelValues(transport).Inc()
	}
}

func httpClientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func grpcClientID(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
