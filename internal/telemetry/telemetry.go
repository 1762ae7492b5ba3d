// Package telemetry exports elevation metrics segmented by tenant and
// market, and logs the matching structured events.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/elevator/internal/tracer"
)

// Recorder owns a private registry so tests and multiple servers in one
// process do not collide. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	requests      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	mfaWait       *prometheus.HistogramVec
	approvalWait  *prometheus.HistogramVec
	tokensIssued  *prometheus.CounterVec
	tokenUses     *prometheus.CounterVec
	tokensExpired *prometheus.CounterVec
	rpcTotal      *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
}

var waitBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}

// New builds a Recorder. A nil logger discards events.
func New(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elevator_requests_total",
			Help: "Elevation requests submitted.",
		}, []string{"tenant", "market", "backend", "emergency"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elevator_transitions_total",
			Help: "Request state transitions by destination state.",
		}, []string{"tenant", "market", "state"}),
		mfaWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elevator_mfa_wait_seconds",
			Help:    "Time from MFA challenge to verification.",
			Buckets: waitBuckets,
		}, []string{"tenant", "market"}),
		approvalWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elevator_approval_wait_seconds",
			Help:    "Time from approval request to quorum or rejection.",
			Buckets: waitBuckets,
		}, []string{"tenant", "market"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elevator_tokens_issued_total",
			Help: "Elevation tokens issued.",
		}, []string{"tenant", "market", "emergency"}),
		tokenUses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elevator_token_uses_total",
			Help: "Token use validations by decision.",
		}, []string{"tenant", "market", "decision"}),
		tokensExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elevator_tokens_expired_total",
			Help: "Tokens that lapsed without being exhausted or revoked.",
		}, []string{"tenant", "market"}),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elevator_rpc_requests_total",
			Help: "gRPC calls by method and status code.",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elevator_rpc_duration_seconds",
			Help:    "gRPC call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	r.registry.MustRegister(
		r.requests, r.transitions, r.mfaWait, r.approvalWait,
		r.tokensIssued, r.tokenUses, r.tokensExpired,
		r.rpcTotal, r.rpcDuration,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Labels identify where an event happened.
type Labels struct {
	Tenant string
	Market string
}

func (r *Recorder) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if id := tracer.CorrelationID(ctx); id != "" {
		args = append(args, "correlation_id", id)
	}
	r.logger.Log(ctx, level, msg, args...)
}

// RequestSubmitted counts a new request.
func (r *Recorder) RequestSubmitted(ctx context.Context, l Labels, requestID, scope, backend string, emergency bool) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(l.Tenant, l.Market, backend, strconv.FormatBool(emergency)).Inc()
	r.log(ctx, slog.LevelInfo, "elevation requested",
		"request_id", requestID, "scope", scope, "tenant", l.Tenant, "market", l.Market, "emergency", emergency)
}

// Transition counts a state change.
func (r *Recorder) Transition(ctx context.Context, l Labels, requestID, from, to, reason string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(l.Tenant, l.Market, to).Inc()
	level := slog.LevelInfo
	if to == "rejected" {
		level = slog.LevelWarn
	}
	r.log(ctx, level, "elevation transition",
		"request_id", requestID, "from", from, "to", to, "reason", reason, "tenant", l.Tenant, "market", l.Market)
}

// MFAVerified observes how long the requester took to answer the challenge.
func (r *Recorder) MFAVerified(l Labels, wait time.Duration) {
	if r == nil {
		return
	}
	r.mfaWait.WithLabelValues(l.Tenant, l.Market).Observe(wait.Seconds())
}

// ApprovalDecided observes how long approval took to resolve.
func (r *Recorder) ApprovalDecided(l Labels, wait time.Duration) {
	if r == nil {
		return
	}
	r.approvalWait.WithLabelValues(l.Tenant, l.Market).Observe(wait.Seconds())
}

// TokenIssued counts an issued token.
func (r *Recorder) TokenIssued(ctx context.Context, l Labels, tokenID string, ttl time.Duration, emergency bool) {
	if r == nil {
		return
	}
	r.tokensIssued.WithLabelValues(l.Tenant, l.Market, strconv.FormatBool(emergency)).Inc()
	level := slog.LevelInfo
	if emergency {
		level = slog.LevelWarn
	}
	r.log(ctx, level, "elevation token issued",
		"token_id", tokenID, "ttl", ttl, "emergency", emergency, "tenant", l.Tenant, "market", l.Market)
}

// TokenUse counts a token-use validation.
func (r *Recorder) TokenUse(ctx context.Context, l Labels, tokenID string, allowed bool, reason string) {
	if r == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	r.tokenUses.WithLabelValues(l.Tenant, l.Market, decision).Inc()
	r.log(ctx, slog.LevelInfo, "elevation token use",
		"token_id", tokenID, "decision", decision, "reason", reason, "tenant", l.Tenant, "market", l.Market)
}

// TokenExpired counts a lapsed token.
func (r *Recorder) TokenExpired(l Labels) {
	if r == nil {
		return
	}
	r.tokensExpired.WithLabelValues(l.Tenant, l.Market).Inc()
}

// UnaryServerInterceptor records per-method call counts and latency.
func (r *Recorder) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		r.rpcDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		r.rpcTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		return resp, err
	}
}
