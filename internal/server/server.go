// Package server exposes the elevation orchestrator as a gRPC service
// and serves Prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/policydiff"
	"github.com/ppiankov/elevator/internal/scope"
	"github.com/ppiankov/elevator/internal/telemetry"
	"github.com/ppiankov/elevator/internal/tracer"
)

// DefaultPort is the gRPC port used when none is configured.
const DefaultPort = 7443

// Config holds gRPC server configuration and the components it serves.
type Config struct {
	Port       int
	PolicyPath string

	Orchestrator *elevation.Orchestrator
	Registry     *hook.Registry
	Policy       *policy.Resolver
	Telemetry    *telemetry.Recorder // optional
	Logger       *slog.Logger
}

// Server implements ElevationService.
type Server struct {
	cfg        Config
	orch       *elevation.Orchestrator
	registry   *hook.Registry
	policy     *policy.Resolver
	telemetry  *telemetry.Recorder
	logger     *slog.Logger
	grpcServer *grpc.Server
}

// New creates a gRPC server over the given orchestrator.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, errors.New("server: orchestrator is required")
	case cfg.Registry == nil:
		return nil, errors.New("server: hook registry is required")
	case cfg.Policy == nil:
		return nil, errors.New("server: policy resolver is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	interceptors := []grpc.UnaryServerInterceptor{correlationInterceptor}
	if cfg.Telemetry != nil {
		interceptors = append(interceptors, cfg.Telemetry.UnaryServerInterceptor())
	}
	interceptors = append(interceptors, statusInterceptor)

	s := &Server{
		cfg:        cfg,
		orch:       cfg.Orchestrator,
		registry:   cfg.Registry,
		policy:     cfg.Policy,
		telemetry:  cfg.Telemetry,
		logger:     logger,
		grpcServer: grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...)),
	}
	s.grpcServer.RegisterService(&ServiceDesc, s)
	return s, nil
}

// Serve starts the gRPC server on the configured port. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	return s.grpcServer.Serve(lis)
}

// ServeOn starts the gRPC server on the given listener.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts down the gRPC server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// MetricsHandler serves /metrics and /healthz.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	if s.telemetry != nil {
		mux.Handle("/metrics", s.telemetry.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok policy=%s\n", s.policy.Hash())
	})
	return mux
}

// ReloadPolicy reads the policy file again and swaps it into the
// resolver. Called by the hot-reloader on file change.
func (s *Server) ReloadPolicy() error {
	cfg, hash, err := policy.LoadConfigWithHash(s.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to reload policy config: %w", err)
	}
	if hash == s.policy.Hash() {
		return nil
	}
	diff := policydiff.Diff(s.policy.Config(), cfg)
	s.policy.Reload(cfg, hash)
	stricter, looser := diff.Summary()
	s.logger.Info("policy reloaded", "path", s.cfg.PolicyPath, "hash", hash,
		"changes", len(diff.Changes), "stricter", stricter, "looser", looser)
	for _, c := range diff.Changes {
		s.logger.Debug("policy change", "view", c.View, "field", c.Field, "old", c.Old, "new", c.New, "comment", c.Comment)
	}
	return nil
}

func correlationInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CorrelationHeader); len(v) > 0 && v[0] != "" {
			ctx = tracer.WithCorrelationID(ctx, v[0])
		}
	}
	ctx, id := tracer.EnsureCorrelationID(ctx)
	grpc.SetHeader(ctx, metadata.Pairs(CorrelationHeader, id))
	return handler(ctx, req)
}

func statusInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, ToStatus(err).Err()
	}
	return resp, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, model.Errorf(model.KindInvalidPayload, "invalid-"+field, "%s %q is not a valid duration", field, v)
	}
	return d, nil
}

// SubmitRequest implements the SubmitRequest RPC. A rejected request
// returns an error whose ErrorInfo names the request id and final state.
func (s *Server) SubmitRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	ttl, err := parseDuration("ttl", req.TTL)
	if err != nil {
		return nil, err
	}
	v, err := s.orch.Submit(ctx, elevation.SubmitInput{
		Requester:     req.Requester,
		Tenant:        req.Tenant,
		Market:        req.Market,
		Scope:         req.Scope,
		Justification: req.Justification,
		Target:        req.Target,
		Emergency:     req.Emergency,
		TTL:           ttl,
		OneTime:       req.OneTime,
	})
	if err != nil {
		return nil, withRequest(err, v)
	}
	return Encode(v)
}

// VerifyMFA implements the VerifyMFA RPC.
func (s *Server) VerifyMFA(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req VerifyMFARequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	v, err := s.orch.VerifyMFA(ctx, req.RequestID, req.Response)
	if err != nil {
		return nil, withRequest(err, v)
	}
	return Encode(v)
}

// SubmitApproval implements the SubmitApproval RPC.
func (s *Server) SubmitApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ApprovalRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	v, err := s.orch.SubmitApproval(ctx, req.RequestID, req.Approver, req.Decision, req.Comment)
	if err != nil {
		return nil, withRequest(err, v)
	}
	return Encode(v)
}

// GetRequest implements the GetRequest RPC.
func (s *Server) GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	v, err := s.orch.Status(req.RequestID)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

// AwaitRequest implements the AwaitRequest RPC.
func (s *Server) AwaitRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AwaitRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := s.orch.Await(ctx, req.RequestID)
	if err != nil {
		return nil, withRequest(err, v)
	}
	return Encode(v)
}

// ListRequests implements the ListRequests RPC.
func (s *Server) ListRequests(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequests
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	list := s.orch.List(elevation.ListFilter{
		Tenant:   req.Tenant,
		State:    elevation.State(req.State),
		Approver: req.Approver,
	})
	if list == nil {
		list = []elevation.View{}
	}
	return Encode(RequestList{Requests: list})
}

// ValidateTokenUse implements the ValidateTokenUse RPC. A denied use is
// an error; the decision itself is in the audit trail.
func (s *Server) ValidateTokenUse(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TokenUseRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	d, err := s.orch.ValidateTokenUse(ctx, req.TokenID, req.Scope, req.Usage)
	if err != nil {
		return nil, err
	}
	return Encode(d)
}

// RevokeToken implements the RevokeToken RPC.
func (s *Server) RevokeToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RevokeRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	if err := s.orch.RevokeToken(ctx, req.TokenID, req.Actor, req.Reason); err != nil {
		return nil, err
	}
	return Encode(RevokeResponse{TokenID: req.TokenID, Revoked: true})
}

// ResolvePolicy implements the ResolvePolicy RPC.
func (s *Server) ResolvePolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PolicyRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	return Encode(PolicyResponse{
		Hash:   s.policy.Hash(),
		Limits: s.policy.ResolvePolicy(req.Tenant, req.Market),
	})
}

// ListScopes implements the ListScopes RPC.
func (s *Server) ListScopes(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ScopesRequest
	if err := Decode(in, &req, true); err != nil {
		return nil, err
	}
	out := []scope.Details{}
	for _, d := range s.registry.Scopes() {
		if req.Backend == "" || strings.EqualFold(d.Backend, req.Backend) {
			out = append(out, d)
		}
	}
	if req.Backend != "" && len(out) == 0 {
		return nil, model.Errorf(model.KindUnknownBackend, "unknown-backend", "no hook registered for %q", req.Backend)
	}
	return Encode(ScopeList{Scopes: out})
}
