// Package mcp exposes the elevation workflow as MCP tools so agents can
// request, approve and use elevation tokens over stdio.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/policy"
)

// Config holds MCP server configuration.
type Config struct {
	Orchestrator *elevation.Orchestrator
	Registry     *hook.Registry
	Policy       *policy.Resolver
	Version      string
	Logger       *slog.Logger
}

// Server wraps the MCP SDK server around an elevation orchestrator.
type Server struct {
	mcpServer *mcpsdk.Server
	orch      *elevation.Orchestrator
	registry  *hook.Registry
	policy    *policy.Resolver
	logger    *slog.Logger
}

// New creates an MCP server with all elevator tools registered.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, errors.New("mcp: orchestrator is required")
	case cfg.Registry == nil:
		return nil, errors.New("mcp: hook registry is required")
	case cfg.Policy == nil:
		return nil, errors.New("mcp: policy resolver is required")
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		orch:     cfg.Orchestrator,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		logger:   logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "elevator",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves one session over the given transport.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// registerTools adds all elevator tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_submit",
		Description: "Request a time-bound elevation for a scope such as docker:run or github:push. Rejected requests return an error result with the reason.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_verify_mfa",
		Description: "Answer the MFA challenge of a request in mfa_pending.",
	}, s.handleVerifyMFA)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_decide",
		Description: "Approve or reject a request in approval_pending. One reject overrides all approvals.",
	}, s.handleDecide)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_status",
		Description: "Show the current state and history of a request.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_await",
		Description: "Wait until a request leaves mfa_pending or approval_pending. A timeout expires the request.",
	}, s.handleAwait)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_pending",
		Description: "List requests, optionally filtered by tenant, state or approver.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_use",
		Description: "Check whether one use of an elevation token is allowed and record it. Denied uses return an error result.",
	}, s.handleUse)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_revoke",
		Description: "Revoke an elevation token before it expires.",
	}, s.handleRevoke)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_policy",
		Description: "Show the policy in force for a tenant and market.",
	}, s.handlePolicy)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "elevator_scopes",
		Description: "List the scopes each backend offers with their sensitivity and default MFA.",
	}, s.handleScopes)
}
