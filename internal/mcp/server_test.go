package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/backend"
	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/mfa"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
)

type testEnv struct {
	s     *Server
	audit *audit.Memory

	mu    sync.Mutex
	codes map[string]string
}

func (e *testEnv) code(who string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.codes[who]
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	resolver := policy.NewResolver(policy.DefaultConfig(), "test")
	dir, err := identity.NewDirectory([]model.Identity{
		{ID: "dev", Tenant: "T1", Roles: []string{"developer"}},
		{ID: "carol", Tenant: "T1", Roles: []string{"sysadmin"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := backend.NewRegistry(backend.Options{Policy: resolver, Directory: dir})
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{audit: &audit.Memory{}, codes: make(map[string]string)}
	deliver := func(ctx context.Context, c mfa.Challenge, code string) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.codes[c.Identity] = code
		return nil
	}
	orch, err := elevation.New(elevation.Config{
		Registry:   reg,
		Identities: dir,
		MFA:        mfa.NewLocal(mfa.Config{Deliver: deliver}),
		Audit:      env.audit,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{Orchestrator: orch, Registry: reg, Policy: resolver})
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	env.s = s
	return env
}

func TestSubmitAndUse(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	result, out, err := env.s.handleSubmit(ctx, &mcpsdk.CallToolRequest{}, SubmitInput{
		Requester:     "dev",
		Scope:         "docker:run",
		Justification: "debug",
		Target:        map[string]string{"image": "nginx:1.25"},
		OneTime:       true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Request.State != elevation.StateMFAPending {
		t.Fatalf("expected mfa_pending, got %s", out.Request.State)
	}

	_, out, err = env.s.handleVerifyMFA(ctx, &mcpsdk.CallToolRequest{}, VerifyMFAInput{
		RequestID: out.Request.ID,
		Response:  env.code("dev"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Request.State != elevation.StateTokenIssued {
		t.Fatalf("expected token_issued, got %s", out.Request.State)
	}

	use := UseInput{TokenID: out.Request.TokenID, Scope: "docker:run", Usage: map[string]string{"image": "nginx:1.25"}}
	result, used, err := env.s.handleUse(ctx, &mcpsdk.CallToolRequest{}, use)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatalf("expected allowed use, got %+v", used)
	}
	if !used.Decision.Allowed {
		t.Fatal("expected allowed")
	}

	result, used, _ = env.s.handleUse(ctx, &mcpsdk.CallToolRequest{}, use)
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for spent token")
	}
	if used.Decision.Reason != "uses-exhausted" {
		t.Errorf("expected uses-exhausted, got %q", used.Decision.Reason)
	}
}

func TestSubmitDenied(t *testing.T) {
	env := newTestServer(t)

	result, out, err := env.s.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{
		Requester: "dev",
		Scope:     "github:push",
		Target:    map[string]string{"repo": "acme/app", "branch": "main"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for protected branch")
	}
	if !out.Denied || out.Request.State != elevation.StateRejected {
		t.Fatalf("expected denied rejected request, got %+v", out)
	}
	if out.Kind != string(model.KindForbidden) {
		t.Errorf("expected forbidden, got %q", out.Kind)
	}
}

func TestSubmitUnknownScopeIsToolError(t *testing.T) {
	env := newTestServer(t)
	_, _, err := env.s.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{
		Requester: "dev",
		Scope:     "vault:read",
	})
	if model.KindOf(err) != model.KindUnknownBackend && model.KindOf(err) != model.KindUnknownScope {
		t.Errorf("expected unknown scope error, got %v", err)
	}
}

func TestDecideAndPending(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	_, out, err := env.s.handleSubmit(ctx, &mcpsdk.CallToolRequest{}, SubmitInput{
		Requester: "dev",
		Scope:     "desktop:admin",
		Target:    map[string]string{"path": "/opt/driver"},
	})
	if err != nil {
		t.Fatal(err)
	}
	id := out.Request.ID
	if _, _, err := env.s.handleVerifyMFA(ctx, &mcpsdk.CallToolRequest{}, VerifyMFAInput{RequestID: id, Response: env.code("dev")}); err != nil {
		t.Fatal(err)
	}

	_, pending, err := env.s.handlePending(ctx, &mcpsdk.CallToolRequest{}, PendingInput{Approver: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Requests) != 1 || pending.Requests[0].ID != id {
		t.Fatalf("expected carol to see %s, got %+v", id, pending.Requests)
	}

	result, out, err := env.s.handleDecide(ctx, &mcpsdk.CallToolRequest{}, DecideInput{RequestID: id, Approver: "dev", Decision: "approve"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError || out.Reason != "self-approval" {
		t.Errorf("expected self-approval refusal, got %+v", out)
	}

	_, out, err = env.s.handleDecide(ctx, &mcpsdk.CallToolRequest{}, DecideInput{RequestID: id, Approver: "carol", Decision: "approve"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Request.State != elevation.StateTokenIssued {
		t.Fatalf("expected token_issued, got %s", out.Request.State)
	}

	_, rev, err := env.s.handleRevoke(ctx, &mcpsdk.CallToolRequest{}, RevokeInput{TokenID: out.Request.TokenID, Actor: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if rev.Status != "revoked" {
		t.Errorf("expected revoked, got %q", rev.Status)
	}
	_, status, err := env.s.handleStatus(ctx, &mcpsdk.CallToolRequest{}, StatusInput{RequestID: id})
	if err != nil {
		t.Fatal(err)
	}
	if status.Request.State != elevation.StateRevoked {
		t.Errorf("expected revoked state, got %s", status.Request.State)
	}
}

func TestAwaitTimeoutExpires(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	_, out, err := env.s.handleSubmit(ctx, &mcpsdk.CallToolRequest{}, SubmitInput{
		Requester: "dev",
		Scope:     "docker:run",
		Target:    map[string]string{"image": "nginx"},
	})
	if err != nil {
		t.Fatal(err)
	}
	result, out, err := env.s.handleAwait(ctx, &mcpsdk.CallToolRequest{}, AwaitInput{RequestID: out.Request.ID, Timeout: "20ms"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result on timeout")
	}
	if out.Request.State != elevation.StateExpired || out.Kind != string(model.KindTimeout) {
		t.Errorf("expected expired by timeout, got %s %s", out.Request.State, out.Kind)
	}

	if _, _, err := env.s.handleAwait(ctx, &mcpsdk.CallToolRequest{}, AwaitInput{RequestID: "req-x", Timeout: "soon"}); model.KindOf(err) != model.KindInvalidPayload {
		t.Errorf("expected invalid_payload for bad timeout, got %v", err)
	}
}

func TestPolicyAndScopes(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	_, p, err := env.s.handlePolicy(ctx, &mcpsdk.CallToolRequest{}, PolicyInput{Tenant: "T1", Market: "EU"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Market != "eu" {
		t.Errorf("expected eu, got %q", p.Market)
	}
	if p.MaxTokenTTL["high"] != (15 * time.Minute).String() {
		t.Errorf("expected 15m high ttl, got %q", p.MaxTokenTTL["high"])
	}
	if p.Regulatory == nil || p.ApprovalTiers == nil {
		t.Error("expected non-nil maps and slices")
	}

	_, scopes, err := env.s.handleScopes(ctx, &mcpsdk.CallToolRequest{}, ScopesInput{Backend: "figma"})
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes.Scopes) == 0 {
		t.Fatal("expected figma scopes")
	}
	if _, _, err := env.s.handleScopes(ctx, &mcpsdk.CallToolRequest{}, ScopesInput{Backend: "vault"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverT, clientT := mcpsdk.NewInMemoryTransports()
	ss, err := env.s.Connect(ctx, serverT)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer ss.Close()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 10 {
		t.Errorf("expected 10 tools, got %d", len(tools.Tools))
	}

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "elevator_submit",
		Arguments: map[string]any{"requester": "dev", "scope": "docker:read"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got %+v", res.Content)
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatal(err)
	}
	var out RequestOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
	if out.Request.ID == "" || out.Request.Scope != "docker:read" {
		t.Errorf("expected docker:read request, got %+v", out.Request)
	}

	res, err = cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "elevator_policy",
		Arguments: map[string]any{"tenant": "T1"},
	})
	if err != nil {
		t.Fatalf("CallTool policy: %v", err)
	}
	if res.IsError {
		t.Errorf("expected policy output to validate, got %+v", res.Content)
	}
}
