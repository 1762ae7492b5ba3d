package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/server"
)

func testRuntime(t *testing.T) (*runtime, string) {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	idPath := filepath.Join(dir, "identities.yaml")
	if err := os.WriteFile(policyPath, []byte(policy.DefaultConfigYAML()), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(idPath, []byte(identity.SampleYAML), 0600); err != nil {
		t.Fatal(err)
	}
	rt, err := buildRuntime(runtimeOptions{
		PolicyPath:     policyPath,
		IdentitiesPath: idPath,
		DenylistPath:   filepath.Join(dir, "denylist.yaml"),
		AuditLogPath:   filepath.Join(dir, "audit.jsonl"),
		SpoolPath:      filepath.Join(dir, "spool.db"),
	})
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	return rt, dir
}

func TestRunInitPolicy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")
	initDir = dir
	initForce = false
	defer func() { initDir = "" }()

	if err := runInitPolicy(nil, nil); err != nil {
		t.Fatalf("runInitPolicy failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "policy.yaml"))
	if err != nil {
		t.Fatalf("policy.yaml not created: %v", err)
	}
	if !strings.Contains(string(data), "max_token_ttl") {
		t.Error("policy.yaml missing max_token_ttl")
	}
	if _, _, err := policy.LoadConfigWithHash(filepath.Join(dir, "policy.yaml")); err != nil {
		t.Errorf("generated policy does not load: %v", err)
	}

	ids, err := identity.Load(filepath.Join(dir, "identities.yaml"))
	if err != nil {
		t.Fatalf("identities.yaml not loadable: %v", err)
	}
	if ids.Len() == 0 {
		t.Error("expected sample identities")
	}
}

func TestRunInitPolicyNoOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	initDir = dir
	defer func() { initDir = ""; initForce = false }()

	initForce = false
	if err := runInitPolicy(nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte("custom: true\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := runInitPolicy(nil, nil); err == nil {
		t.Fatal("expected error when files exist")
	}
	data, _ := os.ReadFile(filepath.Join(dir, "policy.yaml"))
	if string(data) != "custom: true\n" {
		t.Error("existing policy.yaml was overwritten")
	}

	initForce = true
	if err := runInitPolicy(nil, nil); err != nil {
		t.Fatalf("expected --force to overwrite: %v", err)
	}
}

func TestRuntimeAuditsToChainedLog(t *testing.T) {
	rt, dir := testRuntime(t)
	ctx := context.Background()

	v, err := rt.orch.Submit(ctx, elevation.SubmitInput{
		Requester: "dev",
		Scope:     "github:push",
		Target:    model.Resource{"repo": "acme/app", "branch": "main"},
	})
	if err == nil {
		t.Fatal("expected push to main to be rejected")
	}
	if v.State != elevation.StateRejected {
		t.Fatalf("expected rejected, got %s", v.State)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logPath := filepath.Join(dir, "audit.jsonl")
	res := audit.Verify(logPath)
	if !res.Valid {
		t.Fatalf("expected valid chain, got %+v", res)
	}
	if res.Lines == 0 {
		t.Fatal("expected audit records on disk")
	}
	replay, err := audit.Replay(logPath, audit.ReplayFilter{RequestID: v.ID})
	if err != nil {
		t.Fatal(err)
	}
	if replay.Summary.FinalState != string(elevation.StateRejected) {
		t.Errorf("expected final state rejected, got %q", replay.Summary.FinalState)
	}
}

func TestRuntimeRejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	os.WriteFile(policyPath, []byte("global:\n  min_approvals: 0\n"), 0600)
	_, err := buildRuntime(runtimeOptions{
		PolicyPath:   policyPath,
		AuditLogPath: filepath.Join(dir, "audit.jsonl"),
		SpoolPath:    filepath.Join(dir, "spool.db"),
	})
	if err == nil {
		t.Fatal("expected invalid policy to stop startup")
	}
}

func TestFlushAuditEmptySpool(t *testing.T) {
	dir := t.TempDir()
	n, err := flushAudit(context.Background(), filepath.Join(dir, "audit.jsonl"), filepath.Join(dir, "spool.db"))
	if err != nil {
		t.Fatalf("flushAudit: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 flushed, got %d", n)
	}
}

func TestClientCommandsAgainstServer(t *testing.T) {
	rt, _ := testRuntime(t)
	defer rt.Close()

	srv, err := server.New(server.Config{
		Orchestrator: rt.orch,
		Registry:     rt.registry,
		Policy:       rt.policy,
		Telemetry:    rt.telemetry,
	})
	if err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.ServeOn(lis)
	defer srv.GracefulStop()

	oldAddr := serverAddr
	serverAddr = lis.Addr().String()
	defer func() { serverAddr = oldAddr }()

	submitRequester = "dev"
	submitTarget = map[string]string{"image": "nginx:1.25"}
	defer func() { submitRequester, submitTarget = "", nil }()
	if err := runSubmit(nil, []string{"docker:read"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	list := rt.orch.List(elevation.ListFilter{})
	if len(list) != 1 {
		t.Fatalf("expected 1 request, got %d", len(list))
	}
	id := list[0].ID
	if err := runStatus(nil, []string{id}); err != nil {
		t.Errorf("status: %v", err)
	}
	if err := runPending(nil, nil); err != nil {
		t.Errorf("pending: %v", err)
	}
	if err := runStatus(nil, []string{"req-missing"}); model.KindOf(err) != model.KindNotFound {
		t.Errorf("expected not_found for unknown request, got %v", err)
	}

	submitTarget = map[string]string{"image": "nginx", "privileged": "true"}
	err = runSubmit(nil, []string{"docker:run"})
	if model.KindOf(err) != model.KindForbidden {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestPrintView(t *testing.T) {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v := elevation.View{
		ID:                           "req-1",
		Scope:                        "figma:export",
		Sensitivity:                  model.SensMedium,
		Requester:                    "carol",
		Tenant:                       "T1",
		Market:                       "eu",
		State:                        elevation.StateTokenIssued,
		Emergency:                    true,
		PostHocJustificationRequired: true,
		TokenID:                      "etk-1",
		TokenExpiresAt:               &exp,
		TokenTTL:                     "10m0s",
		TokenMaxUses:                 1,
	}
	var buf bytes.Buffer
	if err := printView(&buf, v); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"req-1", "token_issued [emergency]", "etk-1", "10m0s", "justify to compliance"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected short, got %q", got)
	}
	if got := truncate("a-very-long-scope-name", 10); got != "a-very-..." {
		t.Errorf("expected a-very-..., got %q", got)
	}
}

func TestRunPolicyDiff(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.yaml")
	newPath := filepath.Join(dir, "new.yaml")
	os.WriteFile(oldPath, []byte("global:\n  min_approvals: 1\n"), 0600)
	os.WriteFile(newPath, []byte("global:\n  min_approvals: 2\n"), 0600)

	if err := runPolicyDiff(nil, []string{oldPath, newPath}); err != nil {
		t.Fatalf("runPolicyDiff: %v", err)
	}
	os.WriteFile(newPath, []byte("global:\n  min_approvals: 0\n"), 0600)
	if err := runPolicyDiff(nil, []string{oldPath, newPath}); err == nil {
		t.Error("expected invalid new policy to fail")
	}
}

func TestRunServiceUnitToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "elevator.service")
	unitOutput = out
	unitBinary = "/usr/bin/elevator"
	defer func() { unitOutput, unitBinary = "", "" }()

	if err := runServiceUnit(nil, nil); err != nil {
		t.Fatalf("runServiceUnit: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ExecStart=/usr/bin/elevator serve") {
		t.Errorf("unexpected unit:\n%s", data)
	}
}

func TestBuildVersionInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(policy.DefaultConfigYAML()), 0600); err != nil {
		t.Fatal(err)
	}
	info, err := buildVersionInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(info.Backends, ","); got != "desktop,docker,figma,github" {
		t.Errorf("expected all backends, got %s", got)
	}
	if info.Scopes == 0 {
		t.Error("expected scopes to be counted")
	}
	_, hash, _ := policy.LoadConfigWithHash(path)
	if info.PolicyHash != hash || info.PolicyErr != "" {
		t.Errorf("expected policy hash %s, got %+v", hash, info)
	}

	os.WriteFile(path, []byte("global:\n  min_approvals: 0\n"), 0600)
	info, err = buildVersionInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.PolicyHash != "" || info.PolicyErr == "" {
		t.Errorf("expected a policy error instead of a hash, got %+v", info)
	}
	if len(info.Backends) != 4 {
		t.Errorf("expected backends despite the bad policy, got %v", info.Backends)
	}
}
