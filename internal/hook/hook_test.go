package hook

import (
	"context"
	"errors"
	"testing"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

type staticDir map[string][]model.Identity

func (d staticDir) ListByRole(ctx context.Context, tenantID, role string) ([]model.Identity, error) {
	return d[role], nil
}

type testHook struct {
	Base
}

func (h *testHook) ValidateRequest(ctx context.Context, req Request) error {
	return Require(req.Target, "name")
}

func (h *testHook) SelectApprovers(ctx context.Context, req Request) ([]model.Identity, error) {
	return h.Approvers(ctx, req, "owner", "security")
}

func (h *testHook) ValidateTokenUse(ctx context.Context, tokenID, s string, granted model.Resource, usage model.Usage) error {
	return nil
}

func (h *testHook) AuditMetadata(tokenID, s string, target model.Resource) map[string]any {
	return h.Metadata(tokenID, s)
}

func newTestHook(backend string, cfg *policy.Config) *testHook {
	if cfg == nil {
		cfg = policy.DefaultConfig()
	}
	return &testHook{Base{
		Backend: backend,
		Catalog: scope.MustCatalog(backend, []scope.Op{
			{Name: "read", Sensitivity: model.SensLow},
			{Name: "write", Sensitivity: model.SensMedium, MFA: model.MFABasic},
			{Name: "admin", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true},
		}),
		Policy: policy.NewResolver(cfg, ""),
		Directory: staticDir{
			"owner":    {{ID: "alice", Roles: []string{"owner"}}, {ID: "bob", Roles: []string{"owner"}}},
			"security": {{ID: "carol", Roles: []string{"security"}}, {ID: "bob"}, {ID: "dave", Status: model.StatusSuspended}},
		},
	}}
}

func TestRegistryValidateScope(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newTestHook("svc", nil)); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		scope string
		kind  model.ErrorKind
	}{
		{"svc:read", ""},
		{"SVC:Admin", ""},
		{"svcread", model.KindMalformedScope},
		{"other:read", model.KindUnknownBackend},
		{"svc:delete", model.KindInvalidScope},
		{"svc:", model.KindMalformedScope},
	}
	for _, c := range cases {
		_, err := r.ValidateScope(context.Background(), c.scope, "T1", "default")
		if got := model.KindOf(err); got != c.kind {
			t.Errorf("%s: expected kind %q, got %q (%v)", c.scope, c.kind, got, err)
		}
	}
}

func TestRegistryDuplicateAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newTestHook("svc", nil)); err != nil {
		t.Fatal(err)
	}
	err := r.Register(newTestHook("SVC", nil))
	if !errors.Is(err, model.ErrDuplicateHook) {
		t.Errorf("expected DuplicateHook, got %v", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if h, err := r.Get("svc"); err != nil || h.HookType() != "svc" {
		t.Errorf("expected svc hook, got %v, %v", h, err)
	}
	if got := r.Backends(); len(got) != 1 || got[0] != "svc" {
		t.Errorf("expected [svc], got %v", got)
	}
	if got := len(r.Scopes()); got != 3 {
		t.Errorf("expected 3 scopes, got %d", got)
	}
}

func TestValidateScopeCancelled(t *testing.T) {
	h := newTestHook("svc", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.ValidateScope(ctx, "svc:read", "T1", "default")
	if !errors.Is(err, model.ErrCancelled) {
		t.Errorf("expected Cancelled, got %v", err)
	}
}

func TestRequiredMFANeverWeakerThanDefault(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Global.MinMFA = map[model.Sensitivity]model.MFALevel{
		model.SensLow: model.MFANone, model.SensMedium: model.MFANone, model.SensHigh: model.MFANone,
	}
	h := newTestHook("svc", cfg)
	ctx := context.Background()

	lvl, err := h.RequiredMFA(ctx, "svc:write", "T1", "default")
	if err != nil {
		t.Fatal(err)
	}
	if lvl != model.MFABasic {
		t.Errorf("expected scope default basic, got %s", lvl)
	}

	// The eu market raises medium-tier MFA to strong.
	lvl, _ = newTestHook("svc", nil).RequiredMFA(ctx, "svc:write", "T1", "eu")
	if lvl != model.MFAStrong {
		t.Errorf("expected market override to strong, got %s", lvl)
	}
}

func TestRequiresApprovalFromPolicy(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Tenants = map[string]policy.Layer{"T2": {ApprovalTiers: []model.Sensitivity{model.SensLow}}}
	h := newTestHook("svc", cfg)
	ctx := context.Background()

	if need, _ := h.RequiresApproval(ctx, "svc:read", "T1", "default"); need {
		t.Error("expected low tier without approval by default")
	}
	if need, _ := h.RequiresApproval(ctx, "svc:read", "T2", "default"); !need {
		t.Error("expected tenant policy to force approval on low tier")
	}
	if need, _ := h.RequiresApproval(ctx, "svc:admin", "T1", "default"); !need {
		t.Error("expected scope default approval for admin")
	}
}

func TestApproversExcludeRequesterAndInactive(t *testing.T) {
	h := newTestHook("svc", nil)
	req := Request{Requester: model.Identity{ID: "alice"}, Tenant: "T1", Market: "default", Scope: "svc:admin"}

	got, err := h.SelectApprovers(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	ids := model.IdentityIDs(got)
	if len(ids) != 2 || ids[0] != "bob" || ids[1] != "carol" {
		t.Errorf("expected [bob carol], got %v", ids)
	}

	req.Scope = "svc:read"
	got, _ = h.SelectApprovers(context.Background(), req)
	if len(got) != 0 {
		t.Errorf("expected no approvers when approval not required, got %v", got)
	}
}

func TestRequireReason(t *testing.T) {
	err := Require(model.Resource{"name": " "}, "name")
	if model.ReasonOf(err) != "missing-name" {
		t.Errorf("expected missing-name, got %v", err)
	}
	err = Require(model.Resource{}, "file_key")
	if model.ReasonOf(err) != "missing-file-key" || !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("expected InvalidPayload missing-file-key, got %v", err)
	}
}
