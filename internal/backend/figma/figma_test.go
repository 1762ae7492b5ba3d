package figma

import (
	"context"
	"testing"

	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
)

type staticDir map[string][]model.Identity

func (d staticDir) ListByRole(ctx context.Context, tenantID, role string) ([]model.Identity, error) {
	return d[role], nil
}

func newHook() *Hook {
	return New(policy.NewResolver(policy.DefaultConfig(), ""), staticDir{
		"design-lead": {{ID: "lead1"}},
		"security":    {{ID: "sec1"}},
	}, nil)
}

func request(s, market string, target model.Resource) hook.Request {
	return hook.Request{
		Requester: model.Identity{ID: "designer"},
		Tenant:    "T1",
		Market:    market,
		Scope:     s,
		Target:    target,
	}
}

func TestExportMFAByMarket(t *testing.T) {
	h := newHook()
	ctx := context.Background()
	lvl, _ := h.RequiredMFA(ctx, "figma:export", "T1", "default")
	if lvl != model.MFABasic {
		t.Errorf("expected basic MFA by default, got %s", lvl)
	}
	lvl, _ = h.RequiredMFA(ctx, "figma:export", "T1", "EU")
	if lvl != model.MFAStrong {
		t.Errorf("expected strong MFA in eu, got %s", lvl)
	}
	lvl, _ = h.RequiredMFA(ctx, "figma:comment", "T1", "eu")
	if lvl != model.MFANone {
		t.Errorf("expected no MFA for comment, got %s", lvl)
	}
}

func TestValidateRequestRules(t *testing.T) {
	h := newHook()
	cases := []struct {
		name   string
		scope  string
		target model.Resource
		kind   model.ErrorKind
		reason string
	}{
		{"missing key", "figma:edit", model.Resource{}, model.KindInvalidPayload, "missing-file-key"},
		{"bad format", "figma:export", model.Resource{"file_key": "abc", "format": "psd"}, model.KindInvalidPayload, "unsupported-format"},
		{"protected edit", "figma:edit", model.Resource{"file_key": "abc", "library": "Acme Design-System"}, model.KindForbidden, "protected-library"},
		{"protected publish", "figma:publish", model.Resource{"file_key": "abc", "library": "brand-assets"}, model.KindForbidden, "protected-library"},
		{"protected read", "figma:read", model.Resource{"file_key": "abc", "library": "brand-assets"}, "", ""},
		{"export svg", "figma:export", model.Resource{"file_key": "abc", "format": ".SVG"}, "", ""},
	}
	for _, c := range cases {
		err := h.ValidateRequest(context.Background(), request(c.scope, "default", c.target))
		if got := model.KindOf(err); got != c.kind {
			t.Errorf("%s: expected kind %q, got %q (%v)", c.name, c.kind, got, err)
			continue
		}
		if c.reason != "" && model.ReasonOf(err) != c.reason {
			t.Errorf("%s: expected reason %q, got %q", c.name, c.reason, model.ReasonOf(err))
		}
	}
}

func TestCustomProtectedLibraries(t *testing.T) {
	h := New(policy.NewResolver(policy.DefaultConfig(), ""), nil, []string{"core-*"})
	err := h.ValidateRequest(context.Background(), request("figma:edit", "default", model.Resource{"file_key": "k", "library": "core-icons"}))
	if model.ReasonOf(err) != "protected-library" {
		t.Errorf("expected protected-library, got %v", err)
	}
	err = h.ValidateRequest(context.Background(), request("figma:edit", "default", model.Resource{"file_key": "k", "library": "brand"}))
	if err != nil {
		t.Errorf("expected custom list to replace defaults, got %v", err)
	}
}

func TestPublishApprovers(t *testing.T) {
	h := newHook()
	got, err := h.SelectApprovers(context.Background(), request("figma:publish", "default", model.Resource{"file_key": "abc"}))
	if err != nil {
		t.Fatal(err)
	}
	if ids := model.IdentityIDs(got); len(ids) != 1 || ids[0] != "lead1" {
		t.Errorf("expected design lead, got %v", ids)
	}
	got, _ = h.SelectApprovers(context.Background(), request("figma:publish", "default", model.Resource{"file_key": "secret-roadmap"}))
	if ids := model.IdentityIDs(got); len(ids) != 2 {
		t.Errorf("expected security for sensitive file, got %v", ids)
	}
}

func TestValidateTokenUse(t *testing.T) {
	h := newHook()
	ctx := context.Background()
	granted := model.Resource{"file_key": "abc", "format": "png"}

	if err := h.ValidateTokenUse(ctx, "etk-1", "figma:export", granted, model.Usage{"file_key": "abc", "format": "pdf"}); err != nil {
		t.Errorf("expected rendering export to pass, got %v", err)
	}

	cases := []struct {
		name   string
		usage  model.Usage
		kind   model.ErrorKind
		reason string
	}{
		{"no key", model.Usage{"format": "png"}, model.KindInvalidMetadata, "missing-file-key"},
		{"other file", model.Usage{"file_key": "xyz"}, model.KindForbidden, "resource-mismatch"},
		{"source export", model.Usage{"file_key": "abc", "format": ".fig"}, model.KindForbidden, "format-widening"},
		{"unknown format", model.Usage{"file_key": "abc", "format": "exe"}, model.KindInvalidMetadata, "unsupported-format"},
	}
	for _, c := range cases {
		err := h.ValidateTokenUse(ctx, "etk-1", "figma:export", granted, c.usage)
		if model.KindOf(err) != c.kind || model.ReasonOf(err) != c.reason {
			t.Errorf("%s: expected %s/%s, got %v", c.name, c.kind, c.reason, err)
		}
	}

	source := model.Resource{"file_key": "abc", "format": "fig"}
	if err := h.ValidateTokenUse(ctx, "etk-1", "figma:export", source, model.Usage{"file_key": "abc", "format": "fig"}); err != nil {
		t.Errorf("expected granted source export to pass, got %v", err)
	}
}
