package github

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
		"maintainer": {{ID: "m1"}},
		"repo-admin": {{ID: "ra1"}, {ID: "ra2"}},
		"security":   {{ID: "sec1"}},
	})
}

func request(s string, target model.Resource) hook.Request {
	return hook.Request{
		Requester: model.Identity{ID: "dev"},
		Tenant:    "T1",
		Market:    "default",
		Scope:     s,
		Target:    target,
	}
}

func TestAdminOnProtectedBranchForbidden(t *testing.T) {
	h := newHook()
	err := h.ValidateRequest(context.Background(), request("github:admin", model.Resource{"repo": "acme/api", "branch": "main"}))
	if model.KindOf(err) != model.KindForbidden || model.ReasonOf(err) != "protected-branch" {
		t.Errorf("expected forbidden protected-branch, got %v", err)
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
		{"missing repo", "github:write", model.Resource{}, model.KindInvalidPayload, "missing-repo"},
		{"bad repo", "github:write", model.Resource{"repo": "acme"}, model.KindInvalidPayload, "invalid-repo"},
		{"nested repo", "github:write", model.Resource{"repo": "acme/api/x"}, model.KindInvalidPayload, "invalid-repo"},
		{"force push", "github:write", model.Resource{"repo": "acme/api", "branch": "feature", "force": "true"}, model.KindForbidden, "force-push"},
		{"release branch", "github:delete", model.Resource{"repo": "acme/api", "branch": "release/1.2"}, model.KindForbidden, "protected-branch"},
		{"refs prefix", "github:write", model.Resource{"repo": "acme/api", "branch": "refs/heads/master"}, model.KindForbidden, "protected-branch"},
		{"sensitive branch", "github:write", model.Resource{"repo": "acme/api", "branch": "deploy-prod"}, model.KindForbidden, "protected-branch"},
		{"secrets needs name", "github:secrets", model.Resource{"repo": "acme/api"}, model.KindInvalidPayload, "missing-secret"},
		{"merge into main", "github:merge", model.Resource{"repo": "acme/api", "branch": "main"}, "", ""},
		{"feature write", "github:write", model.Resource{"repo": "acme/api", "branch": "feature/x"}, "", ""},
	}
	for _, c := range cases {
		err := h.ValidateRequest(context.Background(), request(c.scope, c.target))
		if got := model.KindOf(err); got != c.kind {
			t.Errorf("%s: expected kind %q, got %q (%v)", c.name, c.kind, got, err)
			continue
		}
		if c.reason != "" && model.ReasonOf(err) != c.reason {
			t.Errorf("%s: expected reason %q, got %q", c.name, c.reason, model.ReasonOf(err))
		}
	}
}

func TestSelectApproversByOperation(t *testing.T) {
	h := newHook()
	ctx := context.Background()

	got, _ := h.SelectApprovers(ctx, request("github:secrets", model.Resource{"repo": "acme/api", "secret": "NPM_TOKEN"}))
	if ids := model.IdentityIDs(got); len(ids) != 1 || ids[0] != "sec1" {
		t.Errorf("expected security approver for secrets, got %v", ids)
	}

	got, _ = h.SelectApprovers(ctx, request("github:admin", model.Resource{"repo": "acme/api"}))
	if ids := model.IdentityIDs(got); len(ids) != 2 || ids[0] != "ra1" {
		t.Errorf("expected repo admins, got %v", ids)
	}

	got, _ = h.SelectApprovers(ctx, request("github:write", model.Resource{"repo": "acme/api"}))
	if len(got) != 0 {
		t.Errorf("expected no approvers for github:write, got %v", got)
	}
}

func TestValidateTokenUse(t *testing.T) {
	h := newHook()
	ctx := context.Background()
	granted := model.Resource{"repo": "acme/api", "branch": "feature/x"}

	if err := h.ValidateTokenUse(ctx, "etk-1", "github:write", granted, model.Usage{"repo": "ACME/api", "branch": "feature/x"}); err != nil {
		t.Errorf("expected matching use to pass, got %v", err)
	}

	cases := []struct {
		name   string
		usage  model.Usage
		kind   model.ErrorKind
		reason string
	}{
		{"no repo", model.Usage{"branch": "feature/x"}, model.KindInvalidMetadata, "missing-repo"},
		{"no branch", model.Usage{"repo": "acme/api"}, model.KindInvalidMetadata, "missing-branch"},
		{"other repo", model.Usage{"repo": "acme/web", "branch": "feature/x"}, model.KindForbidden, "resource-mismatch"},
		{"other branch", model.Usage{"repo": "acme/api", "branch": "main"}, model.KindForbidden, "resource-mismatch"},
		{"force", model.Usage{"repo": "acme/api", "branch": "feature/x", "force": "true"}, model.KindForbidden, "force-push"},
	}
	for _, c := range cases {
		err := h.ValidateTokenUse(ctx, "etk-1", "github:write", granted, c.usage)
		if model.KindOf(err) != c.kind || model.ReasonOf(err) != c.reason {
			t.Errorf("%s: expected %s/%s, got %v", c.name, c.kind, c.reason, err)
		}
	}

	// No branch granted: any branch of the repository is in bounds.
	repoOnly := model.Resource{"repo": "acme/api"}
	if err := h.ValidateTokenUse(ctx, "etk-1", "github:read", repoOnly, model.Usage{"repo": "acme/api", "branch": "dev"}); err != nil {
		t.Errorf("expected repo-wide grant to pass, got %v", err)
	}
}
