// Package github implements elevation for the source control backend.
package github

import (
	"context"
	"strings"

	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

// Backend is the scope prefix owned by this hook.
const Backend = "github"

// Target attributes understood by the github hook.
const (
	KeyRepo   = "repo"
	KeyBranch = "branch"
	KeyForce  = "force"
	KeySecret = "secret"
)

var ops = []scope.Op{
	{Name: "read", Sensitivity: model.SensLow, Description: "read private repository contents"},
	{Name: "write", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "push commits to a branch"},
	{Name: "merge", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "merge a pull request"},
	{Name: "admin", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "change repository settings and protections"},
	{Name: "secrets", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "read or rotate repository secrets"},
	{Name: "delete", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "delete branches or repositories"},
}

// ProtectedBranches are never targeted by write, admin or delete.
var ProtectedBranches = []string{"main", "master", "release/*"}

// Hook is the github backend.
type Hook struct {
	hook.Base
}

// New returns a github hook.
func New(res hook.PolicySource, dir hook.Directory) *Hook {
	return &Hook{Base: hook.Base{
		Backend:   Backend,
		Catalog:   scope.MustCatalog(Backend, ops),
		Policy:    res,
		Directory: dir,
	}}
}

// ValidateRequest checks the repository reference, refuses force pushes
// and keeps mutating operations off protected branches.
func (h *Hook) ValidateRequest(ctx context.Context, req hook.Request) error {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return err
	}
	t := req.Target
	if err := hook.Require(t, KeyRepo); err != nil {
		return err
	}
	if !validRepo(t.Get(KeyRepo)) {
		return model.Errorf(model.KindInvalidPayload, "invalid-repo",
			"repo %q must have the form owner/name", t.Get(KeyRepo))
	}

	op := hook.Operation(req.Scope)
	if op == "secrets" {
		if err := hook.Require(t, KeySecret); err != nil {
			return err
		}
	}
	if t.Bool(KeyForce) {
		return model.Errorf(model.KindForbidden, "force-push", "force pushes are never elevated")
	}
	switch op {
	case "write", "admin", "delete":
		if branch := t.Get(KeyBranch); branch != "" && protectedBranch(limits, branch) {
			return model.Errorf(model.KindForbidden, "protected-branch",
				"branch %q is protected", branch)
		}
	}
	return h.CheckForbidden(limits, t.Values(KeyRepo, KeyBranch)...)
}

// SelectApprovers routes secrets to security, repository administration to
// repo admins and everything else to maintainers.
func (h *Hook) SelectApprovers(ctx context.Context, req hook.Request) ([]model.Identity, error) {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return nil, err
	}
	var roles []string
	switch hook.Operation(req.Scope) {
	case "secrets":
		roles = []string{"security"}
	case "admin", "delete":
		roles = []string{"repo-admin"}
	default:
		roles = []string{"maintainer"}
	}
	if h.Sensitive(limits, req.Target.Values(KeyRepo, KeyBranch)...) && roles[0] != "security" {
		roles = append(roles, "security")
	}
	return h.Approvers(ctx, req, roles...)
}

// ValidateTokenUse requires the granted repository, the granted branch
// when one was named, and no force push.
func (h *Hook) ValidateTokenUse(ctx context.Context, tokenID, s string, granted model.Resource, usage model.Usage) error {
	if err := model.FromContext(ctx); err != nil {
		return err
	}
	if err := hook.RequireUsage(usage, KeyRepo); err != nil {
		return err
	}
	if err := hook.SameValue(KeyRepo, granted, usage); err != nil {
		return err
	}
	if err := hook.SameValue(KeyBranch, granted, usage); err != nil {
		return err
	}
	if err := hook.SameValue(KeySecret, granted, usage); err != nil {
		return err
	}
	if usage.Bool(KeyForce) {
		return model.Errorf(model.KindForbidden, "force-push", "force pushes are never elevated")
	}
	return nil
}

// AuditMetadata reports the repository and branch.
func (h *Hook) AuditMetadata(tokenID, s string, target model.Resource) map[string]any {
	m := h.Metadata(tokenID, s)
	for _, k := range []string{KeyRepo, KeyBranch, KeySecret} {
		if v := target.Get(k); v != "" {
			m[k] = v
		}
	}
	return m
}

func validRepo(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/") && !strings.ContainsAny(repo, " \t")
}

func protectedBranch(limits policy.Limits, branch string) bool {
	branch = strings.TrimPrefix(branch, "refs/heads/")
	if _, ok := policy.MatchAny(ProtectedBranches, branch); ok {
		return true
	}
	_, ok := limits.Sensitive(branch)
	return ok
}
