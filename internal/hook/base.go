package hook

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

// Base carries the derivations shared by every backend. Concrete hooks
// embed it and add their own request, approver and token-use rules.
type Base struct {
	Backend   string
	Catalog   *scope.Catalog
	Policy    PolicySource
	Directory Directory
}

// HookType returns the backend id.
func (b *Base) HookType() string { return b.Backend }

// Scopes lists the backend's catalog.
func (b *Base) Scopes() []scope.Details { return b.Catalog.List() }

// ValidateScope resolves s against the backend's catalog.
func (b *Base) ValidateScope(ctx context.Context, s, tenantID, market string) (scope.Details, error) {
	if err := model.FromContext(ctx); err != nil {
		return scope.Details{}, err
	}
	backend, _, err := scope.Parse(s)
	if err != nil {
		return scope.Details{}, err
	}
	if backend != b.Backend {
		return scope.Details{}, model.Errorf(model.KindInvalidScope, "backend-mismatch",
			"scope %q does not belong to backend %s", s, b.Backend)
	}
	d, err := b.Catalog.Resolve(s)
	if err != nil {
		return scope.Details{}, model.Wrap(model.KindInvalidScope, "unknown-scope", err)
	}
	return d, nil
}

// RequiredMFA is the stronger of the scope default and the policy minimum
// for the scope's tier. It is never weaker than the scope default.
func (b *Base) RequiredMFA(ctx context.Context, s, tenantID, market string) (model.MFALevel, error) {
	d, err := b.ValidateScope(ctx, s, tenantID, market)
	if err != nil {
		return "", err
	}
	limits := b.Policy.ResolvePolicy(tenantID, market)
	return model.StrongerMFA(d.DefaultMFA, limits.MFAFor(d.Sensitivity)), nil
}

// RequiresApproval holds when the scope defaults to approval or policy
// lists its tier as approval-required.
func (b *Base) RequiresApproval(ctx context.Context, s, tenantID, market string) (bool, error) {
	d, err := b.ValidateScope(ctx, s, tenantID, market)
	if err != nil {
		return false, err
	}
	if d.DefaultApproval {
		return true, nil
	}
	return b.Policy.ResolvePolicy(tenantID, market).ApprovalRequired(d.Sensitivity), nil
}

// PolicyLimits returns the merged limits for tenant and market.
func (b *Base) PolicyLimits(ctx context.Context, tenantID, market string) (policy.Limits, error) {
	if err := model.FromContext(ctx); err != nil {
		return policy.Limits{}, err
	}
	return b.Policy.ResolvePolicy(tenantID, market), nil
}

// CheckForbidden rejects values matching the policy's forbidden patterns.
func (b *Base) CheckForbidden(limits policy.Limits, values ...string) error {
	if pattern, ok := limits.Forbidden(values...); ok {
		return model.Errorf(model.KindForbidden, "forbidden-resource",
			"target matches forbidden pattern %q", pattern)
	}
	return nil
}

// Sensitive reports whether any value matches a sensitive pattern.
func (b *Base) Sensitive(limits policy.Limits, values ...string) bool {
	_, ok := limits.Sensitive(values...)
	return ok
}

// Approvers returns active identities holding any of roles, excluding the
// requester, sorted by id. It returns nil when the scope needs no approval.
func (b *Base) Approvers(ctx context.Context, req Request, roles ...string) ([]model.Identity, error) {
	need, err := b.RequiresApproval(ctx, req.Scope, req.Tenant, req.Market)
	if err != nil || !need {
		return nil, err
	}
	if b.Directory == nil {
		return nil, fmt.Errorf("%s hook has no identity directory", b.Backend)
	}

	seen := make(map[string]bool)
	var out []model.Identity
	for _, role := range roles {
		ids, err := b.Directory.ListByRole(ctx, req.Tenant, role)
		if err != nil {
			if ctxErr := model.FromContext(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("list %s approvers: %w", role, err)
		}
		for _, id := range ids {
			if seen[id.ID] || !id.Active() || strings.EqualFold(id.ID, req.Requester.ID) {
				continue
			}
			seen[id.ID] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Metadata returns the audit fields every backend reports.
func (b *Base) Metadata(tokenID, s string) map[string]any {
	m := map[string]any{"backend": b.Backend}
	if tokenID != "" {
		m["token_id"] = tokenID
	}
	if _, op, err := scope.Parse(s); err == nil {
		m["operation"] = op
	}
	return m
}

// Operation returns the operation half of s, or "".
func Operation(s string) string {
	_, op, err := scope.Parse(s)
	if err != nil {
		return ""
	}
	return op
}

// Require returns InvalidPayload with reason "missing-<key>" if target
// lacks any of keys.
func Require(target model.Resource, keys ...string) error {
	for _, k := range keys {
		if !target.Has(k) {
			return model.Errorf(model.KindInvalidPayload, "missing-"+strings.ReplaceAll(k, "_", "-"),
				"target resource requires %q", k)
		}
	}
	return nil
}
