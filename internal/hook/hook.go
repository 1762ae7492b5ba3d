// Package hook defines the contract every integrated backend implements
// and the registry that dispatches scopes to their owning backend.
package hook

import (
	"context"
	"time"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

// Request is the view of an elevation request that hooks evaluate.
type Request struct {
	ID            string
	Requester     model.Identity
	Tenant        string
	Market        string
	Scope         string
	Justification string
	Target        model.Resource
	Emergency     bool
	TTL           time.Duration
}

// Hook is the elevation decision contract implemented once per backend.
// Every method that takes a context returns a Cancelled or Timeout error
// when the context has ended.
type Hook interface {
	HookType() string
	ValidateScope(ctx context.Context, scope, tenantID, market string) (scope.Details, error)
	RequiredMFA(ctx context.Context, scope, tenantID, market string) (model.MFALevel, error)
	RequiresApproval(ctx context.Context, scope, tenantID, market string) (bool, error)

	// ValidateRequest rejects malformed targets with InvalidPayload and
	// policy-prohibited ones with Forbidden, each with a stable reason.
	ValidateRequest(ctx context.Context, req Request) error

	// SelectApprovers returns the identities eligible to approve req. It
	// never includes the requester and is empty when no approval is needed.
	SelectApprovers(ctx context.Context, req Request) ([]model.Identity, error)

	// ValidateTokenUse checks that usage stays within granted, the target
	// the token was issued for.
	ValidateTokenUse(ctx context.Context, tokenID, scope string, granted model.Resource, usage model.Usage) error

	PolicyLimits(ctx context.Context, tenantID, market string) (policy.Limits, error)
	AuditMetadata(tokenID, scope string, target model.Resource) map[string]any
}

// Directory lists identities by role. Hooks use it to pick approvers.
type Directory interface {
	ListByRole(ctx context.Context, tenantID, role string) ([]model.Identity, error)
}

// PolicySource resolves merged limits for a tenant and market.
type PolicySource interface {
	ResolvePolicy(tenantID, market string) policy.Limits
}
