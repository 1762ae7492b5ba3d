package policy

import (
	"time"

	"github.com/ppiankov/elevator/internal/breakglass"
	"github.com/ppiankov/elevator/internal/model"
)

// Limits is the resolved policy for one (tenant, market) pair. A Limits
// value is produced by merging layers and is never modified afterwards;
// treat its maps and slices as read-only.
type Limits struct {
	Tenant string `json:"tenant" yaml:"tenant"`
	Market string `json:"market" yaml:"market"`

	MaxTokenTTL   map[model.Sensitivity]time.Duration  `json:"max_token_ttl" yaml:"max_token_ttl"`
	MinMFA        map[model.Sensitivity]model.MFALevel `json:"min_mfa" yaml:"min_mfa"`
	ApprovalTiers []model.Sensitivity                  `json:"approval_tiers" yaml:"approval_tiers"`
	MinApprovals  int                                  `json:"min_approvals" yaml:"min_approvals"`
	// MaxUses bounds how many times a token may be used. 0 means the
	// token is bounded by time only.
	MaxUses map[model.Sensitivity]int `json:"max_uses" yaml:"max_uses"`

	SensitiveResources []string `json:"sensitive_resources" yaml:"sensitive_resources"`
	ForbiddenResources []string `json:"forbidden_resources" yaml:"forbidden_resources"`

	RequestTimeout time.Duration     `json:"request_timeout" yaml:"request_timeout"`
	DPOScopes      []string          `json:"dpo_scopes" yaml:"dpo_scopes"`
	Regulatory     map[string]string `json:"regulatory" yaml:"regulatory"`

	Emergency breakglass.Limits `json:"emergency" yaml:"emergency"`
}

// TTLFor returns the maximum token TTL for a tier. Unknown tiers get the
// shortest configured TTL.
func (l Limits) TTLFor(s model.Sensitivity) time.Duration {
	if ttl, ok := l.MaxTokenTTL[s]; ok && ttl > 0 {
		return ttl
	}
	var shortest time.Duration
	for _, ttl := range l.MaxTokenTTL {
		if ttl > 0 && (shortest == 0 || ttl < shortest) {
			shortest = ttl
		}
	}
	return shortest
}

// MFAFor returns the minimum MFA level for a tier. Unknown tiers fail
// closed to strong.
func (l Limits) MFAFor(s model.Sensitivity) model.MFALevel {
	if !s.Valid() {
		return model.MFAStrong
	}
	if lvl, ok := l.MinMFA[s]; ok && lvl.Valid() {
		return lvl
	}
	return model.MFANone
}

// ApprovalRequired reports whether the tier is listed as needing approval.
func (l Limits) ApprovalRequired(s model.Sensitivity) bool {
	if !s.Valid() {
		return true
	}
	for _, tier := range l.ApprovalTiers {
		if tier == s {
			return true
		}
	}
	return false
}

// UsesFor returns the maximum token uses for a tier (0 = unbounded by count).
func (l Limits) UsesFor(s model.Sensitivity) int {
	if n, ok := l.MaxUses[s]; ok && n > 0 {
		return n
	}
	return 0
}

// Approvals returns the number of distinct approvals required, at least 1.
func (l Limits) Approvals() int {
	if l.MinApprovals < 1 {
		return 1
	}
	return l.MinApprovals
}

// Forbidden returns the first forbidden pattern matching any value.
func (l Limits) Forbidden(values ...string) (string, bool) {
	return MatchAny(l.ForbiddenResources, values...)
}

// Sensitive returns the first sensitive pattern matching any value.
func (l Limits) Sensitive(values ...string) (string, bool) {
	return MatchAny(l.SensitiveResources, values...)
}

// RequiresDPO reports whether the scope is privacy-sensitive in this market.
func (l Limits) RequiresDPO(scope string) bool {
	_, ok := MatchAny(l.DPOScopes, scope)
	return ok
}
