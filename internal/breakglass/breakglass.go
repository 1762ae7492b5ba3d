// Package breakglass holds the rules for emergency elevation: approval is
// skipped, MFA never is, tokens are short-lived and single-use, and every
// issuance carries a post-hoc justification obligation.
package breakglass

import (
	"strings"
	"time"

	"github.com/ppiankov/elevator/internal/model"
)

const (
	// DefaultDuration is the emergency token TTL cap when policy sets none.
	DefaultDuration = 10 * time.Minute
	// MaxDuration is the hard ceiling for any emergency token TTL cap.
	MaxDuration = 1 * time.Hour
)

// Limits are the emergency allowances resolved from policy.
type Limits struct {
	Allowed bool           `yaml:"allowed" json:"allowed"`
	TTLCap  time.Duration  `yaml:"ttl_cap" json:"ttl_cap"`
	MinMFA  model.MFALevel `yaml:"min_mfa" json:"min_mfa"`
}

// DefaultLimits returns emergency limits used when policy is silent.
func DefaultLimits() Limits {
	return Limits{
		Allowed: true,
		TTLCap:  DefaultDuration,
		MinMFA:  model.MFAStrong,
	}
}

// Cap returns the effective TTL cap, clamped to (0, MaxDuration].
func (l Limits) Cap() time.Duration {
	switch {
	case l.TTLCap <= 0:
		return DefaultDuration
	case l.TTLCap > MaxDuration:
		return MaxDuration
	default:
		return l.TTLCap
	}
}

// Obligation marks an emergency issuance that compliance must close out
// with a justification after the fact. Nothing here enforces closure.
type Obligation struct {
	RequiresPostHocJustification bool   `json:"requires_post_hoc_justification"`
	InitialJustification         string `json:"initial_justification"`
}

// Terms are the adjustments applied to one emergency elevation.
type Terms struct {
	MFA        model.MFALevel
	TTL        time.Duration
	MaxUses    int
	Obligation Obligation
}

// Apply computes emergency terms from the policy limits, the MFA level the
// hook would require without the emergency flag, and the standard policy
// TTL for the scope. The returned TTL is always strictly shorter than a
// positive standardTTL, and MFA is never weaker than strong.
func Apply(l Limits, justification string, hookMFA model.MFALevel, standardTTL time.Duration) (Terms, error) {
	if !l.Allowed {
		return Terms{}, model.Errorf(model.KindForbidden, "emergency-disabled",
			"emergency elevation is disabled by policy")
	}
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return Terms{}, model.Errorf(model.KindInvalidPayload, "justification-required",
			"emergency elevation requires a justification")
	}

	mfa := model.StrongerMFA(hookMFA, l.MinMFA)
	mfa = model.StrongerMFA(mfa, model.MFAStrong)

	ttl := l.Cap()
	if standardTTL > 0 && ttl >= standardTTL {
		ttl = standardTTL / 2
	}

	return Terms{
		MFA:     mfa,
		TTL:     ttl,
		MaxUses: 1,
		Obligation: Obligation{
			RequiresPostHocJustification: true,
			InitialJustification:         justification,
		},
	}, nil
}
