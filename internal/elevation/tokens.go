package elevation

import (
	"context"
	"strings"
	"time"

	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/telemetry"
	"github.com/ppiankov/elevator/internal/token"
)

// Decision is the answer to one attempted token use.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	TokenID   string    `json:"token_id"`
	RequestID string    `json:"request_id,omitempty"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// UsesLeft is -1 when the token is bounded by time only.
	UsesLeft  int  `json:"uses_left"`
	Emergency bool `json:"emergency,omitempty"`
}

func (o *Orchestrator) requestForToken(tokenID string) *request {
	id, ok := o.byToken.Load(tokenID)
	if !ok {
		return nil
	}
	r, err := o.lookup(id.(string))
	if err != nil {
		return nil
	}
	return r
}

// ValidateTokenUse checks one attempted use of a token against its scope,
// its lifetime and the target it was issued for. Every call is audited,
// allowed or not. Expired or revoked tokens always fail with
// TokenExpired or TokenRevoked. A token whose last use is spent moves
// its request to Used.
func (o *Orchestrator) ValidateTokenUse(ctx context.Context, tokenID, scope string, usage model.Usage) (Decision, error) {
	ctx, _ = correlationID(ctx)
	scope = strings.ToLower(strings.TrimSpace(scope))
	d := Decision{TokenID: tokenID, Scope: scope, UsesLeft: -1}

	if err := model.FromContext(ctx); err != nil {
		return o.deny(ctx, nil, d, err)
	}
	r := o.requestForToken(tokenID)
	if r == nil {
		return o.deny(ctx, nil, d, model.Errorf(model.KindNotFound, "unknown-token", "token not found"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d.RequestID = r.id
	d.Emergency = r.emergency
	d.ExpiresAt = r.tokenExpiresAt

	// The store checks lifetime and revocation before this callback runs,
	// so a dead token reports as such whatever scope it is presented for.
	t, err := o.tokens.Use(tokenID, func(t token.Token) error {
		if scope != t.Scope {
			return model.Errorf(model.KindForbidden, ReasonScopeMismatch,
				"token was issued for %s, not %s", t.Scope, scope)
		}
		return r.hook.ValidateTokenUse(ctx, tokenID, scope, t.Target, usage)
	})
	if err != nil {
		if model.KindOf(err) == model.KindTokenExpired && r.state == StateTokenIssued {
			next := StateExpired
			if model.ReasonOf(err) == "uses-exhausted" {
				next = StateUsed
			}
			o.transition(ctx, r, []State{StateTokenIssued}, next, "system", model.ReasonOf(err), "")
		}
		return o.deny(ctx, r, d, err)
	}

	d.Allowed = true
	if t.MaxUses > 0 {
		d.UsesLeft = t.MaxUses - t.Uses
	}
	o.useRecord(ctx, r, d, usage)
	if t.Exhausted() {
		o.transition(ctx, r, []State{StateTokenIssued}, StateUsed, r.requester.ID, "", "")
	}
	return d, nil
}

func (o *Orchestrator) deny(ctx context.Context, r *request, d Decision, err error) (Decision, error) {
	d.Allowed = false
	d.Reason = model.ReasonOf(err)
	d.Message = err.Error()
	o.useRecord(ctx, r, d, nil)
	return d, err
}

// useRecord audits one token-use decision. Caller holds r.mu when r is
// not nil.
func (o *Orchestrator) useRecord(ctx context.Context, r *request, d Decision, usage model.Usage) {
	var rec audit.Record
	labels := telemetry.Labels{}
	if r != nil {
		rec = o.record(r, audit.EventTokenUse, r.requester.ID)
		labels = telemetry.Labels{Tenant: r.tenant, Market: r.market}
		if usage != nil && r.hook != nil {
			rec.Backend = r.hook.AuditMetadata(d.TokenID, r.scope, usage)
		}
	} else {
		rec = audit.Record{Event: audit.EventTokenUse, TokenID: d.TokenID, Scope: d.Scope}
	}
	rec.Decision = audit.DecisionDeny
	if d.Allowed {
		rec.Decision = audit.DecisionAllow
	}
	rec.Reason = d.Reason
	rec.Message = d.Message
	if id := correlationFrom(ctx); id != "" && rec.CorrelationID == "" {
		rec.CorrelationID = id
	}
	o.emit(ctx, rec)
	o.cfg.Telemetry.TokenUse(ctx, labels, d.TokenID, d.Allowed, d.Reason)
}

// RevokeToken revokes a token and moves its request to Revoked. Revoking
// an already revoked token succeeds; revoking one whose request already
// ended only marks the token.
func (o *Orchestrator) RevokeToken(ctx context.Context, tokenID, actor, reason string) error {
	ctx, _ = correlationID(ctx)
	if strings.TrimSpace(actor) == "" {
		return model.Errorf(model.KindInvalidPayload, "missing-actor", "revocation requires an actor")
	}
	if _, err := o.tokens.Revoke(tokenID, actor); err != nil {
		return err
	}
	r := o.requestForToken(tokenID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateTokenIssued {
		return nil
	}
	if reason == "" {
		reason = ReasonRevoked
	}
	return o.transition(ctx, r, []State{StateTokenIssued}, StateRevoked, actor, reason, "")
}
