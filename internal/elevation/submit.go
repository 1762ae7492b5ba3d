package elevation

import (
	"context"
	"strings"
	"time"

	"github.com/ppiankov/elevator/internal/approval"
	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/breakglass"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/notify"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/telemetry"
	"github.com/ppiankov/elevator/internal/token"
	"github.com/ppiankov/elevator/internal/tracer"
)

// Submit opens a request and drives it as far as it can go without an
// outside actor: to MFAPending, ApprovalPending, TokenIssued or a
// terminal failure. A rejected request is returned together with the
// typed error that rejected it.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (View, error) {
	ctx, corr := correlationID(ctx)
	requester := strings.TrimSpace(in.Requester)
	if requester == "" {
		return View{}, model.Errorf(model.KindInvalidPayload, ReasonMissingRequester, "requester is required")
	}
	if !o.allow(requester) {
		return View{}, model.Errorf(model.KindRateLimited, ReasonRateLimited,
			"too many requests from %s", requester)
	}

	now := o.now()
	r := &request{
		id:            tracer.NewRequestID(),
		requester:     model.Identity{ID: requester},
		tenant:        strings.TrimSpace(in.Tenant),
		market:        policy.NormalizeMarket(in.Market),
		scope:         strings.ToLower(strings.TrimSpace(in.Scope)),
		justification: strings.TrimSpace(in.Justification),
		target:        in.Target.Clone(),
		emergency:     in.Emergency,
		oneTime:       in.OneTime,
		requestedTTL:  in.TTL,
		correlationID: corr,
		createdAt:     now,
		deadline:      now.Add(DefaultRequestTimeout),
		state:         StateRequested,
		changed:       make(chan struct{}),
	}
	o.requests.Store(r.id, r)
	o.cfg.Telemetry.RequestSubmitted(ctx, telemetry.Labels{Tenant: r.tenant, Market: r.market},
		r.id, r.scope, backendOf(r.scope), r.emergency)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := o.validate(ctx, r); err != nil {
		return r.view(), o.fail(ctx, r, requester, err)
	}
	if err := o.transition(ctx, r, []State{StateRequested}, StateValidated, requester, "", ""); err != nil {
		return r.view(), err
	}

	if r.mfa != model.MFANone {
		if err := o.challenge(ctx, r); err != nil {
			return r.view(), o.fail(ctx, r, requester, err)
		}
		return r.view(), nil
	}
	err := o.advance(ctx, r, StateValidated)
	return r.view(), err
}

func backendOf(s string) string {
	if i := strings.Index(s, ":"); i > 0 {
		return s[:i]
	}
	return ""
}

// validate resolves the requester, the scope and its hook, the policy in
// force and the request payload, then fixes MFA, approval, TTL and use
// count for the request. Caller holds r.mu.
func (o *Orchestrator) validate(ctx context.Context, r *request) error {
	// Scope first: an unknown backend or scope is reported as such before
	// the identity provider is consulted.
	details, err := o.cfg.Registry.ValidateScope(ctx, r.scope, r.tenant, r.market)
	if err != nil {
		return err
	}
	h, err := o.cfg.Registry.Lookup(r.scope)
	if err != nil {
		return err
	}

	var who model.Identity
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		who, err = o.cfg.Identities.ResolveIdentity(ctx, r.requester.ID)
		return err
	})
	switch {
	case model.KindOf(err) == model.KindNotFound:
		return model.Errorf(model.KindForbidden, ReasonUnknownRequester, "requester %q is not known", r.requester.ID)
	case err != nil:
		return err
	case !who.Active():
		return model.Errorf(model.KindForbidden, ReasonInactiveRequester, "requester %q is not active", r.requester.ID)
	}
	r.requester = who
	if r.tenant == "" {
		r.tenant = who.Tenant
	}

	r.details, r.hook = details, h

	if r.limits, err = h.PolicyLimits(ctx, r.tenant, r.market); err != nil {
		return err
	}
	if r.limits.RequestTimeout > 0 {
		r.deadline = r.createdAt.Add(r.limits.RequestTimeout)
	}
	if err := h.ValidateRequest(ctx, r.hookRequest()); err != nil {
		return err
	}

	if r.mfa, err = h.RequiredMFA(ctx, r.scope, r.tenant, r.market); err != nil {
		return err
	}
	if r.approval, err = h.RequiresApproval(ctx, r.scope, r.tenant, r.market); err != nil {
		return err
	}

	ttl, uses, terms, err := r.lifetime(r.limits)
	if err != nil {
		return err
	}
	r.ttl, r.maxUses = ttl, uses
	if terms != nil {
		r.terms = terms
		r.mfa = terms.MFA
		r.approval = false
	}
	return nil
}

// lifetime computes the token TTL and use bound r would get under limits.
// A maxUses of 0 means the token is bounded by time only.
func (r *request) lifetime(limits policy.Limits) (time.Duration, int, *breakglass.Terms, error) {
	ttl := limits.TTLFor(r.details.Sensitivity)
	uses := limits.UsesFor(r.details.Sensitivity)
	var terms *breakglass.Terms
	if r.emergency {
		t, err := breakglass.Apply(limits.Emergency, r.justification, r.mfa, ttl)
		if err != nil {
			return 0, 0, nil, err
		}
		terms = &t
		ttl, uses = t.TTL, t.MaxUses
	}
	if r.requestedTTL > 0 && r.requestedTTL < ttl {
		ttl = r.requestedTTL
	}
	if r.oneTime {
		uses = 1
	}
	if ttl <= 0 {
		return 0, 0, nil, model.Errorf(model.KindInvalidPayload, "invalid-ttl",
			"no token lifetime is configured for %s", r.scope)
	}
	return ttl, uses, terms, nil
}

// fewerUses returns the tighter of two use bounds, where 0 is unbounded.
func fewerUses(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0 || a < b:
		return a
	default:
		return b
	}
}

// challenge asks the MFA service to challenge the requester and parks
// the request in MFAPending. Caller holds r.mu.
func (o *Orchestrator) challenge(ctx context.Context, r *request) error {
	var id string
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = o.cfg.MFA.IssueChallenge(ctx, r.requester, r.mfa)
		return err
	})
	if err != nil {
		return err
	}
	r.challengeID = id
	r.challengedAt = o.now()
	r.mfaAttempts = 0
	return o.transition(ctx, r, []State{StateValidated}, StateMFAPending, r.requester.ID, "", "")
}

// advance moves a request that has cleared MFA (or never needed it) on
// to approval or issuance. Caller holds r.mu.
func (o *Orchestrator) advance(ctx context.Context, r *request, from State) error {
	actor := r.requester.ID
	switch {
	case r.emergency:
		if err := o.transition(ctx, r, []State{from}, StateEmergencyApproved, actor, "emergency", ""); err != nil {
			return err
		}
		if err := o.issue(ctx, r, actor); err != nil {
			return err
		}
		o.notify(ctx, r, notify.EventEmergencyIssued, nil)
		return nil

	case r.approval:
		var approvers []model.Identity
		err := o.call(ctx, func(ctx context.Context) error {
			var err error
			approvers, err = r.hook.SelectApprovers(ctx, r.hookRequest())
			return err
		})
		if err != nil {
			return o.fail(ctx, r, actor, err)
		}
		ledger := approval.NewLedger(r.requester.ID, model.IdentityIDs(approvers), r.limits.Approvals())
		if !ledger.Satisfiable() {
			return o.fail(ctx, r, actor, model.Errorf(model.KindForbidden, ReasonInsufficientQuorum,
				"%d eligible approver(s), %d required", len(approvers), ledger.Quorum()))
		}
		r.approvers, r.ledger, r.approvalAt = approvers, ledger, o.now()
		if err := o.transition(ctx, r, []State{from}, StateApprovalPending, actor, "", ""); err != nil {
			return err
		}
		o.notify(ctx, r, notify.EventApprovalRequested, approvers)
		return nil

	default:
		if err := o.transition(ctx, r, []State{from}, StateApproved, actor, "", ""); err != nil {
			return err
		}
		return o.issue(ctx, r, actor)
	}
}

// issue mints the token for an Approved or EmergencyApproved request.
// Caller holds r.mu.
func (o *Orchestrator) issue(ctx context.Context, r *request, actor string) error {
	if r.state != StateApproved && r.state != StateEmergencyApproved {
		return model.Errorf(model.KindInvalidTransition, "invalid-transition",
			"request %s is %s, tokens are only issued once approved", r.id, r.state)
	}

	// The policy may have been reloaded since submission; the token never
	// outlives the limits in force now.
	limits, err := r.hook.PolicyLimits(ctx, r.tenant, r.market)
	if err != nil {
		return o.fail(ctx, r, actor, err)
	}
	ttl, uses, _, err := r.lifetime(limits)
	if err != nil {
		return o.fail(ctx, r, actor, err)
	}
	if ttl < r.ttl {
		r.ttl = ttl
	}
	r.maxUses = fewerUses(r.maxUses, uses)

	t, err := o.tokens.Issue(token.Grant{
		RequestID: r.id,
		Scope:     r.scope,
		Tenant:    r.tenant,
		Market:    r.market,
		Requester: r.requester.ID,
		Target:    r.target,
		Emergency: r.emergency,
		TTL:       r.ttl,
		MaxUses:   r.maxUses,
	})
	if err != nil {
		return o.fail(ctx, r, actor, err)
	}
	r.tokenID, r.tokenExpiresAt = t.ID, t.ExpiresAt
	o.byToken.Store(t.ID, r.id)
	if err := o.transition(ctx, r, []State{r.state}, StateTokenIssued, actor, "", ""); err != nil {
		return err
	}
	o.cfg.Telemetry.TokenIssued(ctx, telemetry.Labels{Tenant: r.tenant, Market: r.market}, t.ID, r.ttl, r.emergency)
	return nil
}

// notify tells approvers or operators about r. Delivery runs in the
// background under NotifyTimeout and never holds r.mu; failures are
// logged and the request stays queryable through Status and List.
func (o *Orchestrator) notify(ctx context.Context, r *request, event string, approvers []model.Identity) {
	if o.cfg.Notifier == nil {
		return
	}
	n := notify.Notice{
		Timestamp:     o.now().Format(audit.TimestampFormat),
		Type:          event,
		RequestID:     r.id,
		Scope:         r.scope,
		Sensitivity:   string(r.details.Sensitivity),
		Tenant:        r.tenant,
		Market:        r.market,
		Requester:     r.requester.ID,
		Justification: r.justification,
		Target:        r.target.Clone(),
		Emergency:     r.emergency,
		Reason:        r.reason,
	}
	if r.ledger != nil {
		n.Quorum = r.ledger.Quorum()
	}
	id, correlationID := r.id, r.correlationID
	approvers = append([]model.Identity(nil), approvers...)
	o.notices.Go(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
		defer cancel()
		if err := o.cfg.Notifier.Notify(ctx, approvers, n); err != nil {
			o.logger.Warn("notification failed",
				"request_id", id, "event", event, "error", err, "correlation_id", correlationID)
		}
	})
}
