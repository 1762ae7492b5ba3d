// Package elevation runs the request state machine: validation, MFA,
// approval, token issuance, token use, revocation and expiry.
package elevation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/mfa"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/notify"
	"github.com/ppiankov/elevator/internal/retry"
	"github.com/ppiankov/elevator/internal/telemetry"
	"github.com/ppiankov/elevator/internal/token"
	"github.com/ppiankov/elevator/internal/tracer"
)

// Reason codes set by the orchestrator itself. Hook and collaborator
// reasons pass through unchanged.
const (
	ReasonCollaborator        = "collaborator-unavailable"
	ReasonCancelled           = "cancelled"
	ReasonTimeout             = "timeout"
	ReasonMFAFailed           = "mfa-failed"
	ReasonMFAMismatch         = "mfa-mismatch"
	ReasonApprovalRejected    = "approval-rejected"
	ReasonInsufficientQuorum  = "insufficient-approvers"
	ReasonUnknownRequester    = "unknown-requester"
	ReasonInactiveRequester   = "inactive-requester"
	ReasonInactiveApprover    = "inactive-approver"
	ReasonMissingRequester    = "missing-requester"
	ReasonScopeMismatch       = "scope-mismatch"
	ReasonTokenExpired        = "token-expired"
	ReasonRevoked             = "revoked"
	ReasonRateLimited         = "rate-limited"
	ReasonNotAwaitingMFA      = "not-awaiting-mfa"
	ReasonNotAwaitingApproval = "not-awaiting-approval"
)

// Defaults.
const (
	DefaultCallTimeout    = 10 * time.Second
	DefaultNotifyTimeout  = 30 * time.Second
	DefaultRequestTimeout = 15 * time.Minute
	DefaultMaxMFAAttempts = 3
	DefaultRetention      = 24 * time.Hour
	DefaultSweepInterval  = 30 * time.Second
)

// Config wires the orchestrator to its collaborators. Registry,
// Identities, MFA and Audit are required.
type Config struct {
	Registry   *hook.Registry
	Identities identity.Provider
	MFA        mfa.Service
	Audit      audit.Sink
	Notifier   notify.Channel      // optional
	Tokens     *token.Store        // optional; a fresh store by default
	Telemetry  *telemetry.Recorder // optional

	Retry          retry.Policy
	CallTimeout    time.Duration // per collaborator attempt
	NotifyTimeout  time.Duration // bounds one delivery, retries included
	MaxMFAAttempts int
	Retention      time.Duration // how long settled requests stay queryable

	// SubmitRate and SubmitBurst throttle submissions per requester.
	// A zero rate disables throttling.
	SubmitRate  rate.Limit
	SubmitBurst int

	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator owns the request table. Each request has its own lock;
// there is no lock across requests.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	tokens   *token.Store
	requests sync.Map // id -> *request
	byToken  sync.Map // token id -> request id
	notices  sync.WaitGroup

	limMu    sync.Mutex
	limiters map[string]*limiter
}

type limiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// New validates cfg and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("elevation: hook registry is required")
	case cfg.Identities == nil:
		return nil, errors.New("elevation: identity provider is required")
	case cfg.MFA == nil:
		return nil, errors.New("elevation: mfa service is required")
	case cfg.Audit == nil:
		return nil, errors.New("elevation: audit sink is required")
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.MaxMFAAttempts <= 0 {
		cfg.MaxMFAAttempts = DefaultMaxMFAAttempts
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SubmitRate > 0 && cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = token.NewStore().WithClock(cfg.Now)
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   cfg.Logger,
		tokens:   tokens,
		limiters: make(map[string]*limiter),
	}, nil
}

func (o *Orchestrator) now() time.Time { return o.cfg.Now().UTC() }

// Tokens exposes the token store.
func (o *Orchestrator) Tokens() *token.Store { return o.tokens }

func (o *Orchestrator) allow(requester string) bool {
	if o.cfg.SubmitRate <= 0 {
		return true
	}
	key := strings.ToLower(requester)
	o.limMu.Lock()
	defer o.limMu.Unlock()
	l, ok := o.limiters[key]
	if !ok {
		l = &limiter{lim: rate.NewLimiter(o.cfg.SubmitRate, o.cfg.SubmitBurst)}
		o.limiters[key] = l
	}
	l.seen = o.now()
	return l.lim.Allow()
}

func (o *Orchestrator) pruneLimiters(cutoff time.Time) {
	o.limMu.Lock()
	defer o.limMu.Unlock()
	for k, l := range o.limiters {
		if l.seen.Before(cutoff) {
			delete(o.limiters, k)
		}
	}
}

// call runs a collaborator operation with a per-attempt deadline and
// bounded retry. Only transient failures and attempt timeouts are
// retried. Exhaustion becomes TransientCollaboratorFailure; an ended
// caller context becomes Cancelled or Timeout.
func (o *Orchestrator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		err := fn(actx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		switch model.KindOf(err) {
		case model.KindTransient, model.KindTimeout:
			return err
		}
		return retry.Permanent(err)
	})
	if err == nil {
		return nil
	}
	if cerr := model.FromContext(ctx); cerr != nil {
		return cerr
	}
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return model.Wrap(model.KindTransient, ReasonCollaborator, err)
	}
	return err
}

func (o *Orchestrator) lookup(requestID string) (*request, error) {
	v, ok := o.requests.Load(requestID)
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "unknown-request", "request %q not found", requestID)
	}
	return v.(*request), nil
}

// transition moves r from one of the expected states to next, records
// history and emits the audit record. Caller holds r.mu. A request not in
// an expected state, or an illegal move, fails with InvalidStateTransition.
func (o *Orchestrator) transition(ctx context.Context, r *request, expect []State, next State, actor, reason, message string) error {
	matched := false
	for _, s := range expect {
		if r.state == s {
			matched = true
			break
		}
	}
	if !matched || !CanTransition(r.state, next) {
		return model.Errorf(model.KindInvalidTransition, "invalid-transition",
			"request %s is %s, cannot move to %s", r.id, r.state, next)
	}

	from := r.state
	now := o.now()
	r.state = next
	r.reason = reason
	r.message = message
	r.history = append(r.history, Transition{From: from, To: next, Reason: reason, Actor: actor, At: now})
	close(r.changed)
	r.changed = make(chan struct{})

	labels := telemetry.Labels{Tenant: r.tenant, Market: r.market}
	o.cfg.Telemetry.Transition(ctx, labels, r.id, string(from), string(next), reason)
	if from == StateApprovalPending {
		o.cfg.Telemetry.ApprovalDecided(labels, now.Sub(r.approvalAt))
	}

	rec := o.record(r, audit.EventTransition, actor)
	rec.Timestamp = now.Format(audit.TimestampFormat)
	rec.From = string(from)
	rec.To = string(next)
	rec.Reason = reason
	rec.Message = message
	o.emit(ctx, rec)
	return nil
}

// record builds the common audit envelope for r. Caller holds r.mu.
func (o *Orchestrator) record(r *request, event, actor string) audit.Record {
	rec := audit.Record{
		Event:         event,
		Actor:         actor,
		RequestID:     r.id,
		TokenID:       r.tokenID,
		Scope:         r.scope,
		Tenant:        r.tenant,
		Market:        r.market,
		Emergency:     r.emergency,
		CorrelationID: r.correlationID,
	}
	if r.terms != nil {
		rec.PostHoc = r.terms.Obligation.RequiresPostHocJustification
	}
	if r.hook != nil {
		rec.Backend = r.hook.AuditMetadata(r.tokenID, r.scope, r.target)
		rec.Regulatory = regulatory(r)
	}
	return rec
}

func regulatory(r *request) map[string]any {
	out := make(map[string]any, len(r.limits.Regulatory)+1)
	for k, v := range r.limits.Regulatory {
		out[k] = v
	}
	if r.limits.RequiresDPO(r.scope) {
		out["dpo_approval_required"] = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// emit delivers rec with bounded retry. Audit failures never undo a
// transition; they are logged so the trail can be reconstructed.
func (o *Orchestrator) emit(ctx context.Context, rec audit.Record) {
	if rec.Timestamp == "" {
		rec.Timestamp = o.now().Format(audit.TimestampFormat)
	}
	rec = rec.Redacted()
	ctx = context.WithoutCancel(ctx)
	err := o.call(ctx, func(ctx context.Context) error {
		return o.cfg.Audit.Emit(ctx, rec)
	})
	if err != nil {
		o.logger.Error("audit emit failed",
			"error", err,
			"event", rec.Event,
			"request_id", rec.RequestID,
			"token_id", rec.TokenID,
			"from", rec.From,
			"to", rec.To,
			"reason", rec.Reason,
			"correlation_id", rec.CorrelationID,
		)
	}
}

// fail moves r to its terminal failure state for err and returns the
// error callers should see. Caller holds r.mu.
func (o *Orchestrator) fail(ctx context.Context, r *request, actor string, err error) error {
	next, reason := StateRejected, model.ReasonOf(err)
	switch model.KindOf(err) {
	case model.KindCancelled:
		reason = ReasonCancelled
	case model.KindTimeout:
		next, reason = StateExpired, ReasonTimeout
	case model.KindTransient:
		reason = ReasonCollaborator
	}
	if r.state.Terminal() {
		return err
	}
	if terr := o.transition(ctx, r, []State{r.state}, next, actor, reason, err.Error()); terr != nil {
		o.logger.Warn("failure transition refused", "request_id", r.id, "state", r.state, "error", terr)
	}
	return err
}

// Status returns a snapshot of the request.
func (o *Orchestrator) Status(requestID string) (View, error) {
	r, err := o.lookup(requestID)
	if err != nil {
		return View{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view(), nil
}

// ListFilter narrows List. Empty fields match all.
type ListFilter struct {
	Tenant   string
	State    State
	Approver string // only requests this identity may still decide on
}

// List returns matching requests, oldest first.
func (o *Orchestrator) List(f ListFilter) []View {
	var out []View
	o.requests.Range(func(_, v any) bool {
		r := v.(*request)
		r.mu.Lock()
		defer r.mu.Unlock()
		if f.Tenant != "" && !strings.EqualFold(r.tenant, f.Tenant) {
			return true
		}
		if f.State != "" && r.state != f.State {
			return true
		}
		if f.Approver != "" && !canDecide(r, f.Approver) {
			return true
		}
		out = append(out, r.view())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func canDecide(r *request, approver string) bool {
	if r.state != StateApprovalPending {
		return false
	}
	for _, a := range r.approvers {
		if strings.EqualFold(a.ID, approver) {
			for _, e := range r.ledger.Entries() {
				if strings.EqualFold(e.Approver, approver) {
					return false
				}
			}
			return true
		}
	}
	return false
}

func correlationID(ctx context.Context) (context.Context, string) {
	return tracer.EnsureCorrelationID(ctx)
}

func withCorrelation(ctx context.Context, id string) context.Context {
	return tracer.WithCorrelationID(ctx, id)
}
