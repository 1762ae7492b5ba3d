package elevation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/elevator/internal/approval"
	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/notify"
	"github.com/ppiankov/elevator/internal/telemetry"
)

// expireIfOverdue moves a waiting request past its deadline to Expired.
// Caller holds r.mu.
func (o *Orchestrator) expireIfOverdue(ctx context.Context, r *request) error {
	if r.state.Settled() || o.now().Before(r.deadline) {
		return nil
	}
	err := model.Errorf(model.KindTimeout, ReasonTimeout, "request %s passed its deadline", r.id)
	return o.fail(ctx, r, "system", err)
}

// VerifyMFA submits the requester's answer to the pending challenge. A
// wrong answer leaves the request in MFAPending until MaxMFAAttempts is
// reached, after which it is rejected.
func (o *Orchestrator) VerifyMFA(ctx context.Context, requestID, response string) (View, error) {
	r, err := o.lookup(requestID)
	if err != nil {
		return View{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.correlationID != "" {
		ctx = withCorrelation(ctx, r.correlationID)
	}

	if err := o.expireIfOverdue(ctx, r); err != nil {
		return r.view(), err
	}
	if r.state != StateMFAPending {
		return r.view(), model.Errorf(model.KindInvalidTransition, ReasonNotAwaitingMFA,
			"request %s is %s, not awaiting mfa", r.id, r.state)
	}

	var ok bool
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		ok, err = o.cfg.MFA.VerifyChallenge(ctx, r.challengeID, response)
		return err
	})
	if err != nil {
		return r.view(), o.fail(ctx, r, r.requester.ID, err)
	}
	if !ok {
		r.mfaAttempts++
		left := o.cfg.MaxMFAAttempts - r.mfaAttempts
		if left <= 0 {
			ferr := model.Errorf(model.KindForbidden, ReasonMFAFailed,
				"mfa failed %d times", r.mfaAttempts)
			return r.view(), o.fail(ctx, r, r.requester.ID, ferr)
		}
		return r.view(), model.Errorf(model.KindForbidden, ReasonMFAMismatch,
			"mfa response did not match, %d attempt(s) left", left)
	}

	if err := o.transition(ctx, r, []State{StateMFAPending}, StateMFAVerified, r.requester.ID, "", ""); err != nil {
		return r.view(), err
	}
	o.cfg.Telemetry.MFAVerified(telemetry.Labels{Tenant: r.tenant, Market: r.market}, o.now().Sub(r.challengedAt))
	err = o.advance(ctx, r, StateMFAVerified)
	return r.view(), err
}

// SubmitApproval records one approver's decision. Reaching quorum issues
// the token; any reject ends the request regardless of earlier approvals.
// Concurrent decisions are serialized per request, so exactly one of them
// settles the outcome and later ones fail with InvalidStateTransition.
func (o *Orchestrator) SubmitApproval(ctx context.Context, requestID, approverID, decision, comment string) (View, error) {
	d, err := approval.ParseDecision(decision)
	if err != nil {
		return View{}, err
	}
	approverID = strings.TrimSpace(approverID)
	r, err := o.lookup(requestID)
	if err != nil {
		return View{}, err
	}

	// Checked before taking the request lock: identity lookups can be slow.
	if approverID != "" {
		var active bool
		err := o.call(ctx, func(ctx context.Context) error {
			var err error
			active, err = o.cfg.Identities.IsActive(ctx, approverID)
			return err
		})
		if err != nil {
			v, _ := o.Status(requestID)
			return v, err
		}
		if !active {
			v, _ := o.Status(requestID)
			return v, model.Errorf(model.KindForbidden, ReasonInactiveApprover,
				"approver %q is not active", approverID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.correlationID != "" {
		ctx = withCorrelation(ctx, r.correlationID)
	}

	if err := o.expireIfOverdue(ctx, r); err != nil {
		return r.view(), err
	}
	if r.state != StateApprovalPending {
		return r.view(), model.Errorf(model.KindInvalidTransition, ReasonNotAwaitingApproval,
			"request %s is %s, not awaiting approval", r.id, r.state)
	}

	outcome, err := r.ledger.Record(approval.Approval{
		Approver: approverID,
		Decision: d,
		Comment:  comment,
		At:       o.now(),
	})
	if err != nil {
		return r.view(), err
	}

	rec := o.record(r, audit.EventApproval, approverID)
	rec.Decision = string(d)
	rec.Message = fmt.Sprintf("%s (%s)", comment, r.ledger.Summary())
	o.emit(ctx, rec)

	switch outcome {
	case approval.Rejected:
		if err := o.transition(ctx, r, []State{StateApprovalPending}, StateRejected, approverID, ReasonApprovalRejected, comment); err != nil {
			return r.view(), err
		}
		o.notify(ctx, r, notify.EventRejected, r.approvers)
	case approval.Approved:
		if err := o.transition(ctx, r, []State{StateApprovalPending}, StateApproved, approverID, "", ""); err != nil {
			return r.view(), err
		}
		if err := o.issue(ctx, r, approverID); err != nil {
			return r.view(), err
		}
	}
	return r.view(), nil
}
