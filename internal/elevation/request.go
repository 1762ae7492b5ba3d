package elevation

import (
	"sync"
	"time"

	"github.com/ppiankov/elevator/internal/approval"
	"github.com/ppiankov/elevator/internal/breakglass"
	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

// SubmitInput is what a caller supplies to open a request.
type SubmitInput struct {
	Requester     string         `json:"requester"`
	Tenant        string         `json:"tenant"`
	Market        string         `json:"market"`
	Scope         string         `json:"scope"`
	Justification string         `json:"justification"`
	Target        model.Resource `json:"target,omitempty"`
	Emergency     bool           `json:"emergency,omitempty"`
	// TTL asks for a shorter token lifetime than policy allows. Zero
	// means the policy maximum.
	TTL     time.Duration `json:"ttl,omitempty"`
	OneTime bool          `json:"one_time,omitempty"`
}

// request is the live record for one elevation request. Every field
// below mu is guarded by it.
type request struct {
	mu sync.Mutex

	id            string
	requester     model.Identity
	tenant        string
	market        string
	scope         string
	justification string
	target        model.Resource
	emergency     bool
	oneTime       bool
	requestedTTL  time.Duration
	correlationID string
	createdAt     time.Time

	details  scope.Details
	hook     hook.Hook
	limits   policy.Limits
	terms    *breakglass.Terms
	mfa      model.MFALevel
	approval bool
	ttl      time.Duration
	maxUses  int
	deadline time.Time

	state   State
	reason  string
	message string
	history []Transition
	changed chan struct{}

	challengeID  string
	challengedAt time.Time
	mfaAttempts  int

	approvers  []model.Identity
	ledger     *approval.Ledger
	approvalAt time.Time

	tokenID        string
	tokenExpiresAt time.Time
}

func (r *request) hookRequest() hook.Request {
	return hook.Request{
		ID:            r.id,
		Requester:     r.requester,
		Tenant:        r.tenant,
		Market:        r.market,
		Scope:         r.scope,
		Justification: r.justification,
		Target:        r.target,
		Emergency:     r.emergency,
		TTL:           r.requestedTTL,
	}
}

// View is a read-only snapshot of a request.
type View struct {
	ID            string            `json:"id"`
	Requester     string            `json:"requester"`
	Tenant        string            `json:"tenant"`
	Market        string            `json:"market"`
	Scope         string            `json:"scope"`
	Sensitivity   model.Sensitivity `json:"sensitivity,omitempty"`
	Justification string            `json:"justification,omitempty"`
	Target        model.Resource    `json:"target,omitempty"`

	State   State  `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	Emergency bool `json:"emergency,omitempty"`
	// PostHocJustificationRequired tells the requester that an emergency
	// elevation must be justified to compliance afterwards.
	PostHocJustificationRequired bool `json:"post_hoc_justification_required,omitempty"`

	MFALevel         model.MFALevel      `json:"mfa_level,omitempty"`
	RequiresApproval bool                `json:"requires_approval,omitempty"`
	Approvers        []string            `json:"approvers,omitempty"`
	Quorum           int                 `json:"quorum,omitempty"`
	Approvals        []approval.Approval `json:"approvals,omitempty"`

	TokenID        string     `json:"token_id,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	TokenTTL       string     `json:"token_ttl,omitempty"`
	TokenMaxUses   int        `json:"token_max_uses,omitempty"`

	CreatedAt time.Time    `json:"created_at"`
	Deadline  time.Time    `json:"deadline,omitempty"`
	History   []Transition `json:"history,omitempty"`
}

// view snapshots r. Caller holds r.mu.
func (r *request) view() View {
	v := View{
		ID:               r.id,
		Requester:        r.requester.ID,
		Tenant:           r.tenant,
		Market:           r.market,
		Scope:            r.scope,
		Sensitivity:      r.details.Sensitivity,
		Justification:    r.justification,
		Target:           r.target.Clone(),
		State:            r.state,
		Reason:           r.reason,
		Message:          r.message,
		Emergency:        r.emergency,
		MFALevel:         r.mfa,
		RequiresApproval: r.approval,
		Approvers:        model.IdentityIDs(r.approvers),
		CreatedAt:        r.createdAt,
		Deadline:         r.deadline,
		History:          append([]Transition(nil), r.history...),
	}
	if r.terms != nil {
		v.PostHocJustificationRequired = r.terms.Obligation.RequiresPostHocJustification
	}
	if r.ledger != nil {
		v.Quorum = r.ledger.Quorum()
		v.Approvals = r.ledger.Entries()
	}
	if r.tokenID != "" {
		exp := r.tokenExpiresAt
		v.TokenID = r.tokenID
		v.TokenExpiresAt = &exp
		v.TokenTTL = r.ttl.String()
		v.TokenMaxUses = r.maxUses
	}
	return v
}
