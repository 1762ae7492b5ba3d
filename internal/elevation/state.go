package elevation

import "time"

// State is where a request sits in the elevation lifecycle.
type State string

const (
	StateRequested         State = "requested"
	StateValidated         State = "validated"
	StateMFAPending        State = "mfa_pending"
	StateMFAVerified       State = "mfa_verified"
	StateApprovalPending   State = "approval_pending"
	StateApproved          State = "approved"
	StateEmergencyApproved State = "emergency_approved"
	StateTokenIssued       State = "token_issued"
	StateRejected          State = "rejected"
	StateExpired           State = "expired"
	StateRevoked           State = "revoked"
	StateUsed              State = "used"
)

// transitions lists every legal move. Anything absent is illegal.
var transitions = map[State][]State{
	StateRequested:         {StateValidated, StateRejected, StateExpired},
	StateValidated:         {StateMFAPending, StateApprovalPending, StateApproved, StateEmergencyApproved, StateRejected, StateExpired},
	StateMFAPending:        {StateMFAVerified, StateRejected, StateExpired},
	StateMFAVerified:       {StateApprovalPending, StateApproved, StateEmergencyApproved, StateRejected, StateExpired},
	StateApprovalPending:   {StateApproved, StateRejected, StateExpired},
	StateApproved:          {StateTokenIssued, StateRejected, StateExpired},
	StateEmergencyApproved: {StateTokenIssued, StateRejected, StateExpired},
	StateTokenIssued:       {StateUsed, StateExpired, StateRevoked},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Waiting reports whether the request is blocked on an outside actor.
func (s State) Waiting() bool {
	return s == StateMFAPending || s == StateApprovalPending
}

// Settled reports whether the request has left the request pipeline:
// it is terminal or holds a live token.
func (s State) Settled() bool {
	return s.Terminal() || s == StateTokenIssued
}

// Transition is one entry in a request's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}
