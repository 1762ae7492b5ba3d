package elevation

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateRequested, StateValidated, true},
		{StateValidated, StateMFAPending, true},
		{StateMFAPending, StateMFAVerified, true},
		{StateMFAVerified, StateApprovalPending, true},
		{StateApprovalPending, StateApproved, true},
		{StateApproved, StateTokenIssued, true},
		{StateEmergencyApproved, StateTokenIssued, true},
		{StateTokenIssued, StateUsed, true},
		{StateTokenIssued, StateRevoked, true},
		{StateMFAPending, StateApproved, false},
		{StateApprovalPending, StateTokenIssued, false},
		{StateValidated, StateTokenIssued, false},
		{StateRejected, StateValidated, false},
		{StateUsed, StateTokenIssued, false},
		{StateTokenIssued, StateRejected, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestTokenIssuedOnlyFromApprovedStates(t *testing.T) {
	for from, next := range transitions {
		for _, to := range next {
			if to == StateTokenIssued && from != StateApproved && from != StateEmergencyApproved {
				t.Errorf("token issued from %s", from)
			}
		}
	}
}

func TestStateClasses(t *testing.T) {
	for _, s := range []State{StateRejected, StateExpired, StateRevoked, StateUsed} {
		if !s.Terminal() || !s.Settled() {
			t.Errorf("expected %s terminal and settled", s)
		}
	}
	if StateTokenIssued.Terminal() || !StateTokenIssued.Settled() {
		t.Error("expected token_issued settled but not terminal")
	}
	if !StateMFAPending.Waiting() || !StateApprovalPending.Waiting() || StateApproved.Waiting() {
		t.Error("unexpected waiting classification")
	}
}
