// Package approval records approver decisions for one elevation request
// and decides when quorum is reached.
package approval

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/elevator/internal/model"
)

// Decision is an approver's verdict.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision accepts approve/approved/allow and reject/rejected/deny.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "allow":
		return Approve, nil
	case "reject", "rejected", "deny", "denied":
		return Reject, nil
	}
	return "", model.Errorf(model.KindInvalidPayload, "invalid-decision",
		"decision %q must be approve or reject", s)
}

// Outcome is the ledger's verdict so far.
type Outcome string

const (
	Pending  Outcome = "pending"
	Approved Outcome = "approved"
	Rejected Outcome = "rejected"
)

// Approval is one appended decision. Entries are never edited.
type Approval struct {
	Approver string    `json:"approver"`
	Decision Decision  `json:"decision"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Ledger is the append-only approval record for one request. A single
// reject overrides any number of prior approvals.
type Ledger struct {
	mu        sync.Mutex
	requester string
	eligible  map[string]bool
	quorum    int
	entries   []Approval
}

// NewLedger creates a ledger accepting decisions from approvers. quorum
// is the number of distinct approvals needed, at least 1.
func NewLedger(requester string, approvers []string, quorum int) *Ledger {
	if quorum < 1 {
		quorum = 1
	}
	eligible := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		eligible[strings.ToLower(a)] = true
	}
	return &Ledger{
		requester: strings.ToLower(requester),
		eligible:  eligible,
		quorum:    quorum,
	}
}

// Satisfiable reports whether enough approvers exist to reach quorum.
func (l *Ledger) Satisfiable() bool {
	return len(l.eligible) >= l.quorum
}

// Record appends a decision and returns the resulting outcome. Once the
// outcome is decided, further decisions fail with InvalidStateTransition.
func (l *Ledger) Record(a Approval) (Outcome, error) {
	if a.Decision != Approve && a.Decision != Reject {
		return "", model.Errorf(model.KindInvalidPayload, "invalid-decision",
			"decision %q must be approve or reject", a.Decision)
	}
	id := strings.ToLower(strings.TrimSpace(a.Approver))
	if id == "" {
		return "", model.Errorf(model.KindInvalidPayload, "missing-approver", "approver is required")
	}
	if id == l.requester {
		return "", model.Errorf(model.KindForbidden, "self-approval",
			"%s cannot decide on their own request", a.Approver)
	}
	if !l.eligible[id] {
		return "", model.Errorf(model.KindForbidden, "not-an-approver",
			"%s is not an eligible approver for this request", a.Approver)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if out := l.outcome(); out != Pending {
		return out, model.Errorf(model.KindInvalidTransition, "already-decided",
			"request is already %s", out)
	}
	for _, e := range l.entries {
		if strings.EqualFold(e.Approver, id) {
			return Pending, model.Errorf(model.KindForbidden, "duplicate-approval",
				"%s has already decided on this request", a.Approver)
		}
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	a.Approver = id
	l.entries = append(l.entries, a)
	return l.outcome(), nil
}

// Outcome returns the current verdict.
func (l *Ledger) Outcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome()
}

func (l *Ledger) outcome() Outcome {
	approvals := 0
	for _, e := range l.entries {
		if e.Decision == Reject {
			return Rejected
		}
		approvals++
	}
	if approvals >= l.quorum {
		return Approved
	}
	return Pending
}

// Entries returns a copy of the recorded decisions in order.
func (l *Ledger) Entries() []Approval {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Approval(nil), l.entries...)
}

// Quorum returns the number of approvals required.
func (l *Ledger) Quorum() int { return l.quorum }

// Summary renders "n/quorum" for logs and views.
func (l *Ledger) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Decision == Approve {
			n++
		}
	}
	return fmt.Sprintf("%d/%d", n, l.quorum)
}
