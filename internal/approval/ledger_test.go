package approval

import (
	"errors"
	"sync"
	"testing"

	"github.com/ppiankov/elevator/internal/model"
)

func newLedger(quorum int) *Ledger {
	return NewLedger("dev", []string{"alice", "bob", "carol"}, quorum)
}

func TestQuorumReachedAfterDistinctApprovals(t *testing.T) {
	l := newLedger(2)
	out, err := l.Record(Approval{Approver: "alice", Decision: Approve})
	if err != nil || out != Pending {
		t.Fatalf("expected pending after first approval, got %s, %v", out, err)
	}
	if l.Summary() != "1/2" {
		t.Errorf("expected 1/2, got %s", l.Summary())
	}
	out, err = l.Record(Approval{Approver: "bob", Decision: Approve})
	if err != nil || out != Approved {
		t.Fatalf("expected approved after second approval, got %s, %v", out, err)
	}
}

func TestRejectOverridesApprovals(t *testing.T) {
	l := newLedger(3)
	l.Record(Approval{Approver: "alice", Decision: Approve})
	l.Record(Approval{Approver: "bob", Decision: Approve})
	out, err := l.Record(Approval{Approver: "carol", Decision: Reject, Comment: "not during freeze"})
	if err != nil || out != Rejected {
		t.Fatalf("expected rejected, got %s, %v", out, err)
	}
	if l.Outcome() != Rejected {
		t.Error("expected rejection to be terminal")
	}
	if n := len(l.Entries()); n != 3 {
		t.Errorf("expected 3 entries kept, got %d", n)
	}
}

func TestDecidedLedgerRefusesMore(t *testing.T) {
	l := newLedger(1)
	if out, _ := l.Record(Approval{Approver: "alice", Decision: Approve}); out != Approved {
		t.Fatalf("expected approved, got %s", out)
	}
	_, err := l.Record(Approval{Approver: "bob", Decision: Reject})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected InvalidStateTransition, got %v", err)
	}
	if l.Outcome() != Approved {
		t.Error("expected outcome to stay approved")
	}
}

func TestRecordRejectsBadApprovers(t *testing.T) {
	l := newLedger(2)
	cases := []struct {
		a      Approval
		reason string
	}{
		{Approval{Approver: "DEV", Decision: Approve}, "self-approval"},
		{Approval{Approver: "mallory", Decision: Approve}, "not-an-approver"},
		{Approval{Approver: "", Decision: Approve}, "missing-approver"},
		{Approval{Approver: "alice", Decision: "maybe"}, "invalid-decision"},
	}
	for _, c := range cases {
		if _, err := l.Record(c.a); model.ReasonOf(err) != c.reason {
			t.Errorf("expected %s, got %v", c.reason, err)
		}
	}

	l.Record(Approval{Approver: "alice", Decision: Approve})
	_, err := l.Record(Approval{Approver: "Alice", Decision: Approve})
	if model.ReasonOf(err) != "duplicate-approval" || !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected duplicate-approval, got %v", err)
	}
	if l.Outcome() != Pending {
		t.Error("expected a duplicate vote not to count toward quorum")
	}
}

func TestSatisfiable(t *testing.T) {
	if !newLedger(3).Satisfiable() {
		t.Error("expected 3 approvers to satisfy quorum 3")
	}
	if newLedger(4).Satisfiable() {
		t.Error("expected quorum 4 to be unsatisfiable with 3 approvers")
	}
	if NewLedger("dev", nil, 0).Quorum() != 1 {
		t.Error("expected quorum floor of 1")
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"approve": Approve, " Deny ": Reject, "REJECTED": Reject, "allow": Approve} {
		got, err := ParseDecision(in)
		if err != nil || got != want {
			t.Errorf("ParseDecision(%q): expected %s, got %s, %v", in, want, got, err)
		}
	}
	if _, err := ParseDecision("abstain"); !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("expected InvalidPayload, got %v", err)
	}
}

func TestConcurrentRecordSingleOutcome(t *testing.T) {
	approvers := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	l := NewLedger("dev", approvers, 3)

	var wg sync.WaitGroup
	for i, id := range approvers {
		d := Approve
		if i == 4 {
			d = Reject
		}
		wg.Add(1)
		go func(id string, d Decision) {
			defer wg.Done()
			l.Record(Approval{Approver: id, Decision: d})
		}(id, d)
	}
	wg.Wait()

	out := l.Outcome()
	if out == Pending {
		t.Fatal("expected a decided outcome")
	}
	entries := l.Entries()
	last := entries[len(entries)-1]
	if out == Rejected && last.Decision != Reject {
		t.Errorf("expected the reject to be the deciding entry, got %+v", last)
	}
	if out == Approved && len(entries) != 3 {
		t.Errorf("expected exactly quorum entries when approved, got %d", len(entries))
	}
}
