package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	base := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)
	at := func(sec int) string { return base.Add(time.Duration(sec) * time.Second).Format(TimestampFormat) }

	records := []Record{
		{Timestamp: at(0), Event: EventTransition, RequestID: "req-aaa", Scope: "github:admin", From: "requested", To: "validated", Actor: "dev"},
		{Timestamp: at(2), Event: EventTransition, RequestID: "req-aaa", Scope: "github:admin", From: "validated", To: "mfa_pending", Actor: "dev"},
		{Timestamp: at(4), Event: EventTransition, RequestID: "req-bbb", Scope: "docker:exec", From: "requested", To: "rejected", Reason: "privileged-container", Actor: "dev"},
		{Timestamp: at(6), Event: EventTransition, RequestID: "req-aaa", Scope: "github:admin", From: "approved", To: "token_issued", TokenID: "etk-1", Actor: "ra1"},
		{Timestamp: at(8), Event: EventTokenUse, RequestID: "req-aaa", Scope: "github:admin", TokenID: "etk-1", Decision: DecisionAllow, Actor: "dev"},
		{Timestamp: at(10), Event: EventTokenUse, RequestID: "req-aaa", Scope: "github:admin", TokenID: "etk-1", Decision: DecisionDeny, Reason: "resource-mismatch", Actor: "dev"},
		{Timestamp: at(12), Event: EventTransition, RequestID: "req-ccc", Scope: "desktop:admin", From: "emergency_approved", To: "token_issued", Emergency: true, PostHoc: true, Actor: "dev"},
	}
	for _, r := range records {
		if err := log.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestReplayFiltersByRequestID(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{RequestID: "req-aaa"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Records) != 5 {
		t.Errorf("expected 5 records for req-aaa, got %d", len(result.Records))
	}
	for _, r := range result.Records {
		if r.RequestID != "req-aaa" {
			t.Errorf("unexpected request id: %s", r.RequestID)
		}
	}
}

func TestReplayFiltersByTokenID(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{TokenID: "etk-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Records) != 3 {
		t.Errorf("expected 3 records for etk-1, got %d", len(result.Records))
	}
}

func TestReplayTimeRange(t *testing.T) {
	path := writeTestLog(t)

	from := time.Date(2026, 1, 15, 14, 0, 1, 0, time.UTC)
	to := time.Date(2026, 1, 15, 14, 0, 7, 0, time.UTC)
	result, err := Replay(path, ReplayFilter{RequestID: "req-aaa", From: from, To: to})
	if err != nil {
		t.Fatal(err)
	}
	// 14:00:02 and 14:00:06
	if len(result.Records) != 2 {
		t.Errorf("expected 2 records in time window, got %d", len(result.Records))
	}
}

func TestReplayEmptyResult(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{RequestID: "req-nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Records) != 0 || result.Summary.Total != 0 {
		t.Errorf("expected empty result, got %+v", result.Summary)
	}
}

func TestReplaySummaryCounts(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{RequestID: "req-aaa"})
	if err != nil {
		t.Fatal(err)
	}
	s := result.Summary
	if s.Total != 5 {
		t.Errorf("total: expected 5, got %d", s.Total)
	}
	if s.Transitions != 3 {
		t.Errorf("transitions: expected 3, got %d", s.Transitions)
	}
	if s.UsesAllowed != 1 || s.UsesDenied != 1 {
		t.Errorf("uses: expected 1 allowed and 1 denied, got %d/%d", s.UsesAllowed, s.UsesDenied)
	}
	if s.FinalState != "token_issued" {
		t.Errorf("final state: expected token_issued, got %s", s.FinalState)
	}
}

func TestReplayEmergencyCount(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.EmergencyCount != 1 {
		t.Errorf("emergency count: expected 1, got %d", result.Summary.EmergencyCount)
	}
	if result.Summary.Total != 7 {
		t.Errorf("expected all 7 records with an empty filter, got %d", result.Summary.Total)
	}
}
