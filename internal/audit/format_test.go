package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatTimelineHeaderAndSummary(t *testing.T) {
	path := writeTestLog(t)
	result, err := Replay(path, ReplayFilter{RequestID: "req-aaa"})
	if err != nil {
		t.Fatal(err)
	}

	out := FormatTimeline(result)
	if !strings.Contains(out, "Request: req-aaa") {
		t.Error("expected header to contain request id")
	}
	if !strings.Contains(out, "3 transition(s)") {
		t.Errorf("expected transition count in summary, got:\n%s", out)
	}
	if !strings.Contains(out, "1 use(s) denied") {
		t.Errorf("expected denied use count in summary, got:\n%s", out)
	}
	if !strings.Contains(out, "Final state: token_issued") {
		t.Errorf("expected final state in summary, got:\n%s", out)
	}
}

func TestFormatTimelineColumns(t *testing.T) {
	path := writeTestLog(t)
	result, err := Replay(path, ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}

	out := FormatTimeline(result)
	for _, want := range []string{"validated -> mfa_pending", "use ALLOW", "use DENY", "privileged-container", "[emergency]"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in timeline, got:\n%s", want, out)
		}
	}
}

func TestFormatJSONValid(t *testing.T) {
	path := writeTestLog(t)
	result, err := Replay(path, ReplayFilter{RequestID: "req-aaa"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := FormatJSON(result)
	if err != nil {
		t.Fatal(err)
	}
	var parsed ReplayResult
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("JSON output not valid: %v", err)
	}
	if len(parsed.Records) != 5 || parsed.Summary.Total != 5 {
		t.Errorf("expected 5 records in JSON, got %d (total %d)", len(parsed.Records), parsed.Summary.Total)
	}
}

func TestFormatTimelineEmpty(t *testing.T) {
	out := FormatTimeline(&ReplayResult{Filter: ReplayFilter{RequestID: "req-empty"}})
	if !strings.Contains(out, "No records found") {
		t.Errorf("expected 'No records found' message, got:\n%s", out)
	}
}
