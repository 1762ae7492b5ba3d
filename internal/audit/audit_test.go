package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testRecord(to string) Record {
	return Record{
		Timestamp: time.Now().UTC().Format(TimestampFormat),
		Event:     EventTransition,
		Actor:     "dev",
		RequestID: "req-test123",
		Scope:     "github:write",
		Tenant:    "T1",
		Market:    "default",
		From:      "validated",
		To:        to,
		Reason:    "test",
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 5; i++ {
		if err := l.Append(testRecord("mfa_pending")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestEmitRespectsCancelledContext(t *testing.T) {
	l, _ := newTestLog(t)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Emit(ctx, testRecord("approved")); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestVerifyDetectsTamperedRecord(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		l.Append(testRecord("approved"))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"approved"`, `"rejected"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		l.Append(testRecord("approved"))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted record to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedRecord(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		l.Append(testRecord("approved"))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	fake := testRecord("token_issued")
	fake.PrevHash = "sha256:fake"
	fakeJSON, _ := json.Marshal(fake)
	inserted := []string{lines[0], string(fakeJSON), lines[1], lines[2]}
	os.WriteFile(path, []byte(strings.Join(inserted, "\n")+"\n"), 0644)

	if Verify(path).Valid {
		t.Fatal("expected chain with inserted record to be invalid")
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0644)

	result := Verify(path)
	if !result.Valid || result.Lines != 0 {
		t.Fatalf("expected empty log to be valid with 0 lines, got %+v", result)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Emit(context.Background(), testRecord("approved"))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestGenesisHashAndTimestampFilled(t *testing.T) {
	l, path := newTestLog(t)
	rec := testRecord("approved")
	rec.Timestamp = ""
	l.Append(rec)
	l.Close()

	data, _ := os.ReadFile(path)
	var got Record
	json.Unmarshal([]byte(strings.TrimSpace(string(data))), &got)

	if got.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, got.PrevHash)
	}
	if _, err := time.Parse(TimestampFormat, got.Timestamp); err != nil {
		t.Errorf("expected timestamp to be filled, got %q", got.Timestamp)
	}
}

func TestRegulatoryFieldsAreWritten(t *testing.T) {
	l, path := newTestLog(t)
	rec := testRecord("token_issued")
	rec.Emergency = true
	rec.PostHoc = true
	rec.Regulatory = map[string]any{"dpo_approval_required": true, "gdpr_article": "32"}
	l.Append(rec)
	l.Close()

	data, _ := os.ReadFile(path)
	line := string(data)
	for _, want := range []string{`"requires_post_hoc_justification":true`, `"dpo_approval_required":true`, `"emergency":true`} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %s in %s", want, line)
		}
	}
}

func TestHashLineIsDeterministic(t *testing.T) {
	line := []byte(`{"ts":"2026-01-15T10:30:00.000Z","event":"transition","request_id":"req-abc","prev_hash":"sha256:def"}`)
	h1 := HashLine(line)
	if h1 != HashLine(line) {
		t.Fatal("expected same hash for same input")
	}
	if !strings.HasPrefix(h1, "sha256:") || len(h1) != 7+64 {
		t.Fatalf("expected sha256:<64 hex>, got %s", h1)
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Append(testRecord("approved"))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		l2.Append(testRecord("revoked"))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestMemoryForRequest(t *testing.T) {
	var m Memory
	ctx := context.Background()
	m.Emit(ctx, Record{RequestID: "a", To: "validated"})
	m.Emit(ctx, Record{RequestID: "b", To: "validated"})
	m.Emit(ctx, Record{RequestID: "a", To: "rejected"})

	got := m.ForRequest("a")
	if len(got) != 2 || got[1].To != "rejected" {
		t.Errorf("expected 2 ordered records for a, got %+v", got)
	}
	if len(m.Records()) != 3 {
		t.Errorf("expected 3 records, got %d", len(m.Records()))
	}
}

func TestRecordRedacted(t *testing.T) {
	rec := testRecord("transition")
	rec.Message = "login with password=hunter2 failed"
	rec.Backend = map[string]any{"image": "nginx", "env": []string{"API_KEY=abc"}}

	got := rec.Redacted()
	if strings.Contains(got.Message, "hunter2") {
		t.Errorf("expected password masked, got %q", got.Message)
	}
	if got.Backend["image"] != "nginx" {
		t.Errorf("expected image kept, got %v", got.Backend["image"])
	}
	if env := got.Backend["env"].([]string); env[0] != "API_KEY=***" {
		t.Errorf("expected env masked, got %v", env)
	}
	if !strings.Contains(rec.Message, "hunter2") {
		t.Error("expected original record untouched")
	}
}
