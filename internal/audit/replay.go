package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplayFilter selects records for a replay. Empty fields match all.
type ReplayFilter struct {
	RequestID string
	TokenID   string
	Tenant    string
	From      time.Time
	To        time.Time
}

func (f ReplayFilter) match(r Record) bool {
	if f.RequestID != "" && r.RequestID != f.RequestID {
		return false
	}
	if f.TokenID != "" && r.TokenID != f.TokenID {
		return false
	}
	if f.Tenant != "" && r.Tenant != f.Tenant {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, r.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

// ReplaySummary counts what happened across the replayed records.
type ReplaySummary struct {
	Total          int    `json:"total"`
	Transitions    int    `json:"transitions"`
	UsesAllowed    int    `json:"uses_allowed"`
	UsesDenied     int    `json:"uses_denied"`
	EmergencyCount int    `json:"emergency_count"`
	FinalState     string `json:"final_state,omitempty"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered records and their summary.
type ReplayResult struct {
	Filter  ReplayFilter  `json:"-"`
	Records []Record      `json:"records"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns records matching the filter.
// Malformed lines are skipped; use Verify to detect them.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{Filter: filter}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		if !filter.match(r) {
			continue
		}
		result.Records = append(result.Records, r)
		result.Summary.add(r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return result, nil
}

func (s *ReplaySummary) add(r Record) {
	s.Total++
	switch r.Event {
	case EventTransition:
		s.Transitions++
		s.FinalState = r.To
		if r.Emergency {
			s.EmergencyCount++
		}
	case EventTokenUse:
		if r.Decision == DecisionAllow {
			s.UsesAllowed++
		} else {
			s.UsesDenied++
		}
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = r.Timestamp
	}
	s.LastTimestamp = r.Timestamp
}
