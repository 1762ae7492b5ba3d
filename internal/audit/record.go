// Package audit records every elevation state change and token use.
package audit

import (
	"context"
	"sync"

	"github.com/ppiankov/elevator/internal/redact"
)

// Event types.
const (
	EventTransition = "transition"
	EventTokenUse   = "token_use"
	EventApproval   = "approval"
)

// Token-use decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// TimestampFormat is the layout used in record timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Record is one audit event. Field order is fixed so that json.Marshal
// output, and therefore the chain hash, is reproducible.
type Record struct {
	Timestamp     string         `json:"ts"`
	Event         string         `json:"event"`
	Actor         string         `json:"actor,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	TokenID       string         `json:"token_id,omitempty"`
	Scope         string         `json:"scope,omitempty"`
	Tenant        string         `json:"tenant,omitempty"`
	Market        string         `json:"market,omitempty"`
	From          string         `json:"from,omitempty"`
	To            string         `json:"to,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Message       string         `json:"message,omitempty"`
	Emergency     bool           `json:"emergency,omitempty"`
	PostHoc       bool           `json:"requires_post_hoc_justification,omitempty"`
	Regulatory    map[string]any `json:"regulatory,omitempty"`
	Backend       map[string]any `json:"backend,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	PrevHash      string         `json:"prev_hash,omitempty"`
}

// Redacted returns a copy of r with credentials masked in its free-text
// fields and backend metadata.
func (r Record) Redacted() Record {
	r.Reason = redact.String(r.Reason)
	r.Message = redact.String(r.Message)
	r.Backend = redact.Map(r.Backend)
	return r
}

// Sink receives audit records.
type Sink interface {
	Emit(ctx context.Context, r Record) error
}

// Memory keeps records in memory. Useful for tests and for the MCP
// server's recent-activity view.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// Emit implements Sink.
func (m *Memory) Emit(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// Records returns a copy of everything emitted so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// ForRequest returns the records for one request id, in emit order.
func (m *Memory) ForRequest(requestID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out
}
