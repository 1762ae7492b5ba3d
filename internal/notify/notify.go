// Package notify tells approvers and operators about elevation requests.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ppiankov/elevator/internal/model"
)

// Event types carried by a Notice.
const (
	EventApprovalRequested = "approval_requested"
	EventEmergencyIssued   = "emergency_issued"
	EventRejected          = "rejected"
)

// Notice is the payload sent to approval channels.
type Notice struct {
	Timestamp     string            `json:"timestamp"`
	Type          string            `json:"type"`
	RequestID     string            `json:"request_id"`
	Scope         string            `json:"scope"`
	Sensitivity   string            `json:"sensitivity"`
	Tenant        string            `json:"tenant"`
	Market        string            `json:"market"`
	Requester     string            `json:"requester"`
	Justification string            `json:"justification"`
	Target        map[string]string `json:"target,omitempty"`
	Approvers     []string          `json:"approvers,omitempty"`
	Quorum        int               `json:"quorum,omitempty"`
	Emergency     bool              `json:"emergency,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Channel delivers a notice to approvers. Inbound decisions come back
// through the orchestrator, not through the channel.
type Channel interface {
	Notify(ctx context.Context, approvers []model.Identity, n Notice) error
}

// Multi fans a notice out to several channels and joins their errors.
type Multi []Channel

// Notify implements Channel.
func (m Multi) Notify(ctx context.Context, approvers []model.Identity, n Notice) error {
	var errs []error
	for _, c := range m {
		if c == nil {
			continue
		}
		if err := c.Notify(ctx, approvers, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notices to a structured logger.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Channel.
func (l Log) Notify(ctx context.Context, approvers []model.Identity, n Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Emergency {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "elevation notice",
		"type", n.Type,
		"request_id", n.RequestID,
		"scope", n.Scope,
		"tenant", n.Tenant,
		"market", n.Market,
		"requester", n.Requester,
		"approvers", model.IdentityIDs(approvers),
		"quorum", n.Quorum,
	)
	return nil
}
