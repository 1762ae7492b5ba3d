package notify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, n Notice) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(n)
	case "pagerduty":
		return formatPagerDuty(n)
	default:
		return json.Marshal(n)
	}
}

func formatSlack(n Notice) ([]byte, error) {
	title := fmt.Sprintf("elevator: %s", strings.ReplaceAll(n.Type, "_", " "))
	if n.Emergency {
		title += " (EMERGENCY)"
	}
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Scope:* %s (%s)", n.Scope, n.Sensitivity)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Requester:* %s", n.Requester)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Tenant/Market:* %s / %s", n.Tenant, n.Market)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Justification:* %s", n.Justification)},
	}
	blocks := []any{
		map[string]any{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": title},
		},
		map[string]any{"type": "section", "fields": fields},
	}
	if n.Type == EventApprovalRequested {
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []any{map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("Request `%s` needs %d approval(s). `elevator approve %s`", n.RequestID, n.Quorum, n.RequestID),
			}},
		})
	}
	return json.Marshal(map[string]any{"blocks": blocks})
}

func formatPagerDuty(n Notice) ([]byte, error) {
	severity := "info"
	switch {
	case n.Emergency:
		severity = "critical"
	case n.Sensitivity == "high":
		severity = "warning"
	}
	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    n.RequestID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("elevator %s: %s by %s", n.Type, n.Scope, n.Requester),
			"severity": severity,
			"source":   "elevator",
			"custom_details": map[string]any{
				"request_id":    n.RequestID,
				"tenant":        n.Tenant,
				"market":        n.Market,
				"justification": n.Justification,
				"approvers":     n.Approvers,
			},
		},
	}
	return json.Marshal(payload)
}
