package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a text timeline.
func FormatTimeline(result *ReplayResult) string {
	label := timelineLabel(result.Filter)
	if len(result.Records) == 0 {
		return fmt.Sprintf("%s | No records found.\n", label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s–%s UTC\n", label,
		formatDateTime(result.Summary.FirstTimestamp), formatTimeOnly(result.Summary.LastTimestamp))
	b.WriteString(separator + "\n")

	for _, r := range result.Records {
		var what string
		switch r.Event {
		case EventTransition:
			what = fmt.Sprintf("%s -> %s", r.From, r.To)
		case EventTokenUse:
			what = "use " + strings.ToUpper(r.Decision)
		default:
			what = r.Event
		}
		tag := ""
		if r.Emergency {
			tag = "  [emergency]"
		}
		fmt.Fprintf(&b, "%-10s %-34s %-14s %-22s %s%s\n",
			formatTimeOnly(r.Timestamp), truncate(what, 34), truncate(r.Actor, 14),
			truncate(r.Reason, 22), r.Scope, tag)
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func timelineLabel(f ReplayFilter) string {
	switch {
	case f.RequestID != "":
		return "Request: " + f.RequestID
	case f.TokenID != "":
		return "Token: " + f.TokenID
	case f.Tenant != "":
		return "Tenant: " + f.Tenant
	default:
		return "Audit log"
	}
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{fmt.Sprintf("%d transition(s)", s.Transitions)}
	if s.UsesAllowed > 0 {
		parts = append(parts, fmt.Sprintf("%d use(s) allowed", s.UsesAllowed))
	}
	if s.UsesDenied > 0 {
		parts = append(parts, fmt.Sprintf("%d use(s) denied", s.UsesDenied))
	}
	if s.EmergencyCount > 0 {
		parts = append(parts, fmt.Sprintf("%d emergency", s.EmergencyCount))
	}
	final := s.FinalState
	if final == "" {
		final = "-"
	}
	return fmt.Sprintf("Summary: %s | Final state: %s\n", strings.Join(parts, ", "), final)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
