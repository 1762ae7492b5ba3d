package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/audit"
)

var (
	replayLog    string
	replayToken  string
	replayTenant string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	auditCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVarP(&replayLog, "log", "l", "", "Path to audit log (default ~/.elevator/audit.jsonl)")
	replayCmd.Flags().StringVar(&replayToken, "token", "", "Only records for this token id")
	replayCmd.Flags().StringVar(&replayTenant, "tenant", "", "Only records for this tenant")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay [request-id]",
	Short: "Replay a request from the audit log",
	Long:  "Reads the audit log, filters by request, token, tenant and time range,\nand renders a timeline of transitions and token uses with a summary.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{TokenID: replayToken, Tenant: replayTenant}
	if len(args) > 0 {
		filter.RequestID = args[0]
	}

	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}

	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	path := replayLog
	if path == "" {
		path = audit.DefaultPath()
	}
	result, err := audit.Replay(path, filter)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	case "text":
		fmt.Print(audit.FormatTimeline(result))
	default:
		return fmt.Errorf("unknown format %q (use text or json)", replayFormat)
	}
	return nil
}
