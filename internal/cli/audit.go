package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/audit"
)

var (
	tailLines  int
	flushSpool string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditFlushCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditFlushCmd.Flags().StringVar(&flushSpool, "spool", "", "Path to audit spool database (default ~/.elevator/audit-spool.db)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log and its delivery spool.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from the JSONL audit log and pretty-prints them.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditFlushCmd = &cobra.Command{
	Use:   "flush [path]",
	Short: "Redeliver spooled audit records into the audit log",
	Long:  "Appends records that could not be written while the server was running,\nin their original order, then removes them from the spool.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditFlush,
}

func auditPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return audit.DefaultPath()
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(auditPath(args))
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(auditPath(args))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
	}

	return nil
}

func runAuditFlush(cmd *cobra.Command, args []string) error {
	n, err := flushAudit(context.Background(), auditPath(args), flushSpool)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Spool is empty.")
		return nil
	}
	fmt.Printf("Flushed %d records\n", n)
	return nil
}

func flushAudit(ctx context.Context, logPath, spoolPath string) (int, error) {
	if spoolPath == "" {
		spoolPath = audit.DefaultSpoolPath()
	}
	log, err := audit.Open(logPath)
	if err != nil {
		return 0, err
	}
	defer log.Close()
	spool, err := audit.OpenSpool(spoolPath)
	if err != nil {
		return 0, err
	}
	defer spool.Close()

	emitter := audit.NewEmitter(audit.EmitterConfig{Sink: log, Spool: spool})
	defer emitter.Close()
	return emitter.Flush(ctx)
}
