package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	elevmcp "github.com/ppiankov/elevator/internal/mcp"
)

var (
	mcpPolicy     string
	mcpIdentities string
	mcpDenylist   string
	mcpAuditLog   string
	mcpSpool      string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpPolicy, "policy", "", "Path to policy YAML")
	mcpCmd.Flags().StringVar(&mcpIdentities, "identities", "", "Path to identities YAML")
	mcpCmd.Flags().StringVar(&mcpDenylist, "denylist", "", "Path to desktop denylist YAML")
	mcpCmd.Flags().StringVar(&mcpAuditLog, "audit-log", "", "Path to audit log JSONL file")
	mcpCmd.Flags().StringVar(&mcpSpool, "spool", "", "Path to audit spool database")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs an in-process elevator as an MCP (Model Context Protocol) server over stdio.\nExposes tools: submit, verify_mfa, decide, status, await, pending, use, revoke, policy, scopes.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	rt, err := buildRuntime(runtimeOptions{
		PolicyPath:     mcpPolicy,
		IdentitiesPath: mcpIdentities,
		DenylistPath:   mcpDenylist,
		AuditLogPath:   mcpAuditLog,
		SpoolPath:      mcpSpool,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start elevator: %w", err)
	}
	defer rt.Close()

	srv, err := elevmcp.New(elevmcp.Config{
		Orchestrator: rt.orch,
		Registry:     rt.registry,
		Policy:       rt.policy,
		Version:      version,
		Logger:       logger.With("component", "mcp"),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()
	go rt.orch.Run(ctx, 0)

	fmt.Fprintln(os.Stderr, "elevator MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Policy: %s\n", rt.policyPath)
	fmt.Fprintln(os.Stderr)

	return srv.Run(ctx)
}
