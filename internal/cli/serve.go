package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/server"
)

var (
	servePort        int
	serveMetricsAddr string
	servePolicy      string
	serveIdentities  string
	serveDenylist    string
	serveAuditLog    string
	serveSpool       string
	serveSubmitRate  int
	serveSweep       time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", server.DefaultPort, "gRPC listen port")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9464", "HTTP address for /metrics and /healthz (empty disables)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy YAML (default ~/.elevator/policy.yaml)")
	serveCmd.Flags().StringVar(&serveIdentities, "identities", "", "Path to identities YAML (default ~/.elevator/identities.yaml)")
	serveCmd.Flags().StringVar(&serveDenylist, "denylist", "", "Path to desktop denylist YAML")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", "", "Path to audit log JSONL file (default ~/.elevator/audit.jsonl)")
	serveCmd.Flags().StringVar(&serveSpool, "spool", "", "Path to audit spool database (default ~/.elevator/audit-spool.db)")
	serveCmd.Flags().IntVar(&serveSubmitRate, "submit-rate", 30, "Requests per minute allowed per requester (0 disables)")
	serveCmd.Flags().DurationVar(&serveSweep, "sweep-interval", 30*time.Second, "How often overdue requests and lapsed tokens are expired")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the elevation gRPC server",
	Long:  "Runs elevator as a gRPC service. Clients submit requests, answer MFA, approve and validate token uses.\nThe policy file is hot-reloaded on change. MFA codes are written to the server log.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	rt, err := buildRuntime(runtimeOptions{
		PolicyPath:     servePolicy,
		IdentitiesPath: serveIdentities,
		DenylistPath:   serveDenylist,
		AuditLogPath:   serveAuditLog,
		SpoolPath:      serveSpool,
		SubmitPerMin:   serveSubmitRate,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start elevator: %w", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := rt.flushSpool(ctx); err != nil {
		logger.Warn("audit spool not fully flushed", "delivered", n, "error", err)
	} else if n > 0 {
		logger.Info("audit spool flushed", "delivered", n)
	}

	srv, err := server.New(server.Config{
		Port:         servePort,
		PolicyPath:   rt.policyPath,
		Orchestrator: rt.orch,
		Registry:     rt.registry,
		Policy:       rt.policy,
		Telemetry:    rt.telemetry,
		Logger:       logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	reloader, err := server.NewReloader(srv, []string{rt.policyPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}
	go rt.orch.Run(ctx, serveSweep)

	var metrics *http.Server
	if serveMetricsAddr != "" {
		metrics = &http.Server{
			Addr:              serveMetricsAddr,
			Handler:           srv.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down elevator server...")
		cancel()
		if metrics != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			metrics.Shutdown(shutdownCtx)
		}
		srv.GracefulStop()
	}()

	fmt.Fprintf(os.Stderr, "elevator server listening on :%d\n", servePort)
	fmt.Fprintf(os.Stderr, "Policy: %s (hot-reload enabled)\n", rt.policyPath)
	fmt.Fprintf(os.Stderr, "Identities: %d loaded\n", rt.directory.Len())
	if metrics != nil {
		fmt.Fprintf(os.Stderr, "Metrics: http://%s/metrics\n", serveMetricsAddr)
	}
	fmt.Fprintln(os.Stderr)

	return srv.Serve()
}
