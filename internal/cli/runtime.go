package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/backend"
	"github.com/ppiankov/elevator/internal/denylist"
	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/mfa"
	"github.com/ppiankov/elevator/internal/notify"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/telemetry"
)

// runtimeOptions names the files a local elevator process is built from.
// Empty paths fall back to ~/.elevator defaults.
type runtimeOptions struct {
	PolicyPath     string
	IdentitiesPath string
	DenylistPath   string
	AuditLogPath   string
	SpoolPath      string
	SubmitPerMin   int
	Logger         *slog.Logger
}

// runtime is the wired set of components behind serve and mcp.
type runtime struct {
	policyPath string
	policy     *policy.Resolver
	directory  *identity.Directory
	registry   *hook.Registry
	orch       *elevation.Orchestrator
	telemetry  *telemetry.Recorder
	auditLog   *audit.Log
	spool      *audit.Spool
	emitter    *audit.Emitter
}

func buildRuntime(opts runtimeOptions) (*runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policyPath := opts.PolicyPath
	if policyPath == "" {
		policyPath = policy.DefaultPath()
	}

	cfg, hash, err := policy.LoadConfigWithHash(policyPath)
	if err != nil {
		return nil, err
	}
	resolver := policy.NewResolver(cfg, hash)

	idPath := opts.IdentitiesPath
	if idPath == "" {
		idPath = identity.DefaultPath()
	}
	dir, err := identity.Load(idPath)
	if err != nil {
		return nil, err
	}
	if dir.Len() == 0 {
		logger.Warn("identity directory is empty, every request will be rejected", "path", idPath)
	}

	dl, err := denylist.Load(opts.DenylistPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load denylist: %w", err)
	}

	registry, err := backend.NewRegistry(backend.Options{
		Policy:    resolver,
		Directory: dir,
		Denylist:  dl,
	})
	if err != nil {
		return nil, err
	}

	auditPath := opts.AuditLogPath
	if auditPath == "" {
		auditPath = audit.DefaultPath()
	}
	auditLog, err := audit.Open(auditPath)
	if err != nil {
		return nil, err
	}
	spoolPath := opts.SpoolPath
	if spoolPath == "" {
		spoolPath = audit.DefaultSpoolPath()
	}
	spool, err := audit.OpenSpool(spoolPath)
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	emitter := audit.NewEmitter(audit.EmitterConfig{
		Sink:   auditLog,
		Spool:  spool,
		Logger: logger.With("component", "audit"),
	})

	channels := notify.Multi{notify.Log{Logger: logger.With("component", "notify")}}
	if hooks := notify.NewWebhooks(cfg.Notifications); hooks != nil {
		channels = append(channels, hooks)
	}

	tel := telemetry.New(logger.With("component", "telemetry"))

	var limit rate.Limit
	if opts.SubmitPerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.SubmitPerMin))
	}
	orch, err := elevation.New(elevation.Config{
		Registry:    registry,
		Identities:  dir,
		MFA:         mfa.NewLocal(mfa.Config{Logger: logger.With("component", "mfa")}),
		Audit:       emitter,
		Notifier:    channels,
		Telemetry:   tel,
		SubmitRate:  limit,
		SubmitBurst: opts.SubmitPerMin,
		Logger:      logger.With("component", "elevation"),
	})
	if err != nil {
		emitter.Close()
		spool.Close()
		auditLog.Close()
		return nil, err
	}

	return &runtime{
		policyPath: policyPath,
		policy:     resolver,
		directory:  dir,
		registry:   registry,
		orch:       orch,
		telemetry:  tel,
		auditLog:   auditLog,
		spool:      spool,
		emitter:    emitter,
	}, nil
}

// flushSpool redelivers records spooled by an earlier run.
func (r *runtime) flushSpool(ctx context.Context) (int, error) {
	return r.emitter.Flush(ctx)
}

// Close drains the audit queue and closes files.
func (r *runtime) Close() error {
	r.emitter.Close()
	if err := r.spool.Close(); err != nil {
		r.auditLog.Close()
		return err
	}
	return r.auditLog.Close()
}
