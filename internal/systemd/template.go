// Package systemd renders unit files for running elevator under systemd.
package systemd

import (
	"fmt"
	"strings"
)

// UnitOptions configure the rendered server unit. Empty fields use the
// defaults shown in DefaultUnitOptions.
type UnitOptions struct {
	Binary      string
	User        string
	ConfigDir   string
	StateDir    string
	Port        int
	MetricsAddr string
}

// DefaultUnitOptions returns the layout used by a packaged install.
func DefaultUnitOptions() UnitOptions {
	return UnitOptions{
		Binary:      "/usr/local/bin/elevator",
		User:        "elevator",
		ConfigDir:   "/etc/elevator",
		StateDir:    "/var/lib/elevator",
		Port:        7443,
		MetricsAddr: "127.0.0.1:9464",
	}
}

func (o UnitOptions) withDefaults() UnitOptions {
	d := DefaultUnitOptions()
	if o.Binary == "" {
		o.Binary = d.Binary
	}
	if o.User == "" {
		o.User = d.User
	}
	if o.ConfigDir == "" {
		o.ConfigDir = d.ConfigDir
	}
	if o.StateDir == "" {
		o.StateDir = d.StateDir
	}
	if o.Port == 0 {
		o.Port = d.Port
	}
	if o.MetricsAddr == "" {
		o.MetricsAddr = d.MetricsAddr
	}
	return o
}

// ServerUnit returns the elevator.service unit for the gRPC server. The
// audit log and spool live in StateDir, the only writable path.
func ServerUnit(opts UnitOptions) string {
	o := opts.withDefaults()
	cfg := strings.TrimRight(o.ConfigDir, "/")
	state := strings.TrimRight(o.StateDir, "/")

	exec := fmt.Sprintf("%s serve --port %d --metrics-addr %s \\\n"+
		"  --policy %s/policy.yaml --identities %s/identities.yaml --denylist %s/denylist.yaml \\\n"+
		"  --audit-log %s/audit.jsonl --spool %s/audit-spool.db",
		o.Binary, o.Port, o.MetricsAddr, cfg, cfg, cfg, state, state)

	return fmt.Sprintf(`[Unit]
Description=Elevator privilege elevation server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%s
Group=%s
ExecStart=%s
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ReadOnlyPaths=%s
ReadWritePaths=%s
StateDirectory=elevator
StateDirectoryMode=0700

[Install]
WantedBy=multi-user.target
`, o.User, o.User, exec, cfg, state)
}
