// Package desktop implements elevation for local command execution in the
// style of Desktop Commander.
package desktop

import (
	"context"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ppiankov/elevator/internal/denylist"
	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/scope"
)

// Backend is the scope prefix owned by this hook.
const Backend = "desktop"

// Target attributes understood by the desktop hook.
const (
	KeyPath    = "path"
	KeyCommand = "command"
)

var ops = []scope.Op{
	{Name: "read", Sensitivity: model.SensLow, Description: "read files outside the workspace"},
	{Name: "write", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "write or move files"},
	{Name: "execute", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "run a shell command"},
	{Name: "admin", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "system administration, protected paths"},
}

// Hook is the desktop backend.
type Hook struct {
	hook.Base
	deny *denylist.Denylist
}

// New returns a desktop hook. A nil denylist uses the defaults.
func New(res hook.PolicySource, dir hook.Directory, deny *denylist.Denylist) *Hook {
	if deny == nil {
		deny = denylist.NewDefault()
	}
	return &Hook{
		Base: hook.Base{
			Backend:   Backend,
			Catalog:   scope.MustCatalog(Backend, ops),
			Policy:    res,
			Directory: dir,
		},
		deny: deny,
	}
}

// ValidateRequest refuses destructive commands outright and protected
// paths below desktop:admin.
func (h *Hook) ValidateRequest(ctx context.Context, req hook.Request) error {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return err
	}
	t := req.Target
	op := hook.Operation(req.Scope)

	switch op {
	case "read", "write":
		if err := hook.Require(t, KeyPath); err != nil {
			return err
		}
	case "execute":
		if err := hook.Require(t, KeyCommand); err != nil {
			return err
		}
	case "admin":
		if !t.Has(KeyPath) && !t.Has(KeyCommand) {
			return model.Errorf(model.KindInvalidPayload, "missing-target",
				"desktop:admin requires a path or a command")
		}
	}

	if p := t.Get(KeyPath); p != "" {
		if !isAbs(p) {
			return model.Errorf(model.KindInvalidPayload, "relative-path",
				"path %q must be absolute", p)
		}
		if op != "admin" {
			if pattern, ok := h.deny.ProtectedPath(p); ok {
				return model.Errorf(model.KindForbidden, "protected-path",
					"path %s is protected (%s)", p, pattern)
			}
		}
	}
	if cmd := t.Get(KeyCommand); cmd != "" {
		if pattern, ok := h.deny.DestructiveCommand(cmd); ok {
			return model.Errorf(model.KindForbidden, "destructive-command",
				"command matches destructive pattern %q", pattern)
		}
		if op != "admin" {
			if err := h.protectedArgs(parseCommand(cmd)); err != nil {
				return err
			}
		}
	}
	return h.CheckForbidden(limits, t.Values(KeyPath, KeyCommand)...)
}

// SelectApprovers routes to system administrators, adding security for
// sensitive paths.
func (h *Hook) SelectApprovers(ctx context.Context, req hook.Request) ([]model.Identity, error) {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return nil, err
	}
	roles := []string{"sysadmin"}
	if h.Sensitive(limits, req.Target.Values(KeyPath, KeyCommand)...) {
		roles = append(roles, "security")
	}
	return h.Approvers(ctx, req, roles...)
}

// ValidateTokenUse keeps paths under the granted path and commands on the
// granted command line. A used command may not add sudo or environment
// assignments the grant lacks; each argument must equal the granted one
// or, for paths, lie below it. Below desktop:admin no path used may be
// protected.
func (h *Hook) ValidateTokenUse(ctx context.Context, tokenID, s string, granted model.Resource, usage model.Usage) error {
	if err := model.FromContext(ctx); err != nil {
		return err
	}
	admin := hook.Operation(s) == "admin"
	if want := granted.Get(KeyPath); want != "" {
		if err := hook.RequireUsage(usage, KeyPath); err != nil {
			return err
		}
		got := usage.Get(KeyPath)
		if !isAbs(got) {
			return model.Errorf(model.KindInvalidMetadata, "relative-path", "path %q must be absolute", got)
		}
		if !within(want, got) {
			return model.Errorf(model.KindForbidden, "resource-mismatch",
				"path %s is outside the granted %s", got, want)
		}
		if !admin {
			if pattern, ok := h.deny.ProtectedPath(got); ok {
				return model.Errorf(model.KindForbidden, "protected-path",
					"path %s is protected (%s)", got, pattern)
			}
		}
	}
	if want := granted.Get(KeyCommand); want != "" {
		if err := hook.RequireUsage(usage, KeyCommand); err != nil {
			return err
		}
		got := usage.Get(KeyCommand)
		if pattern, ok := h.deny.DestructiveCommand(got); ok {
			return model.Errorf(model.KindForbidden, "destructive-command",
				"command matches destructive pattern %q", pattern)
		}
		used := parseCommand(got)
		if !admin {
			if err := h.protectedArgs(used); err != nil {
				return err
			}
		}
		if err := used.within(parseCommand(want)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hook) protectedArgs(c commandLine) error {
	for _, p := range c.paths() {
		if pattern, ok := h.deny.ProtectedPath(p); ok {
			return model.Errorf(model.KindForbidden, "protected-path",
				"command argument %s is protected (%s)", p, pattern)
		}
	}
	return nil
}

// AuditMetadata reports the path and command binary.
func (h *Hook) AuditMetadata(tokenID, s string, target model.Resource) map[string]any {
	m := h.Metadata(tokenID, s)
	if p := target.Get(KeyPath); p != "" {
		m[KeyPath] = p
	}
	if c := target.Get(KeyCommand); c != "" {
		m[KeyCommand] = c
		m["binary"] = binary(c)
	}
	return m
}

func isAbs(p string) bool {
	return filepath.IsAbs(p) || p == "~" || strings.HasPrefix(p, "~/")
}

// within reports whether path equals root or lies below it after cleaning.
func within(root, path string) bool {
	root, path = filepath.Clean(root), filepath.Clean(path)
	if root == path {
		return true
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// commandLine is a shell command split into its privilege prefix and
// argument vector.
type commandLine struct {
	sudo bool
	env  []string
	argv []string
}

func parseCommand(cmd string) commandLine {
	var c commandLine
	fields := strings.Fields(cmd)
	for len(fields) > 0 {
		switch f := fields[0]; {
		case f == "sudo":
			c.sudo = true
		case f == "env":
		case strings.Contains(f, "=") && !strings.HasPrefix(f, "-"):
			c.env = append(c.env, f)
		default:
			c.argv = fields
			return c
		}
		fields = fields[1:]
	}
	return c
}

// within checks c against the granted command line.
func (c commandLine) within(grant commandLine) error {
	if c.sudo && !grant.sudo {
		return model.Errorf(model.KindForbidden, "privilege-widening",
			"sudo was not granted")
	}
	for _, e := range c.env {
		if !slices.Contains(grant.env, e) {
			return model.Errorf(model.KindForbidden, "privilege-widening",
				"environment %s was not granted", e)
		}
	}
	if len(c.argv) == 0 || len(grant.argv) == 0 || c.argv[0] != grant.argv[0] {
		return model.Errorf(model.KindForbidden, "resource-mismatch",
			"command %s is outside the granted %s", c.binary(), grant.binary())
	}
	if len(c.argv) != len(grant.argv) {
		return model.Errorf(model.KindForbidden, "resource-mismatch",
			"command %s takes %d arguments, %d were granted", c.binary(), len(c.argv)-1, len(grant.argv)-1)
	}
	for i := 1; i < len(c.argv); i++ {
		if !argWithin(grant.argv[i], c.argv[i]) {
			return model.Errorf(model.KindForbidden, "resource-mismatch",
				"argument %s is outside the granted %s", c.argv[i], grant.argv[i])
		}
	}
	return nil
}

// paths lists the absolute paths among the arguments, including the
// values of name=value flags.
func (c commandLine) paths() []string {
	var out []string
	for _, a := range c.argv {
		if _, v, ok := strings.Cut(a, "="); ok {
			a = v
		}
		if isAbs(a) {
			out = append(out, a)
		}
	}
	return out
}

func (c commandLine) binary() string {
	if len(c.argv) == 0 {
		return ""
	}
	return filepath.Base(c.argv[0])
}

// argWithin reports whether a used argument stays inside a granted one:
// equal, or an absolute path below the granted path.
func argWithin(grant, used string) bool {
	if grant == used {
		return true
	}
	gk, gv, gok := strings.Cut(grant, "=")
	uk, uv, uok := strings.Cut(used, "=")
	if gok || uok {
		if !gok || !uok || gk != uk {
			return false
		}
		grant, used = gv, uv
	}
	return isAbs(grant) && isAbs(used) && within(grant, used)
}

// binary returns the executable name of a command line, skipping sudo
// and environment assignments.
func binary(cmd string) string {
	return parseCommand(cmd).binary()
}
