// Package docker implements elevation for the container runtime backend.
package docker

import (
	"context"
	"path"
	"strings"

	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/scope"
)

// Backend is the scope prefix owned by this hook.
const Backend = "docker"

// Target attributes understood by the docker hook.
const (
	KeyImage      = "image"
	KeyContainer  = "container"
	KeyPrivileged = "privileged"
	KeyMounts     = "mounts"
	KeyNetwork    = "network"
	KeyCapAdd     = "cap_add"
)

var ops = []scope.Op{
	{Name: "read", Sensitivity: model.SensLow, Description: "inspect containers, images and logs"},
	{Name: "run", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "start a container from an image"},
	{Name: "build", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "build an image"},
	{Name: "exec", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "exec into a running container"},
	{Name: "push", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "push an image to a registry"},
	{Name: "admin", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "daemon administration, privileged containers"},
}

// ProtectedMounts are host paths that are never bind-mounted.
var ProtectedMounts = []string{
	"/",
	"/etc",
	"/root",
	"/boot",
	"/proc",
	"/sys",
	"/dev",
	"/var/run/docker.sock",
	"/run/docker.sock",
	"/var/lib/docker",
}

var privilegedCaps = map[string]bool{"all": true, "sys_admin": true, "sys_module": true, "net_admin": true, "sys_ptrace": true}

// Hook is the docker backend.
type Hook struct {
	hook.Base
}

// New returns a docker hook.
func New(res hook.PolicySource, dir hook.Directory) *Hook {
	return &Hook{Base: hook.Base{
		Backend:   Backend,
		Catalog:   scope.MustCatalog(Backend, ops),
		Policy:    res,
		Directory: dir,
	}}
}

// ValidateRequest checks image and container metadata and refuses
// privilege escalation outside docker:admin.
func (h *Hook) ValidateRequest(ctx context.Context, req hook.Request) error {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return err
	}
	t := req.Target
	op := hook.Operation(req.Scope)

	switch op {
	case "run", "build", "push":
		if err := hook.Require(t, KeyImage); err != nil {
			return err
		}
	case "exec":
		if err := hook.Require(t, KeyContainer); err != nil {
			return err
		}
	}

	if op != "admin" {
		if t.Bool(KeyPrivileged) {
			return model.Errorf(model.KindForbidden, "privileged-container",
				"privileged containers require docker:admin")
		}
		for _, c := range t.List(KeyCapAdd) {
			if privilegedCaps[strings.ToLower(strings.TrimPrefix(strings.ToUpper(c), "CAP_"))] {
				return model.Errorf(model.KindForbidden, "privileged-container",
					"capability %s requires docker:admin", c)
			}
		}
		if strings.EqualFold(t.Get(KeyNetwork), "host") {
			return model.Errorf(model.KindForbidden, "host-network",
				"host networking requires docker:admin")
		}
	}

	for _, m := range t.List(KeyMounts) {
		if p, ok := protectedMount(m); ok {
			return model.Errorf(model.KindForbidden, "protected-mount",
				"mount of host path %s is not allowed", p)
		}
	}

	return h.CheckForbidden(limits, t.Values(KeyImage, KeyContainer)...)
}

// SelectApprovers routes to platform operators, adding security for
// sensitive images or containers.
func (h *Hook) SelectApprovers(ctx context.Context, req hook.Request) ([]model.Identity, error) {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return nil, err
	}
	roles := []string{"platform-admin"}
	if h.Sensitive(limits, req.Target.Values(KeyImage, KeyContainer)...) {
		roles = append(roles, "security")
	}
	return h.Approvers(ctx, req, roles...)
}

// ValidateTokenUse requires the same image and container and no wider
// privileges or mounts than were granted.
func (h *Hook) ValidateTokenUse(ctx context.Context, tokenID, s string, granted model.Resource, usage model.Usage) error {
	if err := model.FromContext(ctx); err != nil {
		return err
	}
	if granted.Has(KeyImage) {
		if err := hook.RequireUsage(usage, KeyImage); err != nil {
			return err
		}
		if !sameImage(granted.Get(KeyImage), usage.Get(KeyImage)) {
			return model.Errorf(model.KindForbidden, "resource-mismatch",
				"image %q is outside the granted %q", usage.Get(KeyImage), granted.Get(KeyImage))
		}
	}
	if err := hook.SameValue(KeyContainer, granted, usage); err != nil {
		return err
	}
	if err := hook.NoWidening(KeyPrivileged, "privilege-widening", granted, usage); err != nil {
		return err
	}
	if strings.EqualFold(usage.Get(KeyNetwork), "host") && !strings.EqualFold(granted.Get(KeyNetwork), "host") {
		return model.Errorf(model.KindForbidden, "privilege-widening", "host networking was not granted")
	}
	if err := hook.Subset(KeyCapAdd, "privilege-widening", granted, usage); err != nil {
		return err
	}
	return hook.Subset(KeyMounts, "mount-widening", granted, usage)
}

// AuditMetadata reports the image, container and privilege flags.
func (h *Hook) AuditMetadata(tokenID, s string, target model.Resource) map[string]any {
	m := h.Metadata(tokenID, s)
	for _, k := range []string{KeyImage, KeyContainer, KeyNetwork} {
		if v := target.Get(k); v != "" {
			m[k] = v
		}
	}
	if target.Bool(KeyPrivileged) {
		m[KeyPrivileged] = true
	}
	if mounts := target.List(KeyMounts); len(mounts) > 0 {
		m[KeyMounts] = mounts
	}
	return m
}

// protectedMount returns the host side of a "host:container[:mode]" mount
// if it is, or lies under, a protected path. The root itself matches only
// exactly.
func protectedMount(mount string) (string, bool) {
	host := mount
	if i := strings.Index(mount, ":"); i >= 0 {
		host = mount[:i]
	}
	if !strings.HasPrefix(host, "/") {
		return "", false
	}
	host = path.Clean(host)
	for _, p := range ProtectedMounts {
		if host == p || (p != "/" && strings.HasPrefix(host, p+"/")) {
			return host, true
		}
	}
	return "", false
}

// sameImage matches repository and tag. A granted image without a tag
// admits any tag of that repository.
func sameImage(granted, used string) bool {
	g, u := strings.ToLower(granted), strings.ToLower(used)
	if g == u {
		return true
	}
	if repo, tag := splitImage(g); tag == "" {
		urepo, _ := splitImage(u)
		return repo == urepo
	}
	return false
}

func splitImage(ref string) (repo, tag string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	slash := strings.LastIndex(ref, "/")
	if i := strings.LastIndex(ref, ":"); i > slash {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
