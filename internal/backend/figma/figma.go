// Package figma implements elevation for the design collaboration backend.
package figma

import (
	"context"
	"strings"

	"github.com/ppiankov/elevator/internal/hook"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

// Backend is the scope prefix owned by this hook.
const Backend = "figma"

// Target attributes understood by the figma hook.
const (
	KeyFileKey = "file_key"
	KeyLibrary = "library"
	KeyFormat  = "format"
	KeyNode    = "node_id"
)

// SourceFormat is the native design file format. Exporting it hands out
// the editable source rather than a rendering.
const SourceFormat = "fig"

var exportFormats = map[string]bool{"png": true, "jpg": true, "svg": true, "pdf": true, SourceFormat: true}

var ops = []scope.Op{
	{Name: "read", Sensitivity: model.SensLow, Description: "view restricted files"},
	{Name: "comment", Sensitivity: model.SensLow, Description: "comment on restricted files"},
	{Name: "edit", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "edit a file"},
	{Name: "export", Sensitivity: model.SensMedium, MFA: model.MFABasic, Description: "export assets or source"},
	{Name: "publish", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "publish a shared library"},
	{Name: "admin", Sensitivity: model.SensHigh, MFA: model.MFAStrong, Approval: true, Description: "team and permission administration"},
}

// DefaultProtectedLibraries are the shared libraries edit and publish may
// not touch.
var DefaultProtectedLibraries = []string{"*design-system*", "*brand*"}

// Hook is the figma backend.
type Hook struct {
	hook.Base
	protected []string
}

// New returns a figma hook. Nil protected uses DefaultProtectedLibraries.
func New(res hook.PolicySource, dir hook.Directory, protected []string) *Hook {
	if protected == nil {
		protected = DefaultProtectedLibraries
	}
	return &Hook{
		Base: hook.Base{
			Backend:   Backend,
			Catalog:   scope.MustCatalog(Backend, ops),
			Policy:    res,
			Directory: dir,
		},
		protected: protected,
	}
}

// ValidateRequest requires a file key and keeps edit and publish away
// from protected libraries.
func (h *Hook) ValidateRequest(ctx context.Context, req hook.Request) error {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return err
	}
	t := req.Target
	if err := hook.Require(t, KeyFileKey); err != nil {
		return err
	}
	op := hook.Operation(req.Scope)

	if f := normalizeFormat(t.Get(KeyFormat)); f != "" && !exportFormats[f] {
		return model.Errorf(model.KindInvalidPayload, "unsupported-format",
			"export format %q is not supported", t.Get(KeyFormat))
	}
	switch op {
	case "edit", "publish":
		if lib := t.Get(KeyLibrary); lib != "" {
			if pattern, ok := policy.MatchAny(h.protected, lib); ok {
				return model.Errorf(model.KindForbidden, "protected-library",
					"library %q is protected (%s)", lib, pattern)
			}
		}
	}
	return h.CheckForbidden(limits, t.Values(KeyFileKey, KeyLibrary)...)
}

// SelectApprovers routes to design leads, adding security for sensitive
// files or libraries.
func (h *Hook) SelectApprovers(ctx context.Context, req hook.Request) ([]model.Identity, error) {
	limits, err := h.PolicyLimits(ctx, req.Tenant, req.Market)
	if err != nil {
		return nil, err
	}
	roles := []string{"design-lead"}
	if h.Sensitive(limits, req.Target.Values(KeyFileKey, KeyLibrary)...) {
		roles = append(roles, "security")
	}
	return h.Approvers(ctx, req, roles...)
}

// ValidateTokenUse requires the same file and node, and refuses exports
// that widen a rendering grant to the source format.
func (h *Hook) ValidateTokenUse(ctx context.Context, tokenID, s string, granted model.Resource, usage model.Usage) error {
	if err := model.FromContext(ctx); err != nil {
		return err
	}
	if err := hook.RequireUsage(usage, KeyFileKey); err != nil {
		return err
	}
	if err := hook.SameValue(KeyFileKey, granted, usage); err != nil {
		return err
	}
	if err := hook.SameValue(KeyNode, granted, usage); err != nil {
		return err
	}
	used := normalizeFormat(usage.Get(KeyFormat))
	if used != "" && !exportFormats[used] {
		return model.Errorf(model.KindInvalidMetadata, "unsupported-format",
			"export format %q is not supported", usage.Get(KeyFormat))
	}
	if used == SourceFormat && normalizeFormat(granted.Get(KeyFormat)) != SourceFormat {
		return model.Errorf(model.KindForbidden, "format-widening",
			"source export was not granted")
	}
	return nil
}

// AuditMetadata reports the file, library and export format.
func (h *Hook) AuditMetadata(tokenID, s string, target model.Resource) map[string]any {
	m := h.Metadata(tokenID, s)
	for _, k := range []string{KeyFileKey, KeyLibrary, KeyNode} {
		if v := target.Get(k); v != "" {
			m[k] = v
		}
	}
	if f := normalizeFormat(target.Get(KeyFormat)); f != "" {
		m[KeyFormat] = f
	}
	return m
}

func normalizeFormat(f string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
}
