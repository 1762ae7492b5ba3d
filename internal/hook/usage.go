package hook

import (
	"strings"

	"github.com/ppiankov/elevator/internal/model"
)

// RequireUsage returns InvalidMetadata if usage lacks any of keys.
func RequireUsage(usage model.Usage, keys ...string) error {
	for _, k := range keys {
		if !usage.Has(k) {
			return model.Errorf(model.KindInvalidMetadata, "missing-"+strings.ReplaceAll(k, "_", "-"),
				"usage metadata requires %q", k)
		}
	}
	return nil
}

// SameValue enforces that a granted attribute, when set, is used unchanged.
// Comparison is case-insensitive.
func SameValue(key string, granted model.Resource, usage model.Usage) error {
	want := granted.Get(key)
	if want == "" {
		return nil
	}
	if err := RequireUsage(usage, key); err != nil {
		return err
	}
	if got := usage.Get(key); !strings.EqualFold(got, want) {
		return model.Errorf(model.KindForbidden, "resource-mismatch",
			"%s %q is outside the granted %q", key, got, want)
	}
	return nil
}

// Subset enforces that every item of the usage list was granted.
func Subset(key, reason string, granted model.Resource, usage model.Usage) error {
	allowed := make(map[string]bool)
	for _, v := range granted.List(key) {
		allowed[strings.ToLower(v)] = true
	}
	for _, v := range usage.List(key) {
		if !allowed[strings.ToLower(v)] {
			return model.Errorf(model.KindForbidden, reason, "%s %q was not granted", key, v)
		}
	}
	return nil
}

// NoWidening rejects a boolean privilege flag set at use but not at grant.
func NoWidening(key, reason string, granted model.Resource, usage model.Usage) error {
	if usage.Bool(key) && !granted.Bool(key) {
		return model.Errorf(model.KindForbidden, reason, "%s was not granted", key)
	}
	return nil
}
