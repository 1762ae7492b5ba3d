package policydiff

import (
	"sort"
	"strconv"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
)

// DiffResult holds the structured differences between two policies.
type DiffResult struct {
	OldPath    string   `json:"old_path"`
	NewPath    string   `json:"new_path"`
	Changes    []Change `json:"changes"`
	HasChanges bool     `json:"has_changes"`
}

// Change is one difference in the resolved limits of a view.
type Change struct {
	View    string `json:"view"`
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// View is a (tenant, market) pair whose resolved limits are compared.
type View struct {
	Tenant string
	Market string
}

func (v View) String() string {
	switch {
	case v.Tenant == "" && v.Market == policy.DefaultMarket:
		return "global"
	case v.Tenant == "":
		return "market " + v.Market
	case v.Market == policy.DefaultMarket:
		return "tenant " + v.Tenant
	default:
		return "tenant " + v.Tenant + " / market " + v.Market
	}
}

var tiers = []model.Sensitivity{model.SensLow, model.SensMedium, model.SensHigh}

// Diff compares two policy configs by what they resolve to: the global
// view, every tenant and every market named in either file. Changes
// inherited from a lower layer are reported once, on the global view.
func Diff(old, new *policy.Config) *DiffResult {
	r := &DiffResult{}
	oldRes := policy.NewResolver(old, "")
	newRes := policy.NewResolver(new, "")

	var base []Change
	for i, v := range Views(old, new) {
		a := oldRes.ResolvePolicy(v.Tenant, v.Market)
		b := newRes.ResolvePolicy(v.Tenant, v.Market)
		changes := diffLimits(v.String(), a, b)
		if i == 0 {
			base = changes
			r.Changes = append(r.Changes, changes...)
			continue
		}
		for _, c := range changes {
			if !inherited(base, c) {
				r.Changes = append(r.Changes, c)
			}
		}
	}

	r.HasChanges = len(r.Changes) > 0
	return r
}

// Views lists the global view first, then tenants, then markets, each
// sorted by name.
func Views(configs ...*policy.Config) []View {
	tenants := map[string]bool{}
	markets := map[string]bool{}
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		for t := range cfg.Tenants {
			tenants[t] = true
		}
		for m := range cfg.Markets {
			markets[policy.NormalizeMarket(m)] = true
		}
	}
	views := []View{{Market: policy.DefaultMarket}}
	for _, t := range sortedKeys(tenants) {
		views = append(views, View{Tenant: t, Market: policy.DefaultMarket})
	}
	for _, m := range sortedKeys(markets) {
		if m == policy.DefaultMarket {
			continue
		}
		views = append(views, View{Market: m})
	}
	return views
}

func inherited(base []Change, c Change) bool {
	for _, b := range base {
		if b.Field == c.Field && b.Old == c.Old && b.New == c.New {
			return true
		}
	}
	return false
}

func diffLimits(view string, a, b policy.Limits) []Change {
	var out []Change
	add := func(field, old, new, comment string) {
		out = append(out, Change{View: view, Field: field, Old: old, New: new, Comment: comment})
	}

	for _, tier := range tiers {
		if x, y := a.TTLFor(tier), b.TTLFor(tier); x != y {
			add("max_token_ttl."+string(tier), x.String(), y.String(), lowerIsStricter(int64(x), int64(y)))
		}
	}
	for _, tier := range tiers {
		if x, y := a.MFAFor(tier), b.MFAFor(tier); x != y {
			add("min_mfa."+string(tier), string(x), string(y), mfaComment(x, y))
		}
	}
	for _, tier := range tiers {
		x, y := a.ApprovalRequired(tier), b.ApprovalRequired(tier)
		if x == y {
			continue
		}
		comment := "looser"
		if y {
			comment = "stricter"
		}
		add("approval."+string(tier), strconv.FormatBool(x), strconv.FormatBool(y), comment)
	}
	if x, y := a.Approvals(), b.Approvals(); x != y {
		add("min_approvals", strconv.Itoa(x), strconv.Itoa(y), lowerIsStricter(int64(y), int64(x)))
	}
	for _, tier := range tiers {
		if x, y := a.UsesFor(tier), b.UsesFor(tier); x != y {
			add("max_uses."+string(tier), usesLabel(x), usesLabel(y), usesComment(x, y))
		}
	}
	if x, y := a.RequestTimeout, b.RequestTimeout; x != y {
		add("request_timeout", x.String(), y.String(), "")
	}

	out = append(out, diffPatterns(view, "forbidden_resources", a.ForbiddenResources, b.ForbiddenResources)...)
	out = append(out, diffPatterns(view, "sensitive_resources", a.SensitiveResources, b.SensitiveResources)...)
	out = append(out, diffPatterns(view, "dpo_scopes", a.DPOScopes, b.DPOScopes)...)

	for _, k := range sortedKeys(union(a.Regulatory, b.Regulatory)) {
		if x, y := a.Regulatory[k], b.Regulatory[k]; x != y {
			add("regulatory."+k, x, y, "")
		}
	}

	if x, y := a.Emergency.Allowed, b.Emergency.Allowed; x != y {
		comment := "stricter"
		if y {
			comment = "looser"
		}
		add("emergency.allowed", strconv.FormatBool(x), strconv.FormatBool(y), comment)
	}
	if x, y := a.Emergency.Cap(), b.Emergency.Cap(); x != y {
		add("emergency.ttl_cap", x.String(), y.String(), lowerIsStricter(int64(x), int64(y)))
	}
	if x, y := a.Emergency.MinMFA, b.Emergency.MinMFA; x != y {
		add("emergency.min_mfa", string(x), string(y), mfaComment(x, y))
	}
	return out
}

// diffPatterns reports added patterns as stricter and removed ones as
// looser; every list compared here narrows what is allowed as it grows.
func diffPatterns(view, field string, old, new []string) []Change {
	oldSet := make(map[string]bool, len(old))
	for _, p := range old {
		oldSet[p] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, p := range new {
		newSet[p] = true
	}

	var out []Change
	for _, p := range sortedKeys(newSet) {
		if !oldSet[p] {
			out = append(out, Change{View: view, Field: field, New: p, Comment: "added"})
		}
	}
	for _, p := range sortedKeys(oldSet) {
		if !newSet[p] {
			out = append(out, Change{View: view, Field: field, Old: p, Comment: "removed"})
		}
	}
	return out
}

func lowerIsStricter(old, new int64) string {
	if new < old {
		return "stricter"
	}
	return "looser"
}

func mfaComment(old, new model.MFALevel) string {
	if new.AtLeast(old) {
		return "stricter"
	}
	return "looser"
}

// 0 uses means bounded by time only, the loosest setting.
func usesComment(old, new int) string {
	switch {
	case old == 0:
		return "stricter"
	case new == 0:
		return "looser"
	default:
		return lowerIsStricter(int64(old), int64(new))
	}
}

func usesLabel(n int) string {
	if n == 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

// Summary counts stricter and looser changes.
func (r *DiffResult) Summary() (stricter, looser int) {
	for _, c := range r.Changes {
		switch c.Comment {
		case "stricter", "added":
			stricter++
		case "looser", "removed":
			looser++
		}
	}
	return stricter, looser
}

func union(a, b map[string]string) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
