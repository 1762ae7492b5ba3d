package policy

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/elevator/internal/breakglass"
	"github.com/ppiankov/elevator/internal/model"
)

// DefaultMarket is used when a caller does not name a market.
const DefaultMarket = "default"

// DefaultRequestTimeout applies when no layer sets request_timeout.
const DefaultRequestTimeout = 15 * time.Minute

// snapshot is one immutable generation of configuration plus the cache of
// limits resolved from it. Reloading swaps the whole snapshot.
type snapshot struct {
	cfg   *Config
	hash  string
	cache sync.Map // cacheKey → Limits
}

type cacheKey struct {
	tenant string
	market string
}

// Resolver merges global, tenant and market layers into Limits and caches
// the result per (tenant, market). Reads never lock; Reload and Invalidate
// replace the snapshot atomically, so a reader sees either the old or the
// new policy in full.
type Resolver struct {
	state atomic.Pointer[snapshot]
}

// NewResolver creates a resolver over cfg. A nil cfg uses DefaultConfig.
func NewResolver(cfg *Config, hash string) *Resolver {
	r := &Resolver{}
	r.Reload(cfg, hash)
	return r
}

// Reload installs a new configuration and drops every cached resolution.
func (r *Resolver) Reload(cfg *Config, hash string) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r.state.Store(&snapshot{cfg: cfg, hash: hash})
}

// Invalidate drops cached resolutions while keeping the configuration.
func (r *Resolver) Invalidate() {
	cur := r.state.Load()
	r.state.Store(&snapshot{cfg: cur.cfg, hash: cur.hash})
}

// Config returns the configuration in force. Callers must not modify it.
func (r *Resolver) Config() *Config {
	return r.state.Load().cfg
}

// Hash returns the hash of the configuration in force.
func (r *Resolver) Hash() string {
	return r.state.Load().hash
}

// NormalizeMarket lowercases and trims a market name, defaulting to "default".
func NormalizeMarket(market string) string {
	market = strings.ToLower(strings.TrimSpace(market))
	if market == "" {
		return DefaultMarket
	}
	return market
}

// ResolvePolicy returns the merged limits for a tenant in a market.
// Market overrides beat tenant overrides, which beat global defaults.
func (r *Resolver) ResolvePolicy(tenantID, market string) Limits {
	snap := r.state.Load()
	key := cacheKey{tenant: strings.TrimSpace(tenantID), market: NormalizeMarket(market)}

	if v, ok := snap.cache.Load(key); ok {
		return v.(Limits)
	}

	limits := resolve(snap.cfg, key.tenant, key.market)
	actual, _ := snap.cache.LoadOrStore(key, limits)
	return actual.(Limits)
}

func resolve(cfg *Config, tenant, market string) Limits {
	l := Limits{
		Tenant:         tenant,
		Market:         market,
		MaxTokenTTL:    map[model.Sensitivity]time.Duration{},
		MinMFA:         map[model.Sensitivity]model.MFALevel{},
		MaxUses:        map[model.Sensitivity]int{},
		Regulatory:     map[string]string{},
		MinApprovals:   1,
		RequestTimeout: DefaultRequestTimeout,
		Emergency:      breakglass.DefaultLimits(),
	}

	layers := []Layer{cfg.Global}
	if t, ok := cfg.Tenants[tenant]; ok {
		layers = append(layers, t)
	}
	if m, ok := lookupMarket(cfg.Markets, market); ok {
		layers = append(layers, m)
	}
	for _, layer := range layers {
		l = apply(l, layer)
	}
	return l
}

func lookupMarket(markets map[string]Layer, market string) (Layer, bool) {
	if m, ok := markets[market]; ok {
		return m, true
	}
	for name, m := range markets {
		if strings.EqualFold(name, market) {
			return m, true
		}
	}
	return Layer{}, false
}

// apply returns base with every set field of layer laid on top. base's
// maps are copied, never written.
func apply(base Limits, layer Layer) Limits {
	out := base

	out.MaxTokenTTL = mergeMap(base.MaxTokenTTL, layer.MaxTokenTTL)
	out.MinMFA = mergeMap(base.MinMFA, layer.MinMFA)
	out.MaxUses = mergeMap(base.MaxUses, layer.MaxUses)
	out.Regulatory = mergeMap(base.Regulatory, layer.Regulatory)

	if layer.ApprovalTiers != nil {
		out.ApprovalTiers = append([]model.Sensitivity(nil), layer.ApprovalTiers...)
	}
	if layer.SensitiveResources != nil {
		out.SensitiveResources = append([]string(nil), layer.SensitiveResources...)
	}
	if layer.ForbiddenResources != nil {
		out.ForbiddenResources = append([]string(nil), layer.ForbiddenResources...)
	}
	if layer.DPOScopes != nil {
		out.DPOScopes = append([]string(nil), layer.DPOScopes...)
	}
	if layer.MinApprovals != nil {
		out.MinApprovals = *layer.MinApprovals
	}
	if layer.RequestTimeout != nil {
		out.RequestTimeout = *layer.RequestTimeout
	}
	if e := layer.Emergency; e != nil {
		if e.Allowed != nil {
			out.Emergency.Allowed = *e.Allowed
		}
		if e.TTLCap != nil {
			out.Emergency.TTLCap = *e.TTLCap
		}
		if e.MinMFA != nil {
			out.Emergency.MinMFA = *e.MinMFA
		}
	}
	return out
}

func mergeMap[K comparable, V any](base, over map[K]V) map[K]V {
	out := make(map[K]V, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
