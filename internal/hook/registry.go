package hook

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/scope"
)

// Registry maps backend ids to hooks. Build it once at startup.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Hook)}
}

// Register adds h. A second hook for the same backend fails with DuplicateHook.
func (r *Registry) Register(h Hook) error {
	id := strings.ToLower(strings.TrimSpace(h.HookType()))
	if id == "" {
		return errors.New("hook has no backend id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[id]; ok {
		return model.Errorf(model.KindDuplicateHook, "duplicate-hook",
			"a hook for backend %q is already registered", id)
	}
	r.hooks[id] = h
	return nil
}

// Get returns the hook for backend, or NotFound.
func (r *Registry) Get(backend string) (Hook, error) {
	r.mu.RLock()
	h, ok := r.hooks[strings.ToLower(backend)]
	r.mu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "unknown-backend", "no hook registered for %q", backend)
	}
	return h, nil
}

// Lookup returns the hook owning s.
func (r *Registry) Lookup(s string) (Hook, error) {
	backend, _, err := scope.Parse(s)
	if err != nil {
		return nil, err
	}
	h, err := r.Get(backend)
	if err != nil {
		return nil, model.Errorf(model.KindUnknownBackend, "unknown-backend",
			"no hook registered for backend %q", backend)
	}
	return h, nil
}

// ValidateScope parses the backend prefix of s and delegates to its hook.
func (r *Registry) ValidateScope(ctx context.Context, s, tenantID, market string) (scope.Details, error) {
	h, err := r.Lookup(s)
	if err != nil {
		return scope.Details{}, err
	}
	return h.ValidateScope(ctx, s, tenantID, market)
}

// Backends returns the registered backend ids, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hooks))
	for id := range r.hooks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Lister is implemented by hooks that can enumerate their scopes.
type Lister interface {
	Scopes() []scope.Details
}

// Scopes lists every scope offered by registered hooks that implement Lister.
func (r *Registry) Scopes() []scope.Details {
	var out []scope.Details
	for _, id := range r.Backends() {
		h, _ := r.Get(id)
		if l, ok := h.(Lister); ok {
			out = append(out, l.Scopes()...)
		}
	}
	return out
}
