// Package backend wires the built-in hooks into a registry.
package backend

import (
	"fmt"

	"github.com/ppiankov/elevator/internal/backend/desktop"
	"github.com/ppiankov/elevator/internal/backend/docker"
	"github.com/ppiankov/elevator/internal/backend/figma"
	"github.com/ppiankov/elevator/internal/backend/github"
	"github.com/ppiankov/elevator/internal/denylist"
	"github.com/ppiankov/elevator/internal/hook"
)

// Options configures the built-in hooks.
type Options struct {
	Policy    hook.PolicySource
	Directory hook.Directory

	// Denylist overrides the desktop command and path patterns.
	Denylist *denylist.Denylist
	// ProtectedLibraries overrides the figma protected library patterns.
	ProtectedLibraries []string
}

// NewRegistry builds the process registry with every built-in hook. Call
// it once at startup.
func NewRegistry(opts Options) (*hook.Registry, error) {
	if opts.Policy == nil {
		return nil, fmt.Errorf("backend: policy source is required")
	}
	reg := hook.NewRegistry()
	hooks := []hook.Hook{
		docker.New(opts.Policy, opts.Directory),
		github.New(opts.Policy, opts.Directory),
		desktop.New(opts.Policy, opts.Directory, opts.Denylist),
		figma.New(opts.Policy, opts.Directory, opts.ProtectedLibraries),
	}
	for _, h := range hooks {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
