// Package scope defines elevation scopes ("<backend>:<operation>") and the
// immutable catalogs that describe them.
package scope

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/elevator/internal/model"
)

// Separator splits the backend prefix from the operation.
const Separator = ":"

// Details describes one registered scope.
type Details struct {
	Scope           string            `json:"scope" yaml:"scope"`
	Backend         string            `json:"backend" yaml:"backend"`
	Operation       string            `json:"operation" yaml:"operation"`
	Sensitivity     model.Sensitivity `json:"sensitivity" yaml:"sensitivity"`
	DefaultMFA      model.MFALevel    `json:"default_mfa" yaml:"default_mfa"`
	DefaultApproval bool              `json:"default_approval" yaml:"default_approval"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// Op is a compact row in a backend's static scope table.
type Op struct {
	Name        string
	Sensitivity model.Sensitivity
	MFA         model.MFALevel
	Approval    bool
	Description string
}

// Parse splits a scope into backend and operation. Both halves must be
// non-empty and the scope must contain exactly one separator.
func Parse(s string) (backend, operation string, err error) {
	s = strings.TrimSpace(s)
	idx := strings.Index(s, Separator)
	if idx < 0 {
		return "", "", model.Errorf(model.KindMalformedScope, "missing-prefix",
			"scope %q has no backend prefix", s)
	}
	backend, operation = s[:idx], s[idx+1:]
	if backend == "" || operation == "" || strings.Contains(operation, Separator) {
		return "", "", model.Errorf(model.KindMalformedScope, "malformed-scope",
			"scope %q must have the form <backend>:<operation>", s)
	}
	return strings.ToLower(backend), strings.ToLower(operation), nil
}

// Catalog is an immutable set of scope definitions. It is built once at
// start and safe for concurrent reads.
type Catalog struct {
	entries map[string]Details
}

// NewCatalog builds a catalog for one backend from its static table.
func NewCatalog(backend string, ops []Op) (*Catalog, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		return nil, fmt.Errorf("scope: backend id must not be empty")
	}
	c := &Catalog{entries: make(map[string]Details, len(ops))}
	for _, op := range ops {
		name := strings.ToLower(strings.TrimSpace(op.Name))
		if name == "" || strings.Contains(name, Separator) {
			return nil, fmt.Errorf("scope: invalid operation name %q for backend %s", op.Name, backend)
		}
		if !op.Sensitivity.Valid() {
			return nil, fmt.Errorf("scope: %s:%s has unknown sensitivity %q", backend, name, op.Sensitivity)
		}
		mfa := op.MFA
		if mfa == "" {
			mfa = model.MFANone
		}
		if !mfa.Valid() {
			return nil, fmt.Errorf("scope: %s:%s has unknown mfa level %q", backend, name, op.MFA)
		}
		id := backend + Separator + name
		if _, dup := c.entries[id]; dup {
			return nil, fmt.Errorf("scope: duplicate scope %s", id)
		}
		c.entries[id] = Details{
			Scope:           id,
			Backend:         backend,
			Operation:       name,
			Sensitivity:     op.Sensitivity,
			DefaultMFA:      mfa,
			DefaultApproval: op.Approval,
			Description:     op.Description,
		}
	}
	return c, nil
}

// MustCatalog is NewCatalog for static tables; it panics on a bad table.
func MustCatalog(backend string, ops []Op) *Catalog {
	c, err := NewCatalog(backend, ops)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve looks up a scope and returns its details.
func (c *Catalog) Resolve(s string) (Details, error) {
	backend, op, err := Parse(s)
	if err != nil {
		return Details{}, err
	}
	d, ok := c.entries[backend+Separator+op]
	if !ok {
		return Details{}, model.Errorf(model.KindUnknownScope, "unknown-scope", "scope %q is not registered", s)
	}
	return d, nil
}

// List returns all scopes sorted by id.
func (c *Catalog) List() []Details {
	out := make([]Details, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
