// Package identity resolves requesters and approvers.
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/elevator/internal/model"
)

// Provider is the identity collaborator the orchestrator consumes.
type Provider interface {
	ResolveIdentity(ctx context.Context, id string) (model.Identity, error)
	IsActive(ctx context.Context, id string) (bool, error)
	ListByRole(ctx context.Context, tenantID, role string) ([]model.Identity, error)
}

// AnyTenant marks an identity valid for every tenant.
const AnyTenant = "*"

// File is the on-disk identities document.
type File struct {
	Identities []model.Identity `yaml:"identities"`
}

// Directory is an in-memory Provider loaded from YAML.
type Directory struct {
	mu  sync.RWMutex
	ids map[string]model.Identity
}

// NewDirectory creates a Directory from a list of identities.
func NewDirectory(ids []model.Identity) (*Directory, error) {
	d := &Directory{ids: make(map[string]model.Identity, len(ids))}
	for _, id := range ids {
		if err := d.Put(id); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DefaultPath returns ~/.elevator/identities.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identities.yaml"
	}
	return filepath.Join(home, ".elevator", "identities.yaml")
}

// Load reads a Directory from a YAML file. A missing file yields an empty
// directory, which denies every requester.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDirectory(nil)
		}
		return nil, fmt.Errorf("failed to read identities: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse identities: %w", err)
	}
	return NewDirectory(f.Identities)
}

// Put adds or replaces an identity.
func (d *Directory) Put(id model.Identity) error {
	key := strings.ToLower(strings.TrimSpace(id.ID))
	if key == "" {
		return fmt.Errorf("identity id must not be empty")
	}
	switch id.Status {
	case "", model.StatusActive, model.StatusSuspended:
	default:
		return fmt.Errorf("identity %s: unknown status %q", id.ID, id.Status)
	}
	id.ID = key
	if id.Status == "" {
		id.Status = model.StatusActive
	}
	d.mu.Lock()
	d.ids[key] = id
	d.mu.Unlock()
	return nil
}

// ResolveIdentity returns the identity for id or NotFound.
func (d *Directory) ResolveIdentity(ctx context.Context, id string) (model.Identity, error) {
	if err := model.FromContext(ctx); err != nil {
		return model.Identity{}, err
	}
	d.mu.RLock()
	ident, ok := d.ids[strings.ToLower(strings.TrimSpace(id))]
	d.mu.RUnlock()
	if !ok {
		return model.Identity{}, model.Errorf(model.KindNotFound, "unknown-identity", "identity %q not found", id)
	}
	return ident, nil
}

// IsActive reports whether id exists and is active.
func (d *Directory) IsActive(ctx context.Context, id string) (bool, error) {
	ident, err := d.ResolveIdentity(ctx, id)
	if err != nil {
		if model.KindOf(err) == model.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return ident.Active(), nil
}

// ListByRole returns identities holding role in tenantID, sorted by id.
// Identities with tenant "*" or no tenant belong to every tenant.
func (d *Directory) ListByRole(ctx context.Context, tenantID, role string) ([]model.Identity, error) {
	if err := model.FromContext(ctx); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.Identity
	for _, id := range d.ids {
		if !id.HasRole(role) {
			continue
		}
		if id.Tenant != "" && id.Tenant != AnyTenant && !strings.EqualFold(id.Tenant, tenantID) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of identities.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ids)
}

// SampleYAML is written by "elevator init-policy" next to the policy.
const SampleYAML = `# elevator identities
# Roles used by the built-in backends: platform-admin, maintainer,
# repo-admin, security, sysadmin, design-lead.
identities:
  - id: dev
    tenant: T1
    roles: [developer]
  - id: alice
    tenant: T1
    roles: [platform-admin, sysadmin, maintainer]
  - id: bob
    tenant: "*"
    roles: [security, repo-admin]
  - id: carol
    tenant: T1
    roles: [design-lead, sysadmin]
`
