package elevation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/elevator/internal/audit"
	"github.com/ppiankov/elevator/internal/backend"
	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/mfa"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// inbox captures MFA codes by identity.
type inbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *inbox) deliver(ctx context.Context, c mfa.Challenge, code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[c.Identity] = code
	return nil
}

func (b *inbox) code(who string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[who]
}

type harness struct {
	o      *Orchestrator
	audit  *audit.Memory
	box    *inbox
	clock  *fakeClock
	dir    *identity.Directory
	policy *policy.Resolver
}

var testIdentities = []model.Identity{
	{ID: "dev", Tenant: "T1", Roles: []string{"developer"}},
	{ID: "alice", Tenant: "T1", Roles: []string{"platform-admin", "sysadmin", "maintainer"}},
	{ID: "carol", Tenant: "T1", Roles: []string{"design-lead", "sysadmin"}},
	{ID: "bob", Tenant: "*", Roles: []string{"security", "repo-admin"}},
	{ID: "mallory", Tenant: "T1", Roles: []string{"sysadmin"}, Status: model.StatusSuspended},
}

var fastRetry = retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

func newHarness(t *testing.T, cfg *policy.Config, mutate func(*Config)) *harness {
	t.Helper()
	if cfg == nil {
		cfg = policy.DefaultConfig()
	}
	resolver := policy.NewResolver(cfg, "test")
	dir, err := identity.NewDirectory(testIdentities)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := backend.NewRegistry(backend.Options{Policy: resolver, Directory: dir})
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	box := &inbox{codes: make(map[string]string)}
	sink := &audit.Memory{}

	c := Config{
		Registry:   reg,
		Identities: dir,
		MFA:        mfa.NewLocal(mfa.Config{Deliver: box.deliver, Now: clock.Now}),
		Audit:      sink,
		Retry:      fastRetry,
		Now:        clock.Now,
	}
	if mutate != nil {
		mutate(&c)
	}
	o, err := New(c)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{o: o, audit: sink, box: box, clock: clock, dir: dir, policy: resolver}
}

// submitVerified submits in and answers the MFA challenge if one is issued.
func (h *harness) submitVerified(t *testing.T, in SubmitInput) View {
	t.Helper()
	v, err := h.o.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit %s: %v", in.Scope, err)
	}
	if v.State != StateMFAPending {
		return v
	}
	v, err = h.o.VerifyMFA(context.Background(), v.ID, h.box.code(in.Requester))
	if err != nil {
		t.Fatalf("verify mfa for %s: %v", in.Scope, err)
	}
	return v
}

func twoApprovals() *policy.Config {
	cfg := policy.DefaultConfig()
	two := 2
	cfg.Tenants = map[string]policy.Layer{"T1": {MinApprovals: &two}}
	return cfg
}

func states(v View) []State {
	out := make([]State, 0, len(v.History))
	for _, tr := range v.History {
		out = append(out, tr.To)
	}
	return out
}
