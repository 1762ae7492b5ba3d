package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
)

func TestNewRegistryRegistersAllBackends(t *testing.T) {
	reg, err := NewRegistry(Options{Policy: policy.NewResolver(policy.DefaultConfig(), "")})
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(reg.Backends(), ",")
	if got != "desktop,docker,figma,github" {
		t.Errorf("expected four backends, got %s", got)
	}
	if n := len(reg.Scopes()); n != 22 {
		t.Errorf("expected 22 scopes, got %d", n)
	}
}

func TestNewRegistryRequiresPolicy(t *testing.T) {
	if _, err := NewRegistry(Options{}); err == nil {
		t.Error("expected error without policy source")
	}
}

// Every scope with an unregistered prefix fails with UnknownBackend, and
// every catalog scope validates through its own hook.
func TestRegistryScopeProperty(t *testing.T) {
	reg, err := NewRegistry(Options{Policy: policy.NewResolver(policy.DefaultConfig(), "")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, d := range reg.Scopes() {
		got, err := reg.ValidateScope(ctx, d.Scope, "T1", "default")
		if err != nil {
			t.Errorf("%s: expected valid, got %v", d.Scope, err)
			continue
		}
		if got.Backend != d.Backend || got.Sensitivity != d.Sensitivity {
			t.Errorf("%s: resolved to %+v", d.Scope, got)
		}

		unknown := "x" + d.Backend + ":" + d.Operation
		if _, err := reg.ValidateScope(ctx, unknown, "T1", "default"); model.KindOf(err) != model.KindUnknownBackend {
			t.Errorf("%s: expected UnknownBackend, got %v", unknown, err)
		}
	}
}

// Admin operations always need strong MFA and approval; read needs neither.
func TestSensitivityTables(t *testing.T) {
	reg, err := NewRegistry(Options{Policy: policy.NewResolver(policy.DefaultConfig(), "")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, backend := range reg.Backends() {
		h, _ := reg.Get(backend)

		mfa, _ := h.RequiredMFA(ctx, backend+":admin", "T1", "default")
		need, _ := h.RequiresApproval(ctx, backend+":admin", "T1", "default")
		if mfa != model.MFAStrong || !need {
			t.Errorf("%s:admin: expected strong MFA and approval, got %s, %v", backend, mfa, need)
		}

		mfa, _ = h.RequiredMFA(ctx, backend+":read", "T1", "default")
		need, _ = h.RequiresApproval(ctx, backend+":read", "T1", "default")
		if mfa != model.MFANone || need {
			t.Errorf("%s:read: expected no MFA or approval, got %s, %v", backend, mfa, need)
		}
	}
}
