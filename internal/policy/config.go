package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/elevator/internal/breakglass"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/notify"
)

// EmergencyLayer overrides emergency allowances. Nil fields fall through.
type EmergencyLayer struct {
	Allowed *bool           `yaml:"allowed,omitempty"`
	TTLCap  *time.Duration  `yaml:"ttl_cap,omitempty"`
	MinMFA  *model.MFALevel `yaml:"min_mfa,omitempty"`
}

// Layer is one level of policy (global, tenant, or market). Unset fields
// (nil pointers, nil maps, nil slices) fall through to the layer below.
// Map entries override per tier; a set slice replaces the lower one.
type Layer struct {
	MaxTokenTTL        map[model.Sensitivity]time.Duration  `yaml:"max_token_ttl,omitempty"`
	MinMFA             map[model.Sensitivity]model.MFALevel `yaml:"min_mfa,omitempty"`
	ApprovalTiers      []model.Sensitivity                  `yaml:"approval_tiers,omitempty"`
	MinApprovals       *int                                 `yaml:"min_approvals,omitempty"`
	MaxUses            map[model.Sensitivity]int            `yaml:"max_uses,omitempty"`
	SensitiveResources []string                             `yaml:"sensitive_resources,omitempty"`
	ForbiddenResources []string                             `yaml:"forbidden_resources,omitempty"`
	RequestTimeout     *time.Duration                       `yaml:"request_timeout,omitempty"`
	DPOScopes          []string                             `yaml:"dpo_scopes,omitempty"`
	Regulatory         map[string]string                    `yaml:"regulatory,omitempty"`
	Emergency          *EmergencyLayer                      `yaml:"emergency,omitempty"`
}

// Config holds the global policy plus tenant and market overrides.
type Config struct {
	Global  Layer            `yaml:"global"`
	Tenants map[string]Layer `yaml:"tenants,omitempty"`
	Markets map[string]Layer `yaml:"markets,omitempty"`

	// Notifications are read once at server start; they do not hot-reload.
	Notifications []notify.WebhookConfig `yaml:"notifications,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// DefaultConfig returns the built-in policy.
func DefaultConfig() *Config {
	return &Config{
		Global: Layer{
			MaxTokenTTL: map[model.Sensitivity]time.Duration{
				model.SensLow:    4 * time.Hour,
				model.SensMedium: time.Hour,
				model.SensHigh:   15 * time.Minute,
			},
			MinMFA: map[model.Sensitivity]model.MFALevel{
				model.SensLow:    model.MFANone,
				model.SensMedium: model.MFABasic,
				model.SensHigh:   model.MFAStrong,
			},
			ApprovalTiers: []model.Sensitivity{model.SensHigh},
			MinApprovals:  ptr(1),
			MaxUses: map[model.Sensitivity]int{
				model.SensHigh: 1,
			},
			SensitiveResources: []string{"*prod*", "*secret*"},
			ForbiddenResources: []string{},
			RequestTimeout:     ptr(15 * time.Minute),
			Emergency: &EmergencyLayer{
				Allowed: ptr(true),
				TTLCap:  ptr(breakglass.DefaultDuration),
				MinMFA:  ptr(model.MFAStrong),
			},
		},
		Markets: map[string]Layer{
			"eu": {
				MinMFA: map[model.Sensitivity]model.MFALevel{
					model.SensMedium: model.MFAStrong,
				},
				DPOScopes:  []string{"figma:export", "github:secrets", "desktop:read"},
				Regulatory: map[string]string{"regime": "gdpr"},
			},
		},
	}
}

// Validate checks the config for values that would make resolution unsafe.
func (c *Config) Validate() error {
	var errs []error
	check := func(name string, l Layer) {
		for tier, ttl := range l.MaxTokenTTL {
			if !tier.Valid() {
				errs = append(errs, fmt.Errorf("%s: max_token_ttl: unknown tier %q", name, tier))
			}
			if ttl <= 0 {
				errs = append(errs, fmt.Errorf("%s: max_token_ttl[%s] must be positive", name, tier))
			}
		}
		for tier, lvl := range l.MinMFA {
			if !tier.Valid() {
				errs = append(errs, fmt.Errorf("%s: min_mfa: unknown tier %q", name, tier))
			}
			if !lvl.Valid() {
				errs = append(errs, fmt.Errorf("%s: min_mfa[%s]: unknown level %q", name, tier, lvl))
			}
		}
		for _, tier := range l.ApprovalTiers {
			if !tier.Valid() {
				errs = append(errs, fmt.Errorf("%s: approval_tiers: unknown tier %q", name, tier))
			}
		}
		for tier, n := range l.MaxUses {
			if !tier.Valid() || n < 0 {
				errs = append(errs, fmt.Errorf("%s: max_uses[%s] invalid", name, tier))
			}
		}
		if l.MinApprovals != nil && *l.MinApprovals < 1 {
			errs = append(errs, fmt.Errorf("%s: min_approvals must be at least 1", name))
		}
		if l.RequestTimeout != nil && *l.RequestTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%s: request_timeout must be positive", name))
		}
		if e := l.Emergency; e != nil {
			if e.TTLCap != nil && (*e.TTLCap <= 0 || *e.TTLCap > breakglass.MaxDuration) {
				errs = append(errs, fmt.Errorf("%s: emergency.ttl_cap must be in (0, %s]", name, breakglass.MaxDuration))
			}
			if e.MinMFA != nil && !e.MinMFA.Valid() {
				errs = append(errs, fmt.Errorf("%s: emergency.min_mfa: unknown level %q", name, *e.MinMFA))
			}
		}
	}

	check("global", c.Global)
	for name, l := range c.Tenants {
		check("tenants."+name, l)
	}
	for name, l := range c.Markets {
		check("markets."+name, l)
	}
	for i, w := range c.Notifications {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("notifications[%d]: url is required", i))
		}
	}
	return errors.Join(errs...)
}

// DefaultPath returns ~/.elevator/policy.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".elevator", "policy.yaml")
}

// LoadConfig loads policy configuration from a YAML file.
// Empty path falls back to ~/.elevator/policy.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads policy configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read policy config: %w", err)
		}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	if len(data) == 0 {
		return DefaultConfig(), hash, nil
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid policy config: %w", err)
	}

	return cfg, hash, nil
}

// DefaultConfigYAML returns a commented YAML string for init-policy.
func DefaultConfigYAML() string {
	return `# elevator policy configuration
# Generated by: elevator init-policy
#
# Resolution order (later wins, unset fields fall through):
#   1. global
#   2. tenants.<tenant-id>
#   3. markets.<market>
#
# Tiers: low | medium | high. MFA levels: none | basic | strong.

global:
  # Longest token lifetime per tier.
  max_token_ttl:
    low: 4h
    medium: 1h
    high: 15m
  # Minimum MFA per tier. A scope default may be stronger, never weaker.
  min_mfa:
    low: none
    medium: basic
    high: strong
  # Tiers that always need approval.
  approval_tiers: [high]
  # Distinct approvals needed before a token is issued.
  min_approvals: 1
  # Token use count per tier (0 or unset = time-bound only).
  max_uses:
    high: 1
  # Targets matching these route approval to the security role.
  sensitive_resources: ["*prod*", "*secret*"]
  # Targets matching these are always rejected.
  forbidden_resources: []
  # Pending requests (MFA or approval) expire after this long.
  request_timeout: 15m
  emergency:
    allowed: true
    ttl_cap: 10m
    min_mfa: strong

tenants: {}

markets:
  eu:
    min_mfa:
      medium: strong
    # Scopes whose audit records carry dpo_approval_required=true.
    dpo_scopes: ["figma:export", "github:secrets", "desktop:read"]
    regulatory:
      regime: gdpr

# Approval and emergency notices. Read at server start.
# notifications:
#   - url: https://hooks.slack.com/services/T000/B000/XXX
#     format: slack            # generic | slack | pagerduty
#     events: [approval_requested, emergency_issued]
`
}
