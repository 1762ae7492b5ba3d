package model

import (
	"sort"
	"strconv"
	"strings"
)

// Sensitivity classifies how dangerous an elevated operation is.
type Sensitivity string

const (
	SensLow    Sensitivity = "low"
	SensMedium Sensitivity = "medium"
	SensHigh   Sensitivity = "high"
)

// SensRank maps sensitivity to a comparable integer for monotonic escalation.
var SensRank = map[Sensitivity]int{
	SensLow:    0,
	SensMedium: 1,
	SensHigh:   2,
}

// Valid reports whether s is one of the known tiers.
func (s Sensitivity) Valid() bool {
	_, ok := SensRank[s]
	return ok
}

// MFALevel is the required strength of multi-factor verification.
type MFALevel string

const (
	MFANone   MFALevel = "none"
	MFABasic  MFALevel = "basic"
	MFAStrong MFALevel = "strong"
)

var mfaRank = map[MFALevel]int{
	MFANone:   0,
	MFABasic:  1,
	MFAStrong: 2,
}

// Valid reports whether l is one of the known levels.
func (l MFALevel) Valid() bool {
	_, ok := mfaRank[l]
	return ok
}

// AtLeast reports whether l is as strong as other.
func (l MFALevel) AtLeast(other MFALevel) bool {
	return mfaRank[l] >= mfaRank[other]
}

// StrongerMFA returns the stronger of two levels. Unknown levels rank as none.
func StrongerMFA(a, b MFALevel) MFALevel {
	if !a.Valid() {
		a = MFANone
	}
	if !b.Valid() {
		b = MFANone
	}
	if mfaRank[b] > mfaRank[a] {
		return b
	}
	return a
}

// Identity status values returned by the identity provider.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Identity is a user or approver as known to the identity provider.
type Identity struct {
	ID     string   `yaml:"id" json:"id"`
	Tenant string   `yaml:"tenant" json:"tenant"`
	Roles  []string `yaml:"roles" json:"roles"`
	Status string   `yaml:"status" json:"status"`
}

// Active reports whether the identity may act.
func (i Identity) Active() bool {
	return i.Status == "" || i.Status == StatusActive
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IdentityIDs returns the sorted ids of the given identities.
func IdentityIDs(ids []Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.ID)
	}
	sort.Strings(out)
	return out
}

// Resource describes the target of an elevated operation as flat
// backend-specific attributes (image, repo, branch, path, file_key, ...).
type Resource map[string]string

// Usage is the metadata describing one attempted use of an elevation token.
// It uses the same attribute vocabulary as Resource.
type Usage = Resource

// Get returns the trimmed attribute value, or "" if unset.
func (r Resource) Get(key string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r[key])
}

// Has reports whether the attribute is present and non-empty.
func (r Resource) Has(key string) bool {
	return r.Get(key) != ""
}

// Bool parses a boolean attribute. Missing or malformed values are false.
func (r Resource) Bool(key string) bool {
	v, err := strconv.ParseBool(r.Get(key))
	if err != nil {
		return false
	}
	return v
}

// List splits a comma-separated attribute into trimmed non-empty items.
func (r Resource) List(key string) []string {
	raw := r.Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns an independent copy.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	out := make(Resource, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Values returns the non-empty attribute values for the given keys, in order.
func (r Resource) Values(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if v := r.Get(k); v != "" {
			out = append(out, v)
		}
	}
	return out
}
