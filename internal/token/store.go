// Package token issues and tracks elevation tokens. A token is an opaque
// id; everything it authorizes lives in the store.
package token

import (
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/tracer"
)

// Token is the record behind an opaque token id.
type Token struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Scope     string         `json:"scope"`
	Tenant    string         `json:"tenant"`
	Market    string         `json:"market"`
	Requester string         `json:"requester"`
	Target    model.Resource `json:"target,omitempty"`
	Emergency bool           `json:"emergency,omitempty"`

	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	MaxUses   int        `json:"max_uses"` // 0 = bounded by time only
	Uses      int        `json:"uses"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy string     `json:"revoked_by,omitempty"`

	lapseReported bool
}

// OneTime reports whether the token is consumed by its first use.
func (t Token) OneTime() bool { return t.MaxUses == 1 }

// Exhausted reports whether every allowed use has been spent.
func (t Token) Exhausted() bool { return t.MaxUses > 0 && t.Uses >= t.MaxUses }

// Check returns TokenRevoked or TokenExpired if the token cannot be used
// at now. Revocation is checked first.
func (t Token) Check(now time.Time) error {
	if t.RevokedAt != nil {
		return model.Errorf(model.KindTokenRevoked, "token-revoked", "token was revoked at %s", t.RevokedAt.Format(time.RFC3339))
	}
	if !now.Before(t.ExpiresAt) {
		return model.Errorf(model.KindTokenExpired, "token-expired", "token expired at %s", t.ExpiresAt.Format(time.RFC3339))
	}
	if t.Exhausted() {
		return model.Errorf(model.KindTokenExpired, "uses-exhausted", "token has no uses left")
	}
	return nil
}

// Grant describes a token to issue.
type Grant struct {
	RequestID string
	Scope     string
	Tenant    string
	Market    string
	Requester string
	Target    model.Resource
	Emergency bool
	TTL       time.Duration
	MaxUses   int
}

// Store holds issued tokens in memory.
type Store struct {
	mu     sync.Mutex
	tokens map[string]*Token
	now    func() time.Time
}

// NewStore creates an empty store using the wall clock.
func NewStore() *Store {
	return &Store{tokens: make(map[string]*Token), now: time.Now}
}

// WithClock replaces the store clock. For tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Issue mints a token for g. TTL must be positive.
func (s *Store) Issue(g Grant) (Token, error) {
	if g.TTL <= 0 {
		return Token{}, model.Errorf(model.KindInvalidPayload, "invalid-ttl", "token ttl must be positive, got %s", g.TTL)
	}
	id, err := tracer.NewTokenID()
	if err != nil {
		return Token{}, model.Wrap(model.KindTransient, "token-id", err)
	}
	now := s.now().UTC()
	t := &Token{
		ID:        id,
		RequestID: g.RequestID,
		Scope:     g.Scope,
		Tenant:    g.Tenant,
		Market:    g.Market,
		Requester: g.Requester,
		Target:    g.Target.Clone(),
		Emergency: g.Emergency,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.TTL),
		MaxUses:   g.MaxUses,
	}
	s.mu.Lock()
	s.tokens[id] = t
	s.mu.Unlock()
	return *t, nil
}

// Get returns a snapshot of the token.
func (s *Store) Get(id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, model.Errorf(model.KindNotFound, "unknown-token", "token not found")
	}
	return *t, nil
}

// Use validates the token at the current time and, if allow returns nil,
// records one use. The check, allow and increment happen under the store
// lock so concurrent uses of a one-time token cannot both succeed.
func (s *Store) Use(id string, allow func(Token) error) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, model.Errorf(model.KindNotFound, "unknown-token", "token not found")
	}
	if err := t.Check(s.now()); err != nil {
		return *t, err
	}
	if allow != nil {
		if err := allow(*t); err != nil {
			return *t, err
		}
	}
	t.Uses++
	return *t, nil
}

// Revoke marks the token revoked. Revoking twice is not an error.
func (s *Store) Revoke(id, actor string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, model.Errorf(model.KindNotFound, "unknown-token", "token not found")
	}
	if t.RevokedAt == nil {
		now := s.now().UTC()
		t.RevokedAt = &now
		t.RevokedBy = actor
	}
	return *t, nil
}

// Lapsed returns tokens that expired at or before now and were neither
// revoked, exhausted nor returned by an earlier call.
func (s *Store) Lapsed(now time.Time) []Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Token
	for _, t := range s.tokens {
		if t.RevokedAt != nil || t.lapseReported || t.Exhausted() || now.Before(t.ExpiresAt) {
			continue
		}
		t.lapseReported = true
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Prune drops tokens that ended before cutoff.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tokens {
		ended := t.ExpiresAt
		if t.RevokedAt != nil && t.RevokedAt.Before(ended) {
			ended = *t.RevokedAt
		}
		if ended.Before(cutoff) {
			delete(s.tokens, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
