// Package mfa defines the MFA collaborator and a local one-time code
// implementation.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/elevator/internal/model"
)

// Service issues and verifies MFA challenges.
type Service interface {
	IssueChallenge(ctx context.Context, who model.Identity, level model.MFALevel) (string, error)
	VerifyChallenge(ctx context.Context, challengeID, response string) (bool, error)
}

// Challenge is delivered to the identity out of band.
type Challenge struct {
	ID        string
	Identity  string
	Level     model.MFALevel
	ExpiresAt time.Time
}

// DeliverFunc hands the plain code to the identity.
type DeliverFunc func(ctx context.Context, c Challenge, code string) error

// DefaultTTL bounds how long a code is accepted.
const DefaultTTL = 5 * time.Minute

// Config configures Local.
type Config struct {
	TTL     time.Duration
	Deliver DeliverFunc
	Logger  *slog.Logger
	Now     func() time.Time
}

type pending struct {
	Challenge
	hash [sha256.Size]byte
}

// Local keeps challenges in memory. Codes are stored hashed and each
// challenge verifies at most once.
type Local struct {
	mu         sync.Mutex
	challenges map[string]*pending
	ttl        time.Duration
	deliver    DeliverFunc
	logger     *slog.Logger
	now        func() time.Time
}

// NewLocal creates a Local service.
func NewLocal(cfg Config) *Local {
	l := &Local{
		challenges: make(map[string]*pending),
		ttl:        cfg.TTL,
		deliver:    cfg.Deliver,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTL
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.deliver == nil {
		l.deliver = l.logDelivery
	}
	return l
}

func (l *Local) logDelivery(ctx context.Context, c Challenge, code string) error {
	l.logger.InfoContext(ctx, "mfa code issued",
		"challenge", c.ID, "identity", c.Identity, "level", string(c.Level), "code", code)
	return nil
}

// IssueChallenge creates a challenge for who and delivers its code.
// Strong challenges use longer codes.
func (l *Local) IssueChallenge(ctx context.Context, who model.Identity, level model.MFALevel) (string, error) {
	if err := model.FromContext(ctx); err != nil {
		return "", err
	}
	if level == model.MFANone || !level.Valid() {
		return "", model.Errorf(model.KindInvalidPayload, "invalid-mfa-level", "cannot challenge at level %q", level)
	}
	digits := 6
	if level == model.MFAStrong {
		digits = 8
	}
	code, err := randomCode(digits)
	if err != nil {
		return "", err
	}
	idBytes := make([]byte, 12)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("failed to generate challenge id: %w", err)
	}
	c := Challenge{
		ID:        "mfa-" + hex.EncodeToString(idBytes),
		Identity:  who.ID,
		Level:     level,
		ExpiresAt: l.now().Add(l.ttl),
	}

	l.mu.Lock()
	l.challenges[c.ID] = &pending{Challenge: c, hash: sha256.Sum256([]byte(code))}
	l.mu.Unlock()

	if err := l.deliver(ctx, c, code); err != nil {
		l.mu.Lock()
		delete(l.challenges, c.ID)
		l.mu.Unlock()
		return "", fmt.Errorf("deliver challenge: %w", err)
	}
	return c.ID, nil
}

// VerifyChallenge reports whether response matches. A matched challenge
// is consumed. Expired challenges fail with Timeout.
func (l *Local) VerifyChallenge(ctx context.Context, challengeID, response string) (bool, error) {
	if err := model.FromContext(ctx); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.challenges[challengeID]
	if !ok {
		return false, model.Errorf(model.KindNotFound, "unknown-challenge", "challenge %q not found", challengeID)
	}
	if !l.now().Before(p.ExpiresAt) {
		delete(l.challenges, challengeID)
		return false, model.Errorf(model.KindTimeout, "challenge-expired", "challenge %q expired", challengeID)
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(response)))
	if subtle.ConstantTimeCompare(sum[:], p.hash[:]) != 1 {
		return false, nil
	}
	delete(l.challenges, challengeID)
	return true, nil
}

func randomCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
