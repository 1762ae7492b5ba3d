package mfa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/elevator/internal/model"
)

type inbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *inbox) deliver(ctx context.Context, c Challenge, code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.codes == nil {
		b.codes = make(map[string]string)
	}
	b.codes[c.ID] = code
	return nil
}

func TestIssueAndVerify(t *testing.T) {
	box := &inbox{}
	svc := NewLocal(Config{Deliver: box.deliver})
	ctx := context.Background()

	id, err := svc.IssueChallenge(ctx, model.Identity{ID: "dev"}, model.MFABasic)
	if err != nil {
		t.Fatal(err)
	}
	code := box.codes[id]
	if len(code) != 6 {
		t.Errorf("expected 6-digit basic code, got %q", code)
	}

	if ok, err := svc.VerifyChallenge(ctx, id, "not-it"); ok || err != nil {
		t.Errorf("expected wrong code to fail quietly, got %v, %v", ok, err)
	}
	if ok, err := svc.VerifyChallenge(ctx, id, " "+code+" "); !ok || err != nil {
		t.Errorf("expected correct code to pass, got %v, %v", ok, err)
	}
	if _, err := svc.VerifyChallenge(ctx, id, code); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected consumed challenge to be gone, got %v", err)
	}
}

func TestStrongCodesAreLonger(t *testing.T) {
	box := &inbox{}
	svc := NewLocal(Config{Deliver: box.deliver})
	id, err := svc.IssueChallenge(context.Background(), model.Identity{ID: "dev"}, model.MFAStrong)
	if err != nil {
		t.Fatal(err)
	}
	if len(box.codes[id]) != 8 {
		t.Errorf("expected 8-digit strong code, got %q", box.codes[id])
	}
}

func TestExpiredChallenge(t *testing.T) {
	box := &inbox{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewLocal(Config{Deliver: box.deliver, TTL: time.Minute, Now: func() time.Time { return now }})
	id, _ := svc.IssueChallenge(context.Background(), model.Identity{ID: "dev"}, model.MFABasic)

	now = now.Add(time.Minute)
	_, err := svc.VerifyChallenge(context.Background(), id, box.codes[id])
	if !errors.Is(err, model.ErrTimeout) {
		t.Errorf("expected Timeout, got %v", err)
	}
}

func TestNoneLevelRejected(t *testing.T) {
	svc := NewLocal(Config{})
	if _, err := svc.IssueChallenge(context.Background(), model.Identity{ID: "dev"}, model.MFANone); !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("expected InvalidPayload, got %v", err)
	}
}

func TestDeliveryFailureDropsChallenge(t *testing.T) {
	svc := NewLocal(Config{Deliver: func(context.Context, Challenge, string) error {
		return errors.New("sms gateway down")
	}})
	if _, err := svc.IssueChallenge(context.Background(), model.Identity{ID: "dev"}, model.MFABasic); err == nil {
		t.Fatal("expected delivery error")
	}
	if len(svc.challenges) != 0 {
		t.Errorf("expected no pending challenges, got %d", len(svc.challenges))
	}
}
