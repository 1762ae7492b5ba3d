package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/elevator/internal/retry"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("audit: emitter closed")

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	Sink      Sink
	Spool     *Spool // optional; without it undeliverable records are only logged
	Retry     retry.Policy
	QueueSize int
	Timeout   time.Duration // per delivery attempt
	Logger    *slog.Logger
}

// Emitter delivers records to a sink off the caller's goroutine. Failed
// deliveries are retried, then spooled, then logged as a last resort.
// Emit never blocks: a full queue spools directly.
type Emitter struct {
	cfg   EmitterConfig
	queue chan Record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	spooled   atomic.Int64
	lost      atomic.Int64
	degraded  atomic.Bool
}

// NewEmitter starts the delivery worker.
func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	e := &Emitter{
		cfg:   cfg,
		queue: make(chan Record, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit implements Sink.
func (e *Emitter) Emit(ctx context.Context, r Record) error {
	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	select {
	case e.queue <- r:
		e.mu.RUnlock()
		return nil
	default:
	}
	e.mu.RUnlock()
	e.fallback(ctx, r, errors.New("audit queue full"))
	return nil
}

func (e *Emitter) run() {
	defer close(e.done)
	for r := range e.queue {
		if err := e.deliver(context.Background(), r); err != nil {
			e.fallback(context.Background(), r, err)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, r Record) error {
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		return e.cfg.Sink.Emit(ctx, r)
	})
	if err != nil {
		return err
	}
	e.delivered.Add(1)
	if e.degraded.CompareAndSwap(true, false) {
		e.cfg.Logger.Info("audit sink recovered")
	}
	return nil
}

func (e *Emitter) fallback(ctx context.Context, r Record, cause error) {
	if e.degraded.CompareAndSwap(false, true) {
		e.cfg.Logger.Warn("audit sink degraded", "error", cause)
	}
	if e.cfg.Spool != nil {
		err := e.cfg.Spool.Put(context.WithoutCancel(ctx), r, cause)
		if err == nil {
			e.spooled.Add(1)
			return
		}
		cause = fmt.Errorf("%w; spool: %w", cause, err)
	}
	e.lost.Add(1)
	e.cfg.Logger.Error("audit record undeliverable",
		"error", cause,
		"event", r.Event,
		"request_id", r.RequestID,
		"token_id", r.TokenID,
		"scope", r.Scope,
		"from", r.From,
		"to", r.To,
		"reason", r.Reason,
		"actor", r.Actor,
		"emergency", r.Emergency,
		"correlation_id", r.CorrelationID,
	)
}

// Flush redelivers spooled records in order, stopping at the first
// failure. It returns how many were delivered.
func (e *Emitter) Flush(ctx context.Context) (int, error) {
	if e.cfg.Spool == nil {
		return 0, nil
	}
	pending, err := e.cfg.Spool.Pending(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range pending {
		if err := e.deliver(ctx, item.Record); err != nil {
			return n, fmt.Errorf("redeliver spooled record %d: %w", item.ID, err)
		}
		if err := e.cfg.Spool.Delete(ctx, item.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Degraded reports whether the last delivery failed.
func (e *Emitter) Degraded() bool { return e.degraded.Load() }

// EmitterStats counts delivery outcomes.
type EmitterStats struct {
	Delivered int64 `json:"delivered"`
	Spooled   int64 `json:"spooled"`
	Lost      int64 `json:"lost"`
}

// Stats returns delivery counters.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Delivered: e.delivered.Load(),
		Spooled:   e.spooled.Load(),
		Lost:      e.lost.Load(),
	}
}

// Close stops accepting records and waits until the queue drains.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}
