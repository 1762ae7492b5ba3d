package elevation

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/telemetry"
	"github.com/ppiankov/elevator/internal/tracer"
)

func correlationFrom(ctx context.Context) string {
	return tracer.CorrelationID(ctx)
}

// Await blocks until the request is no longer waiting on MFA or approval,
// its deadline passes, or ctx ends. A cancelled ctx rejects the request
// with reason cancelled; an expired ctx or request deadline expires it
// with reason timeout. Either way the final view is returned with the
// typed error.
func (o *Orchestrator) Await(ctx context.Context, requestID string) (View, error) {
	r, err := o.lookup(requestID)
	if err != nil {
		return View{}, err
	}
	for {
		r.mu.Lock()
		if !r.state.Waiting() && r.state != StateRequested {
			v := r.view()
			r.mu.Unlock()
			return v, nil
		}
		if err := o.expireIfOverdue(ctx, r); err != nil {
			v := r.view()
			r.mu.Unlock()
			return v, err
		}
		changed := r.changed
		wait := r.deadline.Sub(o.now())
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			cerr := model.FromContext(ctx)
			r.mu.Lock()
			if r.state.Waiting() {
				cerr = o.fail(ctx, r, r.requester.ID, cerr)
			}
			v := r.view()
			r.mu.Unlock()
			return v, cerr
		}
	}
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	ExpiredRequests int `json:"expired_requests"`
	ExpiredTokens   int `json:"expired_tokens"`
	PrunedRequests  int `json:"pruned_requests"`
	PrunedTokens    int `json:"pruned_tokens"`
}

// Sweep expires waiting requests past their deadline and requests whose
// token lapsed, then drops settled requests older than the retention
// window.
func (o *Orchestrator) Sweep(now time.Time) SweepResult {
	ctx := context.Background()
	var res SweepResult
	cutoff := now.Add(-o.cfg.Retention)

	o.requests.Range(func(k, v any) bool {
		r := v.(*request)
		r.mu.Lock()
		defer r.mu.Unlock()
		switch {
		case !r.state.Settled() && !now.Before(r.deadline):
			err := model.Errorf(model.KindTimeout, ReasonTimeout, "request %s passed its deadline", r.id)
			o.fail(ctx, r, "system", err)
			res.ExpiredRequests++
		case r.state.Terminal() && r.lastChange().Before(cutoff):
			o.requests.Delete(k)
			if r.tokenID != "" {
				o.byToken.Delete(r.tokenID)
			}
			res.PrunedRequests++
		}
		return true
	})

	for _, t := range o.tokens.Lapsed(now) {
		o.cfg.Telemetry.TokenExpired(telemetry.Labels{Tenant: t.Tenant, Market: t.Market})
		r := o.requestForToken(t.ID)
		if r == nil {
			continue
		}
		r.mu.Lock()
		if r.state == StateTokenIssued {
			o.transition(ctx, r, []State{StateTokenIssued}, StateExpired, "system", ReasonTokenExpired, "")
			res.ExpiredTokens++
		}
		r.mu.Unlock()
	}

	res.PrunedTokens = o.tokens.Prune(cutoff)
	o.pruneLimiters(cutoff)
	return res
}

// lastChange returns when r last moved. Caller holds r.mu.
func (r *request) lastChange() time.Time {
	if n := len(r.history); n > 0 {
		return r.history[n-1].At
	}
	return r.createdAt
}

// Run sweeps every interval until ctx ends, then waits for notifications
// still in flight.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer o.notices.Wait()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			res := o.Sweep(o.now())
			if res != (SweepResult{}) {
				o.logger.Info("elevation sweep",
					"expired_requests", res.ExpiredRequests,
					"expired_tokens", res.ExpiredTokens,
					"pruned_requests", res.PrunedRequests,
					"pruned_tokens", res.PrunedTokens,
				)
			}
		}
	}
}
