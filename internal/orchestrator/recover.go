package orchestrator

import (
	"context"
	"time"

	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/recovery"
)

// recoverer tracks the re-initialisation schedule of one service.
type recoverer struct {
	name   string
	policy recovery.Policy
	init   func(ctx context.Context) bool
	stats  func() health.Snapshot
	after  func(ctx context.Context)

	attempts int
	next     time.Time
}

// checkHealth evaluates every service and attempts recovery where due.
func (o *Orchestrator) checkHealth(ctx context.Context) {
	snaps := make([]health.Snapshot, 0, len(o.recoverers)+1)
	for _, r := range o.recoverers {
		snaps = append(snaps, o.attemptRecovery(ctx, r, r.stats()))
	}
	snaps = append(snaps, o.cfg.Engine.Stats())
	if o.cfg.OnHealth != nil {
		o.cfg.OnHealth(snaps...)
	}
}

// attemptRecovery makes at most one TryInitialize call for an unhealthy
// service and returns its health afterwards. A failed attempt schedules the
// next one after the policy's delay; the loop is never blocked waiting.
func (o *Orchestrator) attemptRecovery(ctx context.Context, r *recoverer, snap health.Snapshot) health.Snapshot {
	now := o.cfg.Clock.Now()
	if snap.IsHealthy {
		if r.attempts > 0 {
			r.reset()
		}
		return snap
	}
	if ctx.Err() != nil || now.Before(r.next) {
		return snap
	}

	r.attempts++
	monitoring.Opsf("Warning: %s is %s, recovery attempt %d", r.name, snap.Status, r.attempts)
	if r.init(ctx) {
		monitoring.Opsf("%s recovered after %d attempts", r.name, r.attempts)
		r.reset()
		if r.after != nil {
			r.after(ctx)
		}
		return r.stats()
	}

	delay := r.policy.NextDelay()
	r.next = now.Add(delay)
	monitoring.Diagf("%s recovery failed, next attempt in %s", r.name, delay)
	return r.stats()
}

func (r *recoverer) reset() {
	r.attempts = 0
	r.next = time.Time{}
	if rs, ok := r.policy.(recovery.Resetter); ok {
		rs.Reset()
	}
}
