// Package autoscaler sizes the verification worker fleet against the
// queue backlog. A single control loop samples the queue depth each
// interval, computes the demanded worker count, and reconciles the
// fleet through an orchestrator driver: immediately when demand grows,
// and only after a run of idle checks when it shrinks. Driver errors
// are logged and swallowed; the next cycle retries.
package autoscaler

import (
	"context"
	"log"
	"time"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/pkg/distlock"
	"github.com/khalith/mailscout/internal/queue"
)

// Driver manipulates the worker fleet. Implementations: ComposeDriver
// for a local container fleet, MachinesDriver for a cloud machines API.
type Driver interface {
	// ListWorkers returns the number of live workers.
	ListWorkers(ctx context.Context) (int, error)
	// ScaleTo grows or shrinks the fleet to exactly n workers.
	ScaleTo(ctx context.Context, n int) error
}

// Autoscaler is the fleet control loop.
type Autoscaler struct {
	cfg    config.AutoscalerConfig
	broker *queue.Broker
	driver Driver

	// Optional leader lock: with several replicas running, only the one
	// holding the lock acts in a given cycle. Nil means single-instance.
	lock distlock.DistLock

	idleStreak int
}

// New creates an autoscaler. lock may be nil.
func New(cfg config.AutoscalerConfig, broker *queue.Broker, driver Driver, lock distlock.DistLock) *Autoscaler {
	return &Autoscaler{cfg: cfg, broker: broker, driver: driver, lock: lock}
}

// Run executes the control loop until the context is cancelled. The
// first cycle runs immediately so a freshly started autoscaler reacts
// to existing backlog without waiting out an interval.
func (a *Autoscaler) Run(ctx context.Context) {
	log.Printf("[Autoscaler] Starting control loop (interval=%s, workers=%d..%d, chunk_size=%d, idle_checks=%d)",
		a.cfg.Interval(), a.cfg.MinWorkers, a.cfg.MaxWorkers, a.cfg.ChunkSize, a.cfg.IdleChecksBeforeScaleDown)

	ticker := time.NewTicker(a.cfg.Interval())
	defer ticker.Stop()

	for {
		a.cycle(ctx)
		select {
		case <-ctx.Done():
			log.Printf("[Autoscaler] Control loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// cycle performs one sample-compute-reconcile pass.
func (a *Autoscaler) cycle(ctx context.Context) {
	if a.lock != nil {
		ok, err := a.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Autoscaler] Leader lock: %v", err)
			return
		}
		if !ok {
			// Another replica leads this cycle.
			return
		}
		defer func() {
			if err := a.lock.Release(ctx); err != nil {
				log.Printf("[Autoscaler] Leader lock release: %v", err)
			}
		}()
	}

	depth, err := a.broker.Depth(ctx)
	if err != nil {
		log.Printf("[Autoscaler] Queue depth: %v", err)
		return
	}
	current, err := a.driver.ListWorkers(ctx)
	if err != nil {
		log.Printf("[Autoscaler] List workers: %v", err)
		return
	}

	a.reconcile(ctx, a.desired(depth), current, depth)
}

// desired computes the demanded worker count for a queue depth: one
// worker per chunk's worth of backlog, except that a small non-empty
// queue gets one worker per queued payload. The result is clamped to
// the configured fleet bounds.
func (a *Autoscaler) desired(depth int64) int {
	chunk := int64(a.cfg.ChunkSize)
	needed := int((depth + chunk - 1) / chunk)
	if depth > 0 && depth < chunk {
		needed = int(depth)
		if needed > a.cfg.MaxWorkers {
			needed = a.cfg.MaxWorkers
		}
	}
	if needed < a.cfg.MinWorkers {
		needed = a.cfg.MinWorkers
	}
	if needed > a.cfg.MaxWorkers {
		needed = a.cfg.MaxWorkers
	}
	return needed
}

// reconcile applies the hysteresis policy: scale up immediately, scale
// down only after the fleet has been oversized for a full run of idle
// checks. A failed scale-down keeps the streak, so the next cycle
// retries without waiting out another run.
func (a *Autoscaler) reconcile(ctx context.Context, needed, current int, depth int64) {
	switch {
	case needed > current:
		a.idleStreak = 0
		log.Printf("[Autoscaler] Scaling up %d -> %d (queue depth %d)", current, needed, depth)
		if err := a.driver.ScaleTo(ctx, needed); err != nil {
			log.Printf("[Autoscaler] Scale up to %d: %v", needed, err)
		}
	case needed < current:
		if a.idleStreak >= a.cfg.IdleChecksBeforeScaleDown {
			log.Printf("[Autoscaler] Scaling down %d -> %d after %d idle checks (queue depth %d)",
				current, needed, a.idleStreak, depth)
			if err := a.driver.ScaleTo(ctx, needed); err != nil {
				log.Printf("[Autoscaler] Scale down to %d: %v", needed, err)
				return
			}
			a.idleStreak = 0
		} else {
			a.idleStreak++
			log.Printf("[Autoscaler] Fleet oversized (%d running, %d needed), idle check %d/%d",
				current, needed, a.idleStreak, a.cfg.IdleChecksBeforeScaleDown)
		}
	default:
		a.idleStreak = 0
	}
}
