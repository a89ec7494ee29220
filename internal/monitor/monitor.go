// Package monitor implements the Position Monitor described in spec.md
// §4.3: a single-threaded cooperative loop, scheduled roughly every 30s,
// that discovers venue-truth positions, enforces the trailing-stop and
// hard-stop policies, triggers closes through the executor, and
// reconciles positions that were closed outside the coordinator.
//
// Grounded on the teacher's internal/monitor event-subscriber loop (the
// periodic, cancellable goroutine skeleton) fused with
// internal/reconciliation/service.go's venue-truth-vs-local-truth diffing
// and internal/risk/stoploss.go's trailing-stop arithmetic, generalized
// from a single exchange connection to per-(deployment, venue) cycles
// across all four adapters.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/executor"
	"github.com/maxxit-ai/coordinator/internal/price"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/singleton"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// CycleInterval is the default spacing between cycles (spec.md §4.3: "≈
// 30s between cycles").
const CycleInterval = 30 * time.Second

var allVenues = []repo.Venue{repo.VenueSpot, repo.VenuePerpA, repo.VenuePerpB, repo.VenuePerpC}

// Config wires a Monitor to its dependencies.
type Config struct {
	Repo     *repo.Repo
	Adapters map[repo.Venue]venue.Adapter
	Prices   *price.Registry
	Executor *executor.Executor
	Bus      *events.Bus
	Chain    string
	Lock     *singleton.MonitorLock
	Interval time.Duration
}

// Monitor is the Position Monitor described in spec.md §4.3.
type Monitor struct {
	repo     *repo.Repo
	adapters map[repo.Venue]venue.Adapter
	prices   *price.Registry
	exec     *executor.Executor
	bus      *events.Bus
	chain    string
	lock     *singleton.MonitorLock
	interval time.Duration
}

func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = CycleInterval
	}
	return &Monitor{
		repo:     cfg.Repo,
		adapters: cfg.Adapters,
		prices:   cfg.Prices,
		exec:     cfg.Executor,
		bus:      cfg.Bus,
		chain:    cfg.Chain,
		lock:     cfg.Lock,
		interval: interval,
	}
}

// Run acquires the process-singleton monitor lock (spec.md §4.5 — only one
// monitor per process, and only one live monitor process cluster-wide) and
// runs cycles on a ticker until ctx is cancelled. The lock is refreshed
// every cycle so a live process's lock never goes stale out from under it.
func (m *Monitor) Run(ctx context.Context) error {
	if m.lock != nil {
		if err := m.lock.Acquire(); err != nil {
			return fmt.Errorf("acquire monitor lock: %w", err)
		}
		defer m.lock.Release()
	}

	m.runCycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.lock != nil {
				if err := m.lock.Refresh(); err != nil {
					log.Printf("monitor: lock refresh failed: %v", err)
				}
			}
			m.runCycle(ctx)
		}
	}
}

func (m *Monitor) publish(evt events.Event, payload any) {
	if m.bus != nil {
		m.bus.Publish(evt, payload)
	}
}
