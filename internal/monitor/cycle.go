package monitor

import (
	"context"
	"log"

	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// runCycle executes one pass of spec.md §4.3's cycle over every (active
// deployment, venue) pair that has a wired adapter.
func (m *Monitor) runCycle(ctx context.Context) {
	deployments, err := m.repo.ListActiveDeployments(ctx)
	if err != nil {
		log.Printf("monitor: list active deployments: %v", err)
		return
	}

	for _, dep := range deployments {
		for _, v := range allVenues {
			adapter, ok := m.adapters[v]
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.cycleOne(ctx, dep, v, adapter)
		}
	}
}

// cycleOne implements the per-(deployment, venue) cycle body: venue-truth
// vs local-truth diffing, auto-discovery, the delayed-fill/trailing-stop
// per-position step, and orphan reconciliation.
func (m *Monitor) cycleOne(ctx context.Context, dep repo.Deployment, v repo.Venue, adapter venue.Adapter) {
	scope := venue.UserScope{DeploymentID: dep.ID, SafeWallet: dep.SafeWallet, Chain: m.chain}
	if v == repo.VenuePerpB || v == repo.VenuePerpC {
		agent, err := m.repo.GetAgentAddress(ctx, dep.UserWallet, v)
		if err != nil {
			// No delegated account provisioned yet for this user/venue.
			return
		}
		scope.AgentAddress = agent.AgentAddress
	}

	local, err := m.repo.ListOpenPositions(ctx, dep.ID, v)
	if err != nil {
		log.Printf("monitor: list local positions dep=%s venue=%s: %v", dep.ID, v, err)
		return
	}

	venuePositions, err := adapter.ListOpenPositions(ctx, scope)
	if err != nil {
		log.Printf("monitor: list venue positions dep=%s venue=%s: %v", dep.ID, v, err)
		venuePositions = nil
	}

	// Spot and PERP-A have no venue-side position bookkeeping independent
	// of the Repo (their ListOpenPositions always returns a literal nil) —
	// auto-discovery and orphan reconciliation don't apply there; the Repo
	// is sole authority. PERP-B/PERP-C return a non-nil (possibly empty)
	// slice, which is the signal that venue truth is actually comparable.
	tracksPositions := venuePositions != nil

	if tracksPositions {
		m.autoDiscover(ctx, dep, v, venuePositions, local)
	}

	for _, p := range local {
		if p.Status != repo.PositionOpen {
			continue
		}

		matched, found := matchVenuePosition(p, venuePositions)

		if v == repo.VenuePerpC && !p.EntryPriceConfirmed {
			m.resolveDelayedFill(ctx, p, matched, found)
			continue
		}

		if tracksPositions && !found {
			m.reconcileOrphan(ctx, adapter, scope, p)
			continue
		}

		m.applyTrailingStop(ctx, adapter, p)
	}
}
