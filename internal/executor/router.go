package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/maxxit-ai/coordinator/internal/repo"
)

// venuePreferenceOrder is the fixed tie-break order the router applies when
// a deployment enables more than one venue and several are available for
// the same token (spec.md §4.1 "Venue routing").
var venuePreferenceOrder = []repo.Venue{repo.VenueSpot, repo.VenuePerpA, repo.VenuePerpB, repo.VenuePerpC}

// routeVenue resolves a MULTI signal to a single concrete venue for this
// deployment, mutating the signal's venue exactly once (I3) when it picks
// one. A signal already bound to a concrete venue passes through unchanged.
func (e *Executor) routeVenue(ctx context.Context, sig repo.Signal, dep repo.Deployment) (repo.Venue, error) {
	if sig.Venue != repo.VenueMulti {
		return sig.Venue, nil
	}

	candidates := dep.EnabledVenues
	if len(candidates) == 0 {
		return "", fmt.Errorf("executor: signal is MULTI but deployment has no enabled_venues")
	}
	enabled := make(map[repo.Venue]bool, len(candidates))
	for _, v := range candidates {
		enabled[v] = true
	}

	tokenSymbol := stripManualTag(sig.TokenSymbol)
	for _, v := range venuePreferenceOrder {
		if !enabled[v] {
			continue
		}
		if e.venueHasToken(ctx, v, tokenSymbol) {
			if err := e.repo.SetSignalVenue(ctx, sig.ID, v); err != nil {
				return "", fmt.Errorf("route signal %s to %s: %w", sig.ID, v, err)
			}
			return v, nil
		}
	}
	return "", fmt.Errorf("executor: no enabled venue has %s available", tokenSymbol)
}

// venueHasToken performs the fast per-venue availability lookup the router
// uses to pick among candidates. Spot checks the token registry only
// (any registered token is swappable); the perp venues require an active
// VenueMarket entry.
func (e *Executor) venueHasToken(ctx context.Context, v repo.Venue, tokenSymbol string) bool {
	if v == repo.VenueSpot {
		_, err := e.repo.GetTokenRegistryEntry(ctx, e.chain, tokenSymbol)
		return err == nil
	}
	m, err := e.repo.GetVenueMarket(ctx, v, tokenSymbol)
	return err == nil && m.IsActive
}

// stripManualTag removes the _MANUAL_<ts> suffix a user-initiated duplicate
// signal carries, per I6: Position stores the stripped symbol, Signal keeps
// the tagged one.
func stripManualTag(tokenSymbol string) string {
	if i := strings.Index(tokenSymbol, "_MANUAL_"); i >= 0 {
		return tokenSymbol[:i]
	}
	return tokenSymbol
}
