// Package price resolves a token symbol to its current venue-settlement
// price. Each venue has its own authoritative feed; current_price must
// track whatever feed the venue itself settles against, so there is one
// Source implementation per venue family rather than a shared oracle.
package price

import (
	"context"
	"fmt"
	"time"

	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/pkg/cache"
)

// Source resolves the current settlement price for a token on one venue.
type Source interface {
	CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error)
}

// CachedSource wraps a Source with a short-lived sharded cache so the
// monitor's per-(deployment,venue) cycles don't hammer the underlying feed
// once per position when many positions share a token.
type CachedSource struct {
	venue  repo.Venue
	source Source
	cache  *cache.ShardedPriceCache
	maxAge time.Duration
}

func NewCachedSource(venue repo.Venue, source Source, maxAge time.Duration) *CachedSource {
	return &CachedSource{
		venue:  venue,
		source: source,
		cache:  cache.NewShardedPriceCache(),
		maxAge: maxAge,
	}
}

func (c *CachedSource) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	if p, age, ok := c.cache.GetWithAge(tokenSymbol); ok && age < c.maxAge {
		return p, nil
	}

	p, err := c.source.CurrentPrice(ctx, tokenSymbol)
	if err != nil {
		return 0, fmt.Errorf("fetch %s price for %s: %w", c.venue, tokenSymbol, err)
	}
	c.cache.Set(tokenSymbol, p)
	return p, nil
}

// Registry resolves the right Source for a venue.
type Registry struct {
	sources map[repo.Venue]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[repo.Venue]Source)}
}

func (r *Registry) Register(venue repo.Venue, s Source) {
	r.sources[venue] = s
}

func (r *Registry) For(venue repo.Venue) (Source, error) {
	s, ok := r.sources[venue]
	if !ok {
		return nil, fmt.Errorf("price: no source registered for venue %s", venue)
	}
	return s, nil
}
