package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/signerkey"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// statusFor maps spec.md §7's propagation policy onto an HTTP status: a
// repo.ErrNotFound-shaped failure is a client error, anything else wiring
// or infrastructure related is a 500.
func statusFor(err error) int {
	if errors.Is(err, repo.ErrNotFound) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// executeTrade implements POST /admin/execute-trade: invoke the executor
// for a signal across every currently-eligible deployment subscribed to
// its agent (spec.md §6).
func (s *Server) executeTrade(c *gin.Context) {
	var req struct {
		SignalID string `json:"signalId"`
	}
	if err := c.BindJSON(&req); err != nil || req.SignalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signalId is required"})
		return
	}

	results, err := s.Exec.ExecuteForAgent(c.Request.Context(), req.SignalID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// closePosition implements POST /admin/close-position.
func (s *Server) closePosition(c *gin.Context) {
	var req struct {
		PositionID string `json:"positionId"`
	}
	if err := c.BindJSON(&req); err != nil || req.PositionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "positionId is required"})
		return
	}

	res, err := s.Exec.ClosePosition(c.Request.Context(), req.PositionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !res.Success {
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Error, "reason": res.Reason})
		return
	}
	c.JSON(http.StatusOK, res)
}

// syncVenueMarkets implements POST /admin/sync-venue-markets: refreshes
// VenueMarket rows from each matched venue's live market list.
func (s *Server) syncVenueMarkets(c *gin.Context) {
	var req struct {
		Venue string `json:"venue"`
	}
	if err := c.BindJSON(&req); err != nil || req.Venue == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "venue is required"})
		return
	}

	targets, err := venuesFor(req.Venue)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	synced := map[string]int{}
	for _, v := range targets {
		adapter, ok := s.Adapters[v]
		if !ok {
			continue
		}
		source, ok := adapter.(venue.MarketSource)
		if !ok {
			// PERP-A and any other venue without a live market feed is a
			// no-op here, not an error: its whitelist is static config.
			continue
		}

		markets, err := source.ListMarkets(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		n, err := s.upsertMarkets(c.Request.Context(), v, markets)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		synced[string(v)] = n
	}

	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

func (s *Server) upsertMarkets(ctx context.Context, v repo.Venue, markets []venue.MarketInfo) (int, error) {
	for _, m := range markets {
		err := s.Repo.UpsertVenueMarket(ctx, repo.VenueMarket{
			Venue:       v,
			TokenSymbol: m.TokenSymbol,
			MarketRef:   m.MarketRef,
			IsActive:    m.IsActive,
			MinPosition: m.MinPosition,
			MaxLeverage: m.MaxLeverage,
		})
		if err != nil {
			return 0, err
		}
	}
	return len(markets), nil
}

func venuesFor(param string) ([]repo.Venue, error) {
	switch param {
	case "ALL":
		return []repo.Venue{repo.VenueSpot, repo.VenuePerpA, repo.VenuePerpB, repo.VenuePerpC}, nil
	case string(repo.VenueSpot), string(repo.VenuePerpA), string(repo.VenuePerpB), string(repo.VenuePerpC):
		return []repo.Venue{repo.Venue(param)}, nil
	default:
		return nil, errInvalidVenue
	}
}

var errInvalidVenue = errors.New("unrecognized venue")

// testNonce implements GET /admin/test-nonce: the network-truth nonce, the
// serializer's cached value, and a force-refreshed value for the executor
// signing address (spec.md §6).
func (s *Server) testNonce(c *gin.Context) {
	if s.Chain == nil || s.Keys == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no on-chain client configured"})
		return
	}

	_, addr, err := s.Keys.Resolve(signerkey.ExecutorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	networkNonce, err := s.Chain.NetworkNonce(ctx, addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	cached, hasCache := s.Chain.Nonces().Peek(addr.Hex())
	refreshed, err := s.Chain.Nonces().ForceRefresh(ctx, addr.Hex())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":             addr.Hex(),
		"networkNonce":        networkNonce,
		"cachedNonce":         cached,
		"cachedNoncePresent":  hasCache,
		"forceRefreshedNonce": refreshed,
	})
}
