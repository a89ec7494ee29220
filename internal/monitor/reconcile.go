package monitor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// autoDiscover implements spec.md §4.3 step 3: every venue-truth position
// absent from the local set gets a synthetic Signal and Position.
func (m *Monitor) autoDiscover(ctx context.Context, dep repo.Deployment, v repo.Venue, venuePositions []venue.VenuePosition, local []repo.Position) {
	for _, vp := range venuePositions {
		if _, found := matchLocalPosition(vp, local); found {
			continue
		}
		m.discoverOne(ctx, dep, v, vp)
	}
}

func (m *Monitor) discoverOne(ctx context.Context, dep repo.Deployment, v repo.Venue, vp venue.VenuePosition) {
	sig := repo.Signal{
		ID:          uuid.NewString(),
		AgentID:     dep.AgentID,
		Venue:       v,
		TokenSymbol: vp.TokenSymbol,
		Side:        vp.Side,
		SizeModel:   repo.SizeModel{Kind: repo.SizeFixedUSDC, Value: vp.Qty * vp.EntryPrice},
		SourceRef:   []string{"AUTO_DISCOVERED"},
		CreatedAt:   time.Now(),
	}
	if err := m.repo.CreateSignal(ctx, sig); err != nil {
		log.Printf("monitor: auto-discover create signal dep=%s venue=%s token=%s: %v", dep.ID, v, vp.TokenSymbol, err)
		return
	}

	pos := repo.Position{
		ID:                  uuid.NewString(),
		DeploymentID:        dep.ID,
		SignalID:            sig.ID,
		Venue:               v,
		TokenSymbol:         vp.TokenSymbol,
		Side:                vp.Side,
		EntryPrice:          vp.EntryPrice,
		Qty:                 vp.Qty,
		OpenedAt:            time.Now(),
		Status:              repo.PositionOpen,
		VenueTradeID:        vp.VenueTradeID,
		VenueTradeIndex:     vp.VenueTradeIndex,
		EntryPriceConfirmed: true,
	}
	if err := m.repo.CreatePosition(ctx, pos); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			// Another monitor instance already inserted this position this
			// cycle; the unique (deployment, signal) constraint is the
			// arbiter, per spec.md's auto-discovery race handling.
			return
		}
		log.Printf("monitor: auto-discover create position dep=%s venue=%s token=%s: %v", dep.ID, v, vp.TokenSymbol, err)
		return
	}

	m.publish(events.EventPositionOpened, pos)
	log.Printf("monitor: auto-discovered %s %s %s qty=%.6f entry=%.6f", dep.ID, v, vp.TokenSymbol, vp.Qty, vp.EntryPrice)
}

// resolveDelayedFill handles a PERP-C position whose entry_price was never
// confirmed by the venue (spec.md §4.3.1 "Delayed-fill positions"). If the
// venue now reports it filled, entry_price and trailing anchors are reset;
// otherwise it is left OPEN untouched — it must never be treated as an
// orphan just because it's absent from a pending-filtered listing.
func (m *Monitor) resolveDelayedFill(ctx context.Context, p repo.Position, matched venue.VenuePosition, found bool) {
	if !found {
		return
	}
	if err := m.repo.UpdateEntryPrice(ctx, p.ID, matched.EntryPrice); err != nil {
		log.Printf("monitor: update entry price for delayed fill %s: %v", p.ID, err)
		return
	}
	log.Printf("monitor: confirmed delayed fill %s entry=%.6f", p.ID, matched.EntryPrice)
}

// reconcileOrphan implements spec.md §4.3 step 5: a local-set position
// absent from venue truth is closed with exit_reason=closed_externally,
// recovering P&L from the venue's historical fills where available.
func (m *Monitor) reconcileOrphan(ctx context.Context, adapter venue.Adapter, scope venue.UserScope, p repo.Position) {
	won, err := m.repo.TryMarkClosing(ctx, p.ID)
	if err != nil {
		log.Printf("monitor: mark closing for orphan %s: %v", p.ID, err)
		return
	}
	if !won {
		// Another monitor instance or a manual close already claimed it.
		return
	}

	exitPrice := p.EntryPrice
	var pnl float64
	exitReason := "closed_externally"

	if h, ok := adapter.(venue.HistoryAdapter); ok {
		fill, found, ferr := h.RecentClosingFill(ctx, scope, p.TokenSymbol)
		if ferr != nil {
			log.Printf("monitor: recent closing fill for orphan %s: %v", p.ID, ferr)
		} else if found {
			exitPrice = fill.ExitPrice
			pnl = fill.ClosedPnL
			if pnl != 0 {
				exitReason = "closed_externally_with_pnl"
			}
		}
	}

	if err := m.repo.FinalizeClose(ctx, p.ID, repo.CloseInput{
		ExitPrice:  exitPrice,
		PnL:        pnl,
		ExitReason: exitReason,
		Qty:        p.Qty,
	}); err != nil {
		log.Printf("monitor: finalize orphan close %s: %v", p.ID, err)
		return
	}

	m.publish(events.EventPositionClosed, p.ID)
	log.Printf("monitor: reconciled orphan %s %s %s exit=%.6f pnl=%.6f reason=%s", p.DeploymentID, p.Venue, p.TokenSymbol, exitPrice, pnl, exitReason)
}

// matchVenuePosition finds the venue-truth entry corresponding to a local
// Position, preferring the venue-assigned trade index/id over a
// token+side fallback (PERP-C requires trade-index addressing; see
// venue/perpc).
func matchVenuePosition(p repo.Position, venuePositions []venue.VenuePosition) (venue.VenuePosition, bool) {
	for _, vp := range venuePositions {
		if samePosition(p.VenueTradeID, p.VenueTradeIndex, p.TokenSymbol, p.Side, vp) {
			return vp, true
		}
	}
	return venue.VenuePosition{}, false
}

func matchLocalPosition(vp venue.VenuePosition, local []repo.Position) (repo.Position, bool) {
	for _, p := range local {
		if samePosition(p.VenueTradeID, p.VenueTradeIndex, p.TokenSymbol, p.Side, vp) {
			return p, true
		}
	}
	return repo.Position{}, false
}

func samePosition(tradeID string, tradeIndex int64, tokenSymbol string, side repo.Side, vp venue.VenuePosition) bool {
	if tradeIndex != 0 || vp.VenueTradeIndex != 0 {
		return tradeIndex == vp.VenueTradeIndex
	}
	if tradeID != "" || vp.VenueTradeID != "" {
		return tradeID == vp.VenueTradeID
	}
	return tokenSymbol == vp.TokenSymbol && side == vp.Side
}
