package monitor

import (
	"context"
	"log"

	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// trailingDecision is the outcome of one per-position trailing-stop/
// hard-stop evaluation (spec.md §4.3.1), kept separate from I/O so the
// arithmetic can be tested without a database or adapter.
type trailingDecision struct {
	ShouldClose    bool
	Reason         string // HARD_STOP_LOSS or TRAILING_STOP
	NewHighest     float64
	NewLowest      float64
	AnchorsChanged bool
}

// evaluateTrailing mirrors spec.md §4.3.1 exactly for both sides: hard
// stop first (unconditional), then the trailing watermark update, then
// the armed trailing-stop check.
func evaluateTrailing(side repo.Side, entry, current float64, trailing repo.TrailingParams, hardStopPercent, activationPercent float64) trailingDecision {
	if side == repo.SideLong {
		return evaluateLong(entry, current, trailing, hardStopPercent, activationPercent)
	}
	return evaluateShort(entry, current, trailing, hardStopPercent, activationPercent)
}

func evaluateLong(entry, current float64, trailing repo.TrailingParams, hardStopPercent, activationPercent float64) trailingDecision {
	if current <= entry*(1-hardStopPercent/100) {
		return trailingDecision{ShouldClose: true, Reason: "HARD_STOP_LOSS"}
	}

	highest := trailing.HighestPrice
	if current > highest {
		highest = current
	}
	d := trailingDecision{NewHighest: highest, AnchorsChanged: highest != trailing.HighestPrice}

	if !trailing.Enabled || trailing.TrailingPercent <= 0 {
		return d
	}
	activation := entry * (1 + activationPercent/100)
	if highest >= activation && current <= highest*(1-trailing.TrailingPercent/100) {
		d.ShouldClose = true
		d.Reason = "TRAILING_STOP"
	}
	return d
}

func evaluateShort(entry, current float64, trailing repo.TrailingParams, hardStopPercent, activationPercent float64) trailingDecision {
	if current >= entry*(1+hardStopPercent/100) {
		return trailingDecision{ShouldClose: true, Reason: "HARD_STOP_LOSS"}
	}

	lowest := trailing.LowestPrice
	if lowest == 0 || current < lowest {
		lowest = current
	}
	d := trailingDecision{NewLowest: lowest, AnchorsChanged: lowest != trailing.LowestPrice}

	if !trailing.Enabled || trailing.TrailingPercent <= 0 {
		return d
	}
	activation := entry * (1 - activationPercent/100)
	if lowest <= activation && current >= lowest*(1+trailing.TrailingPercent/100) {
		d.ShouldClose = true
		d.Reason = "TRAILING_STOP"
	}
	return d
}

// applyTrailingStop resolves the current settlement price, runs
// evaluateTrailing, persists any watermark movement, and — on a close
// verdict — triggers the OPEN->CLOSING->CLOSED sequence through the
// executor so the profit-share/billing logic isn't duplicated here.
func (m *Monitor) applyTrailingStop(ctx context.Context, adapter venue.Adapter, p repo.Position) {
	current, err := m.currentPrice(ctx, adapter, p)
	if err != nil {
		log.Printf("monitor: current price %s %s: %v", p.Venue, p.TokenSymbol, err)
		return
	}

	descriptor := venue.Descriptors[p.Venue]
	decision := evaluateTrailing(p.Side, p.EntryPrice, current, p.Trailing, descriptor.HardStopPercent, descriptor.ActivationPercent)

	if decision.AnchorsChanged {
		if err := m.repo.UpdateTrailingAnchors(ctx, p.ID, decision.NewHighest, decision.NewLowest); err != nil {
			log.Printf("monitor: persist trailing anchors %s: %v", p.ID, err)
		}
	}

	if !decision.ShouldClose {
		return
	}

	res, err := m.exec.ClosePositionWithReason(ctx, p.ID, decision.Reason)
	if err != nil {
		log.Printf("monitor: close trigger %s reason=%s: %v", p.ID, decision.Reason, err)
		return
	}
	if !res.Success {
		log.Printf("monitor: close trigger %s reason=%s rejected: %s", p.ID, decision.Reason, res.Error)
		return
	}
	log.Printf("monitor: %s triggered close for %s at %.6f", decision.Reason, p.ID, current)
}

// currentPrice prefers the cached price.Registry source (shared with the
// executor's pre-trade sizing) and falls back to the adapter directly if
// no source is registered for this venue.
func (m *Monitor) currentPrice(ctx context.Context, adapter venue.Adapter, p repo.Position) (float64, error) {
	if m.prices != nil {
		if source, err := m.prices.For(p.Venue); err == nil {
			return source.CurrentPrice(ctx, p.TokenSymbol)
		}
	}
	return adapter.CurrentPrice(ctx, p.TokenSymbol)
}
