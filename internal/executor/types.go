// Package executor implements the Trade Executor: given a signal (and
// optionally an explicit deployment), it produces exactly one Position per
// eligible deployment, or a structured failure. Grounded on the teacher's
// internal/order.Executor (gateway resolution, DB-then-publish sequencing),
// generalized from a single exchange gateway to the four venue adapters.
package executor

import (
	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/fee"
	"github.com/maxxit-ai/coordinator/internal/price"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// ExecutionResult mirrors spec.md's ExecutionResult contract: error is a
// terminal failure, reason is a structured diagnostic, message carries an
// idempotent "already done" success.
type ExecutionResult struct {
	Success          bool
	PositionID       string
	TxRef            string
	Error            string
	Reason           string
	Message          string
	ExecutionSummary map[string]any
}

// Config wires an Executor to its dependencies.
type Config struct {
	Repo     *repo.Repo
	Adapters map[repo.Venue]venue.Adapter
	Prices   *price.Registry
	Fees     map[repo.Venue]fee.Policy
	Ledger   *fee.Ledger
	Bus      *events.Bus
	Chain    string
}

// Executor is the Trade Executor described in spec.md §4.1.
type Executor struct {
	repo     *repo.Repo
	adapters map[repo.Venue]venue.Adapter
	prices   *price.Registry
	fees     map[repo.Venue]fee.Policy
	ledger   *fee.Ledger
	bus      *events.Bus
	chain    string
}

func New(cfg Config) *Executor {
	return &Executor{
		repo:     cfg.Repo,
		adapters: cfg.Adapters,
		prices:   cfg.Prices,
		fees:     cfg.Fees,
		ledger:   cfg.Ledger,
		bus:      cfg.Bus,
		chain:    cfg.Chain,
	}
}

func (e *Executor) publish(evt events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(evt, payload)
	}
}

// adapterFor resolves the venue adapter, returning ok=false if the venue
// has no wired implementation (a configuration error, not a trading one).
func (e *Executor) adapterFor(v repo.Venue) (venue.Adapter, bool) {
	a, ok := e.adapters[v]
	return a, ok
}
