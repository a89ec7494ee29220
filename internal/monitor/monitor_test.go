package monitor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/maxxit-ai/coordinator/internal/executor"
	"github.com/maxxit-ai/coordinator/internal/fee"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// trackingAdapter is a venue.Adapter + venue.HistoryAdapter test double
// that DOES track positions independently of the Repo, modeling PERP-B/
// PERP-C. Its ListOpenPositions always returns a non-nil slice.
type trackingAdapter struct {
	venue     repo.Venue
	positions []venue.VenuePosition
	fill      venue.HistoricalFill
	hasFill   bool
	closes    int
	closeErr  error
	closeRes  venue.CloseResult
	price     float64 // CurrentPrice; defaults to 100 if unset
}

func (a *trackingAdapter) Venue() repo.Venue { return a.venue }
func (a *trackingAdapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	return venue.OpenResult{}, nil
}
func (a *trackingAdapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	a.closes++
	if a.closeErr != nil {
		return venue.CloseResult{}, a.closeErr
	}
	return a.closeRes, nil
}
func (a *trackingAdapter) ListOpenPositions(ctx context.Context, scope venue.UserScope) ([]venue.VenuePosition, error) {
	out := make([]venue.VenuePosition, len(a.positions))
	copy(out, a.positions)
	return out, nil
}
func (a *trackingAdapter) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	if a.price != 0 {
		return a.price, nil
	}
	return 100, nil
}
func (a *trackingAdapter) UserBalance(ctx context.Context, scope venue.UserScope) (float64, error) {
	return 1000, nil
}
func (a *trackingAdapter) RecentClosingFill(ctx context.Context, scope venue.UserScope, tokenSymbol string) (venue.HistoricalFill, bool, error) {
	return a.fill, a.hasFill, nil
}

type testDB struct {
	raw  *sql.DB
	repo *repo.Repo
}

func newTestRepo(t *testing.T) testDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordinator.db")
	d, err := repo.Open(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := repo.ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return testDB{raw: d.SQL, repo: repo.New(d)}
}

func seedDeployment(t *testing.T, tdb testDB) repo.Deployment {
	t.Helper()
	dep := repo.Deployment{ID: uuid.NewString(), AgentID: "agent-1", UserWallet: "0xUSER", SafeWallet: "0xVAULT"}
	if _, err := tdb.raw.Exec(`INSERT INTO deployments (id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled, enabled_venues) VALUES (?,?,?,?,?,?,?,?)`,
		dep.ID, dep.AgentID, dep.UserWallet, dep.SafeWallet, "ACTIVE", 1, 1, "[]"); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
	return dep
}

func newMonitorForTest(tdb testDB, v repo.Venue, adapter venue.Adapter) *Monitor {
	r := tdb.repo
	adapters := map[repo.Venue]venue.Adapter{v: adapter}
	exec := executor.New(executor.Config{
		Repo:     r,
		Adapters: adapters,
		Fees:     map[repo.Venue]fee.Policy{},
		Ledger:   fee.NewLedger(r),
	})
	return New(Config{Repo: r, Adapters: adapters, Executor: exec, Chain: "arbitrum"})
}

func TestMonitor_OrphanReconciliation_RecoversPnL(t *testing.T) {
	tdb := newTestRepo(t)
	ctx := context.Background()
	dep := seedDeployment(t, tdb)
	r := tdb.repo

	if err := r.CreateAgentAddress(ctx, repo.UserAgentAddress{UserWallet: dep.UserWallet, Venue: repo.VenuePerpB, AgentAddress: "0xAGENT"}); err != nil {
		t.Fatalf("seed agent address: %v", err)
	}

	pos := repo.Position{
		ID: uuid.NewString(), DeploymentID: dep.ID, SignalID: uuid.NewString(), Venue: repo.VenuePerpB,
		TokenSymbol: "BTC", Side: repo.SideLong, EntryPrice: 1.20, Qty: 10, Status: repo.PositionOpen,
	}
	if err := r.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	// Scenario 4 (spec.md §8): venue reports no open position, history
	// recovers exit=1.35, pnl=+15.
	adapter := &trackingAdapter{
		venue:   repo.VenuePerpB,
		fill:    venue.HistoricalFill{TokenSymbol: "BTC", ExitPrice: 1.35, ClosedPnL: 15},
		hasFill: true,
	}
	m := newMonitorForTest(tdb, repo.VenuePerpB, adapter)
	m.runCycle(ctx)

	closed, err := r.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if closed.Status != repo.PositionClosed {
		t.Fatalf("expected CLOSED, got %s", closed.Status)
	}
	if closed.ExitReason != "closed_externally_with_pnl" {
		t.Fatalf("expected closed_externally_with_pnl, got %q", closed.ExitReason)
	}
	if closed.PnL == nil || *closed.PnL != 15 {
		t.Fatalf("expected pnl 15, got %+v", closed.PnL)
	}
	if closed.ExitPrice == nil || *closed.ExitPrice != 1.35 {
		t.Fatalf("expected exit price 1.35, got %+v", closed.ExitPrice)
	}
}

func TestMonitor_AutoDiscoversUntrackedVenuePosition(t *testing.T) {
	tdb := newTestRepo(t)
	ctx := context.Background()
	dep := seedDeployment(t, tdb)
	r := tdb.repo

	if err := r.CreateAgentAddress(ctx, repo.UserAgentAddress{UserWallet: dep.UserWallet, Venue: repo.VenuePerpB, AgentAddress: "0xAGENT"}); err != nil {
		t.Fatalf("seed agent address: %v", err)
	}

	adapter := &trackingAdapter{
		venue: repo.VenuePerpB,
		positions: []venue.VenuePosition{
			{VenueTradeID: "ord-9", TokenSymbol: "ETH", Side: repo.SideLong, EntryPrice: 2000, Qty: 1},
		},
		price: 2000, // hold flat so the second cycle's trailing-stop check is a no-op
	}
	m := newMonitorForTest(tdb, repo.VenuePerpB, adapter)
	m.runCycle(ctx)

	positions, err := r.ListOpenPositions(ctx, dep.ID, repo.VenuePerpB)
	if err != nil {
		t.Fatalf("list open positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected exactly one auto-discovered position, got %d", len(positions))
	}
	if positions[0].VenueTradeID != "ord-9" || positions[0].Qty != 1 {
		t.Fatalf("unexpected discovered position: %+v", positions[0])
	}

	// P8: a second cycle with no price/venue change must not create another.
	m.runCycle(ctx)
	positions, err = r.ListOpenPositions(ctx, dep.ID, repo.VenuePerpB)
	if err != nil {
		t.Fatalf("list open positions after second cycle: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected still exactly one position after idempotent second cycle, got %d", len(positions))
	}
}

func TestMonitor_HardStopTriggersClose(t *testing.T) {
	tdb := newTestRepo(t)
	ctx := context.Background()
	dep := seedDeployment(t, tdb)
	r := tdb.repo

	pos := repo.Position{
		ID: uuid.NewString(), DeploymentID: dep.ID, SignalID: uuid.NewString(), Venue: repo.VenueSpot,
		TokenSymbol: "WETH", Side: repo.SideLong, EntryPrice: 50000, Qty: 1, Status: repo.PositionOpen,
	}
	if err := r.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	// Spot's ListOpenPositions always returns nil (no venue-side tracking);
	// reuse that contract here via a spot-shaped adapter whose current
	// price has crossed the 10% hard stop from entry 50000.
	adapter := &spotLikeAdapter{price: 44900, closeRes: venue.CloseResult{ExitPrice: 44900, RealizedPnL: -5100}}
	m := newMonitorForTest(tdb, repo.VenueSpot, adapter)
	m.runCycle(ctx)

	closed, err := r.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if closed.Status != repo.PositionClosed {
		t.Fatalf("expected CLOSED after hard stop, got %s", closed.Status)
	}
	if closed.ExitReason != "HARD_STOP_LOSS" {
		t.Fatalf("expected HARD_STOP_LOSS, got %q", closed.ExitReason)
	}
	if adapter.closes != 1 {
		t.Fatalf("expected exactly one adapter.Close call, got %d", adapter.closes)
	}
}

// spotLikeAdapter mirrors venue/spot's ListOpenPositions contract: always
// nil, since spot has no venue-side position bookkeeping of its own.
type spotLikeAdapter struct {
	price    float64
	closeRes venue.CloseResult
	closes   int
}

func (a *spotLikeAdapter) Venue() repo.Venue { return repo.VenueSpot }
func (a *spotLikeAdapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	return venue.OpenResult{}, nil
}
func (a *spotLikeAdapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	a.closes++
	return a.closeRes, nil
}
func (a *spotLikeAdapter) ListOpenPositions(ctx context.Context, scope venue.UserScope) ([]venue.VenuePosition, error) {
	return nil, nil
}
func (a *spotLikeAdapter) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	return a.price, nil
}
func (a *spotLikeAdapter) UserBalance(ctx context.Context, scope venue.UserScope) (float64, error) {
	return 1000, nil
}
