package executor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/maxxit-ai/coordinator/internal/fee"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// fakeAdapter is an in-memory venue.Adapter test double.
type fakeAdapter struct {
	venue       repo.Venue
	balance     float64
	openResult  venue.OpenResult
	openErr     error
	closeResult venue.CloseResult
	closeErr    error
	opens       int
	closes      int
}

func (f *fakeAdapter) Venue() repo.Venue { return f.venue }
func (f *fakeAdapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	f.opens++
	return f.openResult, f.openErr
}
func (f *fakeAdapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	f.closes++
	return f.closeResult, f.closeErr
}
func (f *fakeAdapter) ListOpenPositions(ctx context.Context, scope venue.UserScope) ([]venue.VenuePosition, error) {
	return nil, nil
}
func (f *fakeAdapter) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	return 100, nil
}
func (f *fakeAdapter) UserBalance(ctx context.Context, scope venue.UserScope) (float64, error) {
	return f.balance, nil
}

// testDB bundles the raw SQL handle (used to seed rows the repo package has
// no writer for, e.g. deployments) alongside the Repo built on top of it.
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

func seedDeploymentAndSignal(t *testing.T, tdb testDB, v repo.Venue) (repo.Deployment, repo.Signal) {
	t.Helper()
	ctx := context.Background()
	r := tdb.repo

	dep := repo.Deployment{
		ID:            uuid.NewString(),
		AgentID:       "agent-1",
		UserWallet:    "0xUSER",
		SafeWallet:    "0xVAULT",
		Status:        repo.DeploymentActive,
		SubActive:     true,
		ModuleEnabled: true,
	}
	if _, err := tdb.raw.ExecContext(ctx, `INSERT INTO deployments (id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled, enabled_venues) VALUES (?,?,?,?,?,?,?,?)`,
		dep.ID, dep.AgentID, dep.UserWallet, dep.SafeWallet, string(dep.Status), 1, 1, "[]"); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}

	if v != repo.VenueSpot {
		if _, err := tdb.raw.ExecContext(ctx, `INSERT INTO venue_markets (venue, token_symbol, is_active, min_position, max_leverage) VALUES (?,?,1,0,10)`,
			string(v), "ETH"); err != nil {
			t.Fatalf("seed venue market: %v", err)
		}
	}

	sig := repo.Signal{
		ID:          uuid.NewString(),
		AgentID:     dep.AgentID,
		Venue:       v,
		TokenSymbol: "ETH",
		Side:        repo.SideLong,
		SizeModel:   repo.SizeModel{Kind: repo.SizeFixedUSDC, Value: 50},
		RiskModel:   repo.RiskModel{TrailingPercent: 2},
	}
	if err := r.CreateSignal(ctx, sig); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	return dep, sig
}

func TestExecutor_Execute_CreatesPosition(t *testing.T) {
	tdb := newTestRepo(t)
	r := tdb.repo
	dep, sig := seedDeploymentAndSignal(t, tdb, repo.VenuePerpB)

	adapter := &fakeAdapter{
		venue:   repo.VenuePerpB,
		balance: 1000,
		openResult: venue.OpenResult{
			TxRef: "0xabc", AmountOut: 0.5, EntryPriceEstimate: 100, EntryConfirmed: true, VenueTradeID: "ord-1",
		},
	}

	exec := New(Config{
		Repo:     r,
		Adapters: map[repo.Venue]venue.Adapter{repo.VenuePerpB: adapter},
		Fees:     map[repo.Venue]fee.Policy{},
		Ledger:   fee.NewLedger(r),
		Chain:    "arbitrum",
	})

	// PERP-B is delegated: seed an agent address or Execute should reject.
	if err := r.CreateAgentAddress(context.Background(), repo.UserAgentAddress{UserWallet: dep.UserWallet, Venue: repo.VenuePerpB, AgentAddress: "0xAGENT"}); err != nil {
		t.Fatalf("seed agent address: %v", err)
	}

	res, err := exec.Execute(context.Background(), sig.ID, dep.ID)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error=%q reason=%q", res.Error, res.Reason)
	}
	if adapter.opens != 1 {
		t.Fatalf("expected exactly one adapter.Open call, got %d", adapter.opens)
	}

	p, err := r.GetPosition(context.Background(), res.PositionID)
	if err != nil {
		t.Fatalf("load created position: %v", err)
	}
	if p.Status != repo.PositionOpen {
		t.Fatalf("expected OPEN status, got %s", p.Status)
	}
	if p.Qty != 0.5 {
		t.Fatalf("expected qty 0.5, got %v", p.Qty)
	}

	// A second Execute on the same (signal, deployment) must be idempotent
	// and must not call the adapter again (I1).
	res2, err := exec.Execute(context.Background(), sig.ID, dep.ID)
	if err != nil {
		t.Fatalf("second Execute returned error: %v", err)
	}
	if !res2.Success || res2.Message != "already executed" {
		t.Fatalf("expected idempotent success, got %+v", res2)
	}
	if adapter.opens != 1 {
		t.Fatalf("expected adapter.Open not called again, got %d total calls", adapter.opens)
	}
}

func TestExecutor_Execute_RejectsBelowMinimum(t *testing.T) {
	tdb := newTestRepo(t)
	r := tdb.repo
	dep, sig := seedDeploymentAndSignal(t, tdb, repo.VenuePerpB)
	if _, err := tdb.raw.Exec(`UPDATE signals SET size_model_value = 1 WHERE id = ?`, sig.ID); err != nil {
		t.Fatalf("update signal size: %v", err)
	}
	if err := r.CreateAgentAddress(context.Background(), repo.UserAgentAddress{UserWallet: dep.UserWallet, Venue: repo.VenuePerpB, AgentAddress: "0xAGENT"}); err != nil {
		t.Fatalf("seed agent address: %v", err)
	}

	adapter := &fakeAdapter{venue: repo.VenuePerpB, balance: 1000}
	exec := New(Config{
		Repo:     r,
		Adapters: map[repo.Venue]venue.Adapter{repo.VenuePerpB: adapter},
		Fees:     map[repo.Venue]fee.Policy{},
		Ledger:   fee.NewLedger(r),
		Chain:    "arbitrum",
	})

	res, err := exec.Execute(context.Background(), sig.ID, dep.ID)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected rejection, got success")
	}
	if res.Reason != "min-size" {
		t.Fatalf("expected reason min-size, got %q", res.Reason)
	}
	if adapter.opens != 0 {
		t.Fatalf("adapter.Open must not be called on pre-trade rejection, got %d calls", adapter.opens)
	}
}

func TestExecutor_ClosePosition_IdempotentOnAlreadyClosed(t *testing.T) {
	tdb := newTestRepo(t)
	r := tdb.repo
	ctx := context.Background()
	dep, sig := seedDeploymentAndSignal(t, tdb, repo.VenuePerpB)

	pos := repo.Position{
		ID: uuid.NewString(), DeploymentID: dep.ID, SignalID: sig.ID, Venue: repo.VenuePerpB,
		TokenSymbol: "ETH", Side: repo.SideLong, EntryPrice: 100, Qty: 1, Status: repo.PositionOpen,
	}
	if err := r.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := r.FinalizeClose(ctx, pos.ID, repo.CloseInput{ExitPrice: 110, PnL: 10, ExitReason: "manual_close", Qty: 1}); err != nil {
		t.Fatalf("seed close: %v", err)
	}

	adapter := &fakeAdapter{venue: repo.VenuePerpB}
	exec := New(Config{
		Repo:     r,
		Adapters: map[repo.Venue]venue.Adapter{repo.VenuePerpB: adapter},
		Fees:     map[repo.Venue]fee.Policy{},
		Ledger:   fee.NewLedger(r),
	})

	res, err := exec.ClosePosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if !res.Success || res.Message != "already closed" {
		t.Fatalf("expected idempotent already-closed success, got %+v", res)
	}
	if adapter.closes != 0 {
		t.Fatalf("adapter.Close must not be called for an already-closed position, got %d calls", adapter.closes)
	}
}

func TestExecutor_ClosePosition_ClosesAndRecordsProfitShare(t *testing.T) {
	tdb := newTestRepo(t)
	r := tdb.repo
	ctx := context.Background()
	dep, sig := seedDeploymentAndSignal(t, tdb, repo.VenuePerpB)

	pos := repo.Position{
		ID: uuid.NewString(), DeploymentID: dep.ID, SignalID: sig.ID, Venue: repo.VenuePerpB,
		TokenSymbol: "ETH", Side: repo.SideLong, EntryPrice: 100, Qty: 1, Status: repo.PositionOpen,
	}
	if err := r.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := r.CreateAgentAddress(ctx, repo.UserAgentAddress{UserWallet: dep.UserWallet, Venue: repo.VenuePerpB, AgentAddress: "0xAGENT"}); err != nil {
		t.Fatalf("seed agent address: %v", err)
	}

	adapter := &fakeAdapter{
		venue: repo.VenuePerpB,
		closeResult: venue.CloseResult{
			TxRef: "0xdef", ExitPrice: 120, RealizedPnL: 20,
		},
	}
	exec := New(Config{
		Repo:     r,
		Adapters: map[repo.Venue]venue.Adapter{repo.VenuePerpB: adapter},
		Fees:     map[repo.Venue]fee.Policy{repo.VenuePerpB: {Model: fee.ModelProfitShare, ReceiverAddr: "0xPLATFORM"}},
		Ledger:   fee.NewLedger(r),
	})

	res, err := exec.ClosePosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	closed, err := r.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("load closed position: %v", err)
	}
	if closed.Status != repo.PositionClosed {
		t.Fatalf("expected CLOSED status, got %s", closed.Status)
	}
	if closed.PnL == nil || *closed.PnL != 20 {
		t.Fatalf("expected pnl 20, got %+v", closed.PnL)
	}

	// pnl 20 at the default 20% creator share.
	var kind string
	var amount float64
	if err := tdb.raw.QueryRowContext(ctx, `SELECT kind, amount FROM billing_events WHERE deployment_id = ?`, dep.ID).Scan(&kind, &amount); err != nil {
		t.Fatalf("load billing event: %v", err)
	}
	if kind != string(repo.BillingProfitShare) || amount != 4 {
		t.Fatalf("expected PROFIT_SHARE billing event of 4, got %s %v", kind, amount)
	}
}
