package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/executor"
	"github.com/maxxit-ai/coordinator/internal/fee"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeAdapter is a minimal venue.Adapter (+ optional venue.MarketSource)
// test double, mirroring internal/executor's test fake.
type fakeAdapter struct {
	v          repo.Venue
	balance    float64
	openResult venue.OpenResult
	closeRes   venue.CloseResult
	markets    []venue.MarketInfo
}

func (f *fakeAdapter) Venue() repo.Venue { return f.v }
func (f *fakeAdapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	return f.openResult, nil
}
func (f *fakeAdapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	return f.closeRes, nil
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
func (f *fakeAdapter) ListMarkets(ctx context.Context) ([]venue.MarketInfo, error) {
	return f.markets, nil
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

func seedDeploymentAndSignal(t *testing.T, tdb testDB) (repo.Deployment, repo.Signal) {
	t.Helper()
	ctx := context.Background()
	r := tdb.repo

	dep := repo.Deployment{ID: uuid.NewString(), AgentID: "agent-1", UserWallet: "0xUSER", SafeWallet: "0xVAULT"}
	if _, err := tdb.raw.ExecContext(ctx, `INSERT INTO deployments (id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled, enabled_venues) VALUES (?,?,?,?,?,?,?,?)`,
		dep.ID, dep.AgentID, dep.UserWallet, dep.SafeWallet, "ACTIVE", 1, 1, "[]"); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}

	sig := repo.Signal{
		ID: uuid.NewString(), AgentID: dep.AgentID, Venue: repo.VenueSpot, TokenSymbol: "ETH",
		Side: repo.SideLong, SizeModel: repo.SizeModel{Kind: repo.SizeFixedUSDC, Value: 50},
	}
	if err := r.CreateSignal(ctx, sig); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	if _, err := tdb.raw.ExecContext(ctx, `INSERT INTO token_registry (chain, token_symbol, address, decimals) VALUES (?,?,?,?)`,
		"arbitrum", "ETH", "0xTOKEN", 18); err != nil {
		t.Fatalf("seed token registry: %v", err)
	}
	return dep, sig
}

func newTestServer(t *testing.T, adapters map[repo.Venue]venue.Adapter) (*Server, testDB) {
	t.Helper()
	tdb := newTestRepo(t)
	exec := executor.New(executor.Config{
		Repo:     tdb.repo,
		Adapters: adapters,
		Fees:     map[repo.Venue]fee.Policy{},
		Ledger:   fee.NewLedger(tdb.repo),
		Chain:    "arbitrum",
	})
	s := NewServer(Config{
		Bus:       events.NewBus(),
		Repo:      tdb.repo,
		Exec:      exec,
		Adapters:  adapters,
		JWTSecret: "test-secret",
	})
	return s, tdb
}

func doJSON(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+mustToken(s))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func mustToken(s *Server) string {
	tok, _ := generateToken("admin-test", s.JWTSecret, time.Now().Add(72*time.Hour))
	return tok
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.Router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_ExecuteTrade_CreatesPosition(t *testing.T) {
	adapter := &fakeAdapter{
		v:       repo.VenueSpot,
		balance: 1000,
		openResult: venue.OpenResult{
			TxRef: "0xabc", AmountOut: 0.5, EntryPriceEstimate: 2000, EntryConfirmed: true,
		},
	}
	s, tdb := newTestServer(t, map[repo.Venue]venue.Adapter{repo.VenueSpot: adapter})
	_, sig := seedDeploymentAndSignal(t, tdb)

	rec := doJSON(s, "POST", "/admin/execute-trade", map[string]string{"signalId": sig.ID})
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Results []executor.ExecutionResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Results) != 1 || !out.Results[0].Success {
		t.Fatalf("expected one successful execution, got %+v", out.Results)
	}
}

func TestServer_ExecuteTrade_MissingSignalID(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(s, "POST", "/admin/execute-trade", map[string]string{})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServer_ClosePosition_Idempotent(t *testing.T) {
	adapter := &fakeAdapter{v: repo.VenueSpot, closeRes: venue.CloseResult{ExitPrice: 2100, RealizedPnL: 50}}
	s, tdb := newTestServer(t, map[repo.Venue]venue.Adapter{repo.VenueSpot: adapter})
	dep, _ := seedDeploymentAndSignal(t, tdb)

	pos := repo.Position{
		ID: uuid.NewString(), DeploymentID: dep.ID, SignalID: uuid.NewString(), Venue: repo.VenueSpot,
		TokenSymbol: "ETH", Side: repo.SideLong, EntryPrice: 2000, Qty: 1, Status: repo.PositionOpen,
	}
	if err := tdb.repo.CreatePosition(context.Background(), pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	rec := doJSON(s, "POST", "/admin/close-position", map[string]string{"positionId": pos.ID})
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Second call must be idempotent, not a validation failure.
	rec2 := doJSON(s, "POST", "/admin/close-position", map[string]string{"positionId": pos.ID})
	if rec2.Code != 200 {
		t.Fatalf("expected 200 on repeat close, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestServer_SyncVenueMarkets(t *testing.T) {
	adapter := &fakeAdapter{
		v:       repo.VenuePerpB,
		markets: []venue.MarketInfo{{TokenSymbol: "BTC", MarketRef: "BTC", IsActive: true, MaxLeverage: 20}},
	}
	s, _ := newTestServer(t, map[repo.Venue]venue.Adapter{repo.VenuePerpB: adapter})

	rec := doJSON(s, "POST", "/admin/sync-venue-markets", map[string]string{"venue": "PERP_B"})
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	m, err := s.Repo.GetVenueMarket(context.Background(), repo.VenuePerpB, "BTC")
	if err != nil {
		t.Fatalf("load synced market: %v", err)
	}
	if !m.IsActive || m.MaxLeverage != 20 {
		t.Fatalf("unexpected synced market: %+v", m)
	}
}

func TestServer_SyncVenueMarkets_InvalidVenue(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(s, "POST", "/admin/sync-venue-markets", map[string]string{"venue": "NOT_A_VENUE"})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServer_AdminRoutes_RequireAuth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/admin/execute-trade", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

