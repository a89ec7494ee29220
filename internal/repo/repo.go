package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("repo: not found")

// ErrAlreadyExists signals a unique-constraint collision; callers treat this
// as the idempotency arbiter described in spec.md I1/P4.
var ErrAlreadyExists = errors.New("repo: already exists")

// Repo is the durable-map facade described in spec.md §2/§3.
type Repo struct {
	db *DB
}

func New(db *DB) *Repo { return &Repo{db: db} }

// ---------------------------------------------------------------- signals

// CreateSignal inserts a new signal row.
func (r *Repo) CreateSignal(ctx context.Context, s Signal) error {
	srcRef, err := json.Marshal(s.SourceRef)
	if err != nil {
		return fmt.Errorf("marshal source_ref: %w", err)
	}
	_, err = r.db.SQL.ExecContext(ctx, `
		INSERT INTO signals (
			id, agent_id, venue, token_symbol, side, size_model_kind, size_model_value,
			stop_loss, take_profit, trailing_percent, leverage, source_ref, dedupe_bucket, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		s.ID, s.AgentID, string(s.Venue), s.TokenSymbol, string(s.Side),
		string(s.SizeModel.Kind), s.SizeModel.Value,
		s.RiskModel.StopLoss, s.RiskModel.TakeProfit, s.RiskModel.TrailingPercent, s.RiskModel.Leverage,
		string(srcRef), s.DedupeBucket, nullTime(s.CreatedAt),
	)
	return err
}

// GetSignal loads a signal by id.
func (r *Repo) GetSignal(ctx context.Context, id string) (Signal, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT id, agent_id, venue, token_symbol, side, size_model_kind, size_model_value,
		       stop_loss, take_profit, trailing_percent, leverage, source_ref, dedupe_bucket, created_at
		FROM signals WHERE id = ?`, id)
	return scanSignal(row)
}

// SetSignalVenue rewrites the venue on a signal exactly once (router mutation, I3).
func (r *Repo) SetSignalVenue(ctx context.Context, id string, venue Venue) error {
	res, err := r.db.SQL.ExecContext(ctx, `UPDATE signals SET venue = ? WHERE id = ?`, string(venue), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSignal(row *sql.Row) (Signal, error) {
	var s Signal
	var venue, side, kind, srcRef string
	var dedupe sql.NullString
	if err := row.Scan(
		&s.ID, &s.AgentID, &venue, &s.TokenSymbol, &side, &kind, &s.SizeModel.Value,
		&s.RiskModel.StopLoss, &s.RiskModel.TakeProfit, &s.RiskModel.TrailingPercent, &s.RiskModel.Leverage,
		&srcRef, &dedupe, &s.CreatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return Signal{}, ErrNotFound
		}
		return Signal{}, err
	}
	s.Venue = Venue(venue)
	s.Side = Side(side)
	s.SizeModel.Kind = SizeModelKind(kind)
	s.DedupeBucket = dedupe.String
	_ = json.Unmarshal([]byte(srcRef), &s.SourceRef)
	return s, nil
}

// ------------------------------------------------------------ deployments

// GetDeployment loads a deployment by id.
func (r *Repo) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled,
		       enabled_venues, profit_receiver_address, created_at, updated_at
		FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

// NewestActiveDeploymentForAgent returns the most recently created ACTIVE
// deployment bound to agentID, used by the executor's auto-mode resolution.
func (r *Repo) NewestActiveDeploymentForAgent(ctx context.Context, agentID string) (Deployment, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled,
		       enabled_venues, profit_receiver_address, created_at, updated_at
		FROM deployments
		WHERE agent_id = ? AND status = 'ACTIVE' AND sub_active = 1 AND module_enabled = 1
		ORDER BY created_at DESC LIMIT 1`, agentID)
	return scanDeployment(row)
}

// EligibleDeploymentsForAgent returns all currently-eligible deployments
// subscribed to agentID, used by the executor's multi-deployment fan-out.
func (r *Repo) EligibleDeploymentsForAgent(ctx context.Context, agentID string) ([]Deployment, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled,
		       enabled_venues, profit_receiver_address, created_at, updated_at
		FROM deployments
		WHERE agent_id = ? AND status = 'ACTIVE' AND sub_active = 1 AND module_enabled = 1
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeploymentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListActiveDeployments returns every ACTIVE deployment with its
// subscription and module switches on, used by the monitor's per-cycle
// deployment enumeration rather than any single agent's view.
func (r *Repo) ListActiveDeployments(ctx context.Context) ([]Deployment, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled,
		       enabled_venues, profit_receiver_address, created_at, updated_at
		FROM deployments
		WHERE status = 'ACTIVE' AND sub_active = 1 AND module_enabled = 1
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeploymentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row *sql.Row) (Deployment, error) {
	d, err := scanDeploymentRows(row)
	if err == sql.ErrNoRows {
		return Deployment{}, ErrNotFound
	}
	return d, err
}

func scanDeploymentRows(row rowScanner) (Deployment, error) {
	var d Deployment
	var status, venues string
	var subActive, moduleEnabled int
	var profitReceiver sql.NullString
	if err := row.Scan(
		&d.ID, &d.AgentID, &d.UserWallet, &d.SafeWallet, &status, &subActive, &moduleEnabled,
		&venues, &profitReceiver, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return Deployment{}, err
	}
	d.Status = DeploymentStatus(status)
	d.SubActive = subActive == 1
	d.ModuleEnabled = moduleEnabled == 1
	d.ProfitReceiverAddress = profitReceiver.String
	var rawVenues []string
	_ = json.Unmarshal([]byte(venues), &rawVenues)
	for _, v := range rawVenues {
		d.EnabledVenues = append(d.EnabledVenues, Venue(v))
	}
	return d, nil
}

// -------------------------------------------------------- agent addresses

// GetAgentAddress resolves the delegated agent address for (user, venue).
func (r *Repo) GetAgentAddress(ctx context.Context, userWallet string, venue Venue) (UserAgentAddress, error) {
	userWallet = strings.ToLower(userWallet)
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT user_wallet, venue, agent_address, created_at
		FROM user_agent_addresses WHERE user_wallet = ? AND venue = ?`, userWallet, string(venue))
	var a UserAgentAddress
	var v string
	if err := row.Scan(&a.UserWallet, &v, &a.AgentAddress, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return UserAgentAddress{}, ErrNotFound
		}
		return UserAgentAddress{}, err
	}
	a.Venue = Venue(v)
	return a, nil
}

// CreateAgentAddress registers a new delegated agent address. The unique
// index on (venue, agent_address) enforces I4 (global address uniqueness);
// a collision surfaces as ErrAlreadyExists.
func (r *Repo) CreateAgentAddress(ctx context.Context, a UserAgentAddress) error {
	userWallet := strings.ToLower(a.UserWallet)
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO user_agent_addresses (user_wallet, venue, agent_address, created_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, userWallet, string(a.Venue), a.AgentAddress, nullTime(a.CreatedAt))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// -------------------------------------------------------------- positions

// CreatePosition inserts a new position. On a (deployment_id, signal_id)
// unique-constraint collision (I1, P2, P4) it returns ErrAlreadyExists so
// the caller can refetch and treat the loser as an idempotent success.
func (r *Repo) CreatePosition(ctx context.Context, p Position) error {
	if p.Qty <= 0 {
		return fmt.Errorf("repo: refusing to create position with qty <= 0 (I2)")
	}
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO positions (
			id, deployment_id, signal_id, venue, token_symbol, side, entry_price, qty,
			entry_tx_ref, opened_at, status, trailing_enabled, trailing_percent,
			trailing_highest, trailing_lowest, venue_trade_id, venue_trade_index, entry_price_confirmed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.DeploymentID, p.SignalID, string(p.Venue), p.TokenSymbol, string(p.Side), p.EntryPrice, p.Qty,
		p.EntryTxRef, nullTime(p.OpenedAt), string(PositionOpen),
		boolToInt(p.Trailing.Enabled), p.Trailing.TrailingPercent,
		nullFloatPtr(nonZeroPtr(p.Trailing.HighestPrice)), nullFloatPtr(nonZeroPtr(p.Trailing.LowestPrice)),
		p.VenueTradeID, nullInt64(p.VenueTradeIndex), boolToInt(p.EntryPriceConfirmed),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetPositionByDeploymentSignal fetches the (deployment,signal) position,
// used to refetch after a CreatePosition collision (I1 arbiter).
func (r *Repo) GetPositionByDeploymentSignal(ctx context.Context, deploymentID, signalID string) (Position, error) {
	row := r.db.SQL.QueryRowContext(ctx, positionSelect+`WHERE deployment_id = ? AND signal_id = ?`, deploymentID, signalID)
	return scanPosition(row)
}

// GetPosition fetches a position by id.
func (r *Repo) GetPosition(ctx context.Context, id string) (Position, error) {
	row := r.db.SQL.QueryRowContext(ctx, positionSelect+`WHERE id = ?`, id)
	return scanPosition(row)
}

// ListOpenPositions returns non-CLOSED positions for a (deployment, venue) pair.
func (r *Repo) ListOpenPositions(ctx context.Context, deploymentID string, venue Venue) ([]Position, error) {
	rows, err := r.db.SQL.QueryContext(ctx, positionSelect+`WHERE deployment_id = ? AND venue = ? AND status != 'CLOSED'`,
		deploymentID, string(venue))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

const positionSelect = `
	SELECT id, deployment_id, signal_id, venue, token_symbol, side, entry_price, qty,
	       entry_tx_ref, opened_at, status, closed_at, exit_price, exit_tx_ref, pnl, exit_reason,
	       trailing_enabled, trailing_percent, trailing_highest, trailing_lowest,
	       venue_trade_id, venue_trade_index, entry_price_confirmed
	FROM positions `

func scanPosition(row *sql.Row) (Position, error) {
	p, err := scanPositionRow(row)
	if err == sql.ErrNoRows {
		return Position{}, ErrNotFound
	}
	return p, err
}

func scanPositions(rows *sql.Rows) ([]Position, error) {
	var out []Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPositionRow(row rowScanner) (Position, error) {
	var p Position
	var venue, side, status string
	var closedAt sql.NullTime
	var exitPrice, pnl, trailHigh, trailLow sql.NullFloat64
	var exitTxRef, exitReason sql.NullString
	var venueTradeIndex sql.NullInt64
	var trailingEnabled, confirmed int
	if err := row.Scan(
		&p.ID, &p.DeploymentID, &p.SignalID, &venue, &p.TokenSymbol, &side, &p.EntryPrice, &p.Qty,
		&p.EntryTxRef, &p.OpenedAt, &status, &closedAt, &exitPrice, &exitTxRef, &pnl, &exitReason,
		&trailingEnabled, &p.Trailing.TrailingPercent, &trailHigh, &trailLow,
		&p.VenueTradeID, &venueTradeIndex, &confirmed,
	); err != nil {
		return Position{}, err
	}
	p.Venue = Venue(venue)
	p.Side = Side(side)
	p.Status = PositionStatus(status)
	p.Trailing.Enabled = trailingEnabled == 1
	p.EntryPriceConfirmed = confirmed == 1
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if exitPrice.Valid {
		v := exitPrice.Float64
		p.ExitPrice = &v
	}
	if exitTxRef.Valid {
		v := exitTxRef.String
		p.ExitTxRef = &v
	}
	if pnl.Valid {
		v := pnl.Float64
		p.PnL = &v
	}
	p.ExitReason = exitReason.String
	if trailHigh.Valid {
		p.Trailing.HighestPrice = trailHigh.Float64
	}
	if trailLow.Valid {
		p.Trailing.LowestPrice = trailLow.Float64
	}
	if venueTradeIndex.Valid {
		p.VenueTradeIndex = venueTradeIndex.Int64
	}
	return p, nil
}

// TryMarkClosing performs the OPEN->CLOSING CAS described in spec.md's
// concurrency section. It returns (true, nil) if this call won the race.
func (r *Repo) TryMarkClosing(ctx context.Context, id string) (bool, error) {
	res, err := r.db.SQL.ExecContext(ctx, `UPDATE positions SET status = 'CLOSING' WHERE id = ? AND status = 'OPEN'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevertClosingToOpen undoes a failed close attempt (CLOSING -> OPEN).
func (r *Repo) RevertClosingToOpen(ctx context.Context, id string) error {
	_, err := r.db.SQL.ExecContext(ctx, `UPDATE positions SET status = 'OPEN' WHERE id = ? AND status = 'CLOSING'`, id)
	return err
}

// UpdateTrailingAnchors persists the monitor's high/low watermark updates.
func (r *Repo) UpdateTrailingAnchors(ctx context.Context, id string, highest, lowest float64) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		UPDATE positions SET trailing_highest = ?, trailing_lowest = ? WHERE id = ? AND status != 'CLOSED'
	`, nullFloatPtr(nonZeroPtr(highest)), nullFloatPtr(nonZeroPtr(lowest)), id)
	return err
}

// UpdateEntryPrice updates the entry price and resets trailing anchors,
// used by the PERP-C delayed-fill path once the venue confirms a fill.
func (r *Repo) UpdateEntryPrice(ctx context.Context, id string, entryPrice float64) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		UPDATE positions
		SET entry_price = ?, entry_price_confirmed = 1, trailing_highest = NULL, trailing_lowest = NULL
		WHERE id = ?
	`, entryPrice, id)
	return err
}

// CloseInput carries the terminal fields applied when a position closes.
type CloseInput struct {
	ExitPrice  float64
	ExitTxRef  string
	PnL        float64
	ExitReason string
	Qty        float64 // actual qty closed (spot may read a stale-corrected value)
}

// FinalizeClose transitions a position (from any non-CLOSED state) to
// CLOSED and records terminal fields. Idempotent: a second call on an
// already-CLOSED row is a silent no-op (see spec.md close_position step 1).
func (r *Repo) FinalizeClose(ctx context.Context, id string, in CloseInput) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		UPDATE positions
		SET status = 'CLOSED', closed_at = CURRENT_TIMESTAMP, exit_price = ?, exit_tx_ref = ?,
		    pnl = ?, exit_reason = ?, qty = ?
		WHERE id = ? AND status != 'CLOSED'
	`, in.ExitPrice, in.ExitTxRef, in.PnL, in.ExitReason, in.Qty, id)
	return err
}

// ---------------------------------------------------------- venue markets

// GetVenueMarket looks up (venue, token) market availability.
func (r *Repo) GetVenueMarket(ctx context.Context, venue Venue, tokenSymbol string) (VenueMarket, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT venue, token_symbol, market_ref, is_active, min_position, max_leverage, updated_at
		FROM venue_markets WHERE venue = ? AND token_symbol = ?`, string(venue), tokenSymbol)
	var m VenueMarket
	var v string
	var active int
	var marketRef sql.NullString
	if err := row.Scan(&v, &m.TokenSymbol, &marketRef, &active, &m.MinPosition, &m.MaxLeverage, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return VenueMarket{}, ErrNotFound
		}
		return VenueMarket{}, err
	}
	m.Venue = Venue(v)
	m.MarketRef = marketRef.String
	m.IsActive = active == 1
	return m, nil
}

// UpsertVenueMarket is used by the market-sync admin endpoint.
func (r *Repo) UpsertVenueMarket(ctx context.Context, m VenueMarket) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO venue_markets (venue, token_symbol, market_ref, is_active, min_position, max_leverage, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(venue, token_symbol) DO UPDATE SET
			market_ref = excluded.market_ref,
			is_active = excluded.is_active,
			min_position = excluded.min_position,
			max_leverage = excluded.max_leverage,
			updated_at = CURRENT_TIMESTAMP
	`, string(m.Venue), m.TokenSymbol, m.MarketRef, boolToInt(m.IsActive), m.MinPosition, m.MaxLeverage)
	return err
}

// ---------------------------------------------------------- token registry

// GetTokenRegistryEntry resolves (chain, token symbol) for spot venues.
func (r *Repo) GetTokenRegistryEntry(ctx context.Context, chain, tokenSymbol string) (TokenRegistryEntry, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT chain, token_symbol, address, decimals FROM token_registry WHERE chain = ? AND token_symbol = ?
	`, chain, tokenSymbol)
	var e TokenRegistryEntry
	if err := row.Scan(&e.Chain, &e.TokenSymbol, &e.Address, &e.Decimals); err != nil {
		if err == sql.ErrNoRows {
			return TokenRegistryEntry{}, ErrNotFound
		}
		return TokenRegistryEntry{}, err
	}
	return e, nil
}

// ----------------------------------------------------------- billing events

// CreateBillingEvent appends a billing event row.
func (r *Repo) CreateBillingEvent(ctx context.Context, b BillingEvent) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO billing_events (id, deployment_id, kind, amount, asset, occurred_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, b.ID, b.DeploymentID, string(b.Kind), b.Amount, b.Asset, nullTime(b.OccurredAt))
	return err
}

// --------------------------------------------------------------- helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullFloatPtr(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nonZeroPtr(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

func nullInt64(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}

// isUniqueViolation best-effort-detects a SQLite unique constraint error
// across driver error text, since modernc.org/sqlite does not export a
// typed sentinel the way some cgo drivers do.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// ------------------------------------------------------------------- users

// CreateUser inserts a new admin-surface operator account.
func (r *Repo) CreateUser(ctx context.Context, u User) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, nullTime(u.CreatedAt), nullTime(u.UpdatedAt))
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetUserByEmail loads an operator account by email, returning ErrNotFound
// if none is registered.
func (r *Repo) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}
