package repo

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    token_symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    size_model_kind TEXT NOT NULL,
    size_model_value REAL NOT NULL,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    trailing_percent REAL DEFAULT 0,
    leverage REAL DEFAULT 0,
    source_ref TEXT NOT NULL DEFAULT '[]',
    dedupe_bucket TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS deployments (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    user_wallet TEXT NOT NULL,
    safe_wallet TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    sub_active INTEGER NOT NULL DEFAULT 1,
    module_enabled INTEGER NOT NULL DEFAULT 1,
    enabled_venues TEXT NOT NULL DEFAULT '[]',
    profit_receiver_address TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_agent_addresses (
    user_wallet TEXT NOT NULL,
    venue TEXT NOT NULL,
    agent_address TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_wallet, venue)
);

-- I4: no two users may share a delegated address.
CREATE UNIQUE INDEX IF NOT EXISTS idx_user_agent_addresses_unique_addr
    ON user_agent_addresses(venue, agent_address);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    deployment_id TEXT NOT NULL,
    signal_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    token_symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    qty REAL NOT NULL,
    entry_tx_ref TEXT,
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'OPEN',
    closed_at DATETIME,
    exit_price REAL,
    exit_tx_ref TEXT,
    pnl REAL,
    exit_reason TEXT,
    trailing_enabled INTEGER NOT NULL DEFAULT 0,
    trailing_percent REAL NOT NULL DEFAULT 0,
    trailing_highest REAL,
    trailing_lowest REAL,
    venue_trade_id TEXT,
    venue_trade_index INTEGER,
    entry_price_confirmed INTEGER NOT NULL DEFAULT 1,
    UNIQUE(deployment_id, signal_id)
);

CREATE INDEX IF NOT EXISTS idx_positions_deployment_venue_status
    ON positions(deployment_id, venue, status);

CREATE TABLE IF NOT EXISTS venue_markets (
    venue TEXT NOT NULL,
    token_symbol TEXT NOT NULL,
    market_ref TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    min_position REAL NOT NULL DEFAULT 0,
    max_leverage REAL NOT NULL DEFAULT 1,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (venue, token_symbol)
);

CREATE TABLE IF NOT EXISTS token_registry (
    chain TEXT NOT NULL,
    token_symbol TEXT NOT NULL,
    address TEXT NOT NULL,
    decimals INTEGER NOT NULL,
    PRIMARY KEY (chain, token_symbol)
);

CREATE TABLE IF NOT EXISTS billing_events (
    id TEXT PRIMARY KEY,
    deployment_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount REAL NOT NULL,
    asset TEXT NOT NULL,
    occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Ambient: admin surface authentication, carried from the teacher.
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; kept lightweight for fast startup.
func ApplyMigrations(d *DB) error {
	if d == nil || d.SQL == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.SQL.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if err := ensureColumn(d.SQL, "positions", "entry_price_confirmed", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist (teacher's idiom
// for lightweight, idempotent migrations against older DB files).
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
