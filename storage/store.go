// Copyright 2025 The binrunner Authors
// This file is part of the binrunner library.
//
// The binrunner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The binrunner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the binrunner library. If not, see <http://www.gnu.org/licenses/>.

// Package storage persists users, bots, positions and the trade log in
// SQLite. Every mutation is one short transaction; the WAL journal
// keeps readers off the writer's back. Foreign keys are enforced, so
// deleting a bot cascades to its positions and log entries.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBotLimit is returned when a user is at the per-user bot cap.
	ErrBotLimit = errors.New("bot limit reached")

	// ErrPresetLimit is returned when a user is at the preset cap.
	ErrPresetLimit = errors.New("preset limit reached")

	// ErrBotRunning is returned for mutations that require a stopped
	// bot.
	ErrBotRunning = errors.New("bot is not stopped")
)

const (
	// MaxBotsPerUser caps how many bots one user may create.
	MaxBotsPerUser = 10

	// MaxPresetsPerUser caps per-user strategy presets.
	MaxPresetsPerUser = 20
)

// Store wraps the SQLite handle.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. The special path ":memory:" opens a private in-memory
// database, used by tests.
func Open(path string, log *zap.Logger) (*Store, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&_loc=UTC"
	} else {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_loc=UTC"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers anyway; a single connection avoids
	// database-locked errors under concurrent mutation.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.Named("storage")}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the schema and seeds the system presets. It is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := s.seedSystemPresets(ctx); err != nil {
		return fmt.Errorf("seed presets: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFoundAs(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                      TEXT PRIMARY KEY,
	wallet_address          TEXT NOT NULL UNIQUE,
	sentinel_wallet_address TEXT,
	auth_nonce              TEXT,
	auth_nonce_expires_at   TIMESTAMP,
	refresh_token_hash      TEXT,
	created_at              TIMESTAMP NOT NULL,
	updated_at              TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS bots (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id                   TEXT NOT NULL UNIQUE,
	user_id                  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name                     TEXT NOT NULL,
	mode                     TEXT NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'stopped',
	strategy_mode            TEXT NOT NULL DEFAULT 'rule_based',

	entry_score_threshold    REAL NOT NULL DEFAULT 0,
	min_liquidity_usd        REAL NOT NULL DEFAULT 0,
	max_liquidity_usd        REAL NOT NULL DEFAULT 0,
	min_volume_24h_usd       REAL NOT NULL DEFAULT 0,
	sol_pairs_only           INTEGER NOT NULL DEFAULT 1,
	mint_blacklist           TEXT NOT NULL DEFAULT '[]',
	position_size_sol        REAL NOT NULL DEFAULT 0,
	position_size_fraction   REAL NOT NULL DEFAULT 0,
	min_position_sol         REAL NOT NULL DEFAULT 0,
	max_position_sol         REAL NOT NULL DEFAULT 0,
	bin_range                INTEGER NOT NULL DEFAULT 0,
	profit_target_pct        REAL NOT NULL DEFAULT 0,
	stop_loss_pct            REAL NOT NULL DEFAULT 0,
	trailing_stop_enabled    INTEGER NOT NULL DEFAULT 0,
	trailing_stop_pct        REAL NOT NULL DEFAULT 0,
	max_hold_minutes         INTEGER NOT NULL DEFAULT 0,
	max_daily_loss_sol       REAL NOT NULL DEFAULT 0,
	cooldown_minutes         INTEGER NOT NULL DEFAULT 0,
	max_concurrent_positions INTEGER NOT NULL DEFAULT 0,
	scan_interval_seconds    INTEGER NOT NULL DEFAULT 0,
	check_interval_seconds   INTEGER NOT NULL DEFAULT 0,
	sim_initial_balance_sol  REAL NOT NULL DEFAULT 0,

	total_trades             INTEGER NOT NULL DEFAULT 0,
	winning_trades           INTEGER NOT NULL DEFAULT 0,
	total_pnl_lamports       INTEGER NOT NULL DEFAULT 0,

	last_error               TEXT,
	last_activity_at         TIMESTAMP,
	emergency_stop_state     TEXT,
	created_at               TIMESTAMP NOT NULL,
	updated_at               TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bots_user ON bots(user_id);
CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status);

CREATE TABLE IF NOT EXISTS positions (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id              TEXT NOT NULL UNIQUE,
	bot_id                   TEXT NOT NULL REFERENCES bots(bot_id) ON DELETE CASCADE,
	user_id                  TEXT NOT NULL,
	mode                     TEXT NOT NULL,
	status                   TEXT NOT NULL,

	pool_address             TEXT NOT NULL,
	pool_name                TEXT NOT NULL DEFAULT '',
	mint_x                   TEXT NOT NULL DEFAULT '',
	mint_y                   TEXT NOT NULL DEFAULT '',
	bin_step                 INTEGER NOT NULL DEFAULT 0,
	position_address         TEXT NOT NULL DEFAULT '',

	entry_bin_id             INTEGER NOT NULL DEFAULT 0,
	lower_bin_id             INTEGER NOT NULL DEFAULT 0,
	upper_bin_id             INTEGER NOT NULL DEFAULT 0,
	entry_price_per_token    REAL NOT NULL DEFAULT 0,
	entry_time               TIMESTAMP NOT NULL,
	entry_amount_x           INTEGER NOT NULL DEFAULT 0,
	entry_amount_y           INTEGER NOT NULL DEFAULT 0,
	entry_tx_sig             TEXT NOT NULL DEFAULT '',
	entry_tx_cost_lamports   INTEGER NOT NULL DEFAULT 0,
	entry_score              REAL NOT NULL DEFAULT 0,
	ml_probability           REAL,
	entry_features           TEXT,

	profit_target_pct        REAL NOT NULL DEFAULT 0,
	stop_loss_pct            REAL NOT NULL DEFAULT 0,
	trailing_stop_enabled    INTEGER NOT NULL DEFAULT 0,
	trailing_stop_pct        REAL NOT NULL DEFAULT 0,
	max_hold_minutes         INTEGER NOT NULL DEFAULT 0,

	current_price_per_token  REAL NOT NULL DEFAULT 0,
	unrealized_pnl_lamports  INTEGER NOT NULL DEFAULT 0,
	fees_earned_x            INTEGER NOT NULL DEFAULT 0,
	fees_earned_y            INTEGER NOT NULL DEFAULT 0,

	exit_price_per_token     REAL NOT NULL DEFAULT 0,
	exit_time                TIMESTAMP,
	exit_tx_sig              TEXT NOT NULL DEFAULT '',
	exit_tx_cost_lamports    INTEGER NOT NULL DEFAULT 0,
	exit_reason              TEXT NOT NULL DEFAULT '',
	realized_pnl_lamports    INTEGER NOT NULL DEFAULT 0,

	last_error               TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMP NOT NULL,
	updated_at               TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_bot ON positions(bot_id);
CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status);

CREATE TABLE IF NOT EXISTS trade_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id      TEXT NOT NULL REFERENCES bots(bot_id) ON DELETE CASCADE,
	user_id     TEXT NOT NULL,
	position_id TEXT,
	event       TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_log_bot ON trade_log(bot_id, created_at);

CREATE TABLE IF NOT EXISTS strategy_presets (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id                  TEXT REFERENCES users(id) ON DELETE CASCADE,
	name                     TEXT NOT NULL,
	description              TEXT NOT NULL DEFAULT '',
	is_system                INTEGER NOT NULL DEFAULT 0,

	entry_score_threshold    REAL NOT NULL DEFAULT 0,
	min_liquidity_usd        REAL NOT NULL DEFAULT 0,
	max_liquidity_usd        REAL NOT NULL DEFAULT 0,
	min_volume_24h_usd       REAL NOT NULL DEFAULT 0,
	sol_pairs_only           INTEGER NOT NULL DEFAULT 1,
	mint_blacklist           TEXT NOT NULL DEFAULT '[]',
	position_size_sol        REAL NOT NULL DEFAULT 0,
	position_size_fraction   REAL NOT NULL DEFAULT 0,
	min_position_sol         REAL NOT NULL DEFAULT 0,
	max_position_sol         REAL NOT NULL DEFAULT 0,
	bin_range                INTEGER NOT NULL DEFAULT 0,
	profit_target_pct        REAL NOT NULL DEFAULT 0,
	stop_loss_pct            REAL NOT NULL DEFAULT 0,
	trailing_stop_enabled    INTEGER NOT NULL DEFAULT 0,
	trailing_stop_pct        REAL NOT NULL DEFAULT 0,
	max_hold_minutes         INTEGER NOT NULL DEFAULT 0,
	max_daily_loss_sol       REAL NOT NULL DEFAULT 0,
	cooldown_minutes         INTEGER NOT NULL DEFAULT 0,
	max_concurrent_positions INTEGER NOT NULL DEFAULT 0,
	scan_interval_seconds    INTEGER NOT NULL DEFAULT 0,
	check_interval_seconds   INTEGER NOT NULL DEFAULT 0,
	sim_initial_balance_sol  REAL NOT NULL DEFAULT 0,

	created_at               TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_presets_user ON strategy_presets(user_id);
`
