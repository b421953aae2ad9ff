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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/solfleet/binrunner/core"
)

// configColumns is the strategy configuration as stored, shared by the
// bots and strategy_presets tables.
type configColumns struct {
	EntryScoreThreshold    float64 `db:"entry_score_threshold"`
	MinLiquidityUSD        float64 `db:"min_liquidity_usd"`
	MaxLiquidityUSD        float64 `db:"max_liquidity_usd"`
	MinVolume24hUSD        float64 `db:"min_volume_24h_usd"`
	SOLPairsOnly           bool    `db:"sol_pairs_only"`
	MintBlacklist          string  `db:"mint_blacklist"`
	PositionSizeSOL        float64 `db:"position_size_sol"`
	PositionSizeFraction   float64 `db:"position_size_fraction"`
	MinPositionSOL         float64 `db:"min_position_sol"`
	MaxPositionSOL         float64 `db:"max_position_sol"`
	BinRange               int     `db:"bin_range"`
	ProfitTargetPct        float64 `db:"profit_target_pct"`
	StopLossPct            float64 `db:"stop_loss_pct"`
	TrailingStopEnabled    bool    `db:"trailing_stop_enabled"`
	TrailingStopPct        float64 `db:"trailing_stop_pct"`
	MaxHoldMinutes         int     `db:"max_hold_minutes"`
	MaxDailyLossSOL        float64 `db:"max_daily_loss_sol"`
	CooldownMinutes        int     `db:"cooldown_minutes"`
	MaxConcurrentPositions int     `db:"max_concurrent_positions"`
	ScanIntervalSeconds    int     `db:"scan_interval_seconds"`
	CheckIntervalSeconds   int     `db:"check_interval_seconds"`
	SimInitialBalanceSOL   float64 `db:"sim_initial_balance_sol"`
}

func configToColumns(cfg *core.BotConfig) configColumns {
	blacklist, _ := json.Marshal(cfg.MintBlacklist)
	if cfg.MintBlacklist == nil {
		blacklist = []byte("[]")
	}
	return configColumns{
		EntryScoreThreshold:    cfg.EntryScore,
		MinLiquidityUSD:        cfg.MinLiquidityUSD,
		MaxLiquidityUSD:        cfg.MaxLiquidityUSD,
		MinVolume24hUSD:        cfg.MinVolume24hUSD,
		SOLPairsOnly:           cfg.SOLPairsOnly,
		MintBlacklist:          string(blacklist),
		PositionSizeSOL:        cfg.SizeSOL,
		PositionSizeFraction:   cfg.SizeFraction,
		MinPositionSOL:         cfg.MinPositionSOL,
		MaxPositionSOL:         cfg.MaxPositionSOL,
		BinRange:               cfg.BinRange,
		ProfitTargetPct:        cfg.ProfitTargetPct,
		StopLossPct:            cfg.StopLossPct,
		TrailingStopEnabled:    cfg.TrailingStopEnabled,
		TrailingStopPct:        cfg.TrailingStopPct,
		MaxHoldMinutes:         cfg.MaxHoldMinutes,
		MaxDailyLossSOL:        cfg.MaxDailyLossSOL,
		CooldownMinutes:        cfg.CooldownMinutes,
		MaxConcurrentPositions: cfg.MaxConcurrent,
		ScanIntervalSeconds:    cfg.ScanIntervalSec,
		CheckIntervalSeconds:   cfg.CheckIntervalSec,
		SimInitialBalanceSOL:   cfg.SimInitialBalanceSOL,
	}
}

func (c *configColumns) toConfig() core.BotConfig {
	var blacklist []string
	if c.MintBlacklist != "" {
		json.Unmarshal([]byte(c.MintBlacklist), &blacklist)
	}
	return core.BotConfig{
		EntryScore:           c.EntryScoreThreshold,
		MinLiquidityUSD:      c.MinLiquidityUSD,
		MaxLiquidityUSD:      c.MaxLiquidityUSD,
		MinVolume24hUSD:      c.MinVolume24hUSD,
		SOLPairsOnly:         c.SOLPairsOnly,
		MintBlacklist:        blacklist,
		SizeSOL:              c.PositionSizeSOL,
		SizeFraction:         c.PositionSizeFraction,
		MinPositionSOL:       c.MinPositionSOL,
		MaxPositionSOL:       c.MaxPositionSOL,
		BinRange:             c.BinRange,
		ProfitTargetPct:      c.ProfitTargetPct,
		StopLossPct:          c.StopLossPct,
		TrailingStopEnabled:  c.TrailingStopEnabled,
		TrailingStopPct:      c.TrailingStopPct,
		MaxHoldMinutes:       c.MaxHoldMinutes,
		MaxDailyLossSOL:      c.MaxDailyLossSOL,
		CooldownMinutes:      c.CooldownMinutes,
		MaxConcurrent:        c.MaxConcurrentPositions,
		ScanIntervalSec:      c.ScanIntervalSeconds,
		CheckIntervalSec:     c.CheckIntervalSeconds,
		SimInitialBalanceSOL: c.SimInitialBalanceSOL,
	}
}

type botRow struct {
	ID           int64  `db:"id"`
	BotID        string `db:"bot_id"`
	UserID       string `db:"user_id"`
	Name         string `db:"name"`
	Mode         string `db:"mode"`
	Status       string `db:"status"`
	StrategyMode string `db:"strategy_mode"`

	configColumns

	TotalTrades      int64 `db:"total_trades"`
	WinningTrades    int64 `db:"winning_trades"`
	TotalPnLLamports int64 `db:"total_pnl_lamports"`

	LastError          sql.NullString `db:"last_error"`
	LastActivityAt     sql.NullTime   `db:"last_activity_at"`
	EmergencyStopState sql.NullString `db:"emergency_stop_state"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// Bot is a stored bot with its configuration and lifetime stats.
type Bot struct {
	BotID  string
	UserID string
	Name   string
	Status core.BotStatus

	Config core.BotConfig

	TotalTrades      int64
	WinningTrades    int64
	TotalPnLLamports int64

	LastError          string
	LastActivityAt     time.Time
	EmergencyStopState []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r *botRow) toBot() *Bot {
	cfg := r.configColumns.toConfig()
	cfg.BotID = r.BotID
	cfg.UserID = r.UserID
	cfg.Name = r.Name
	cfg.Mode = core.Mode(r.Mode)
	cfg.Strategy = core.StrategyMode(r.StrategyMode)

	b := &Bot{
		BotID:            r.BotID,
		UserID:           r.UserID,
		Name:             r.Name,
		Status:           core.BotStatus(r.Status),
		Config:           cfg,
		TotalTrades:      r.TotalTrades,
		WinningTrades:    r.WinningTrades,
		TotalPnLLamports: r.TotalPnLLamports,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.LastError.Valid {
		b.LastError = r.LastError.String
	}
	if r.LastActivityAt.Valid {
		b.LastActivityAt = r.LastActivityAt.Time
	}
	if r.EmergencyStopState.Valid && r.EmergencyStopState.String != "" {
		b.EmergencyStopState = []byte(r.EmergencyStopState.String)
	}
	return b
}

const botColumns = `bot_id, user_id, name, mode, status, strategy_mode,
	entry_score_threshold, min_liquidity_usd, max_liquidity_usd, min_volume_24h_usd,
	sol_pairs_only, mint_blacklist, position_size_sol, position_size_fraction,
	min_position_sol, max_position_sol, bin_range, profit_target_pct, stop_loss_pct,
	trailing_stop_enabled, trailing_stop_pct, max_hold_minutes, max_daily_loss_sol,
	cooldown_minutes, max_concurrent_positions, scan_interval_seconds,
	check_interval_seconds, sim_initial_balance_sol,
	total_trades, winning_trades, total_pnl_lamports,
	last_error, last_activity_at, emergency_stop_state, created_at, updated_at`

// CreateBot inserts a bot for user, enforcing the per-user cap, and
// logs a bot_created entry in the same transaction.
func (s *Store) CreateBot(ctx context.Context, userID string, cfg core.BotConfig) (*Bot, error) {
	botID := uuid.NewString()
	now := time.Now().UTC()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM bots WHERE user_id = ?`, userID); err != nil {
			return err
		}
		if count >= MaxBotsPerUser {
			return fmt.Errorf("%w: %d bots", ErrBotLimit, count)
		}

		cols := configToColumns(&cfg)
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO bots (bot_id, user_id, name, mode, status, strategy_mode,
				entry_score_threshold, min_liquidity_usd, max_liquidity_usd, min_volume_24h_usd,
				sol_pairs_only, mint_blacklist, position_size_sol, position_size_fraction,
				min_position_sol, max_position_sol, bin_range, profit_target_pct, stop_loss_pct,
				trailing_stop_enabled, trailing_stop_pct, max_hold_minutes, max_daily_loss_sol,
				cooldown_minutes, max_concurrent_positions, scan_interval_seconds,
				check_interval_seconds, sim_initial_balance_sol, created_at, updated_at)
			VALUES (:bot_id, :user_id, :name, :mode, :status, :strategy_mode,
				:entry_score_threshold, :min_liquidity_usd, :max_liquidity_usd, :min_volume_24h_usd,
				:sol_pairs_only, :mint_blacklist, :position_size_sol, :position_size_fraction,
				:min_position_sol, :max_position_sol, :bin_range, :profit_target_pct, :stop_loss_pct,
				:trailing_stop_enabled, :trailing_stop_pct, :max_hold_minutes, :max_daily_loss_sol,
				:cooldown_minutes, :max_concurrent_positions, :scan_interval_seconds,
				:check_interval_seconds, :sim_initial_balance_sol, :created_at, :updated_at)`,
			map[string]any{
				"bot_id":        botID,
				"user_id":       userID,
				"name":          cfg.Name,
				"mode":          string(cfg.Mode),
				"status":        string(core.BotStopped),
				"strategy_mode": string(cfg.Strategy),

				"entry_score_threshold":    cols.EntryScoreThreshold,
				"min_liquidity_usd":        cols.MinLiquidityUSD,
				"max_liquidity_usd":        cols.MaxLiquidityUSD,
				"min_volume_24h_usd":       cols.MinVolume24hUSD,
				"sol_pairs_only":           cols.SOLPairsOnly,
				"mint_blacklist":           cols.MintBlacklist,
				"position_size_sol":        cols.PositionSizeSOL,
				"position_size_fraction":   cols.PositionSizeFraction,
				"min_position_sol":         cols.MinPositionSOL,
				"max_position_sol":         cols.MaxPositionSOL,
				"bin_range":                cols.BinRange,
				"profit_target_pct":        cols.ProfitTargetPct,
				"stop_loss_pct":            cols.StopLossPct,
				"trailing_stop_enabled":    cols.TrailingStopEnabled,
				"trailing_stop_pct":        cols.TrailingStopPct,
				"max_hold_minutes":         cols.MaxHoldMinutes,
				"max_daily_loss_sol":       cols.MaxDailyLossSOL,
				"cooldown_minutes":         cols.CooldownMinutes,
				"max_concurrent_positions": cols.MaxConcurrentPositions,
				"scan_interval_seconds":    cols.ScanIntervalSeconds,
				"check_interval_seconds":   cols.CheckIntervalSeconds,
				"sim_initial_balance_sol":  cols.SimInitialBalanceSOL,
				"created_at":               now,
				"updated_at":               now,
			})
		if err != nil {
			return err
		}
		return appendTradeLogTx(ctx, tx, TradeLogEntry{
			BotID:  botID,
			UserID: userID,
			Event:  EventBotCreated,
			Details: map[string]any{
				"name": cfg.Name,
				"mode": string(cfg.Mode),
			},
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return s.Bot(ctx, botID)
}

// Bot loads one bot by its public id.
func (s *Store) Bot(ctx context.Context, botID string) (*Bot, error) {
	var row botRow
	err := s.db.GetContext(ctx, &row, `SELECT `+botColumns+` FROM bots WHERE bot_id = ?`, botID)
	if err != nil {
		return nil, notFoundAs(err)
	}
	return row.toBot(), nil
}

// Bots lists a user's bots, newest first.
func (s *Store) Bots(ctx context.Context, userID string) ([]*Bot, error) {
	var rows []botRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+botColumns+` FROM bots WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	bots := make([]*Bot, len(rows))
	for i := range rows {
		bots[i] = rows[i].toBot()
	}
	return bots, nil
}

// BotsByStatus lists all bots in the given lifecycle state, used by
// the recovery pass to find bots that were running before a restart.
func (s *Store) BotsByStatus(ctx context.Context, status core.BotStatus) ([]*Bot, error) {
	var rows []botRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+botColumns+` FROM bots WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	bots := make([]*Bot, len(rows))
	for i := range rows {
		bots[i] = rows[i].toBot()
	}
	return bots, nil
}

// UpdateBotConfig rewrites a stopped bot's configuration.
func (s *Store) UpdateBotConfig(ctx context.Context, botID string, cfg core.BotConfig) error {
	cols := configToColumns(&cfg)
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET name = ?, mode = ?, strategy_mode = ?,
			entry_score_threshold = ?, min_liquidity_usd = ?, max_liquidity_usd = ?,
			min_volume_24h_usd = ?, sol_pairs_only = ?, mint_blacklist = ?,
			position_size_sol = ?, position_size_fraction = ?, min_position_sol = ?,
			max_position_sol = ?, bin_range = ?, profit_target_pct = ?, stop_loss_pct = ?,
			trailing_stop_enabled = ?, trailing_stop_pct = ?, max_hold_minutes = ?,
			max_daily_loss_sol = ?, cooldown_minutes = ?, max_concurrent_positions = ?,
			scan_interval_seconds = ?, check_interval_seconds = ?, sim_initial_balance_sol = ?,
			updated_at = ?
		WHERE bot_id = ? AND status = ?`,
		cfg.Name, string(cfg.Mode), string(cfg.Strategy),
		cols.EntryScoreThreshold, cols.MinLiquidityUSD, cols.MaxLiquidityUSD,
		cols.MinVolume24hUSD, cols.SOLPairsOnly, cols.MintBlacklist,
		cols.PositionSizeSOL, cols.PositionSizeFraction, cols.MinPositionSOL,
		cols.MaxPositionSOL, cols.BinRange, cols.ProfitTargetPct, cols.StopLossPct,
		cols.TrailingStopEnabled, cols.TrailingStopPct, cols.MaxHoldMinutes,
		cols.MaxDailyLossSOL, cols.CooldownMinutes, cols.MaxConcurrentPositions,
		cols.ScanIntervalSeconds, cols.CheckIntervalSeconds, cols.SimInitialBalanceSOL,
		time.Now().UTC(), botID, string(core.BotStopped))
	if err != nil {
		return err
	}
	return s.requireStoppedBotHit(ctx, res, botID)
}

// DeleteBot removes a stopped bot; positions and trade log rows go
// with it through the cascade.
func (s *Store) DeleteBot(ctx context.Context, botID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE bot_id = ? AND status = ?`,
		botID, string(core.BotStopped))
	if err != nil {
		return err
	}
	return s.requireStoppedBotHit(ctx, res, botID)
}

// requireStoppedBotHit turns a zero-row stopped-only mutation into the
// precise error: ErrNotFound when the bot does not exist, ErrBotRunning
// when it does but is not stopped.
func (s *Store) requireStoppedBotHit(ctx context.Context, res sql.Result, botID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Bot(ctx, botID); err != nil {
		return err
	}
	return ErrBotRunning
}

// UpdateBotStatus transitions a bot's lifecycle state. An empty
// lastError clears the column.
func (s *Store) UpdateBotStatus(ctx context.Context, botID string, status core.BotStatus, lastError string) error {
	var lastErr any
	if lastError != "" {
		lastErr = lastError
	}
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET status = ?, last_error = ?, updated_at = ? WHERE bot_id = ?`,
		string(status), lastErr, time.Now().UTC(), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBotLastError records the most recent engine error without
// touching the lifecycle status.
func (s *Store) SetBotLastError(ctx context.Context, botID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET last_error = ?, updated_at = ? WHERE bot_id = ?`,
		lastError, time.Now().UTC(), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchBotActivity bumps the bot's last-activity timestamp.
func (s *Store) TouchBotActivity(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET last_activity_at = ? WHERE bot_id = ?`,
		time.Now().UTC(), botID)
	return err
}

// SaveEmergencyState persists the opaque emergency-stop blob.
func (s *Store) SaveEmergencyState(ctx context.Context, botID string, blob []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET emergency_stop_state = ?, updated_at = ? WHERE bot_id = ?`,
		string(blob), time.Now().UTC(), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBotStatsOnClose folds one closed trade into the bot's lifetime
// stats in a single statement.
func (s *Store) UpdateBotStatsOnClose(ctx context.Context, botID string, win bool, pnlLamports int64) error {
	winInc := 0
	if win {
		winInc = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET total_trades = total_trades + 1,
			winning_trades = winning_trades + ?,
			total_pnl_lamports = total_pnl_lamports + ?,
			updated_at = ?
		WHERE bot_id = ?`,
		winInc, pnlLamports, time.Now().UTC(), botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
