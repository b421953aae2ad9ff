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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solfleet/binrunner/core"
)

type presetRow struct {
	ID          int64          `db:"id"`
	UserID      sql.NullString `db:"user_id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	IsSystem    bool           `db:"is_system"`

	configColumns

	CreatedAt time.Time `db:"created_at"`
}

// Preset is a reusable strategy configuration. System presets have no
// owner and ship with the schema.
type Preset struct {
	ID          int64
	UserID      string // empty for system presets
	Name        string
	Description string
	IsSystem    bool
	Config      core.BotConfig
	CreatedAt   time.Time
}

func (r *presetRow) toPreset() *Preset {
	p := &Preset{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsSystem:    r.IsSystem,
		Config:      r.configColumns.toConfig(),
		CreatedAt:   r.CreatedAt,
	}
	if r.UserID.Valid {
		p.UserID = r.UserID.String
	}
	return p
}

const presetColumns = `id, user_id, name, description, is_system,
	entry_score_threshold, min_liquidity_usd, max_liquidity_usd, min_volume_24h_usd,
	sol_pairs_only, mint_blacklist, position_size_sol, position_size_fraction,
	min_position_sol, max_position_sol, bin_range, profit_target_pct, stop_loss_pct,
	trailing_stop_enabled, trailing_stop_pct, max_hold_minutes, max_daily_loss_sol,
	cooldown_minutes, max_concurrent_positions, scan_interval_seconds,
	check_interval_seconds, sim_initial_balance_sol, created_at`

// Presets lists the system presets plus the user's own.
func (s *Store) Presets(ctx context.Context, userID string) ([]*Preset, error) {
	var rows []presetRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+presetColumns+` FROM strategy_presets
		WHERE is_system = 1 OR user_id = ? ORDER BY is_system DESC, name`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Preset, len(rows))
	for i := range rows {
		out[i] = rows[i].toPreset()
	}
	return out, nil
}

// CreatePreset saves a user preset, enforcing the per-user cap.
func (s *Store) CreatePreset(ctx context.Context, userID, name, description string, cfg core.BotConfig) (*Preset, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM strategy_presets WHERE user_id = ?`, userID); err != nil {
			return err
		}
		if count >= MaxPresetsPerUser {
			return fmt.Errorf("%w: %d presets", ErrPresetLimit, count)
		}
		res, err := insertPreset(ctx, tx, &userID, name, description, false, cfg)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.preset(ctx, id)
}

// DeletePreset removes one of the user's own presets. System presets
// cannot be deleted.
func (s *Store) DeletePreset(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategy_presets WHERE id = ? AND user_id = ? AND is_system = 0`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) preset(ctx context.Context, id int64) (*Preset, error) {
	var row presetRow
	err := s.db.GetContext(ctx, &row, `SELECT `+presetColumns+` FROM strategy_presets WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundAs(err)
	}
	return row.toPreset(), nil
}

func insertPreset(ctx context.Context, tx *sqlx.Tx, userID *string, name, description string, system bool, cfg core.BotConfig) (sql.Result, error) {
	cols := configToColumns(&cfg)
	var owner any
	if userID != nil {
		owner = *userID
	}
	return tx.ExecContext(ctx, `
		INSERT INTO strategy_presets (user_id, name, description, is_system,
			entry_score_threshold, min_liquidity_usd, max_liquidity_usd, min_volume_24h_usd,
			sol_pairs_only, mint_blacklist, position_size_sol, position_size_fraction,
			min_position_sol, max_position_sol, bin_range, profit_target_pct, stop_loss_pct,
			trailing_stop_enabled, trailing_stop_pct, max_hold_minutes, max_daily_loss_sol,
			cooldown_minutes, max_concurrent_positions, scan_interval_seconds,
			check_interval_seconds, sim_initial_balance_sol, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		owner, name, description, system,
		cols.EntryScoreThreshold, cols.MinLiquidityUSD, cols.MaxLiquidityUSD, cols.MinVolume24hUSD,
		cols.SOLPairsOnly, cols.MintBlacklist, cols.PositionSizeSOL, cols.PositionSizeFraction,
		cols.MinPositionSOL, cols.MaxPositionSOL, cols.BinRange, cols.ProfitTargetPct, cols.StopLossPct,
		cols.TrailingStopEnabled, cols.TrailingStopPct, cols.MaxHoldMinutes, cols.MaxDailyLossSOL,
		cols.CooldownMinutes, cols.MaxConcurrentPositions, cols.ScanIntervalSeconds,
		cols.CheckIntervalSeconds, cols.SimInitialBalanceSOL, time.Now().UTC())
}

// seedSystemPresets installs the stock conservative, balanced and
// aggressive strategies once.
func (s *Store) seedSystemPresets(ctx context.Context) error {
	seeds := []struct {
		name, description string
		cfg               core.BotConfig
	}{
		{
			name:        "conservative",
			description: "Deep pools only, tight exits, small size",
			cfg: core.BotConfig{
				EntryScore:      170,
				MinLiquidityUSD: 50_000,
				MinVolume24hUSD: 100_000,
				SOLPairsOnly:    true,
				SizeFraction:    0.05,
				MinPositionSOL:  0.1,
				MaxPositionSOL:  2,
				BinRange:        8,
				ProfitTargetPct: 3, StopLossPct: 2,
				TrailingStopEnabled: true, TrailingStopPct: 1,
				MaxHoldMinutes:  120,
				MaxDailyLossSOL: 0.5,
				CooldownMinutes: 60,
				MaxConcurrent:   2,
			},
		},
		{
			name:        "balanced",
			description: "Default thresholds and sizing",
			cfg: core.BotConfig{
				EntryScore:      core.DefaultEntryScore,
				MinLiquidityUSD: core.DefaultMinLiquidityUSD,
				MinVolume24hUSD: core.DefaultMinVolume24hUSD,
				SOLPairsOnly:    true,
				SizeFraction:    core.DefaultPositionSizeFraction,
				MinPositionSOL:  core.DefaultMinPositionSOL,
				MaxPositionSOL:  core.DefaultMaxPositionSOL,
				BinRange:        core.DefaultBinRange,
				ProfitTargetPct: core.DefaultProfitTargetPct, StopLossPct: core.DefaultStopLossPct,
				TrailingStopEnabled: true, TrailingStopPct: core.DefaultTrailingStopPct,
				MaxHoldMinutes:  core.DefaultMaxHoldMinutes,
				MaxDailyLossSOL: core.DefaultMaxDailyLossSOL,
				CooldownMinutes: core.DefaultCooldownMinutes,
				MaxConcurrent:   core.DefaultMaxConcurrent,
			},
		},
		{
			name:        "aggressive",
			description: "Wider nets, bigger swings, more concurrent positions",
			cfg: core.BotConfig{
				EntryScore:      120,
				MinLiquidityUSD: 10_000,
				MinVolume24hUSD: 25_000,
				SOLPairsOnly:    true,
				SizeFraction:    0.2,
				MinPositionSOL:  0.1,
				MaxPositionSOL:  10,
				BinRange:        15,
				ProfitTargetPct: 8, StopLossPct: 5,
				TrailingStopEnabled: true, TrailingStopPct: 2.5,
				MaxHoldMinutes:  480,
				MaxDailyLossSOL: 2,
				CooldownMinutes: 15,
				MaxConcurrent:   5,
			},
		},
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, seed := range seeds {
			var count int
			if err := tx.GetContext(ctx, &count,
				`SELECT COUNT(*) FROM strategy_presets WHERE is_system = 1 AND name = ?`, seed.name); err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if _, err := insertPreset(ctx, tx, nil, seed.name, seed.description, true, seed.cfg); err != nil {
				return err
			}
		}
		return nil
	})
}
