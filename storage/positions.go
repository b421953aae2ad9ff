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
	"strings"
	"time"

	"github.com/solfleet/binrunner/core"
)

type positionRow struct {
	ID         int64  `db:"id"`
	PositionID string `db:"position_id"`
	BotID      string `db:"bot_id"`
	UserID     string `db:"user_id"`
	Mode       string `db:"mode"`
	Status     string `db:"status"`

	PoolAddress     string `db:"pool_address"`
	PoolName        string `db:"pool_name"`
	MintX           string `db:"mint_x"`
	MintY           string `db:"mint_y"`
	BinStep         int    `db:"bin_step"`
	PositionAddress string `db:"position_address"`

	EntryBinID      int             `db:"entry_bin_id"`
	LowerBinID      int             `db:"lower_bin_id"`
	UpperBinID      int             `db:"upper_bin_id"`
	EntryPrice      float64         `db:"entry_price_per_token"`
	EntryTime       time.Time       `db:"entry_time"`
	EntryAmountX    int64           `db:"entry_amount_x"`
	EntryAmountY    int64           `db:"entry_amount_y"`
	EntryTxSig      string          `db:"entry_tx_sig"`
	EntryTxCost     int64           `db:"entry_tx_cost_lamports"`
	EntryScore      float64         `db:"entry_score"`
	MLProbability   sql.NullFloat64 `db:"ml_probability"`
	EntryFeatures   sql.NullString  `db:"entry_features"`

	ProfitTargetPct     float64 `db:"profit_target_pct"`
	StopLossPct         float64 `db:"stop_loss_pct"`
	TrailingStopEnabled bool    `db:"trailing_stop_enabled"`
	TrailingStopPct     float64 `db:"trailing_stop_pct"`
	MaxHoldMinutes      int     `db:"max_hold_minutes"`

	CurrentPrice  float64 `db:"current_price_per_token"`
	UnrealizedPnL int64   `db:"unrealized_pnl_lamports"`
	FeesEarnedX   int64   `db:"fees_earned_x"`
	FeesEarnedY   int64   `db:"fees_earned_y"`

	ExitPrice   float64      `db:"exit_price_per_token"`
	ExitTime    sql.NullTime `db:"exit_time"`
	ExitTxSig   string       `db:"exit_tx_sig"`
	ExitTxCost  int64        `db:"exit_tx_cost_lamports"`
	ExitReason  string       `db:"exit_reason"`
	RealizedPnL int64        `db:"realized_pnl_lamports"`

	LastError string    `db:"last_error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *positionRow) toTracked() *core.TrackedPosition {
	p := &core.TrackedPosition{
		ID:     r.PositionID,
		BotID:  r.BotID,
		UserID: r.UserID,
		Mode:   core.Mode(r.Mode),
		Status: core.PositionStatus(strings.ToUpper(r.Status)),

		PoolAddress:     r.PoolAddress,
		PoolName:        r.PoolName,
		MintX:           r.MintX,
		MintY:           r.MintY,
		BinStep:         r.BinStep,
		PositionAddress: r.PositionAddress,

		EntryBinID:   r.EntryBinID,
		LowerBinID:   r.LowerBinID,
		UpperBinID:   r.UpperBinID,
		EntryPrice:   r.EntryPrice,
		EntryTime:    r.EntryTime,
		EntryAmountX: r.EntryAmountX,
		EntryAmountY: r.EntryAmountY,
		EntryTxSig:   r.EntryTxSig,
		EntryTxCost:  r.EntryTxCost,
		EntryScore:   r.EntryScore,

		ProfitTargetPct:     r.ProfitTargetPct,
		StopLossPct:         r.StopLossPct,
		TrailingStopEnabled: r.TrailingStopEnabled,
		TrailingStopPct:     r.TrailingStopPct,
		MaxHoldMinutes:      r.MaxHoldMinutes,

		CurrentPrice: r.CurrentPrice,
		FeesEarnedX:  r.FeesEarnedX,
		FeesEarnedY:  r.FeesEarnedY,

		ExitPrice:   r.ExitPrice,
		ExitTxSig:   r.ExitTxSig,
		ExitTxCost:  r.ExitTxCost,
		ExitReason:  core.ExitReason(r.ExitReason),
		RealizedPnL: r.RealizedPnL,

		LastError: r.LastError,
	}
	if r.MLProbability.Valid {
		v := r.MLProbability.Float64
		p.MLProbability = &v
	}
	if r.EntryFeatures.Valid && r.EntryFeatures.String != "" {
		var f core.FeatureVector
		if err := json.Unmarshal([]byte(r.EntryFeatures.String), &f); err == nil {
			p.EntryFeatures = &f
		}
	}
	if r.ExitTime.Valid {
		p.ExitTime = r.ExitTime.Time
	}
	return p
}

const positionColumns = `position_id, bot_id, user_id, mode, status,
	pool_address, pool_name, mint_x, mint_y, bin_step, position_address,
	entry_bin_id, lower_bin_id, upper_bin_id, entry_price_per_token, entry_time,
	entry_amount_x, entry_amount_y, entry_tx_sig, entry_tx_cost_lamports,
	entry_score, ml_probability, entry_features,
	profit_target_pct, stop_loss_pct, trailing_stop_enabled, trailing_stop_pct, max_hold_minutes,
	current_price_per_token, unrealized_pnl_lamports, fees_earned_x, fees_earned_y,
	exit_price_per_token, exit_time, exit_tx_sig, exit_tx_cost_lamports, exit_reason,
	realized_pnl_lamports, last_error, created_at, updated_at`

// InsertPosition writes a freshly opened position.
func (s *Store) InsertPosition(ctx context.Context, p *core.TrackedPosition) error {
	var mlProb any
	if p.MLProbability != nil {
		mlProb = *p.MLProbability
	}
	var features any
	if p.EntryFeatures != nil {
		blob, err := json.Marshal(p.EntryFeatures)
		if err != nil {
			return err
		}
		features = string(blob)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (position_id, bot_id, user_id, mode, status,
			pool_address, pool_name, mint_x, mint_y, bin_step, position_address,
			entry_bin_id, lower_bin_id, upper_bin_id, entry_price_per_token, entry_time,
			entry_amount_x, entry_amount_y, entry_tx_sig, entry_tx_cost_lamports,
			entry_score, ml_probability, entry_features,
			profit_target_pct, stop_loss_pct, trailing_stop_enabled, trailing_stop_pct, max_hold_minutes,
			current_price_per_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BotID, p.UserID, string(p.Mode), strings.ToLower(string(p.Status)),
		p.PoolAddress, p.PoolName, p.MintX, p.MintY, p.BinStep, p.PositionAddress,
		p.EntryBinID, p.LowerBinID, p.UpperBinID, p.EntryPrice, p.EntryTime.UTC(),
		p.EntryAmountX, p.EntryAmountY, p.EntryTxSig, p.EntryTxCost,
		p.EntryScore, mlProb, features,
		p.ProfitTargetPct, p.StopLossPct, p.TrailingStopEnabled, p.TrailingStopPct, p.MaxHoldMinutes,
		p.CurrentPrice, now, now)
	return err
}

// ClosePosition writes the terminal fields of a settled position.
func (s *Store) ClosePosition(ctx context.Context, p *core.TrackedPosition) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = ?, exit_price_per_token = ?, exit_time = ?,
			exit_tx_sig = ?, exit_tx_cost_lamports = ?, exit_reason = ?,
			realized_pnl_lamports = ?, fees_earned_x = ?, fees_earned_y = ?,
			current_price_per_token = ?, last_error = ?, updated_at = ?
		WHERE position_id = ?`,
		strings.ToLower(string(p.Status)), p.ExitPrice, p.ExitTime.UTC(),
		p.ExitTxSig, p.ExitTxCost, string(p.ExitReason),
		p.RealizedPnL, p.FeesEarnedX, p.FeesEarnedY,
		p.CurrentPrice, p.LastError, time.Now().UTC(), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckpointPosition patches the live mark so restarts resume with a
// recent price and unrealised P&L.
func (s *Store) CheckpointPosition(ctx context.Context, positionID string, currentPrice float64, unrealizedPnL int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET current_price_per_token = ?, unrealized_pnl_lamports = ?, updated_at = ?
		WHERE position_id = ?`,
		currentPrice, unrealizedPnL, time.Now().UTC(), positionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Position loads one position.
func (s *Store) Position(ctx context.Context, positionID string) (*core.TrackedPosition, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+positionColumns+` FROM positions WHERE position_id = ?`, positionID)
	if err != nil {
		return nil, notFoundAs(err)
	}
	return row.toTracked(), nil
}

// ActivePositions lists a user's open positions across all bots.
func (s *Store) ActivePositions(ctx context.Context, userID string) ([]*core.TrackedPosition, error) {
	return s.selectPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND status IN ('pending', 'active', 'closing')
		ORDER BY entry_time`, userID)
}

// PositionsByBot lists every position of one bot, newest entry first.
func (s *Store) PositionsByBot(ctx context.Context, botID string) ([]*core.TrackedPosition, error) {
	return s.selectPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE bot_id = ? ORDER BY entry_time DESC`, botID)
}

// PositionHistory lists a user's closed positions, newest exit first.
func (s *Store) PositionHistory(ctx context.Context, userID string, limit int) ([]*core.TrackedPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.selectPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND status IN ('closed', 'error')
		ORDER BY exit_time DESC LIMIT ?`, userID, limit)
}

func (s *Store) selectPositions(ctx context.Context, query string, args ...any) ([]*core.TrackedPosition, error) {
	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*core.TrackedPosition, len(rows))
	for i := range rows {
		out[i] = rows[i].toTracked()
	}
	return out, nil
}

// ExitRecord is a pool a bot recently exited, used to rebuild cooldown
// windows after a restart.
type ExitRecord struct {
	PoolAddress string    `db:"pool_address"`
	ExitTime    time.Time `db:"exit_time"`
}

// RecentExits returns the latest exit per pool for closes after since.
func (s *Store) RecentExits(ctx context.Context, botID string, since time.Time) ([]ExitRecord, error) {
	var out []ExitRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT pool_address, MAX(exit_time) AS exit_time FROM positions
		WHERE bot_id = ? AND status = 'closed' AND exit_time > ?
		GROUP BY pool_address`, botID, since.UTC())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TrainingRow pairs an entry-time feature vector with the trade's
// outcome, the supervised-learning feedback record.
type TrainingRow struct {
	PositionID  string             `json:"position_id"`
	PoolAddress string             `json:"pool_address"`
	Features    core.FeatureVector `json:"features"`
	Win         bool               `json:"win"`
	RealizedPnL int64              `json:"realized_pnl_lamports"`
	EntryScore  float64            `json:"entry_score"`
	MLProb      *float64           `json:"ml_probability,omitempty"`
	ClosedAt    time.Time          `json:"closed_at"`
}

// TrainingRows exports closed positions that carry a feature vector.
// Rows without features (bots run before feature capture, or corrupt
// blobs) are skipped.
func (s *Store) TrainingRows(ctx context.Context, userID string, limit int) ([]TrainingRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	type rawRow struct {
		PositionID  string          `db:"position_id"`
		PoolAddress string          `db:"pool_address"`
		Features    string          `db:"entry_features"`
		RealizedPnL int64           `db:"realized_pnl_lamports"`
		EntryScore  float64         `db:"entry_score"`
		MLProb      sql.NullFloat64 `db:"ml_probability"`
		ExitTime    time.Time       `db:"exit_time"`
	}
	var rows []rawRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT position_id, pool_address, entry_features, realized_pnl_lamports,
			entry_score, ml_probability, exit_time
		FROM positions
		WHERE user_id = ? AND status = 'closed' AND entry_features IS NOT NULL
		ORDER BY exit_time DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TrainingRow, 0, len(rows))
	for _, r := range rows {
		var features core.FeatureVector
		if err := json.Unmarshal([]byte(r.Features), &features); err != nil {
			continue
		}
		tr := TrainingRow{
			PositionID:  r.PositionID,
			PoolAddress: r.PoolAddress,
			Features:    features,
			Win:         r.RealizedPnL > 0,
			RealizedPnL: r.RealizedPnL,
			EntryScore:  r.EntryScore,
			ClosedAt:    r.ExitTime,
		}
		if r.MLProb.Valid {
			v := r.MLProb.Float64
			tr.MLProb = &v
		}
		out = append(out, tr)
	}
	return out, nil
}
