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

package core

import "time"

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionActive  PositionStatus = "ACTIVE"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
	PositionError   PositionStatus = "ERROR"
)

// ExitReason records why a position left the book.
type ExitReason string

const (
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitMaxHold       ExitReason = "MAX_HOLD_TIME"
	ExitManual        ExitReason = "MANUAL"
	ExitEmergencyStop ExitReason = "EMERGENCY_STOP"
	ExitShutdown      ExitReason = "SHUTDOWN"
)

// TrackedPosition is one liquidity position under management. The
// owning executor is the single writer; everything handed out of the
// executor is a copy, so readers never race the update loop.
//
// All SOL amounts are lamports. EntryAmountX is in the base token's
// smallest unit.
type TrackedPosition struct {
	ID     string `json:"id"`
	BotID  string `json:"bot_id"`
	UserID string `json:"user_id"`

	Mode   Mode           `json:"mode"`
	Status PositionStatus `json:"status"`

	PoolAddress string `json:"pool_address"`
	PoolName    string `json:"pool_name"`
	MintX       string `json:"mint_x"`
	MintY       string `json:"mint_y"`
	BinStep     int    `json:"bin_step"`

	// On-chain position account, empty in simulation.
	PositionAddress string `json:"position_address,omitempty"`

	EntryBinID   int       `json:"entry_bin_id"`
	LowerBinID   int       `json:"lower_bin_id"`
	UpperBinID   int       `json:"upper_bin_id"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	EntryAmountX int64     `json:"entry_amount_x"`
	EntryAmountY int64     `json:"entry_amount_y"`
	EntryTxSig   string    `json:"entry_tx_sig,omitempty"`
	EntryTxCost  int64     `json:"entry_tx_cost"`

	// Entry-time signal snapshot for model feedback.
	EntryScore    float64        `json:"entry_score"`
	MLProbability *float64       `json:"ml_probability,omitempty"`
	EntryFeatures *FeatureVector `json:"entry_features,omitempty"`

	// Risk parameters frozen at entry so later config edits never
	// change a live position's exits.
	ProfitTargetPct     float64 `json:"profit_target_pct"`
	StopLossPct         float64 `json:"stop_loss_pct"`
	TrailingStopEnabled bool    `json:"trailing_stop_enabled"`
	TrailingStopPct     float64 `json:"trailing_stop_pct"`
	MaxHoldMinutes      int     `json:"max_hold_minutes"`

	CurrentPrice  float64 `json:"current_price"`
	CurrentPnLPct float64 `json:"current_pnl_pct"`
	HighWaterPct  float64 `json:"high_water_pct"`
	FeesEarnedX   int64   `json:"fees_earned_x"`
	FeesEarnedY   int64   `json:"fees_earned_y"`

	ExitPrice   float64    `json:"exit_price,omitempty"`
	ExitTime    time.Time  `json:"exit_time,omitempty"`
	ExitTxSig   string     `json:"exit_tx_sig,omitempty"`
	ExitTxCost  int64      `json:"exit_tx_cost"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	RealizedPnL int64      `json:"realized_pnl"`

	LastError string `json:"last_error,omitempty"`
}

// EntryValue is the total committed at entry, in lamports. The X side
// is valued at the entry price.
func (p *TrackedPosition) EntryValue() int64 {
	v := p.EntryAmountY
	if p.EntryAmountX > 0 && p.EntryPrice > 0 {
		v += int64(float64(p.EntryAmountX) * p.EntryPrice)
	}
	return v
}

// UnrealizedPnL derives the mark-to-market P&L in lamports from the
// current percentage.
func (p *TrackedPosition) UnrealizedPnL() int64 {
	return int64(p.CurrentPnLPct / 100 * float64(p.EntryValue()))
}

// HoldTime reports how long the position has been open at t, or the
// final hold time once closed.
func (p *TrackedPosition) HoldTime(t time.Time) time.Duration {
	if !p.ExitTime.IsZero() {
		return p.ExitTime.Sub(p.EntryTime)
	}
	return t.Sub(p.EntryTime)
}

// IsOpen reports whether the position still holds liquidity.
func (p *TrackedPosition) IsOpen() bool {
	return p.Status == PositionActive || p.Status == PositionClosing
}

// Clone returns a deep copy. Pointer fields are duplicated so callers
// can hold the copy across executor updates.
func (p *TrackedPosition) Clone() *TrackedPosition {
	cp := *p
	if p.MLProbability != nil {
		v := *p.MLProbability
		cp.MLProbability = &v
	}
	if p.EntryFeatures != nil {
		f := *p.EntryFeatures
		cp.EntryFeatures = &f
	}
	return &cp
}

// EngineStats aggregates one engine run.
type EngineStats struct {
	StartedAt       time.Time `json:"started_at"`
	TotalScans      int64     `json:"total_scans"`
	PositionsOpened int64     `json:"positions_opened"`
	PositionsClosed int64     `json:"positions_closed"`
	Wins            int64     `json:"wins"`
	Losses          int64     `json:"losses"`
	RealizedPnL     int64     `json:"realized_pnl"`
}

// WinRate returns the closed-trade win rate in [0,1], zero before any
// close.
func (s EngineStats) WinRate() float64 {
	if s.PositionsClosed == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.PositionsClosed)
}

// PerformanceSummary is the executor-level account view.
type PerformanceSummary struct {
	Mode            Mode    `json:"mode"`
	BalanceLamports int64   `json:"balance_lamports"`
	OpenPositions   int     `json:"open_positions"`
	ClosedPositions int     `json:"closed_positions"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"win_rate"`
	RealizedPnL     int64   `json:"realized_pnl"`
	FeesEarned      int64   `json:"fees_earned"`
}
