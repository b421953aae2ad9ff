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

// Package core holds the domain model shared by every binrunner
// component: bot configuration, tracked positions, pool records,
// feature vectors and lifecycle events. It has no dependencies on the
// engine, storage or transport layers so that any package may import
// it freely.
package core

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects whether a bot trades against a virtual balance or a
// funded wallet.
type Mode string

const (
	ModeSimulation Mode = "SIMULATION"
	ModeLive       Mode = "LIVE"
)

// Valid reports whether m is a known execution mode.
func (m Mode) Valid() bool {
	return m == ModeSimulation || m == ModeLive
}

// StrategyMode selects how entry candidates are scored.
type StrategyMode string

const (
	// StrategyRuleBased admits pools on the hand-tuned market score alone.
	StrategyRuleBased StrategyMode = "rule_based"
	// StrategyML ranks pools by the external predictor's probability.
	StrategyML StrategyMode = "ml"
	// StrategyHybrid filters by market score first and confirms with the
	// predictor.
	StrategyHybrid StrategyMode = "hybrid"
)

// Valid reports whether s is a known strategy mode.
func (s StrategyMode) Valid() bool {
	switch s {
	case StrategyRuleBased, StrategyML, StrategyHybrid:
		return true
	}
	return false
}

// BotStatus is the persisted lifecycle state of a bot.
type BotStatus string

const (
	BotStopped  BotStatus = "stopped"
	BotStarting BotStatus = "starting"
	BotRunning  BotStatus = "running"
	BotStopping BotStatus = "stopping"
	BotError    BotStatus = "error"
)

// Default sizing and scheduling values applied by BotConfig.Sanitize
// when the stored configuration leaves a field unset.
const (
	DefaultEntryScore            = 150.0
	DefaultMinLiquidityUSD       = 10_000.0
	DefaultMinVolume24hUSD       = 50_000.0
	DefaultBinRange              = 10
	DefaultProfitTargetPct       = 5.0
	DefaultStopLossPct           = 3.0
	DefaultTrailingStopPct       = 1.5
	DefaultMaxHoldMinutes        = 240
	DefaultCooldownMinutes       = 30
	DefaultMaxConcurrent         = 3
	DefaultScanIntervalSec       = 60
	DefaultCheckIntervalSec      = 20
	DefaultMinPositionSOL        = 0.1
	DefaultMaxPositionSOL        = 5.0
	DefaultSimInitialBalanceSOL  = 10.0
	DefaultMaxDailyLossSOL       = 1.0
	DefaultPositionSizeFraction  = 0.10
	DefaultGasReserveSOL         = 0.03
	DefaultPriorityFeeMicroLamps = 100_000
)

// BotConfig is the engine-facing snapshot of a bot's stored
// configuration. It is immutable while the engine runs; edits are only
// accepted for stopped bots and take effect on the next start.
type BotConfig struct {
	BotID  string
	UserID string
	Name   string

	Mode     Mode
	Strategy StrategyMode

	// Pool admission filters.
	EntryScore      float64 // minimum market score for rule-based entry
	MinLiquidityUSD float64
	MaxLiquidityUSD float64 // 0 disables the upper bound
	MinVolume24hUSD float64
	SOLPairsOnly    bool
	MintBlacklist   []string

	// Position sizing. SizeFraction takes precedence over SizeSOL when
	// both are set; both are clamped to [MinPositionSOL, MaxPositionSOL].
	SizeSOL        float64
	SizeFraction   float64 // fraction of spendable balance, 0 disables
	MinPositionSOL float64
	MaxPositionSOL float64

	// BinRange is the half-width of the liquidity placement around the
	// active bin.
	BinRange int

	// Exit ladder.
	ProfitTargetPct     float64
	StopLossPct         float64
	TrailingStopEnabled bool
	TrailingStopPct     float64
	MaxHoldMinutes      int

	// Loss limits and pacing.
	MaxDailyLossSOL float64
	CooldownMinutes int

	MaxConcurrent    int
	ScanIntervalSec  int
	CheckIntervalSec int

	// Simulation only.
	SimInitialBalanceSOL float64
}

// Sanitize fills unset fields with defaults and normalizes ranges.
// It is applied once when a stored row is translated for the engine,
// so the engine never sees a zero interval or an inverted clamp.
func (c *BotConfig) Sanitize() {
	if c.Strategy == "" {
		c.Strategy = StrategyRuleBased
	}
	if c.EntryScore <= 0 {
		c.EntryScore = DefaultEntryScore
	}
	if c.MinLiquidityUSD <= 0 {
		c.MinLiquidityUSD = DefaultMinLiquidityUSD
	}
	if c.MinVolume24hUSD <= 0 {
		c.MinVolume24hUSD = DefaultMinVolume24hUSD
	}
	if c.BinRange <= 0 {
		c.BinRange = DefaultBinRange
	}
	if c.ProfitTargetPct <= 0 {
		c.ProfitTargetPct = DefaultProfitTargetPct
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = DefaultStopLossPct
	}
	if c.TrailingStopPct <= 0 {
		c.TrailingStopPct = DefaultTrailingStopPct
	}
	if c.MaxHoldMinutes <= 0 {
		c.MaxHoldMinutes = DefaultMaxHoldMinutes
	}
	if c.CooldownMinutes <= 0 {
		c.CooldownMinutes = DefaultCooldownMinutes
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ScanIntervalSec <= 0 {
		c.ScanIntervalSec = DefaultScanIntervalSec
	}
	if c.CheckIntervalSec <= 0 {
		c.CheckIntervalSec = DefaultCheckIntervalSec
	}
	if c.MinPositionSOL <= 0 {
		c.MinPositionSOL = DefaultMinPositionSOL
	}
	if c.MaxPositionSOL <= 0 {
		c.MaxPositionSOL = DefaultMaxPositionSOL
	}
	if c.MaxPositionSOL < c.MinPositionSOL {
		c.MaxPositionSOL = c.MinPositionSOL
	}
	if c.SimInitialBalanceSOL <= 0 {
		c.SimInitialBalanceSOL = DefaultSimInitialBalanceSOL
	}
	if c.MaxDailyLossSOL <= 0 {
		c.MaxDailyLossSOL = DefaultMaxDailyLossSOL
	}
}

// Validate reports the first structural problem with the configuration.
func (c *BotConfig) Validate() error {
	if c.BotID == "" {
		return errors.New("bot id missing")
	}
	if c.UserID == "" {
		return errors.New("user id missing")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("invalid strategy %q", c.Strategy)
	}
	if c.SizeFraction < 0 || c.SizeFraction > 1 {
		return fmt.Errorf("size fraction %v out of [0,1]", c.SizeFraction)
	}
	if c.MaxLiquidityUSD > 0 && c.MaxLiquidityUSD < c.MinLiquidityUSD {
		return fmt.Errorf("max liquidity %v below min %v", c.MaxLiquidityUSD, c.MinLiquidityUSD)
	}
	return nil
}

// ScanInterval returns the pool scan cadence as a duration.
func (c *BotConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

// CheckInterval returns the position check cadence as a duration.
func (c *BotConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// Cooldown returns the per-pool re-entry cooldown as a duration.
func (c *BotConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// MaxHold returns the maximum position hold time as a duration.
func (c *BotConfig) MaxHold() time.Duration {
	return time.Duration(c.MaxHoldMinutes) * time.Minute
}
