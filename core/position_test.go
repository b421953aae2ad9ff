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

import (
	"testing"
	"time"
)

func TestPositionEntryValue(t *testing.T) {
	p := &TrackedPosition{EntryAmountY: 2 * LamportsPerSOL}
	if got := p.EntryValue(); got != 2*LamportsPerSOL {
		t.Errorf("Y-only entry value: have %d, want %d", got, int64(2*LamportsPerSOL))
	}
	// X side valued at entry price.
	p = &TrackedPosition{
		EntryAmountX: 1_000_000,
		EntryAmountY: LamportsPerSOL,
		EntryPrice:   2.0,
	}
	if got := p.EntryValue(); got != LamportsPerSOL+2_000_000 {
		t.Errorf("mixed entry value: have %d, want %d", got, int64(LamportsPerSOL+2_000_000))
	}
}

func TestPositionUnrealizedPnL(t *testing.T) {
	p := &TrackedPosition{
		EntryAmountY:  LamportsPerSOL,
		CurrentPnLPct: 6.0,
	}
	if got, want := p.UnrealizedPnL(), int64(60_000_000); got != want {
		t.Errorf("unrealized pnl: have %d, want %d", got, want)
	}
	p.CurrentPnLPct = -3.0
	if got, want := p.UnrealizedPnL(), int64(-30_000_000); got != want {
		t.Errorf("unrealized pnl: have %d, want %d", got, want)
	}
}

func TestPositionHoldTime(t *testing.T) {
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := &TrackedPosition{EntryTime: entry}
	if got := p.HoldTime(entry.Add(90 * time.Minute)); got != 90*time.Minute {
		t.Errorf("open hold time: have %v, want %v", got, 90*time.Minute)
	}
	p.ExitTime = entry.Add(30 * time.Minute)
	// Closed positions report their final hold time regardless of t.
	if got := p.HoldTime(entry.Add(5 * time.Hour)); got != 30*time.Minute {
		t.Errorf("closed hold time: have %v, want %v", got, 30*time.Minute)
	}
}

func TestPositionClone(t *testing.T) {
	prob := 0.8
	p := &TrackedPosition{
		ID:            "pos-1",
		MLProbability: &prob,
		EntryFeatures: &FeatureVector{Volume1h: 10},
	}
	cp := p.Clone()
	*cp.MLProbability = 0.1
	cp.EntryFeatures.Volume1h = 99
	if *p.MLProbability != 0.8 {
		t.Errorf("clone aliased MLProbability: have %v, want 0.8", *p.MLProbability)
	}
	if p.EntryFeatures.Volume1h != 10 {
		t.Errorf("clone aliased EntryFeatures: have %v, want 10", p.EntryFeatures.Volume1h)
	}
}

func TestEngineStatsWinRate(t *testing.T) {
	var s EngineStats
	if got := s.WinRate(); got != 0 {
		t.Errorf("empty win rate: have %v, want 0", got)
	}
	s = EngineStats{PositionsClosed: 4, Wins: 3, Losses: 1}
	if got := s.WinRate(); got != 0.75 {
		t.Errorf("win rate: have %v, want 0.75", got)
	}
}

func TestBotConfigSanitize(t *testing.T) {
	c := &BotConfig{BotID: "b", UserID: "u", Mode: ModeSimulation}
	c.Sanitize()
	if c.Strategy != StrategyRuleBased {
		t.Errorf("default strategy: have %q, want %q", c.Strategy, StrategyRuleBased)
	}
	if c.ScanIntervalSec != DefaultScanIntervalSec {
		t.Errorf("scan interval: have %d, want %d", c.ScanIntervalSec, DefaultScanIntervalSec)
	}
	if c.MaxPositionSOL < c.MinPositionSOL {
		t.Errorf("clamp inverted: min %v > max %v", c.MinPositionSOL, c.MaxPositionSOL)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("sanitized config invalid: %v", err)
	}

	c = &BotConfig{BotID: "b", UserID: "u", Mode: "PAPER"}
	c.Sanitize()
	if err := c.Validate(); err == nil {
		t.Error("invalid mode accepted")
	}
}
