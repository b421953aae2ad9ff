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

package safety

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
)

// BreakerLimits bounds how much and how fast a bot may trade.
type BreakerLimits struct {
	MaxOpenPositions    int
	MaxPerPool          int
	MaxPositionLamports int64
	MaxExposureLamports int64
	MaxTxPerMinute      int
	TradeCooldown       time.Duration
	MaxAPIPerMinute     int
}

// DefaultBreakerLimits returns the stock throttle limits.
func DefaultBreakerLimits() BreakerLimits {
	return BreakerLimits{
		MaxOpenPositions:    5,
		MaxPerPool:          1,
		MaxPositionLamports: 10 * core.LamportsPerSOL,
		MaxExposureLamports: 25 * core.LamportsPerSOL,
		MaxTxPerMinute:      10,
		TradeCooldown:       10 * time.Second,
		MaxAPIPerMinute:     60,
	}
}

// BreakerState is a telemetry snapshot of a CircuitBreaker.
type BreakerState struct {
	OpenPositions   int            `json:"open_positions"`
	PerPool         map[string]int `json:"per_pool"`
	Exposure        int64          `json:"exposure_lamports"`
	LastTradeAt     time.Time      `json:"last_trade_at"`
	TxInLastMinute  int            `json:"tx_in_last_minute"`
	APIInLastMinute int            `json:"api_in_last_minute"`
}

// CircuitBreaker throttles a bot's order flow. Unlike the emergency
// stop it never latches: a denied check simply waits out the next
// scan. State is transient and rebuilt from the executor's active
// positions on recovery.
type CircuitBreaker struct {
	botID  string
	limits BreakerLimits
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	open      int
	perPool   map[string]int
	exposure  int64
	lastTrade time.Time
	txTimes   []time.Time
	apiTimes  []time.Time
}

// NewCircuitBreaker returns an empty breaker with the given limits.
func NewCircuitBreaker(botID string, limits BreakerLimits, log *zap.Logger) *CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &CircuitBreaker{
		botID:   botID,
		limits:  limits,
		log:     log.Named("breaker"),
		now:     time.Now,
		perPool: make(map[string]int),
	}
}

// SetClock replaces the time source, for tests.
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// CanOpen checks whether a position of amount lamports may be opened
// in pool. Checks run in a fixed order so the reported reason is
// deterministic for a given state.
func (b *CircuitBreaker) CanOpen(pool string, amount int64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.txTimes = pruneBefore(b.txTimes, now.Add(-time.Minute))

	if b.limits.MaxOpenPositions > 0 && b.open >= b.limits.MaxOpenPositions {
		return deny(fmt.Sprintf("max open positions reached: %d", b.open))
	}
	if b.limits.MaxPerPool > 0 && b.perPool[pool] >= b.limits.MaxPerPool {
		return deny(fmt.Sprintf("max positions in pool %s reached: %d", pool, b.perPool[pool]))
	}
	if b.limits.MaxPositionLamports > 0 && amount > b.limits.MaxPositionLamports {
		return deny(fmt.Sprintf("position size %d exceeds cap %d", amount, b.limits.MaxPositionLamports))
	}
	if b.limits.MaxExposureLamports > 0 && b.exposure+amount > b.limits.MaxExposureLamports {
		return deny(fmt.Sprintf("exposure %d + %d exceeds cap %d", b.exposure, amount, b.limits.MaxExposureLamports))
	}
	if b.limits.MaxTxPerMinute > 0 && len(b.txTimes) >= b.limits.MaxTxPerMinute {
		return deny(fmt.Sprintf("transaction rate limit reached: %d/min", len(b.txTimes)))
	}
	if b.limits.TradeCooldown > 0 && !b.lastTrade.IsZero() {
		if since := now.Sub(b.lastTrade); since < b.limits.TradeCooldown {
			return deny(fmt.Sprintf("trade cooldown: %s remaining", b.limits.TradeCooldown-since))
		}
	}
	return allow()
}

// RecordPositionOpened accounts for a filled open.
func (b *CircuitBreaker) RecordPositionOpened(pool string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.open++
	b.perPool[pool]++
	b.exposure += amount
	b.lastTrade = now
	b.txTimes = append(b.txTimes, now)
}

// RecordPositionClosed accounts for a close. Counters are clamped at
// zero to tolerate amount mismatches between open and close.
func (b *CircuitBreaker) RecordPositionClosed(pool string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open > 0 {
		b.open--
	}
	if n := b.perPool[pool]; n > 1 {
		b.perPool[pool] = n - 1
	} else {
		delete(b.perPool, pool)
	}
	b.exposure -= amount
	if b.exposure < 0 {
		b.exposure = 0
	}
	b.txTimes = append(b.txTimes, b.now())
}

// CanMakeAPICall gates outbound API calls to the per-minute limit and
// records the call when allowed.
func (b *CircuitBreaker) CanMakeAPICall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.apiTimes = pruneBefore(b.apiTimes, now.Add(-time.Minute))
	if b.limits.MaxAPIPerMinute > 0 && len(b.apiTimes) >= b.limits.MaxAPIPerMinute {
		return false
	}
	b.apiTimes = append(b.apiTimes, now)
	return true
}

// SyncWithPositions rebuilds counts and exposure from an authoritative
// position list, discarding whatever was accumulated before.
func (b *CircuitBreaker) SyncWithPositions(positions []*core.TrackedPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = 0
	b.perPool = make(map[string]int)
	b.exposure = 0
	for _, p := range positions {
		if p == nil || !p.IsOpen() {
			continue
		}
		b.open++
		b.perPool[p.PoolAddress]++
		b.exposure += p.EntryValue()
	}
	b.log.Info("circuit breaker synced",
		zap.String("bot", b.botID),
		zap.Int("open", b.open),
		zap.Int64("exposure", b.exposure))
}

// Exposure returns the currently accounted exposure in lamports.
func (b *CircuitBreaker) Exposure() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exposure
}

// State snapshots the breaker for telemetry.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.txTimes = pruneBefore(b.txTimes, now.Add(-time.Minute))
	b.apiTimes = pruneBefore(b.apiTimes, now.Add(-time.Minute))
	perPool := make(map[string]int, len(b.perPool))
	for k, v := range b.perPool {
		perPool[k] = v
	}
	return BreakerState{
		OpenPositions:   b.open,
		PerPool:         perPool,
		Exposure:        b.exposure,
		LastTradeAt:     b.lastTrade,
		TxInLastMinute:  len(b.txTimes),
		APIInLastMinute: len(b.apiTimes),
	}
}
