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

package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
	"github.com/solfleet/binrunner/executor"
)

// scan runs one entry hunt: gate checks, pool filtering, strategy
// ranking and entries. Overlapping ticks are dropped; a scan that
// outlives its interval simply absorbs the next tick.
func (e *Engine) scan(ctx context.Context) {
	if !e.scanning.CompareAndSwap(false, true) {
		e.log.Debug("scan already in progress, dropping tick")
		return
	}
	defer e.scanning.Store(false)

	start := e.now()
	e.mu.Lock()
	e.stats.TotalScans++
	e.mu.Unlock()
	scanCounter.WithLabelValues(e.cfg.BotID).Inc()

	if d := e.stop.CanTrade(); !d.Allowed {
		e.log.Warn("scan blocked by emergency stop", zap.String("reason", d.Reason))
		e.emitEvent(core.EventEngineError, core.ErrorInfo{Reason: d.Reason})
		return
	}
	active := e.exec.ActivePositions()
	slots := e.cfg.MaxConcurrent - len(active)
	if slots <= 0 {
		e.log.Debug("all position slots in use", zap.Int("active", len(active)))
		return
	}
	balance, err := e.exec.Balance(ctx)
	if err != nil {
		e.log.Warn("balance read failed", zap.Error(err))
		return
	}
	if balance < core.SOLToLamports(e.cfg.MinPositionSOL) {
		e.log.Debug("balance below minimum position size",
			zap.Int64("balance", balance))
		return
	}

	pools, err := e.market.EligiblePools(ctx, &e.cfg)
	if err != nil {
		e.stop.RecordAPIError()
		e.log.Warn("pool scan failed", zap.Error(err))
		return
	}
	held := make(map[string]struct{}, len(active))
	for _, p := range active {
		held[p.PoolAddress] = struct{}{}
	}
	now := e.now()
	candidates := pools[:0:0]
	for _, p := range pools {
		if _, ok := held[p.Address]; ok {
			continue
		}
		if e.underCooldown(p.Address, now) {
			continue
		}
		candidates = append(candidates, p)
	}
	eligible := len(candidates)

	ranked := e.rank(ctx, candidates)
	if len(ranked) > slots {
		ranked = ranked[:slots]
	}

	entered := 0
entries:
	for i, cand := range ranked {
		if i > 0 {
			select {
			case <-time.After(entryPause):
			case <-ctx.Done():
				break entries
			case <-e.quit:
				break entries
			}
		}
		if e.enter(ctx, cand, balance) {
			entered++
		}
	}
	e.emitEvent(core.EventScanCompleted, core.ScanSummary{
		Eligible: eligible,
		Entered:  entered,
		Elapsed:  e.now().Sub(start),
	})
	e.log.Debug("scan completed",
		zap.Int("eligible", eligible),
		zap.Int("ranked", len(ranked)),
		zap.Int("entered", entered))
}

// enter attempts one position. The safety gates are re-checked right
// before the executor call: the market fetch and the ranking may have
// taken long enough for the picture to change.
func (e *Engine) enter(ctx context.Context, cand *candidate, balance int64) bool {
	pool := cand.pool
	size := e.positionSize(balance)
	if size <= 0 {
		e.log.Debug("no spendable balance for entry")
		return false
	}
	if d := e.stop.CanTrade(); !d.Allowed {
		e.log.Warn("entry blocked by emergency stop", zap.String("reason", d.Reason))
		return false
	}
	if d := e.breaker.CanOpen(pool.Address, size); !d.Allowed {
		e.log.Debug("entry blocked by circuit breaker",
			zap.String("pool", pool.Address), zap.String("reason", d.Reason))
		return false
	}
	bin, err := e.market.ActiveBin(ctx, pool.Address)
	if err != nil {
		e.stop.RecordAPIError()
		e.log.Warn("active bin unavailable",
			zap.String("pool", pool.Address), zap.Error(err))
		return false
	}
	features := cand.features
	if features == nil {
		// Snapshot features even for rule-based entries so every close
		// later yields a labelled training row.
		fv := core.ExtractFeatures(pool)
		features = &fv
	}
	pos, err := e.exec.Open(ctx, pool, executor.OpenParams{
		ActiveBin:     bin,
		BinRange:      e.cfg.BinRange,
		AmountY:       size,
		Score:         cand.score.Total,
		MLProbability: cand.prob,
		Features:      features,
	})
	if err != nil {
		e.log.Warn("entry failed",
			zap.String("pool", pool.Address),
			zap.Int64("size", size),
			zap.Error(err))
		return false
	}
	e.breaker.RecordPositionOpened(pos.PoolAddress, pos.EntryValue())
	e.mu.Lock()
	e.stats.PositionsOpened++
	e.mu.Unlock()
	entryCounter.WithLabelValues(e.cfg.BotID).Inc()
	e.log.Info("position opened",
		zap.String("position", pos.ID),
		zap.String("pool", pool.Address),
		zap.Int64("size", size),
		zap.Float64("score", cand.score.Total))
	e.emitEvent(core.EventPositionOpened, pos)
	return true
}

// positionSize decides the lamports committed to one entry: the
// configured fraction of the balance, else the fixed size, else 10% of
// the balance; clamped to the configured band and finally to what the
// gas reserve leaves spendable.
func (e *Engine) positionSize(balance int64) int64 {
	spendable := balance - core.SOLToLamports(core.DefaultGasReserveSOL)
	if spendable <= 0 {
		return 0
	}
	var size int64
	switch {
	case e.cfg.SizeFraction > 0:
		size = decimal.NewFromInt(balance).
			Mul(decimal.NewFromFloat(e.cfg.SizeFraction)).
			Round(0).IntPart()
	case e.cfg.SizeSOL > 0:
		size = core.SOLToLamports(e.cfg.SizeSOL)
	default:
		size = balance / 10
	}
	if min := core.SOLToLamports(e.cfg.MinPositionSOL); size < min {
		size = min
	}
	if max := core.SOLToLamports(e.cfg.MaxPositionSOL); size > max {
		size = max
	}
	if size > spendable {
		size = spendable
	}
	return size
}
