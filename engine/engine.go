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

// Package engine drives a single trading bot. An engine owns three
// recurring tasks: the scan loop hunts for entries, the check loop
// walks open positions through their exit ladder, and the checkpoint
// loop flushes position marks so their latest state can be persisted.
// One engine owns one executor plus that bot's safety gates; nothing
// else mutates them. Everything the engine learns leaves through the
// event callback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
	"github.com/solfleet/binrunner/executor"
	"github.com/solfleet/binrunner/marketdata"
	"github.com/solfleet/binrunner/predictor"
	"github.com/solfleet/binrunner/safety"
)

const (
	// checkpointInterval is how often ACTIVE position marks are pushed
	// out for persistence, independent of the position check cadence.
	checkpointInterval = 30 * time.Second

	// entryPause spaces consecutive entries within one scan so a burst
	// of candidates cannot land as a transaction flood.
	entryPause = 500 * time.Millisecond
)

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("engine already running")

var (
	scanCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "engine",
		Name:      "scans_total",
		Help:      "Pool scans executed, by bot.",
	}, []string{"bot_id"})
	entryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "engine",
		Name:      "entries_total",
		Help:      "Positions opened, by bot.",
	}, []string{"bot_id"})
	exitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "engine",
		Name:      "exits_total",
		Help:      "Positions closed, by bot and exit reason.",
	}, []string{"bot_id", "reason"})
)

// Market is the engine's view of the market-data layer.
// *marketdata.Provider satisfies it.
type Market interface {
	EligiblePools(ctx context.Context, cfg *core.BotConfig) ([]*core.Pool, error)
	ActiveBin(ctx context.Context, address string) (core.ActiveBin, error)
	Score(pool *core.Pool) marketdata.Score
}

// Predictor is the engine's view of the entry-scoring model service.
// *predictor.Client satisfies it. May be absent: every strategy that
// wants it degrades to rule-based ranking when it is nil or down.
type Predictor interface {
	Available(ctx context.Context) bool
	Predict(ctx context.Context, features [][]float64, pools []string) (*predictor.Response, error)
}

// Config assembles an engine. Bot is sanitized on construction, so a
// partially filled configuration gets the stock intervals and clamps.
type Config struct {
	Bot      core.BotConfig
	Executor executor.Executor
	Market   Market
	Stop     *safety.EmergencyStop
	Breaker  *safety.CircuitBreaker

	// Predictor is optional; required only for the ml and hybrid
	// strategies to rank with the model.
	Predictor Predictor

	// Emit receives every engine event on the emitting goroutine. May
	// be nil.
	Emit func(core.BotEvent)

	// RecentExits seeds per-pool cooldowns from persisted history,
	// keyed by pool address with the last exit time as value.
	RecentExits map[string]time.Time

	Log *zap.Logger
}

// Engine is the per-bot scheduler and trading state machine.
type Engine struct {
	cfg       core.BotConfig
	exec      executor.Executor
	market    Market
	stop      *safety.EmergencyStop
	breaker   *safety.CircuitBreaker
	predictor Predictor
	emit      func(core.BotEvent)
	log       *zap.Logger
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
	scanning atomic.Bool

	mu        sync.Mutex
	cooldowns map[string]time.Time // pool address -> re-entry allowed after
	stats     core.EngineStats
}

// New assembles an engine from cfg. It does not start any goroutine.
func New(cfg Config) *Engine {
	bot := cfg.Bot
	bot.Sanitize()
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:       bot,
		exec:      cfg.Executor,
		market:    cfg.Market,
		stop:      cfg.Stop,
		breaker:   cfg.Breaker,
		predictor: cfg.Predictor,
		emit:      cfg.Emit,
		log:       log.Named("engine").With(zap.String("bot", bot.BotID)),
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
	for pool, exit := range cfg.RecentExits {
		e.cooldowns[pool] = exit.Add(bot.Cooldown())
	}
	return e
}

// SetClock replaces the time source, for tests. Call before Start;
// the loops read the clock without holding the engine lock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Running reports whether the engine loops are live.
func (e *Engine) Running() bool { return e.running.Load() }

// Stats returns a copy of the run counters.
func (e *Engine) Stats() core.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Start launches the three engine loops. The circuit breaker is synced
// with any positions the executor already tracks, expired cooldown
// seeds are dropped, and the initial scan runs on the scan loop's
// goroutine so Start never blocks on the market.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.quit = make(chan struct{})

	now := e.now()
	e.mu.Lock()
	e.stats = core.EngineStats{StartedAt: now}
	for pool, until := range e.cooldowns {
		if !until.After(now) {
			delete(e.cooldowns, pool)
		}
	}
	cooldowns := len(e.cooldowns)
	e.mu.Unlock()

	if positions := e.exec.ActivePositions(); len(positions) > 0 {
		e.breaker.SyncWithPositions(positions)
	}
	e.log.Info("engine starting",
		zap.String("mode", string(e.cfg.Mode)),
		zap.String("strategy", string(e.cfg.Strategy)),
		zap.Duration("scan_interval", e.cfg.ScanInterval()),
		zap.Int("cooldowns", cooldowns))
	e.emitEvent(core.EventEngineStarted, core.EngineInfo{
		Mode:     e.cfg.Mode,
		Strategy: e.cfg.Strategy,
		Stats:    e.Stats(),
	})

	e.wg.Add(3)
	go e.scanLoop()
	go e.checkLoop()
	go e.checkpointLoop()
	return nil
}

// Stop halts the loops, runs one final checkpoint and emits
// engine:stopped with the run's stats. Idempotent.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.quit)
	e.cancel()
	e.wg.Wait()
	e.checkpoint()
	stats := e.Stats()
	e.log.Info("engine stopped",
		zap.Int64("scans", stats.TotalScans),
		zap.Int64("opened", stats.PositionsOpened),
		zap.Int64("closed", stats.PositionsClosed),
		zap.Int64("pnl", stats.RealizedPnL))
	e.emitEvent(core.EventEngineStopped, core.EngineInfo{
		Mode:     e.cfg.Mode,
		Strategy: e.cfg.Strategy,
		Stats:    stats,
	})
}

func (e *Engine) scanLoop() {
	defer e.wg.Done()
	// The initial scan; Start has already returned by the time it runs.
	e.scan(e.ctx)
	ticker := time.NewTicker(e.cfg.ScanInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.scan(e.ctx)
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) checkLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.checkPositions(e.ctx)
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.checkpoint()
		case <-e.quit:
			return
		}
	}
}

// checkPositions refreshes every ACTIVE position and closes the ones
// whose exit ladder fires. A failed close leaves the position ACTIVE
// for the next pass.
func (e *Engine) checkPositions(ctx context.Context) {
	for _, pos := range e.exec.ActivePositions() {
		select {
		case <-e.quit:
			return
		default:
		}
		if pos.Status != core.PositionActive {
			continue
		}
		updated, err := e.exec.Update(ctx, pos.ID)
		if err != nil {
			if errors.Is(err, executor.ErrPositionNotFound) {
				// Closed by another path between listing and update.
				continue
			}
			e.stop.RecordAPIError()
			e.log.Warn("position update failed",
				zap.String("position", pos.ID), zap.Error(err))
			continue
		}
		if reason, exit := exitDecision(updated, e.now()); exit {
			if _, err := e.closeByID(ctx, updated.ID, reason); err != nil {
				e.log.Warn("exit failed, retrying next check",
					zap.String("position", updated.ID),
					zap.String("reason", string(reason)),
					zap.Error(err))
			}
			continue
		}
		e.emitEvent(core.EventPositionUpdated, updated)
	}
}

// exitDecision evaluates the exit ladder in its fixed order:
// take-profit, trailing stop, stop-loss, max hold. The thresholds come
// from the position itself, frozen at entry.
func exitDecision(p *core.TrackedPosition, now time.Time) (core.ExitReason, bool) {
	if p.CurrentPnLPct >= p.ProfitTargetPct {
		return core.ExitTakeProfit, true
	}
	if p.TrailingStopEnabled &&
		p.HighWaterPct > p.TrailingStopPct &&
		p.CurrentPnLPct <= p.HighWaterPct-p.TrailingStopPct &&
		p.CurrentPnLPct < p.HighWaterPct {
		return core.ExitTrailingStop, true
	}
	if p.CurrentPnLPct <= -p.StopLossPct {
		return core.ExitStopLoss, true
	}
	if p.MaxHoldMinutes > 0 && p.HoldTime(now) >= time.Duration(p.MaxHoldMinutes)*time.Minute {
		return core.ExitMaxHold, true
	}
	return "", false
}

// checkpoint emits position:updated for every ACTIVE position. It does
// no I/O: the executor serves its in-memory book.
func (e *Engine) checkpoint() {
	for _, pos := range e.exec.ActivePositions() {
		if pos.Status == core.PositionActive {
			e.emitEvent(core.EventPositionUpdated, pos)
		}
	}
}

// ClosePosition closes one position on demand with the full
// engine-close side effects. An empty reason is recorded as MANUAL.
func (e *Engine) ClosePosition(ctx context.Context, id string, reason core.ExitReason) (*executor.CloseResult, error) {
	if reason == "" {
		reason = core.ExitManual
	}
	return e.closeByID(ctx, id, reason)
}

// CloseAll closes every ACTIVE position, continuing past individual
// failures. It returns the number closed and the joined errors.
func (e *Engine) CloseAll(ctx context.Context, reason core.ExitReason) (int, error) {
	var (
		closed int
		errs   []error
	)
	for _, pos := range e.exec.ActivePositions() {
		if pos.Status != core.PositionActive {
			continue
		}
		if _, err := e.closeByID(ctx, pos.ID, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// closeByID settles one close and applies every side effect an exit
// carries: stats, loss accounting, breaker release, the pool cooldown
// and the position:closed event.
func (e *Engine) closeByID(ctx context.Context, id string, reason core.ExitReason) (*executor.CloseResult, error) {
	res, err := e.exec.Close(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", id, err)
	}
	closed := res.Position

	e.mu.Lock()
	e.stats.PositionsClosed++
	if res.RealizedPnL > 0 {
		e.stats.Wins++
	} else {
		e.stats.Losses++
	}
	e.stats.RealizedPnL += res.RealizedPnL
	exitAt := closed.ExitTime
	if exitAt.IsZero() {
		exitAt = e.now()
	}
	e.cooldowns[closed.PoolAddress] = exitAt.Add(e.cfg.Cooldown())
	e.mu.Unlock()

	e.stop.RecordTradeResult(core.LamportsToSOL(res.RealizedPnL))
	e.breaker.RecordPositionClosed(closed.PoolAddress, closed.EntryValue())
	exitCounter.WithLabelValues(e.cfg.BotID, string(reason)).Inc()
	e.log.Info("position closed",
		zap.String("position", id),
		zap.String("pool", closed.PoolAddress),
		zap.String("reason", string(reason)),
		zap.Int64("pnl", res.RealizedPnL))
	e.emitEvent(core.EventPositionClosed, closed)
	return res, nil
}

// underCooldown reports whether pool is still inside its re-entry
// window at now.
func (e *Engine) underCooldown(pool string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[pool]
	return ok && until.After(now)
}

func (e *Engine) emitEvent(typ core.EventType, payload any) {
	if e.emit == nil {
		return
	}
	e.emit(core.BotEvent{
		Type:    typ,
		BotID:   e.cfg.BotID,
		UserID:  e.cfg.UserID,
		Time:    e.now(),
		Payload: payload,
	})
}
