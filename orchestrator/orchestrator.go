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

// Package orchestrator runs the process-wide bot fleet. It owns the
// botID → running-engine map, serialises start/stop per bot through
// operation locks, restores persisted safety state on start, and
// bridges every engine event into storage and onto the event bus. One
// orchestrator exists per process; everything it hands to an engine is
// built per bot, so engines never share mutable state with each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solfleet/binrunner/chain"
	"github.com/solfleet/binrunner/core"
	"github.com/solfleet/binrunner/engine"
	"github.com/solfleet/binrunner/event"
	"github.com/solfleet/binrunner/executor"
	"github.com/solfleet/binrunner/marketdata"
	"github.com/solfleet/binrunner/predictor"
	"github.com/solfleet/binrunner/safety"
	"github.com/solfleet/binrunner/storage"
)

const (
	// bridgeWriteTimeout bounds one persistence write made on an
	// engine's event goroutine.
	bridgeWriteTimeout = 10 * time.Second

	// triggerCloseTimeout bounds the auto-close sweep that follows an
	// emergency-stop trigger.
	triggerCloseTimeout = 2 * time.Minute
)

var (
	// ErrAlreadyRunning is returned by StartBot when the bot's engine
	// is live.
	ErrAlreadyRunning = errors.New("bot already running")

	// ErrNotRunning is returned by operations that need a live engine.
	ErrNotRunning = errors.New("bot not running")

	// ErrWalletRequired is returned when a live-mode bot starts
	// without a loaded wallet and an explicit trading confirmation.
	ErrWalletRequired = errors.New("live trading requires a wallet and explicit confirmation")

	// ErrShuttingDown is returned by StartBot after Close.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

var (
	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "binrunner",
		Subsystem: "orchestrator",
		Name:      "running_bots",
		Help:      "Bots with a live engine.",
	})
	recoveredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "orchestrator",
		Name:      "recovered_bots_total",
		Help:      "Bots restarted by the boot recovery pass.",
	})
)

// Config assembles an orchestrator. Store, Bus and Cache are
// mandatory; the chain backend, wallet and predictor are optional and
// gate which bot modes and strategies can start.
type Config struct {
	Store *storage.Store
	Bus   *event.Bus
	Cache *marketdata.Cache

	// Chain backs live executors and on-chain active-bin reads. A zero
	// Backend confines the process to simulation bots.
	Chain chain.Backend

	// Wallet plus LiveTradingConfirmed unlock live mode.
	Wallet               *chain.Wallet
	LiveTradingConfirmed bool

	// Predictor serves the ml and hybrid strategies. Nil degrades both
	// to rule-based ranking.
	Predictor *predictor.Client

	Log *zap.Logger
}

// RunningBot bundles everything built for one started bot. The
// orchestrator is the only writer; the safety objects and executor
// inside are owned by the bot's engine.
type RunningBot struct {
	BotID    string
	UserID   string
	Config   core.BotConfig
	Engine   *engine.Engine
	Executor executor.Executor
	Stop     *safety.EmergencyStop
	Breaker  *safety.CircuitBreaker

	StartedAt time.Time
}

// Orchestrator is the process-wide bot lifecycle manager.
type Orchestrator struct {
	store     *storage.Store
	bus       *event.Bus
	cache     *marketdata.Cache
	chain     chain.Backend
	wallet    *chain.Wallet
	liveOK    bool
	predictor *predictor.Client
	log       *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	bots   map[string]*RunningBot
	ops    map[string]*sync.Mutex // per-bot operation locks
	closed bool

	// triggerWG tracks in-flight emergency-trigger handlers so Close
	// can wait for them.
	triggerWG sync.WaitGroup
}

// New builds an idle orchestrator. No goroutine starts until the first
// StartBot.
func New(cfg Config) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:     cfg.Store,
		bus:       cfg.Bus,
		cache:     cfg.Cache,
		chain:     cfg.Chain,
		wallet:    cfg.Wallet,
		liveOK:    cfg.LiveTradingConfirmed,
		predictor: cfg.Predictor,
		log:       log.Named("orchestrator"),
		now:       time.Now,
		bots:      make(map[string]*RunningBot),
		ops:       make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the time source, for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// opLock returns the operation lock for botID, creating it on first
// use. Locks are never removed: the per-user bot cap keeps the map
// small, and a stable lock identity is what makes start/stop of the
// same bot mutually exclusive.
func (o *Orchestrator) opLock(botID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.ops[botID]
	if !ok {
		m = new(sync.Mutex)
		o.ops[botID] = m
	}
	return m
}

// runningBot looks up a live bot.
func (o *Orchestrator) runningBot(botID string) (*RunningBot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rb, ok := o.bots[botID]
	return rb, ok
}

// RunningCount reports how many bots have a live engine.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bots)
}

// StartBot loads the bot row, assembles its market view, safety
// objects, executor and engine, and launches the engine loops. The
// per-bot operation lock serialises it against StopBot; userID, when
// non-empty, must match the stored owner.
func (o *Orchestrator) StartBot(ctx context.Context, botID, userID string) error {
	op := o.opLock(botID)
	op.Lock()
	defer op.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := o.bots[botID]; ok {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.mu.Unlock()

	row, err := o.store.Bot(ctx, botID)
	if err != nil {
		return fmt.Errorf("load bot %s: %w", botID, err)
	}
	// Ownership check before anything observable happens, so a foreign
	// id is indistinguishable from a missing one.
	if userID != "" && row.UserID != userID {
		return storage.ErrNotFound
	}

	cfg := row.Config
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("bot %s config: %w", botID, err)
	}

	if err := o.store.UpdateBotStatus(ctx, botID, core.BotStarting, ""); err != nil {
		return fmt.Errorf("mark bot %s starting: %w", botID, err)
	}

	rb, err := o.buildBot(ctx, row, cfg)
	if err != nil {
		if serr := o.store.UpdateBotStatus(ctx, botID, core.BotError, err.Error()); serr != nil {
			o.log.Error("status update failed after build error",
				zap.String("bot", botID), zap.Error(serr))
		}
		return err
	}

	// Register before Start so bridge lookups (emergency-state
	// persistence on position:closed) see the bot from the first event.
	o.mu.Lock()
	o.bots[botID] = rb
	o.mu.Unlock()
	runningGauge.Inc()

	if err := rb.Engine.Start(); err != nil {
		o.remove(botID)
		if serr := o.store.UpdateBotStatus(ctx, botID, core.BotError, err.Error()); serr != nil {
			o.log.Error("status update failed after start error",
				zap.String("bot", botID), zap.Error(serr))
		}
		return fmt.Errorf("start engine for bot %s: %w", botID, err)
	}

	if err := o.store.UpdateBotStatus(ctx, botID, core.BotRunning, ""); err != nil {
		o.log.Error("bot running but status write failed",
			zap.String("bot", botID), zap.Error(err))
	}
	o.appendLog(ctx, rb.BotID, rb.UserID, "", storage.EventBotStarted, map[string]any{
		"mode":     cfg.Mode,
		"strategy": cfg.Strategy,
	})
	o.log.Info("bot started",
		zap.String("bot", botID),
		zap.String("mode", string(cfg.Mode)),
		zap.String("strategy", string(cfg.Strategy)))
	return nil
}

// buildBot assembles the per-bot object graph: provider, safety pair
// with restored state, executor for the configured mode, and the
// engine wired to the persistence bridge.
func (o *Orchestrator) buildBot(ctx context.Context, row *storage.Bot, cfg core.BotConfig) (*RunningBot, error) {
	blog := o.log.With(zap.String("bot", cfg.BotID))

	scorer := marketdata.NewScorer(marketdata.DefaultScoreWeights(), marketdata.DefaultScoreThresholds())
	provider := marketdata.NewProvider(o.cache, o.chain.Reader, scorer, o.log)

	limits := safety.DefaultStopLimits()
	if cfg.MaxDailyLossSOL > 0 {
		limits.MaxDailyLossSOL = cfg.MaxDailyLossSOL
	}
	stop := safety.NewEmergencyStop(cfg.BotID, limits, o.log)
	if len(row.EmergencyStopState) > 0 {
		state, err := safety.DecodeState(row.EmergencyStopState)
		if err != nil {
			// A half-written blob must not silently reset loss
			// accounting upward, but it also must not block the start.
			blog.Warn("discarding unreadable emergency-stop state", zap.Error(err))
		} else {
			stop.Restore(state)
		}
	}
	breaker := safety.NewCircuitBreaker(cfg.BotID, safety.DefaultBreakerLimits(), o.log)

	var ml engine.Predictor
	if cfg.Strategy != core.StrategyRuleBased {
		if o.predictor != nil {
			ml = o.predictor
		} else {
			blog.Warn("no predictor configured, strategy degrades to rule-based ranking",
				zap.String("strategy", string(cfg.Strategy)))
		}
	}

	var exec executor.Executor
	switch cfg.Mode {
	case core.ModeLive:
		if o.wallet == nil || !o.liveOK {
			return nil, ErrWalletRequired
		}
		live, err := executor.NewLive(&cfg, o.wallet, o.chain, provider, stop, breaker, o.log)
		if err != nil {
			return nil, fmt.Errorf("live executor: %w", err)
		}
		exec = live
	default:
		exec = executor.NewSimulated(&cfg, provider, o.log)
	}

	// Re-adopt persisted open positions before the engine starts: the
	// breaker sync on Start reads the executor book, and the check
	// loop resumes managing whatever the previous run left open.
	book, err := o.store.PositionsByBot(ctx, cfg.BotID)
	if err != nil {
		return nil, fmt.Errorf("load position book: %w", err)
	}
	exec.Adopt(book)

	recent := make(map[string]time.Time)
	exits, err := o.store.RecentExits(ctx, cfg.BotID, o.now().Add(-cfg.Cooldown()))
	if err != nil {
		blog.Warn("cooldown seed query failed, starting without history", zap.Error(err))
	}
	for _, e := range exits {
		recent[e.PoolAddress] = e.ExitTime
	}

	rb := &RunningBot{
		BotID:     cfg.BotID,
		UserID:    cfg.UserID,
		Config:    cfg,
		Executor:  exec,
		Stop:      stop,
		Breaker:   breaker,
		StartedAt: o.now(),
	}
	rb.Engine = engine.New(engine.Config{
		Bot:         cfg,
		Executor:    exec,
		Market:      provider,
		Stop:        stop,
		Breaker:     breaker,
		Predictor:   ml,
		Emit:        o.handleEvent,
		RecentExits: recent,
		Log:         o.log,
	})

	// The trigger handler re-enters the engine (close-all, stop), so
	// it always hops to a fresh goroutine: triggers surface inside
	// engine loops, and Engine.Stop waits for those very loops.
	stop.OnTrigger(func(reason string) {
		o.triggerWG.Add(1)
		go func() {
			defer o.triggerWG.Done()
			o.onEmergencyTrigger(rb, reason)
		}()
	})
	return rb, nil
}

// StopBot persists safety state, halts the engine and releases the
// bot. Stopping a bot that is not running is a no-op.
func (o *Orchestrator) StopBot(ctx context.Context, botID string) error {
	op := o.opLock(botID)
	op.Lock()
	defer op.Unlock()

	rb, ok := o.runningBot(botID)
	if !ok {
		return nil
	}

	if err := o.store.UpdateBotStatus(ctx, botID, core.BotStopping, ""); err != nil {
		o.log.Warn("stopping-status write failed", zap.String("bot", botID), zap.Error(err))
	}
	o.persistStopState(ctx, rb)
	rb.Engine.Stop()
	o.remove(botID)

	if err := o.store.UpdateBotStatus(ctx, botID, core.BotStopped, ""); err != nil {
		return fmt.Errorf("mark bot %s stopped: %w", botID, err)
	}
	o.appendLog(ctx, rb.BotID, rb.UserID, "", storage.EventBotStopped, map[string]any{
		"stats": rb.Engine.Stats(),
	})
	o.log.Info("bot stopped", zap.String("bot", botID))
	return nil
}

// EmergencyStopBot manually latches the bot's emergency stop. The
// trigger callback performs the close-all, engine stop and status
// update asynchronously.
func (o *Orchestrator) EmergencyStopBot(botID, reason string) error {
	rb, ok := o.runningBot(botID)
	if !ok {
		return ErrNotRunning
	}
	if reason == "" {
		reason = "Manual emergency stop"
	}
	rb.Stop.ManualTrigger(reason)
	return nil
}

// onEmergencyTrigger is the trigger callback body: close every
// position, stop the engine, mark the bot row and tell subscribers.
// It runs on its own goroutine, never under the stop's lock.
func (o *Orchestrator) onEmergencyTrigger(rb *RunningBot, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), triggerCloseTimeout)
	defer cancel()
	log := o.log.With(zap.String("bot", rb.BotID), zap.String("reason", reason))
	log.Error("emergency stop triggered, closing all positions")

	closed, err := rb.Engine.CloseAll(ctx, core.ExitEmergencyStop)
	if err != nil {
		log.Error("emergency close-all incomplete",
			zap.Int("closed", closed), zap.Error(err))
	} else if closed > 0 {
		log.Info("emergency close-all done", zap.Int("closed", closed))
	}

	rb.Engine.Stop()
	o.remove(rb.BotID)
	o.persistStopState(ctx, rb)

	lastError := "Emergency stop: " + reason
	if err := o.store.UpdateBotStatus(ctx, rb.BotID, core.BotError, lastError); err != nil {
		log.Error("error-status write failed", zap.Error(err))
	}
	o.appendLog(ctx, rb.BotID, rb.UserID, "", storage.EventBotError, map[string]any{
		"reason": reason,
	})
	o.bus.Publish(core.BotEvent{
		Type:    core.EventEngineError,
		BotID:   rb.BotID,
		UserID:  rb.UserID,
		Time:    o.now(),
		Payload: core.ErrorInfo{Reason: lastError},
	})
}

// StopAll stops every running bot concurrently and waits for all of
// them to settle. The first failure is returned after every stop has
// finished.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.bots))
	for id := range o.bots {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := o.StopBot(ctx, id); err != nil {
				return fmt.Errorf("stop bot %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	o.triggerWG.Wait()
	return err
}

// Close rejects further starts, stops the fleet and waits for trigger
// handlers. The store and bus are owned by the caller and stay open.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()
	return o.StopAll(ctx)
}

// RecoverRunningBots restarts every bot persisted as running, for boot
// after a crash or deploy. A bot that fails to start is marked as an
// error with the cause and skipped; the pass continues.
func (o *Orchestrator) RecoverRunningBots(ctx context.Context) (int, error) {
	rows, err := o.store.BotsByStatus(ctx, core.BotRunning)
	if err != nil {
		return 0, fmt.Errorf("list running bots: %w", err)
	}
	recovered := 0
	for _, b := range rows {
		if err := o.StartBot(ctx, b.BotID, b.UserID); err != nil {
			o.log.Error("bot recovery failed",
				zap.String("bot", b.BotID), zap.Error(err))
			if serr := o.store.UpdateBotStatus(ctx, b.BotID, core.BotError,
				"Recovery failed: "+err.Error()); serr != nil {
				o.log.Error("recovery-error status write failed",
					zap.String("bot", b.BotID), zap.Error(serr))
			}
			continue
		}
		recovered++
		recoveredCounter.Inc()
	}
	if len(rows) > 0 {
		o.log.Info("recovery pass complete",
			zap.Int("candidates", len(rows)), zap.Int("recovered", recovered))
	}
	return recovered, nil
}

// ClosePosition closes one position on behalf of its owner, with the
// full engine-close side effects. The position is located across the
// user's running bots.
func (o *Orchestrator) ClosePosition(ctx context.Context, userID, positionID string) (*executor.CloseResult, error) {
	var owner *RunningBot
	o.mu.Lock()
	for _, rb := range o.bots {
		if userID != "" && rb.UserID != userID {
			continue
		}
		for _, p := range rb.Executor.ActivePositions() {
			if p.ID == positionID {
				owner = rb
				break
			}
		}
		if owner != nil {
			break
		}
	}
	o.mu.Unlock()
	if owner == nil {
		return nil, executor.ErrPositionNotFound
	}
	return owner.Engine.ClosePosition(ctx, positionID, core.ExitManual)
}

// BotDetail is a stored bot joined with its live engine state.
type BotDetail struct {
	*storage.Bot
	Running bool              `json:"running"`
	Stats   *core.EngineStats `json:"stats,omitempty"`
}

// BotDetail returns the bot row with the engine-stats overlay when the
// bot is running. userID, when non-empty, must match the stored owner.
func (o *Orchestrator) BotDetail(ctx context.Context, userID, botID string) (*BotDetail, error) {
	row, err := o.store.Bot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if userID != "" && row.UserID != userID {
		return nil, storage.ErrNotFound
	}
	d := &BotDetail{Bot: row}
	if rb, ok := o.runningBot(botID); ok {
		stats := rb.Engine.Stats()
		d.Running = true
		d.Stats = &stats
	}
	return d, nil
}

// Bots lists the user's bots with engine-stats overlays for the
// running ones.
func (o *Orchestrator) Bots(ctx context.Context, userID string) ([]*BotDetail, error) {
	rows, err := o.store.Bots(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*BotDetail, 0, len(rows))
	for _, row := range rows {
		d := &BotDetail{Bot: row}
		if rb, ok := o.runningBot(row.BotID); ok {
			stats := rb.Engine.Stats()
			d.Running = true
			d.Stats = &stats
		}
		out = append(out, d)
	}
	return out, nil
}

// remove drops the bot from the running map.
func (o *Orchestrator) remove(botID string) {
	o.mu.Lock()
	_, ok := o.bots[botID]
	delete(o.bots, botID)
	o.mu.Unlock()
	if ok {
		runningGauge.Dec()
	}
}

// persistStopState flushes the bot's emergency-stop snapshot to its
// row. Failures are logged; the caller's flow continues.
func (o *Orchestrator) persistStopState(ctx context.Context, rb *RunningBot) {
	blob, err := rb.Stop.Serialize()
	if err != nil {
		o.log.Error("emergency-stop serialize failed",
			zap.String("bot", rb.BotID), zap.Error(err))
		return
	}
	if err := o.store.SaveEmergencyState(ctx, rb.BotID, blob); err != nil {
		o.log.Error("emergency-stop state write failed",
			zap.String("bot", rb.BotID), zap.Error(err))
	}
}

// appendLog writes one audit-trail entry, logging instead of failing.
func (o *Orchestrator) appendLog(ctx context.Context, botID, userID, positionID, kind string, details any) {
	err := o.store.AppendTradeLog(ctx, storage.TradeLogEntry{
		BotID:      botID,
		UserID:     userID,
		PositionID: positionID,
		Event:      kind,
		Details:    details,
	})
	if err != nil {
		o.log.Error("trade-log append failed",
			zap.String("bot", botID), zap.String("event", kind), zap.Error(err))
	}
}
