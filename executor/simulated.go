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

package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
)

const (
	// simTxFeeLamports is the nominal per-transaction fee charged in
	// simulation, matching the network base fee.
	simTxFeeLamports int64 = 5_000

	// simFeeRatePctPerHour is the linear swap-fee accrual estimate
	// applied to the entry value of a simulated position.
	simFeeRatePctPerHour = 0.1
)

// Simulated trades a virtual SOL balance. All market data is real; all
// settlement is paper.
type Simulated struct {
	cfg      *core.BotConfig
	provider PriceSource
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	balance   int64
	positions map[string]*core.TrackedPosition

	closed      int
	wins        int
	losses      int
	realizedPnL int64
	feesEarned  int64
}

var _ Executor = (*Simulated)(nil)

// NewSimulated builds a paper-trading executor funded with the
// configured initial balance.
func NewSimulated(cfg *core.BotConfig, provider PriceSource, log *zap.Logger) *Simulated {
	return &Simulated{
		cfg:       cfg,
		provider:  provider,
		log:       log.Named("sim"),
		now:       time.Now,
		balance:   core.SOLToLamports(cfg.SimInitialBalanceSOL),
		positions: make(map[string]*core.TrackedPosition),
	}
}

// SetClock replaces the time source, for tests.
func (e *Simulated) SetClock(now func() time.Time) { e.now = now }

// Open deducts the entry value plus a nominal fee from the virtual
// balance and starts tracking the position.
func (e *Simulated) Open(ctx context.Context, pool *core.Pool, params OpenParams) (*core.TrackedPosition, error) {
	entryPrice := params.ActiveBin.Price
	if entryPrice <= 0 {
		entryPrice = pool.CurrentPrice
	}
	total := params.AmountY
	if params.AmountX > 0 && entryPrice > 0 {
		total += decimal.NewFromInt(params.AmountX).Mul(decimal.NewFromFloat(entryPrice)).Round(0).IntPart()
	}
	if total <= 0 {
		return nil, fmt.Errorf("entry value must be positive, have %d", total)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if total+simTxFeeLamports > e.balance {
		return nil, fmt.Errorf("%w: need %d lamports, have %d", ErrInsufficientBalance, total+simTxFeeLamports, e.balance)
	}
	e.balance -= total + simTxFeeLamports

	id := uuid.NewString()
	now := e.now()
	pos := &core.TrackedPosition{
		ID:     id,
		BotID:  e.cfg.BotID,
		UserID: e.cfg.UserID,
		Mode:   core.ModeSimulation,
		Status: core.PositionActive,

		PoolAddress: pool.Address,
		PoolName:    pool.Name,
		MintX:       pool.MintX,
		MintY:       pool.MintY,
		BinStep:     pool.BinStep,

		EntryBinID:   params.ActiveBin.BinID,
		LowerBinID:   params.ActiveBin.BinID - params.BinRange,
		UpperBinID:   params.ActiveBin.BinID + params.BinRange,
		EntryPrice:   entryPrice,
		EntryTime:    now,
		EntryAmountX: params.AmountX,
		EntryAmountY: params.AmountY,
		EntryTxSig:   "sim-" + id[:8],
		EntryTxCost:  simTxFeeLamports,

		EntryScore:    params.Score,
		MLProbability: params.MLProbability,
		EntryFeatures: params.Features,

		ProfitTargetPct:     e.cfg.ProfitTargetPct,
		StopLossPct:         e.cfg.StopLossPct,
		TrailingStopEnabled: e.cfg.TrailingStopEnabled,
		TrailingStopPct:     e.cfg.TrailingStopPct,
		MaxHoldMinutes:      e.cfg.MaxHoldMinutes,

		CurrentPrice: entryPrice,
	}
	e.positions[id] = pos

	e.log.Info("Opened simulated position",
		zap.String("id", id),
		zap.String("pool", pool.Address),
		zap.Float64("entry_price", entryPrice),
		zap.Int64("value_lamports", total))
	return pos.Clone(), nil
}

// Update refreshes the mark price from the active bin and accrues the
// linear fee estimate. Lookup failures leave the last mark in place.
func (e *Simulated) Update(ctx context.Context, id string) (*core.TrackedPosition, error) {
	e.mu.Lock()
	pos, ok := e.positions[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if pos.Status != core.PositionActive {
		cp := pos.Clone()
		e.mu.Unlock()
		return cp, nil
	}
	addr := pos.PoolAddress
	e.mu.Unlock()

	// Fetch outside the lock; the bin lookup can hit the network.
	bin, err := e.provider.ActiveBin(ctx, addr)

	e.mu.Lock()
	defer e.mu.Unlock()
	if pos.Status != core.PositionActive {
		return pos.Clone(), nil
	}
	if err != nil {
		pos.LastError = err.Error()
		e.log.Warn("Simulated position update failed", zap.String("id", id), zap.Error(err))
		return pos.Clone(), nil
	}
	pos.LastError = ""
	if bin.Price > 0 {
		pos.CurrentPrice = bin.Price
	}
	e.mark(pos)
	return pos.Clone(), nil
}

// mark recomputes P&L percent, fee accrual and the high-water mark.
// Caller holds e.mu.
func (e *Simulated) mark(pos *core.TrackedPosition) {
	entryValue := pos.EntryValue()
	if entryValue <= 0 || pos.EntryPrice <= 0 {
		return
	}
	priceChangePct := (pos.CurrentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	feePct := simFeeRatePctPerHour * e.now().Sub(pos.EntryTime).Hours()
	pos.FeesEarnedY = decimal.NewFromInt(entryValue).Mul(decimal.NewFromFloat(feePct)).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	pos.CurrentPnLPct = priceChangePct + feePct
	if pos.CurrentPnLPct > pos.HighWaterPct {
		pos.HighWaterPct = pos.CurrentPnLPct
	}
}

// Close settles the position at its last mark and credits the virtual
// balance.
func (e *Simulated) Close(ctx context.Context, id string, reason core.ExitReason) (*CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, id, pos.Status)
	}

	// Refresh the accrual one last time so hold time up to the close
	// is paid out.
	e.mark(pos)

	entryValue := pos.EntryValue()
	marketPnL := decimal.NewFromInt(entryValue).Mul(decimal.NewFromFloat(pos.CurrentPnLPct)).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	e.balance += entryValue + marketPnL - simTxFeeLamports

	pos.Status = core.PositionClosed
	pos.ExitPrice = pos.CurrentPrice
	pos.ExitTime = e.now()
	pos.ExitTxSig = "sim-close-" + id[:8]
	pos.ExitTxCost = simTxFeeLamports
	pos.ExitReason = reason
	pos.RealizedPnL = marketPnL - pos.EntryTxCost - pos.ExitTxCost
	pos.LastError = ""

	e.closed++
	if pos.RealizedPnL > 0 {
		e.wins++
	} else {
		e.losses++
	}
	e.realizedPnL += pos.RealizedPnL
	e.feesEarned += pos.FeesEarnedY

	e.log.Info("Closed simulated position",
		zap.String("id", id),
		zap.String("reason", string(reason)),
		zap.Float64("pnl_pct", pos.CurrentPnLPct),
		zap.Int64("realized_lamports", pos.RealizedPnL))

	return &CloseResult{
		Position:    pos.Clone(),
		Signature:   pos.ExitTxSig,
		RealizedPnL: pos.RealizedPnL,
		FeesX:       pos.FeesEarnedX,
		FeesY:       pos.FeesEarnedY,
	}, nil
}

// Adopt places persisted ACTIVE positions back in the book and
// re-deducts their entry cost from the virtual balance, so a restart
// leaves the paper account where the previous run had it.
func (e *Simulated) Adopt(positions []*core.TrackedPosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pos := range positions {
		if pos.Status != core.PositionActive {
			continue
		}
		if _, ok := e.positions[pos.ID]; ok {
			continue
		}
		e.positions[pos.ID] = pos.Clone()
		e.balance -= pos.EntryValue() + pos.EntryTxCost
		if e.balance < 0 {
			e.balance = 0
		}
	}
}

// ActivePositions returns copies of the open book, oldest entry first.
func (e *Simulated) ActivePositions() []*core.TrackedPosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*core.TrackedPosition, 0, len(e.positions))
	for _, pos := range e.positions {
		if pos.IsOpen() {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Balance returns the virtual balance.
func (e *Simulated) Balance(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

// PerformanceSummary aggregates the paper account.
func (e *Simulated) PerformanceSummary(ctx context.Context) (core.PerformanceSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := 0
	for _, pos := range e.positions {
		if pos.IsOpen() {
			open++
		}
	}
	s := core.PerformanceSummary{
		Mode:            core.ModeSimulation,
		BalanceLamports: e.balance,
		OpenPositions:   open,
		ClosedPositions: e.closed,
		Wins:            e.wins,
		Losses:          e.losses,
		RealizedPnL:     e.realizedPnL,
		FeesEarned:      e.feesEarned,
	}
	if e.closed > 0 {
		s.WinRate = float64(e.wins) / float64(e.closed)
	}
	return s, nil
}
