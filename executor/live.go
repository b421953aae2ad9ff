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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/chain"
	"github.com/solfleet/binrunner/core"
	"github.com/solfleet/binrunner/safety"
)

const (
	// swapDustAmount is the smallest leftover token balance worth
	// swapping back to SOL, in token base units.
	swapDustAmount uint64 = 1_000

	// swapTimeout bounds the fire-and-forget leftover swap.
	swapTimeout = 60 * time.Second
)

// Live signs and lands real transactions through a chain backend.
// Every open passes the safety gates again so a position can never be
// created after an emergency stop latched between the engine's check
// and the send.
type Live struct {
	cfg      *core.BotConfig
	wallet   *chain.Wallet
	backend  chain.Backend
	provider PriceSource
	stop     *safety.EmergencyStop
	breaker  *safety.CircuitBreaker
	log      *zap.Logger
	now      func() time.Time

	priorityFee uint64 // micro-lamports per compute unit
	swapDust    uint64

	mu        sync.Mutex
	positions map[string]*core.TrackedPosition

	closed      int
	wins        int
	losses      int
	realizedPnL int64
	feesEarned  int64

	swapWG sync.WaitGroup
}

var _ Executor = (*Live)(nil)

// NewLive builds a live executor. The wallet and the reader and
// position backends are mandatory; the swap router may be nil, which
// disables leftover conversion.
func NewLive(cfg *core.BotConfig, wallet *chain.Wallet, backend chain.Backend, provider PriceSource,
	stop *safety.EmergencyStop, breaker *safety.CircuitBreaker, log *zap.Logger) (*Live, error) {
	if wallet == nil {
		return nil, chain.ErrNoWallet
	}
	if backend.Reader == nil || backend.Ops == nil {
		return nil, errors.New("live executor requires a chain reader and position backend")
	}
	return &Live{
		cfg:         cfg,
		wallet:      wallet,
		backend:     backend,
		provider:    provider,
		stop:        stop,
		breaker:     breaker,
		log:         log.Named("live"),
		now:         time.Now,
		priorityFee: core.DefaultPriorityFeeMicroLamps,
		swapDust:    swapDustAmount,
		positions:   make(map[string]*core.TrackedPosition),
	}, nil
}

// SetClock replaces the time source, for tests.
func (e *Live) SetClock(now func() time.Time) { e.now = now }

// Open gates the entry, sizes it to the wallet and lands the
// create-and-fund transaction.
func (e *Live) Open(ctx context.Context, pool *core.Pool, params OpenParams) (*core.TrackedPosition, error) {
	if d := e.stop.CanTrade(); !d.Allowed {
		return nil, fmt.Errorf("blocked by emergency stop: %s", d.Reason)
	}

	entryPrice := params.ActiveBin.Price
	if entryPrice <= 0 {
		entryPrice = pool.CurrentPrice
	}
	amountX, amountY := params.AmountX, params.AmountY
	total := amountY
	if amountX > 0 && entryPrice > 0 {
		total += decimal.NewFromInt(amountX).Mul(decimal.NewFromFloat(entryPrice)).Round(0).IntPart()
	}
	if total <= 0 {
		return nil, fmt.Errorf("entry value must be positive, have %d", total)
	}
	if d := e.breaker.CanOpen(pool.Address, total); !d.Allowed {
		return nil, fmt.Errorf("blocked by circuit breaker: %s", d.Reason)
	}

	balance, err := e.backend.Reader.BalanceLamports(ctx, e.wallet.Address())
	if err != nil {
		e.stop.RecordAPIError()
		return nil, fmt.Errorf("wallet balance: %w", err)
	}

	// Keep a rent-and-gas reserve untouched. When the wallet cannot
	// fund the requested size, scale both legs down together so the
	// X:Y ratio survives.
	available := balance - core.SOLToLamports(core.DefaultGasReserveSOL)
	if available < total {
		if available <= 0 {
			return nil, fmt.Errorf("%w: %d lamports in wallet", ErrInsufficientBalance, balance)
		}
		scale := decimal.NewFromInt(available).Div(decimal.NewFromInt(total))
		amountX = decimal.NewFromInt(amountX).Mul(scale).Round(0).IntPart()
		amountY = decimal.NewFromInt(amountY).Mul(scale).Round(0).IntPart()
		total = amountY
		if amountX > 0 && entryPrice > 0 {
			total += decimal.NewFromInt(amountX).Mul(decimal.NewFromFloat(entryPrice)).Round(0).IntPart()
		}
		if minTotal := core.SOLToLamports(e.cfg.MinPositionSOL); total < minTotal {
			return nil, fmt.Errorf("%w: sized-down entry %d below minimum %d", ErrInsufficientBalance, total, minTotal)
		}
		e.log.Warn("Sized position down to wallet balance",
			zap.Int64("requested", params.AmountY), zap.Int64("funded", amountY))
	}

	keypair, err := chain.NewPositionKeypair()
	if err != nil {
		return nil, err
	}
	res, err := e.backend.Ops.CreatePosition(ctx, chain.CreateParams{
		PoolAddress:              pool.Address,
		Owner:                    e.wallet,
		Position:                 keypair,
		LowerBinID:               params.ActiveBin.BinID - params.BinRange,
		UpperBinID:               params.ActiveBin.BinID + params.BinRange,
		AmountX:                  uint64(amountX),
		AmountY:                  amountY,
		PriorityFeeMicroLamports: e.priorityFee,
	})
	if err != nil {
		e.stop.RecordTxFailure()
		return nil, fmt.Errorf("create position: %w", err)
	}

	id := uuid.NewString()
	pos := &core.TrackedPosition{
		ID:     id,
		BotID:  e.cfg.BotID,
		UserID: e.cfg.UserID,
		Mode:   core.ModeLive,
		Status: core.PositionActive,

		PoolAddress: pool.Address,
		PoolName:    pool.Name,
		MintX:       pool.MintX,
		MintY:       pool.MintY,
		BinStep:     pool.BinStep,

		PositionAddress: keypair.Address(),

		EntryBinID:   params.ActiveBin.BinID,
		LowerBinID:   params.ActiveBin.BinID - params.BinRange,
		UpperBinID:   params.ActiveBin.BinID + params.BinRange,
		EntryPrice:   entryPrice,
		EntryTime:    e.now(),
		EntryAmountX: amountX,
		EntryAmountY: amountY,
		EntryTxSig:   res.Signature,
		EntryTxCost:  res.FeeLamports,

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

	e.mu.Lock()
	e.positions[id] = pos
	e.mu.Unlock()

	e.log.Info("Opened live position",
		zap.String("id", id),
		zap.String("pool", pool.Address),
		zap.String("position_account", keypair.Address()),
		zap.String("signature", res.Signature),
		zap.Int64("value_lamports", total))
	return pos.Clone(), nil
}

// Update refreshes the mark price and the on-chain fee snapshot. The
// snapshot only moves up, accrued fees cannot shrink.
func (e *Live) Update(ctx context.Context, id string) (*core.TrackedPosition, error) {
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
	poolAddr, posAddr := pos.PoolAddress, pos.PositionAddress
	e.mu.Unlock()

	bin, binErr := e.provider.ActiveBin(ctx, poolAddr)
	fees, feeErr := e.backend.Ops.PositionFees(ctx, posAddr)

	e.mu.Lock()
	defer e.mu.Unlock()
	if pos.Status != core.PositionActive {
		return pos.Clone(), nil
	}
	if binErr != nil || feeErr != nil {
		err := errors.Join(binErr, feeErr)
		pos.LastError = err.Error()
		e.stop.RecordAPIError()
		e.log.Warn("Live position update failed", zap.String("id", id), zap.Error(err))
	} else {
		pos.LastError = ""
	}
	if binErr == nil && bin.Price > 0 {
		pos.CurrentPrice = bin.Price
	}
	if feeErr == nil {
		if fx := int64(fees.AmountX); fx > pos.FeesEarnedX {
			pos.FeesEarnedX = fx
		}
		if fees.AmountY > pos.FeesEarnedY {
			pos.FeesEarnedY = fees.AmountY
		}
	}
	e.markLive(pos)
	return pos.Clone(), nil
}

// markLive recomputes P&L percent and the high-water mark from the
// current price and fee snapshot. Caller holds e.mu.
func (e *Live) markLive(pos *core.TrackedPosition) {
	entryValue := pos.EntryValue()
	if entryValue <= 0 || pos.EntryPrice <= 0 || pos.CurrentPrice <= 0 {
		return
	}
	priceChangePct := (pos.CurrentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	feeValue := float64(pos.FeesEarnedY) + float64(pos.FeesEarnedX)*pos.CurrentPrice
	pos.CurrentPnLPct = priceChangePct + feeValue/float64(entryValue)*100
	if pos.CurrentPnLPct > pos.HighWaterPct {
		pos.HighWaterPct = pos.CurrentPnLPct
	}
}

// Close tears the position down on chain. Removal may span several
// transactions; fees of every confirmed sub-transaction count against
// the realized P&L. On failure the position returns to ACTIVE so the
// next check retries the close.
func (e *Live) Close(ctx context.Context, id string, reason core.ExitReason) (*CloseResult, error) {
	e.mu.Lock()
	pos, ok := e.positions[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if pos.Status != core.PositionActive {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, id, pos.Status)
	}
	pos.Status = core.PositionClosing
	poolAddr, posAddr := pos.PoolAddress, pos.PositionAddress
	e.mu.Unlock()

	// Snapshot claimable fees before removal wipes them. The on-chain
	// value can only be larger than what update last saw.
	if fees, err := e.backend.Ops.PositionFees(ctx, posAddr); err == nil {
		e.mu.Lock()
		if fx := int64(fees.AmountX); fx > pos.FeesEarnedX {
			pos.FeesEarnedX = fx
		}
		if fees.AmountY > pos.FeesEarnedY {
			pos.FeesEarnedY = fees.AmountY
		}
		e.mu.Unlock()
	} else {
		e.log.Warn("Fee snapshot before close failed", zap.String("id", id), zap.Error(err))
	}

	subs, err := e.backend.Ops.RemovePosition(ctx, chain.RemoveParams{
		PoolAddress:              poolAddr,
		PositionAddress:          posAddr,
		Owner:                    e.wallet,
		PriorityFeeMicroLamports: e.priorityFee,
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	var lastSig string
	for _, sub := range subs {
		pos.ExitTxCost += sub.FeeLamports
		lastSig = sub.Signature
	}
	if err != nil {
		e.stop.RecordTxFailure()
		pos.Status = core.PositionActive
		pos.LastError = err.Error()
		e.log.Error("Position close failed", zap.String("id", id),
			zap.Int("confirmed_subtx", len(subs)), zap.Error(err))
		return nil, fmt.Errorf("remove position: %w", err)
	}

	exitPrice := pos.CurrentPrice
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}
	entryValue := pos.EntryValue()
	var priceChange int64
	if pos.EntryPrice > 0 {
		move := decimal.NewFromFloat(exitPrice).Sub(decimal.NewFromFloat(pos.EntryPrice)).Div(decimal.NewFromFloat(pos.EntryPrice))
		priceChange = move.Mul(decimal.NewFromInt(entryValue)).Round(0).IntPart()
	}
	feeValue := pos.FeesEarnedY + decimal.NewFromInt(pos.FeesEarnedX).Mul(decimal.NewFromFloat(exitPrice)).Round(0).IntPart()

	pos.Status = core.PositionClosed
	pos.ExitPrice = exitPrice
	pos.ExitTime = e.now()
	pos.ExitTxSig = lastSig
	pos.ExitReason = reason
	pos.RealizedPnL = priceChange + feeValue - pos.EntryTxCost - pos.ExitTxCost
	pos.LastError = ""

	e.closed++
	if pos.RealizedPnL > 0 {
		e.wins++
	} else {
		e.losses++
	}
	e.realizedPnL += pos.RealizedPnL
	e.feesEarned += feeValue

	e.log.Info("Closed live position",
		zap.String("id", id),
		zap.String("reason", string(reason)),
		zap.Int("subtx", len(subs)),
		zap.Int64("realized_lamports", pos.RealizedPnL))

	// Whatever base token the removal returned is swapped back to SOL
	// off the critical path.
	if pos.MintX != core.WrappedSOLMint && e.backend.Swap != nil {
		mint := pos.MintX
		e.swapWG.Add(1)
		go e.swapLeftover(mint)
	}

	return &CloseResult{
		Position:    pos.Clone(),
		Signature:   lastSig,
		RealizedPnL: pos.RealizedPnL,
		FeesX:       pos.FeesEarnedX,
		FeesY:       pos.FeesEarnedY,
	}, nil
}

// swapLeftover converts any residual balance of mint back to SOL.
// Failures are logged and never affect the settled close.
func (e *Live) swapLeftover(mint string) {
	defer e.swapWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), swapTimeout)
	defer cancel()

	balance, err := e.backend.Reader.TokenBalance(ctx, e.wallet.Address(), mint)
	if err != nil {
		e.log.Warn("Leftover balance lookup failed", zap.String("mint", mint), zap.Error(err))
		return
	}
	if balance < e.swapDust {
		return
	}
	sig, err := e.backend.Swap.SwapToSOL(ctx, e.wallet, mint, balance)
	if err != nil {
		e.log.Warn("Leftover swap failed", zap.String("mint", mint),
			zap.Uint64("amount", balance), zap.Error(err))
		return
	}
	e.log.Info("Swapped leftover tokens to SOL", zap.String("mint", mint),
		zap.Uint64("amount", balance), zap.String("signature", sig))
}

// Adopt places persisted ACTIVE positions back in the book. The
// on-chain accounts still exist, so tracking resumes where the
// previous run stopped; the wallet balance needs no adjustment.
func (e *Live) Adopt(positions []*core.TrackedPosition) {
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
	}
}

// ActivePositions returns copies of the open book, oldest entry first.
func (e *Live) ActivePositions() []*core.TrackedPosition {
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

// Balance reads the wallet's native balance.
func (e *Live) Balance(ctx context.Context) (int64, error) {
	balance, err := e.backend.Reader.BalanceLamports(ctx, e.wallet.Address())
	if err != nil {
		e.stop.RecordAPIError()
		return 0, fmt.Errorf("wallet balance: %w", err)
	}
	return balance, nil
}

// PerformanceSummary aggregates the live account.
func (e *Live) PerformanceSummary(ctx context.Context) (core.PerformanceSummary, error) {
	balance, err := e.Balance(ctx)
	if err != nil {
		return core.PerformanceSummary{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	open := 0
	for _, pos := range e.positions {
		if pos.IsOpen() {
			open++
		}
	}
	s := core.PerformanceSummary{
		Mode:            core.ModeLive,
		BalanceLamports: balance,
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
