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

package orchestrator

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
	"github.com/solfleet/binrunner/storage"
)

// handleEvent is the engine event callback: persist, then forward to
// the bus. It runs on the emitting engine goroutine, so each write is
// one short transaction and a persistence failure never propagates
// back into the engine.
func (o *Orchestrator) handleEvent(ev core.BotEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeWriteTimeout)
	defer cancel()

	if err := o.persistEvent(ctx, ev); err != nil {
		o.log.Error("event persistence failed",
			zap.String("bot", ev.BotID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}

	// Empty scans stay out of the bus: the per-minute heartbeat of
	// every idle bot would otherwise dominate subscriber traffic.
	if ev.Type == core.EventScanCompleted {
		sum, ok := ev.Payload.(core.ScanSummary)
		if !ok || sum.Entered == 0 {
			return
		}
	}
	o.bus.Publish(ev)
}

// persistEvent applies one event's storage side effects.
func (o *Orchestrator) persistEvent(ctx context.Context, ev core.BotEvent) error {
	switch ev.Type {
	case core.EventPositionOpened:
		pos, ok := ev.Payload.(*core.TrackedPosition)
		if !ok {
			return fmt.Errorf("position:opened carries %T", ev.Payload)
		}
		if err := o.store.InsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("insert position %s: %w", pos.ID, err)
		}
		o.appendLog(ctx, ev.BotID, ev.UserID, pos.ID, storage.EventPositionOpened, map[string]any{
			"pool":   pos.PoolAddress,
			"name":   pos.PoolName,
			"amount": pos.EntryAmountY,
			"score":  pos.EntryScore,
		})
		return o.store.TouchBotActivity(ctx, ev.BotID)

	case core.EventPositionClosed:
		pos, ok := ev.Payload.(*core.TrackedPosition)
		if !ok {
			return fmt.Errorf("position:closed carries %T", ev.Payload)
		}
		if err := o.store.ClosePosition(ctx, pos); err != nil {
			return fmt.Errorf("close position %s: %w", pos.ID, err)
		}
		win := pos.RealizedPnL > 0
		if err := o.store.UpdateBotStatsOnClose(ctx, ev.BotID, win, pos.RealizedPnL); err != nil {
			return fmt.Errorf("bot stats for %s: %w", ev.BotID, err)
		}
		result := "LOSS"
		if win {
			result = "WIN"
		}
		o.appendLog(ctx, ev.BotID, ev.UserID, pos.ID, storage.EventPositionClosed, map[string]any{
			"pool":   pos.PoolAddress,
			"reason": pos.ExitReason,
			"pnl":    pos.RealizedPnL,
			"result": result,
		})
		// The engine has already recorded the trade result, so the
		// snapshot taken now carries this close's loss accounting.
		if rb, ok := o.runningBot(ev.BotID); ok {
			o.persistStopState(ctx, rb)
		}
		return nil

	case core.EventPositionUpdated:
		pos, ok := ev.Payload.(*core.TrackedPosition)
		if !ok {
			return fmt.Errorf("position:updated carries %T", ev.Payload)
		}
		return o.store.CheckpointPosition(ctx, pos.ID, pos.CurrentPrice, unrealizedLamports(pos))

	case core.EventScanCompleted:
		return o.store.TouchBotActivity(ctx, ev.BotID)

	case core.EventEngineError:
		if info, ok := ev.Payload.(core.ErrorInfo); ok {
			return o.store.SetBotLastError(ctx, ev.BotID, info.Reason)
		}
		return nil

	default:
		// engine:started and engine:stopped only forward; the
		// lifecycle transitions already wrote the status row.
		return nil
	}
}

// unrealizedLamports linearly marks the SOL side of a position:
// round((current−entry)/entry × entryAmountY). Non-finite or
// non-positive prices mark as flat rather than poisoning the row.
func unrealizedLamports(p *core.TrackedPosition) int64 {
	if p.EntryPrice <= 0 ||
		math.IsNaN(p.CurrentPrice) || math.IsInf(p.CurrentPrice, 0) ||
		p.CurrentPrice <= 0 {
		return 0
	}
	v := (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * float64(p.EntryAmountY)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v))
}
