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
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/solfleet/binrunner/core"
	"github.com/solfleet/binrunner/storage"
)

func trackedPosition(bot *storage.Bot) *core.TrackedPosition {
	return &core.TrackedPosition{
		ID:           uuid.NewString(),
		BotID:        bot.BotID,
		UserID:       bot.UserID,
		Mode:         core.ModeSimulation,
		Status:       core.PositionActive,
		PoolAddress:  "PoolBridge1",
		PoolName:     "BRG-SOL",
		EntryPrice:   1.0,
		EntryTime:    time.Now().Add(-time.Minute),
		EntryAmountY: core.SOLToLamports(1),
		EntryScore:   171,
	}
}

func (fx *fixture) event(bot *storage.Bot, typ core.EventType, payload any) core.BotEvent {
	return core.BotEvent{
		Type:    typ,
		BotID:   bot.BotID,
		UserID:  bot.UserID,
		Time:    time.Now(),
		Payload: payload,
	}
}

func TestBridgePersistsPositionOpened(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	bot := fx.createBot(t, nil)
	pos := trackedPosition(bot)

	fx.orch.handleEvent(fx.event(bot, core.EventPositionOpened, pos))

	stored, err := fx.store.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, core.PositionActive, stored.Status)
	require.Equal(t, pos.PoolAddress, stored.PoolAddress)
	require.False(t, fx.botRow(t, bot.BotID).LastActivityAt.IsZero())

	entries, err := fx.store.TradeLogByBot(ctx, bot.BotID, 10)
	require.NoError(t, err)
	require.Equal(t, storage.EventPositionOpened, entries[0].Event)
	require.Equal(t, pos.ID, entries[0].PositionID)
}

func TestBridgePersistsPositionClosed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	bot := fx.createBot(t, nil)
	pos := trackedPosition(bot)
	require.NoError(t, fx.store.InsertPosition(ctx, pos))

	closed := pos.Clone()
	closed.Status = core.PositionClosed
	closed.ExitReason = core.ExitTakeProfit
	closed.ExitTime = time.Now()
	closed.ExitPrice = 1.06
	closed.RealizedPnL = core.SOLToLamports(0.05)

	fx.orch.handleEvent(fx.event(bot, core.EventPositionClosed, closed))

	stored, err := fx.store.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, core.PositionClosed, stored.Status)
	require.Equal(t, core.ExitTakeProfit, stored.ExitReason)
	require.Equal(t, core.SOLToLamports(0.05), stored.RealizedPnL)

	row := fx.botRow(t, bot.BotID)
	require.EqualValues(t, 1, row.TotalTrades)
	require.EqualValues(t, 1, row.WinningTrades)
	require.Equal(t, core.SOLToLamports(0.05), row.TotalPnLLamports)

	entries, err := fx.store.TradeLogByBot(ctx, bot.BotID, 10)
	require.NoError(t, err)
	require.Equal(t, storage.EventPositionClosed, entries[0].Event)
	details := entries[0].Details.(map[string]any)
	require.Equal(t, "WIN", details["result"])
}

func TestBridgeCheckpointsLiveMark(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	bot := fx.createBot(t, nil)
	pos := trackedPosition(bot)
	require.NoError(t, fx.store.InsertPosition(ctx, pos))

	marked := pos.Clone()
	marked.CurrentPrice = 1.1
	fx.orch.handleEvent(fx.event(bot, core.EventPositionUpdated, marked))

	stored, err := fx.store.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.InDelta(t, 1.1, stored.CurrentPrice, 1e-9)
}

func TestBridgeDropsEmptyScansFromBus(t *testing.T) {
	fx := newFixture(t)
	bot := fx.createBot(t, nil)

	rec := &busRecorder{}
	sub := fx.bus.SubscribeBot(bot.BotID, rec.handle)
	defer sub.Unsubscribe()

	fx.orch.handleEvent(fx.event(bot, core.EventScanCompleted, core.ScanSummary{Eligible: 7}))
	require.Empty(t, rec.byType(core.EventScanCompleted))
	// The heartbeat still reaches storage.
	require.False(t, fx.botRow(t, bot.BotID).LastActivityAt.IsZero())

	fx.orch.handleEvent(fx.event(bot, core.EventScanCompleted, core.ScanSummary{Eligible: 7, Entered: 1}))
	require.Len(t, rec.byType(core.EventScanCompleted), 1)
}

func TestBridgeRecordsEngineError(t *testing.T) {
	fx := newFixture(t)
	bot := fx.createBot(t, nil)

	fx.orch.handleEvent(fx.event(bot, core.EventEngineError, core.ErrorInfo{Reason: "rpc down"}))
	require.Equal(t, "rpc down", fx.botRow(t, bot.BotID).LastError)
}

func TestBridgeRejectsWrongPayloads(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	bot := fx.createBot(t, nil)

	err := fx.orch.persistEvent(ctx, fx.event(bot, core.EventPositionOpened, "not a position"))
	require.Error(t, err)
	err = fx.orch.persistEvent(ctx, fx.event(bot, core.EventPositionClosed, core.ScanSummary{}))
	require.Error(t, err)
}

func TestUnrealizedLamports(t *testing.T) {
	base := func() *core.TrackedPosition {
		return &core.TrackedPosition{
			EntryPrice:   2.0,
			CurrentPrice: 2.0,
			EntryAmountY: core.SOLToLamports(1),
		}
	}
	tests := []struct {
		name   string
		mutate func(*core.TrackedPosition)
		want   int64
	}{
		{name: "flat", mutate: func(p *core.TrackedPosition) {}, want: 0},
		{
			name:   "up ten percent",
			mutate: func(p *core.TrackedPosition) { p.CurrentPrice = 2.2 },
			want:   core.SOLToLamports(0.1),
		},
		{
			name:   "down five percent",
			mutate: func(p *core.TrackedPosition) { p.CurrentPrice = 1.9 },
			want:   -core.SOLToLamports(0.05),
		},
		{
			name:   "zero entry marks flat",
			mutate: func(p *core.TrackedPosition) { p.EntryPrice = 0 },
			want:   0,
		},
		{
			name:   "nan price marks flat",
			mutate: func(p *core.TrackedPosition) { p.CurrentPrice = math.NaN() },
			want:   0,
		},
		{
			name:   "infinite price marks flat",
			mutate: func(p *core.TrackedPosition) { p.CurrentPrice = math.Inf(1) },
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := base()
			tt.mutate(pos)
			require.Equal(t, tt.want, unrealizedLamports(pos))
		})
	}
}
