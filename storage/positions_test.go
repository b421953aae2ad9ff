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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/solfleet/binrunner/core"
)

func seedPosition(t *testing.T, s *Store, botID, userID string) *core.TrackedPosition {
	t.Helper()
	prob := 0.83
	pos := &core.TrackedPosition{
		ID:     uuid.NewString(),
		BotID:  botID,
		UserID: userID,
		Mode:   core.ModeSimulation,
		Status: core.PositionActive,

		PoolAddress: "Pool" + uuid.NewString()[:8],
		PoolName:    "TKN-SOL",
		MintX:       "MintX111",
		MintY:       core.WrappedSOLMint,
		BinStep:     25,

		EntryBinID:   120,
		LowerBinID:   110,
		UpperBinID:   130,
		EntryPrice:   1.25,
		EntryTime:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		EntryAmountY: core.SOLToLamports(1),
		EntryTxSig:   "sig-entry",
		EntryTxCost:  5_000,

		EntryScore:    162.5,
		MLProbability: &prob,
		EntryFeatures: &core.FeatureVector{Volume1h: 1000, Liquidity: 50_000, APR: 120},

		ProfitTargetPct:     5,
		StopLossPct:         3,
		TrailingStopEnabled: true,
		TrailingStopPct:     1.5,
		MaxHoldMinutes:      240,

		CurrentPrice: 1.25,
	}
	require.NoError(t, s.InsertPosition(context.Background(), pos))
	return pos
}

func TestPositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)
	pos := seedPosition(t, s, b.BotID, u.ID)

	got, err := s.Position(ctx, pos.ID)
	require.NoError(t, err)

	require.Equal(t, pos.ID, got.ID)
	require.Equal(t, core.PositionActive, got.Status)
	require.Equal(t, pos.PoolAddress, got.PoolAddress)
	require.Equal(t, 120, got.EntryBinID)
	require.Equal(t, 1.25, got.EntryPrice)
	require.True(t, pos.EntryTime.Equal(got.EntryTime))
	require.Equal(t, core.SOLToLamports(1), got.EntryAmountY)
	require.Equal(t, 162.5, got.EntryScore)
	require.NotNil(t, got.MLProbability)
	require.Equal(t, 0.83, *got.MLProbability)
	require.NotNil(t, got.EntryFeatures)
	require.Equal(t, *pos.EntryFeatures, *got.EntryFeatures)
	require.True(t, got.TrailingStopEnabled)

	_, err = s.Position(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPositionWithoutOptionalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)

	pos := &core.TrackedPosition{
		ID:          uuid.NewString(),
		BotID:       b.BotID,
		UserID:      u.ID,
		Mode:        core.ModeSimulation,
		Status:      core.PositionActive,
		PoolAddress: "PoolBare",
		EntryTime:   time.Now().UTC(),
	}
	require.NoError(t, s.InsertPosition(ctx, pos))

	got, err := s.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Nil(t, got.MLProbability)
	require.Nil(t, got.EntryFeatures)
	require.True(t, got.ExitTime.IsZero())
}

func TestPositionCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)
	pos := seedPosition(t, s, b.BotID, u.ID)

	require.NoError(t, s.CheckpointPosition(ctx, pos.ID, 1.31, 48_000_000))

	got, err := s.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, 1.31, got.CurrentPrice)

	require.ErrorIs(t, s.CheckpointPosition(ctx, "missing", 1, 0), ErrNotFound)
}

func TestPositionCloseAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)
	pos := seedPosition(t, s, b.BotID, u.ID)

	active, err := s.ActivePositions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)

	pos.Status = core.PositionClosed
	pos.ExitPrice = 1.40
	pos.ExitTime = time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	pos.ExitTxSig = "sig-exit"
	pos.ExitTxCost = 5_000
	pos.ExitReason = core.ExitTakeProfit
	pos.RealizedPnL = 110_000_000
	pos.FeesEarnedY = 2_000_000
	require.NoError(t, s.ClosePosition(ctx, pos))

	active, err = s.ActivePositions(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, active)

	history, err := s.PositionHistory(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	require.Equal(t, core.PositionClosed, got.Status)
	require.Equal(t, core.ExitTakeProfit, got.ExitReason)
	require.Equal(t, 1.40, got.ExitPrice)
	require.EqualValues(t, 110_000_000, got.RealizedPnL)
	require.EqualValues(t, 2_000_000, got.FeesEarnedY)
	require.True(t, pos.ExitTime.Equal(got.ExitTime))

	byBot, err := s.PositionsByBot(ctx, b.BotID)
	require.NoError(t, err)
	require.Len(t, byBot, 1)
}

func TestRecentExits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)

	closeAt := func(pool string, exit time.Time) {
		pos := &core.TrackedPosition{
			ID:          uuid.NewString(),
			BotID:       b.BotID,
			UserID:      u.ID,
			Mode:        core.ModeSimulation,
			Status:      core.PositionActive,
			PoolAddress: pool,
			EntryTime:   exit.Add(-time.Hour),
		}
		require.NoError(t, s.InsertPosition(ctx, pos))
		pos.Status = core.PositionClosed
		pos.ExitTime = exit
		pos.ExitReason = core.ExitStopLoss
		require.NoError(t, s.ClosePosition(ctx, pos))
	}

	now := time.Now().UTC()
	closeAt("PoolRecent", now.Add(-10*time.Minute))
	closeAt("PoolOld", now.Add(-2*time.Hour))

	exits, err := s.RecentExits(ctx, b.BotID, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, exits, 1)
	require.Equal(t, "PoolRecent", exits[0].PoolAddress)
	require.WithinDuration(t, now.Add(-10*time.Minute), exits[0].ExitTime, time.Second)
}

func TestTrainingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)

	// A winning close with features.
	withFeatures := seedPosition(t, s, b.BotID, u.ID)
	withFeatures.Status = core.PositionClosed
	withFeatures.ExitTime = time.Now().UTC()
	withFeatures.RealizedPnL = 40_000_000
	require.NoError(t, s.ClosePosition(ctx, withFeatures))

	// A losing close without features is skipped.
	bare := &core.TrackedPosition{
		ID:          uuid.NewString(),
		BotID:       b.BotID,
		UserID:      u.ID,
		Mode:        core.ModeSimulation,
		Status:      core.PositionActive,
		PoolAddress: "PoolBare",
		EntryTime:   time.Now().UTC(),
	}
	require.NoError(t, s.InsertPosition(ctx, bare))
	bare.Status = core.PositionClosed
	bare.ExitTime = time.Now().UTC()
	bare.RealizedPnL = -10_000_000
	require.NoError(t, s.ClosePosition(ctx, bare))

	rows, err := s.TrainingRows(ctx, u.ID, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, withFeatures.ID, rows[0].PositionID)
	require.True(t, rows[0].Win)
	require.Equal(t, *withFeatures.EntryFeatures, rows[0].Features)
	require.NotNil(t, rows[0].MLProb)
	require.Equal(t, 0.83, *rows[0].MLProb)
}
