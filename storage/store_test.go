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
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), "Wallet"+uuid.NewString()[:12])
	require.NoError(t, err)
	return u
}

func seedBot(t *testing.T, s *Store, userID string) *Bot {
	t.Helper()
	cfg := core.BotConfig{
		Name:     "test bot",
		Mode:     core.ModeSimulation,
		Strategy: core.StrategyRuleBased,
	}
	b, err := s.CreateBot(context.Background(), userID, cfg)
	require.NoError(t, err)
	return b
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "WalletAAA")
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)

	byWallet, err := s.UserByWallet(ctx, "WalletAAA")
	require.NoError(t, err)
	require.Equal(t, u.ID, byWallet.ID)

	byID, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "WalletAAA", byID.WalletAddress)

	_, err = s.UserByWallet(ctx, "WalletZZZ")
	require.ErrorIs(t, err, ErrNotFound)

	// Wallet addresses are unique.
	_, err = s.CreateUser(ctx, "WalletAAA")
	require.Error(t, err)
}

func TestNonceIsSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)

	require.NoError(t, s.SetAuthNonce(ctx, u.ID, "nonce-1", time.Now().Add(5*time.Minute)))

	nonce, ok, err := s.ConsumeNonce(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "nonce-1", nonce)

	// Second read finds nothing.
	_, ok, err = s.ConsumeNonce(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNonceExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)

	require.NoError(t, s.SetAuthNonce(ctx, u.ID, "stale", time.Now().Add(-time.Minute)))

	_, ok, err := s.ConsumeNonce(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRefreshTokenHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)

	require.NoError(t, s.SetRefreshTokenHash(ctx, u.ID, "hash-1"))
	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "hash-1", got.RefreshTokenHash)

	// Empty hash revokes.
	require.NoError(t, s.SetRefreshTokenHash(ctx, u.ID, ""))
	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, got.RefreshTokenHash)
}

func TestForeignKeysEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)

	// A position must reference an existing bot.
	err := s.InsertPosition(ctx, &core.TrackedPosition{
		ID:          uuid.NewString(),
		BotID:       "no-such-bot",
		UserID:      u.ID,
		Mode:        core.ModeSimulation,
		Status:      core.PositionActive,
		PoolAddress: "Pool111",
		EntryTime:   time.Now(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "FOREIGN KEY")
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, u.ID)
	require.NoError(t, err)

	_, err = s.Bot(ctx, b.BotID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)

	// The single-connection pool serialises these; none may fail with
	// a locked database.
	errc := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			errc <- s.AppendTradeLog(ctx, TradeLogEntry{
				BotID:  b.BotID,
				UserID: u.ID,
				Event:  EventScanCompleted,
				Details: map[string]any{
					"seq": i,
				},
			})
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-errc)
	}

	entries, err := s.TradeLogByBot(ctx, b.BotID, 50)
	require.NoError(t, err)
	// 20 scans plus the bot_created entry.
	require.Len(t, entries, 21)
}

func TestTradeLogOrderAndDetails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)
	b := seedBot(t, s, u.ID)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendTradeLog(ctx, TradeLogEntry{
			BotID:      b.BotID,
			UserID:     u.ID,
			PositionID: fmt.Sprintf("pos-%d", i),
			Event:      EventPositionOpened,
			Details:    map[string]any{"i": i},
		}))
	}

	entries, err := s.TradeLogByBot(ctx, b.BotID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.Equal(t, "pos-2", entries[0].PositionID)
	require.Equal(t, EventPositionOpened, entries[0].Event)
	details, ok := entries[0].Details.(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, details["i"])
}
