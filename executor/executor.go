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

// Package executor opens, tracks and closes liquidity positions. The
// simulated executor trades against a virtual balance; the live
// executor signs and lands real transactions. Both keep the position
// book in memory and hand out copies only, so the engine and API
// readers never observe a position mid-update.
package executor

import (
	"context"
	"errors"

	"github.com/solfleet/binrunner/core"
)

var (
	// ErrPositionNotFound is returned for an id the executor is not
	// tracking.
	ErrPositionNotFound = errors.New("position not found")

	// ErrPositionNotOpen is returned when closing a position that has
	// already reached a terminal state.
	ErrPositionNotOpen = errors.New("position not open")

	// ErrInsufficientBalance is returned when the account cannot fund
	// the requested entry.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PriceSource is the market view an executor refreshes positions from.
// *marketdata.Provider satisfies it.
type PriceSource interface {
	Pool(ctx context.Context, address string) (*core.Pool, error)
	ActiveBin(ctx context.Context, poolAddress string) (core.ActiveBin, error)
}

// OpenParams carries the per-entry inputs of Open. Risk parameters come
// from the bot configuration the executor was built with; everything
// decided per entry rides here, including the signal snapshot that is
// frozen onto the position.
type OpenParams struct {
	ActiveBin core.ActiveBin
	BinRange  int // half-width around the active bin

	AmountX int64 // base token units
	AmountY int64 // lamports

	Score         float64
	MLProbability *float64
	Features      *core.FeatureVector
}

// CloseResult reports a settled close.
type CloseResult struct {
	Position    *core.TrackedPosition
	Signature   string
	RealizedPnL int64 // lamports, net of transaction costs
	FeesX       int64
	FeesY       int64
}

// Executor is the trading backend contract shared by simulation and
// live mode.
type Executor interface {
	// Open enters a position on pool. The returned position is ACTIVE
	// and already carries the entry snapshot.
	Open(ctx context.Context, pool *core.Pool, params OpenParams) (*core.TrackedPosition, error)

	// Close exits the position and settles P&L.
	Close(ctx context.Context, id string, reason core.ExitReason) (*CloseResult, error)

	// Update refreshes current price, accrued fees and the high-water
	// mark. Data-source failures are recorded on the position's
	// LastError instead of failing the call.
	Update(ctx context.Context, id string) (*core.TrackedPosition, error)

	// Adopt places persisted ACTIVE positions back under management
	// after a restart. Non-ACTIVE entries are ignored.
	Adopt(positions []*core.TrackedPosition)

	// ActivePositions returns copies of every open position.
	ActivePositions() []*core.TrackedPosition

	// Balance returns the spendable account balance in lamports.
	Balance(ctx context.Context) (int64, error)

	// PerformanceSummary aggregates the account's trading record.
	PerformanceSummary(ctx context.Context) (core.PerformanceSummary, error)
}
