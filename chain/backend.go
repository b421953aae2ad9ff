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

package chain

import (
	"context"
	"errors"

	"github.com/solfleet/binrunner/core"
)

// ErrNotSupported marks an operation the configured backend cannot perform.
// Callers are expected to fall back to derived data where one exists.
var ErrNotSupported = errors.New("operation not supported by backend")

// Reader is the read-only view of the chain needed by trading.
type Reader interface {
	// ActiveBin resolves the pool's current active bin.
	ActiveBin(ctx context.Context, poolAddress string) (core.ActiveBin, error)

	// BalanceLamports returns the native balance of owner.
	BalanceLamports(ctx context.Context, owner string) (int64, error)

	// TokenBalance returns the aggregate token balance of owner for mint,
	// in the token's base units.
	TokenBalance(ctx context.Context, owner, mint string) (uint64, error)
}

// CreateParams describes a position to open on a pool.
type CreateParams struct {
	PoolAddress string
	Owner       *Wallet
	Position    *Keypair // account the position is created at
	LowerBinID  int
	UpperBinID  int
	AmountX     uint64 // base-token deposit, token base units
	AmountY     int64  // quote-side deposit, lamports

	PriorityFeeMicroLamports uint64
}

// CreateResult reports a confirmed position creation.
type CreateResult struct {
	Signature   string
	FeeLamports int64 // transaction fee paid
}

// RemoveParams describes tearing a position down.
type RemoveParams struct {
	PoolAddress     string
	PositionAddress string
	Owner           *Wallet

	PriorityFeeMicroLamports uint64
}

// SubTx is one transaction of a multi-transaction removal. Wide positions
// do not fit a single transaction, so removal confirms a sequence.
type SubTx struct {
	Signature   string
	FeeLamports int64
}

// FeeAmounts is the unclaimed swap fee sitting on a position.
type FeeAmounts struct {
	AmountX uint64 // base token units
	AmountY int64  // lamports
}

// PositionOps builds, signs and lands the position transactions.
type PositionOps interface {
	CreatePosition(ctx context.Context, p CreateParams) (*CreateResult, error)

	// PositionFees reports the fees claimable on an open position.
	PositionFees(ctx context.Context, positionAddress string) (FeeAmounts, error)

	// RemovePosition withdraws liquidity, claims fees and closes the
	// position account, possibly across several transactions. Returned
	// sub-transactions are the ones that confirmed, even on error.
	RemovePosition(ctx context.Context, p RemoveParams) ([]SubTx, error)
}

// SwapRouter converts leftover base tokens back into SOL.
type SwapRouter interface {
	// SwapToSOL swaps amount of mint into SOL and returns the signature.
	SwapToSOL(ctx context.Context, owner *Wallet, mint string, amount uint64) (string, error)
}

// Backend bundles the chain access points live execution needs.
type Backend struct {
	Reader Reader
	Ops    PositionOps
	Swap   SwapRouter
}
