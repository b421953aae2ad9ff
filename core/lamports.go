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

package core

import "github.com/shopspring/decimal"

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOLDec = decimal.NewFromInt(LamportsPerSOL)

// SOLToLamports converts a SOL amount to lamports, rounding half away
// from zero. All position sizing and P&L arithmetic is carried in
// lamports so that aggregation never loses sub-lamport remainders.
func SOLToLamports(sol float64) int64 {
	return decimal.NewFromFloat(sol).Mul(lamportsPerSOLDec).Round(0).IntPart()
}

// LamportsToSOL converts lamports to SOL for display and reporting.
func LamportsToSOL(lamports int64) float64 {
	f, _ := decimal.NewFromInt(lamports).Div(lamportsPerSOLDec).Float64()
	return f
}
