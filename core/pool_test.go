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

import (
	"math"
	"testing"
)

func TestSyntheticBinID(t *testing.T) {
	tests := []struct {
		price   float64
		binStep int
		want    int
	}{
		{price: 1.0, binStep: 25, want: 0},
		{price: 1.0025, binStep: 25, want: 1},
		{price: 0.9975, binStep: 25, want: -1},
		{price: 2.0, binStep: 100, want: 70},  // ln(2)/ln(1.01) = 69.66
		{price: 0.5, binStep: 100, want: -70},
		{price: 0, binStep: 25, want: 0},
		{price: -1, binStep: 25, want: 0},
		{price: 1.5, binStep: 0, want: 0},
	}
	for _, tt := range tests {
		if got := SyntheticBinID(tt.price, tt.binStep); got != tt.want {
			t.Errorf("SyntheticBinID(%v, %d): have %d, want %d", tt.price, tt.binStep, got, tt.want)
		}
	}
}

func TestBinPriceRoundTrip(t *testing.T) {
	// Deriving a bin id from a bin's own price must return that id.
	for _, binStep := range []int{1, 10, 25, 100} {
		for _, id := range []int{-500, -1, 0, 1, 42, 500} {
			price := BinPrice(id, binStep)
			if got := SyntheticBinID(price, binStep); got != id {
				t.Errorf("binStep %d: round trip of bin %d gave %d", binStep, id, got)
			}
		}
	}
}

func TestPoolSOLPair(t *testing.T) {
	p := &Pool{MintX: "TokenAAA", MintY: WrappedSOLMint}
	if !p.IsSOLPair() {
		t.Error("SOL-quoted pool not recognized as SOL pair")
	}
	if got := p.BaseMint(); got != "TokenAAA" {
		t.Errorf("base mint: have %q, want %q", got, "TokenAAA")
	}
	p = &Pool{MintX: "TokenAAA", MintY: "TokenBBB"}
	if p.IsSOLPair() {
		t.Error("non-SOL pool recognized as SOL pair")
	}
}

func TestFeeTVL(t *testing.T) {
	p := &Pool{Fees24h: 500, LiquidityUSD: 100_000}
	if got, want := p.FeeTVL24h(), 0.005; math.Abs(got-want) > 1e-12 {
		t.Errorf("fee/TVL: have %v, want %v", got, want)
	}
	p.LiquidityUSD = 0
	if got := p.FeeTVL24h(); got != 0 {
		t.Errorf("fee/TVL with zero liquidity: have %v, want 0", got)
	}
}

func TestLamportConversion(t *testing.T) {
	tests := []struct {
		sol  float64
		want int64
	}{
		{sol: 1, want: 1_000_000_000},
		{sol: 0.5, want: 500_000_000},
		{sol: 0.000000001, want: 1},
		{sol: 1.123456789, want: 1_123_456_789},
		// 0.1 is not representable in binary; the decimal path must
		// still land on exactly 10^8.
		{sol: 0.1, want: 100_000_000},
		{sol: -0.25, want: -250_000_000},
	}
	for _, tt := range tests {
		if got := SOLToLamports(tt.sol); got != tt.want {
			t.Errorf("SOLToLamports(%v): have %d, want %d", tt.sol, got, tt.want)
		}
	}
	if got := LamportsToSOL(1_500_000_000); got != 1.5 {
		t.Errorf("LamportsToSOL: have %v, want 1.5", got)
	}
}
