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

import "math"

// WrappedSOLMint is the mint address of wrapped SOL.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Pool is one concentrated-liquidity pool record as reported by the
// upstream aggregator API. Amounts are USD figures except CurrentPrice,
// which is the Y-per-X price of the pair.
type Pool struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	MintX   string `json:"mint_x"`
	MintY   string `json:"mint_y"`

	// BinStep is the price increment between adjacent bins, in basis
	// points.
	BinStep int `json:"bin_step"`

	CurrentPrice float64 `json:"current_price"`
	LiquidityUSD float64 `json:"liquidity"`

	Volume30m float64 `json:"volume_30m"`
	Volume1h  float64 `json:"volume_1h"`
	Volume2h  float64 `json:"volume_2h"`
	Volume4h  float64 `json:"volume_4h"`
	Volume24h float64 `json:"volume_24h"`

	Fees30m float64 `json:"fees_30m"`
	Fees1h  float64 `json:"fees_1h"`
	Fees24h float64 `json:"fees_24h"`

	APR float64 `json:"apr"`

	Blacklisted bool `json:"blacklisted"`
}

// IsSOLPair reports whether one side of the pool is wrapped SOL.
func (p *Pool) IsSOLPair() bool {
	return p.MintX == WrappedSOLMint || p.MintY == WrappedSOLMint
}

// BaseMint returns the non-SOL side of a SOL pair, or MintX when
// neither side is SOL.
func (p *Pool) BaseMint() string {
	if p.MintY == WrappedSOLMint {
		return p.MintX
	}
	if p.MintX == WrappedSOLMint {
		return p.MintY
	}
	return p.MintX
}

// FeeTVL24h returns the 24h fee yield relative to pool liquidity.
// Zero-liquidity pools yield zero rather than dividing by zero.
func (p *Pool) FeeTVL24h() float64 {
	if p.LiquidityUSD <= 0 {
		return 0
	}
	return p.Fees24h / p.LiquidityUSD
}

// ActiveBin is the currently priced bin of a pool. Source records how
// the value was obtained so stale synthetic bins are never mistaken
// for chain reads.
type ActiveBin struct {
	BinID  int          `json:"bin_id"`
	Price  float64      `json:"price"`
	Source ActiveBinSrc `json:"source"`
}

// ActiveBinSrc identifies the origin of an ActiveBin value.
type ActiveBinSrc string

const (
	BinSourceChain     ActiveBinSrc = "chain"
	BinSourceSynthetic ActiveBinSrc = "synthetic"
)

// SyntheticBinID derives a bin id from a spot price. Bin i prices at
// (1+binStep/10000)^i, so the id is the rounded log of the price in
// that base. A non-positive price or bin step yields bin 0.
func SyntheticBinID(price float64, binStep int) int {
	if price <= 0 || binStep <= 0 {
		return 0
	}
	base := 1 + float64(binStep)/10_000
	return int(math.Round(math.Log(price) / math.Log(base)))
}

// BinPrice is the inverse of SyntheticBinID: the price at bin id for
// the given bin step.
func BinPrice(binID, binStep int) float64 {
	base := 1 + float64(binStep)/10_000
	return math.Pow(base, float64(binID))
}
