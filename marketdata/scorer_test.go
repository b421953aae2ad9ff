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

package marketdata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solfleet/binrunner/core"
)

func TestScorerTotalIsDoubledWeightedSum(t *testing.T) {
	s := DefaultScorer()
	p := &core.Pool{
		Volume24h:    6_000_000, // sub-score 100
		LiquidityUSD: 200_000,   // sub-score 100
		Fees24h:      12_000,    // ratio 0.06 -> 100
		APR:          600,       // sub-score 100
	}
	sc := s.Score(p)
	require.Equal(t, 200.0, sc.Total)
	require.Equal(t, RecommendEnter, sc.Recommendation)

	w := DefaultScoreWeights()
	want := 2 * (w.Volume*sc.Volume + w.Liquidity*sc.Liquidity + w.FeeTVL*sc.FeeTVL + w.Momentum*sc.Momentum)
	require.InDelta(t, want, sc.Total, 1e-9)
}

func TestScorerSubScoreBounds(t *testing.T) {
	s := DefaultScorer()
	pools := []*core.Pool{
		{},
		{Volume24h: 1, LiquidityUSD: 1, Fees24h: 1, APR: 1},
		{Volume24h: 1e9, LiquidityUSD: 1e9, Fees24h: 1e9, APR: 1e6},
		{Volume24h: 300_000, LiquidityUSD: 80_000, Fees24h: 900, APR: 75},
	}
	for _, p := range pools {
		sc := s.Score(p)
		for name, v := range map[string]float64{
			"volume": sc.Volume, "liquidity": sc.Liquidity,
			"fee_tvl": sc.FeeTVL, "momentum": sc.Momentum,
		} {
			if v < 0 || v > 100 {
				t.Errorf("%s sub-score out of [0,100]: %v", name, v)
			}
		}
		if sc.Total < 0 || sc.Total > 200 {
			t.Errorf("total out of [0,200]: %v", sc.Total)
		}
	}
}

func TestScorerRecommendations(t *testing.T) {
	s := DefaultScorer()

	dead := s.Score(&core.Pool{Volume24h: 100, LiquidityUSD: 100, APR: 0})
	require.Equal(t, RecommendSkip, dead.Recommendation)

	hot := s.Score(&core.Pool{Volume24h: 6_000_000, LiquidityUSD: 300_000, Fees24h: 20_000, APR: 700})
	require.Equal(t, RecommendEnter, hot.Recommendation)
	require.Greater(t, hot.Total, dead.Total)
}

func TestScorerCustomThresholds(t *testing.T) {
	// Thresholds are parameters: with Enter at zero everything is an
	// entry candidate.
	s := NewScorer(DefaultScoreWeights(), ScoreThresholds{Enter: 0, Wait: 0})
	sc := s.Score(&core.Pool{})
	require.Equal(t, RecommendEnter, sc.Recommendation)
}

func TestScorerCustomWeights(t *testing.T) {
	// A volume-only weighting ignores the other sub-scores.
	s := NewScorer(ScoreWeights{Volume: 1}, DefaultScoreThresholds())
	sc := s.Score(&core.Pool{Volume24h: 6_000_000})
	require.Equal(t, 200.0, sc.Total)
	sc = s.Score(&core.Pool{LiquidityUSD: 200_000, Fees24h: 1e9, APR: 1e9})
	require.Equal(t, 2*volumeScore(0), sc.Total)
}
