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

import "github.com/solfleet/binrunner/core"

// Recommendation classifies a scored pool.
type Recommendation string

const (
	RecommendEnter Recommendation = "ENTER"
	RecommendWait  Recommendation = "WAIT"
	RecommendSkip  Recommendation = "SKIP"
)

// Score is a rule-based pool rating. Each sub-score lies in [0,100];
// Total is the weighted sum doubled, so it lies in [0,200] and the
// usual entry threshold sits around 150.
type Score struct {
	Total          float64        `json:"total"`
	Volume         float64        `json:"volume"`
	Liquidity      float64        `json:"liquidity"`
	FeeTVL         float64        `json:"fee_tvl"`
	Momentum       float64        `json:"momentum"`
	Recommendation Recommendation `json:"recommendation"`
}

// ScoreWeights are the sub-score weights of the rule-based scorer.
type ScoreWeights struct {
	Volume    float64
	Liquidity float64
	FeeTVL    float64
	Momentum  float64
}

// DefaultScoreWeights returns the calibrated production weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Volume: 0.35, Liquidity: 0.20, FeeTVL: 0.25, Momentum: 0.20}
}

// ScoreThresholds split the total score into recommendations.
type ScoreThresholds struct {
	Enter float64
	Wait  float64
}

// DefaultScoreThresholds returns the stock classification cut-offs.
func DefaultScoreThresholds() ScoreThresholds {
	return ScoreThresholds{Enter: 150, Wait: 100}
}

// Scorer computes rule-based market scores. The bucket boundaries are
// calibration data, not contract; construct with explicit weights and
// thresholds to test against alternative calibrations.
type Scorer struct {
	weights    ScoreWeights
	thresholds ScoreThresholds
}

// NewScorer builds a scorer with explicit parameters.
func NewScorer(w ScoreWeights, t ScoreThresholds) *Scorer {
	return &Scorer{weights: w, thresholds: t}
}

// DefaultScorer builds a scorer with production weights and cut-offs.
func DefaultScorer() *Scorer {
	return NewScorer(DefaultScoreWeights(), DefaultScoreThresholds())
}

// Score rates one pool. It is a pure function of the pool record.
func (s *Scorer) Score(p *core.Pool) Score {
	sc := Score{
		Volume:    volumeScore(p.Volume24h),
		Liquidity: liquidityScore(p.LiquidityUSD),
		FeeTVL:    feeTVLScore(p.FeeTVL24h()),
		Momentum:  momentumScore(p.APR),
	}
	sc.Total = 2 * (s.weights.Volume*sc.Volume +
		s.weights.Liquidity*sc.Liquidity +
		s.weights.FeeTVL*sc.FeeTVL +
		s.weights.Momentum*sc.Momentum)
	switch {
	case sc.Total >= s.thresholds.Enter:
		sc.Recommendation = RecommendEnter
	case sc.Total >= s.thresholds.Wait:
		sc.Recommendation = RecommendWait
	default:
		sc.Recommendation = RecommendSkip
	}
	return sc
}

func volumeScore(v24h float64) float64 {
	switch {
	case v24h >= 5_000_000:
		return 100
	case v24h >= 2_000_000:
		return 90
	case v24h >= 1_000_000:
		return 80
	case v24h >= 500_000:
		return 65
	case v24h >= 250_000:
		return 50
	case v24h >= 100_000:
		return 35
	case v24h >= 50_000:
		return 20
	default:
		return 5
	}
}

// liquidityScore favours mid-depth pools: thin pools cannot absorb a
// position, megacap pools dilute fee share.
func liquidityScore(liq float64) float64 {
	switch {
	case liq < 10_000:
		return 5
	case liq < 50_000:
		return 55
	case liq < 100_000:
		return 80
	case liq < 500_000:
		return 100
	case liq < 1_000_000:
		return 90
	case liq < 5_000_000:
		return 70
	case liq < 20_000_000:
		return 45
	default:
		return 25
	}
}

func feeTVLScore(ratio float64) float64 {
	switch {
	case ratio >= 0.05:
		return 100
	case ratio >= 0.02:
		return 85
	case ratio >= 0.01:
		return 70
	case ratio >= 0.005:
		return 55
	case ratio >= 0.002:
		return 40
	case ratio >= 0.001:
		return 25
	default:
		return 10
	}
}

func momentumScore(apr float64) float64 {
	switch {
	case apr >= 500:
		return 100
	case apr >= 200:
		return 85
	case apr >= 100:
		return 70
	case apr >= 50:
		return 55
	case apr >= 20:
		return 40
	case apr >= 5:
		return 25
	default:
		return 10
	}
}
