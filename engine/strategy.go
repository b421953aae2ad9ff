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

package engine

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
	"github.com/solfleet/binrunner/marketdata"
)

const (
	// mlPrefilterLimit caps how many pools are sent to the predictor in
	// ml mode, keeping the batch bounded on busy markets. Pools are
	// pre-ranked by raw hour-1 volume.
	mlPrefilterLimit = 30

	// hybridPrefilterLimit caps the rule-based shortlist the predictor
	// confirms in hybrid mode.
	hybridPrefilterLimit = 10
)

// candidate is one rankable entry opportunity. prob and features are
// set only when the predictor contributed to the ranking.
type candidate struct {
	pool     *core.Pool
	score    marketdata.Score
	prob     *float64
	features *core.FeatureVector
}

// rank orders the filtered pool set by the configured strategy, best
// first. Only admitted pools are returned.
func (e *Engine) rank(ctx context.Context, pools []*core.Pool) []*candidate {
	switch e.cfg.Strategy {
	case core.StrategyML:
		return e.rankML(ctx, pools)
	case core.StrategyHybrid:
		return e.rankHybrid(ctx, pools)
	default:
		return e.rankRuleBased(pools)
	}
}

// rankRuleBased admits pools whose market score clears the entry
// threshold, sorted by score.
func (e *Engine) rankRuleBased(pools []*core.Pool) []*candidate {
	out := make([]*candidate, 0, len(pools))
	for _, p := range pools {
		sc := e.market.Score(p)
		if sc.Total < e.cfg.EntryScore {
			continue
		}
		out = append(out, &candidate{pool: p, score: sc})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].score.Total > out[j].score.Total
	})
	return out
}

// rankML ranks by model probability: the busiest pools by hour-1
// volume go to the predictor in one batch, and those clearing the
// model's own threshold are admitted. Any predictor trouble degrades
// to rule-based ranking so a model outage never idles the bot.
func (e *Engine) rankML(ctx context.Context, pools []*core.Pool) []*candidate {
	if e.predictor == nil || !e.predictor.Available(ctx) {
		e.log.Debug("predictor unavailable, ranking rule-based")
		return e.rankRuleBased(pools)
	}
	shortlist := append([]*core.Pool(nil), pools...)
	sort.SliceStable(shortlist, func(i, j int) bool {
		return shortlist[i].Volume1h > shortlist[j].Volume1h
	})
	if len(shortlist) > mlPrefilterLimit {
		shortlist = shortlist[:mlPrefilterLimit]
	}
	if len(shortlist) == 0 {
		return nil
	}

	vectors := make([]core.FeatureVector, len(shortlist))
	rows := make([][]float64, len(shortlist))
	addrs := make([]string, len(shortlist))
	for i, p := range shortlist {
		vectors[i] = core.ExtractFeatures(p)
		rows[i] = vectors[i].Array()
		addrs[i] = p.Address
	}
	resp, err := e.predictor.Predict(ctx, rows, addrs)
	if err != nil {
		e.log.Warn("prediction failed, ranking rule-based", zap.Error(err))
		return e.rankRuleBased(pools)
	}
	out := make([]*candidate, 0, len(shortlist))
	for i, p := range shortlist {
		pred := resp.Predictions[i]
		if pred.Probability < resp.Threshold {
			continue
		}
		prob := pred.Probability
		out = append(out, &candidate{
			pool:     p,
			score:    e.market.Score(p),
			prob:     &prob,
			features: &vectors[i],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].prob > *out[j].prob
	})
	return out
}

// rankHybrid shortlists by market score and keeps only pools the
// predictor also recommends, sorted by probability. Without a usable
// predictor the rule-based shortlist stands on its own.
func (e *Engine) rankHybrid(ctx context.Context, pools []*core.Pool) []*candidate {
	rule := e.rankRuleBased(pools)
	if len(rule) > hybridPrefilterLimit {
		rule = rule[:hybridPrefilterLimit]
	}
	if len(rule) == 0 {
		return nil
	}
	if e.predictor == nil || !e.predictor.Available(ctx) {
		e.log.Debug("predictor unavailable, keeping rule-based shortlist")
		return rule
	}

	vectors := make([]core.FeatureVector, len(rule))
	rows := make([][]float64, len(rule))
	addrs := make([]string, len(rule))
	for i, cand := range rule {
		vectors[i] = core.ExtractFeatures(cand.pool)
		rows[i] = vectors[i].Array()
		addrs[i] = cand.pool.Address
	}
	resp, err := e.predictor.Predict(ctx, rows, addrs)
	if err != nil {
		e.log.Warn("prediction failed, keeping rule-based shortlist", zap.Error(err))
		return rule
	}
	out := make([]*candidate, 0, len(rule))
	for i, cand := range rule {
		pred := resp.Predictions[i]
		if !pred.RecommendsEntry() {
			continue
		}
		prob := pred.Probability
		cand.prob = &prob
		cand.features = &vectors[i]
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].prob > *out[j].prob
	})
	return out
}
