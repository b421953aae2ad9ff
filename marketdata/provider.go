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
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
)

// BinReader reads a pool's active bin from the chain.
type BinReader interface {
	ActiveBin(ctx context.Context, poolAddress string) (core.ActiveBin, error)
}

// Provider is the per-bot market data facade: eligibility filtering
// over the shared cache, scoring, and active-bin resolution with a
// synthetic fallback when the chain read fails.
type Provider struct {
	cache  *Cache
	chain  BinReader // nil when no RPC endpoint is wired
	scorer *Scorer
	log    *zap.Logger
}

// NewProvider builds a provider over the shared cache. chain may be
// nil; active bins then fall back to API-derived synthetic values.
func NewProvider(cache *Cache, chain BinReader, scorer *Scorer, log *zap.Logger) *Provider {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{cache: cache, chain: chain, scorer: scorer, log: log.Named("provider")}
}

// EligiblePools returns the pool universe filtered by the bot's
// admission rules: API blacklist, SOL-pair requirement, user mint
// blacklist, volume floor and the liquidity band.
func (p *Provider) EligiblePools(ctx context.Context, cfg *core.BotConfig) ([]*core.Pool, error) {
	pools, err := p.cache.AllPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	blocked := make(map[string]struct{}, len(cfg.MintBlacklist))
	for _, m := range cfg.MintBlacklist {
		blocked[m] = struct{}{}
	}
	eligible := make([]*core.Pool, 0, len(pools))
	for _, pool := range pools {
		if pool.Blacklisted {
			continue
		}
		if cfg.SOLPairsOnly && !pool.IsSOLPair() {
			continue
		}
		if _, ok := blocked[pool.MintX]; ok {
			continue
		}
		if _, ok := blocked[pool.MintY]; ok {
			continue
		}
		if pool.Volume24h < cfg.MinVolume24hUSD {
			continue
		}
		if pool.LiquidityUSD < cfg.MinLiquidityUSD {
			continue
		}
		if cfg.MaxLiquidityUSD > 0 && pool.LiquidityUSD > cfg.MaxLiquidityUSD {
			continue
		}
		eligible = append(eligible, pool)
	}
	return eligible, nil
}

// Pool returns one pool record through the shared cache.
func (p *Provider) Pool(ctx context.Context, address string) (*core.Pool, error) {
	return p.cache.Pool(ctx, address)
}

// ActiveBin resolves the current bin for a pool: cached snapshot
// first, then the chain, then a synthetic bin derived from the
// API-reported price. Synthetic bins are cached like real ones.
func (p *Provider) ActiveBin(ctx context.Context, address string) (core.ActiveBin, error) {
	if bin, ok := p.cache.CachedActiveBin(address); ok {
		return bin, nil
	}
	if p.chain != nil {
		bin, err := p.chain.ActiveBin(ctx, address)
		if err == nil {
			bin.Source = core.BinSourceChain
			p.cache.CacheActiveBin(address, bin)
			return bin, nil
		}
		p.log.Debug("chain active-bin read failed, synthesizing",
			zap.String("pool", address), zap.Error(err))
	}
	pool, err := p.cache.Pool(ctx, address)
	if err != nil {
		return core.ActiveBin{}, fmt.Errorf("active bin for %s: %w", address, err)
	}
	bin := core.ActiveBin{
		BinID:  core.SyntheticBinID(pool.CurrentPrice, pool.BinStep),
		Price:  pool.CurrentPrice,
		Source: core.BinSourceSynthetic,
	}
	p.cache.CacheActiveBin(address, bin)
	return bin, nil
}

// Score rates a pool with the provider's scorer.
func (p *Provider) Score(pool *core.Pool) Score {
	return p.scorer.Score(pool)
}

// CacheStats exposes the shared cache counters for telemetry.
func (p *Provider) CacheStats() CacheStats {
	return p.cache.Stats()
}
