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

// Package marketdata supplies pool state to every running bot: a
// process-wide cache fronting the upstream pool API, a per-bot
// provider facade with eligibility filtering and active-bin reads,
// and the rule-based market scorer.
//
// The cache is the only component that talks to the upstream API.
// All bots funnel through it, so coalescing and rate limiting here
// bound the process's total request rate regardless of bot count.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/solfleet/binrunner/core"
)

// ErrPoolNotFound reports a pool address unknown to the upstream API.
// It is definitive: the cache neither retries nor serves stale data
// for it.
var ErrPoolNotFound = errors.New("marketdata: pool not found")

const (
	keyAllPools = "all_pools"
	keyPool     = "pool:"
	keyBin      = "bin:"
)

// Default freshness windows per cache class.
const (
	DefaultPoolsTTL = 15 * time.Second
	DefaultPoolTTL  = 10 * time.Second
	DefaultBinTTL   = 5 * time.Second
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache reads answered from a fresh entry, by class.",
	}, []string{"class"})
	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache reads that required an upstream fetch, by class.",
	}, []string{"class"})
	cacheStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "cache",
		Name:      "stale_serves_total",
		Help:      "Failed fetches answered with a stale entry.",
	})
	cacheOutbound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "cache",
		Name:      "outbound_requests_total",
		Help:      "Requests issued to the upstream pool API.",
	})
)

// PoolClient fetches pool records from the upstream aggregator API.
type PoolClient interface {
	FetchAllPools(ctx context.Context) ([]*core.Pool, error)
	FetchPool(ctx context.Context, address string) (*core.Pool, error)
}

// CacheStats is the telemetry snapshot returned by Stats.
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServes int64 `json:"stale_serves"`
	Coalesced   int64 `json:"coalesced"`
	Outbound    int64 `json:"outbound"`
	Errors      int64 `json:"errors"`
	Entries     int   `json:"entries"`
}

type entry struct {
	value     any
	fetchedAt time.Time
}

// Cache is the process-wide pool data cache. Entries never expire on
// their own; the cache owns freshness decisions so a stale value stays
// available as a fallback when the upstream API fails.
type Cache struct {
	client  PoolClient
	log     *zap.Logger
	store   *gocache.Cache
	group   singleflight.Group
	limiter *rate.Limiter
	now     func() time.Time

	poolsTTL time.Duration
	poolTTL  time.Duration
	binTTL   time.Duration

	attempts  int
	retryStep time.Duration

	hits        atomic.Int64
	misses      atomic.Int64
	staleServes atomic.Int64
	coalesced   atomic.Int64
	outbound    atomic.Int64
	errs        atomic.Int64
}

// CacheOption adjusts cache construction.
type CacheOption func(*Cache)

// WithTTLs overrides the per-class freshness windows.
func WithTTLs(pools, pool, bin time.Duration) CacheOption {
	return func(c *Cache) {
		c.poolsTTL, c.poolTTL, c.binTTL = pools, pool, bin
	}
}

// WithMinInterval overrides the minimum spacing between outbound
// calls. Zero disables spacing.
func WithMinInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithRetry overrides the outbound retry policy: attempts is the total
// number of tries, step the linear backoff increment.
func WithRetry(attempts int, step time.Duration) CacheOption {
	return func(c *Cache) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.retryStep = step
	}
}

// WithClock replaces the freshness time source, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache wraps client with coalescing, rate limiting and
// stale-on-error fallback.
func NewCache(client PoolClient, log *zap.Logger, opts ...CacheOption) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		client:    client,
		log:       log.Named("cache"),
		store:     gocache.New(gocache.NoExpiration, 0),
		limiter:   rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		now:       time.Now,
		poolsTTL:  DefaultPoolsTTL,
		poolTTL:   DefaultPoolTTL,
		binTTL:    DefaultBinTTL,
		attempts:  3,
		retryStep: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fresh returns the entry for key if it is younger than ttl.
func (c *Cache) fresh(key string, ttl time.Duration) (entry, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return entry{}, false
	}
	e := v.(entry)
	if c.now().Sub(e.fetchedAt) >= ttl {
		return entry{}, false
	}
	return e, true
}

// anyAge returns the entry for key regardless of freshness.
func (c *Cache) anyAge(key string) (entry, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return entry{}, false
	}
	return v.(entry), true
}

// AllPools returns the pool universe, at most poolsTTL old. Concurrent
// callers during a miss share one upstream request. On upstream
// failure a stale list is served when one exists.
func (c *Cache) AllPools(ctx context.Context) ([]*core.Pool, error) {
	if e, ok := c.fresh(keyAllPools, c.poolsTTL); ok {
		c.hits.Add(1)
		cacheHits.WithLabelValues("pools").Inc()
		return e.value.([]*core.Pool), nil
	}
	c.misses.Add(1)
	cacheMisses.WithLabelValues("pools").Inc()

	v, err, shared := c.group.Do(keyAllPools, func() (any, error) {
		// A waiter that lost the freshness race may arrive here just
		// after the previous flight stored its result.
		if e, ok := c.fresh(keyAllPools, c.poolsTTL); ok {
			return e.value.([]*core.Pool), nil
		}
		pools, err := fetchWithRetry(ctx, c, c.client.FetchAllPools)
		if err != nil {
			return nil, err
		}
		now := c.now()
		c.store.Set(keyAllPools, entry{value: pools, fetchedAt: now}, gocache.NoExpiration)
		// A full listing refreshes every single-pool entry with the
		// same timestamp.
		for _, p := range pools {
			c.store.Set(keyPool+p.Address, entry{value: p, fetchedAt: now}, gocache.NoExpiration)
		}
		return pools, nil
	})
	if shared {
		c.coalesced.Add(1)
	}
	if err != nil {
		if e, ok := c.anyAge(keyAllPools); ok {
			c.staleServes.Add(1)
			cacheStale.Inc()
			c.log.Warn("serving stale pool list", zap.Error(err),
				zap.Duration("age", c.now().Sub(e.fetchedAt)))
			return e.value.([]*core.Pool), nil
		}
		return nil, err
	}
	return v.([]*core.Pool), nil
}

// Pool returns one pool record, at most poolTTL old. Misses coalesce
// per address; failures fall back to a stale record when available.
// ErrPoolNotFound is definitive and never masked by stale data.
func (c *Cache) Pool(ctx context.Context, address string) (*core.Pool, error) {
	key := keyPool + address
	if e, ok := c.fresh(key, c.poolTTL); ok {
		c.hits.Add(1)
		cacheHits.WithLabelValues("pool").Inc()
		return e.value.(*core.Pool), nil
	}
	c.misses.Add(1)
	cacheMisses.WithLabelValues("pool").Inc()

	v, err, shared := c.group.Do(key, func() (any, error) {
		if e, ok := c.fresh(key, c.poolTTL); ok {
			return e.value.(*core.Pool), nil
		}
		pool, err := fetchWithRetry(ctx, c, func(ctx context.Context) (*core.Pool, error) {
			return c.client.FetchPool(ctx, address)
		})
		if err != nil {
			return nil, err
		}
		c.store.Set(key, entry{value: pool, fetchedAt: c.now()}, gocache.NoExpiration)
		return pool, nil
	})
	if shared {
		c.coalesced.Add(1)
	}
	if err != nil {
		if !errors.Is(err, ErrPoolNotFound) {
			if e, ok := c.anyAge(key); ok {
				c.staleServes.Add(1)
				cacheStale.Inc()
				c.log.Warn("serving stale pool", zap.String("pool", address), zap.Error(err))
				return e.value.(*core.Pool), nil
			}
		}
		return nil, err
	}
	return v.(*core.Pool), nil
}

// CacheActiveBin stores a bin snapshot for address.
func (c *Cache) CacheActiveBin(address string, bin core.ActiveBin) {
	c.store.Set(keyBin+address, entry{value: bin, fetchedAt: c.now()}, gocache.NoExpiration)
}

// CachedActiveBin returns the bin snapshot for address if it is within
// its TTL. Bins are never served stale: a price older than the TTL is
// worse than a fresh synthetic one.
func (c *Cache) CachedActiveBin(address string) (core.ActiveBin, bool) {
	e, ok := c.fresh(keyBin+address, c.binTTL)
	if !ok {
		return core.ActiveBin{}, false
	}
	c.hits.Add(1)
	cacheHits.WithLabelValues("bin").Inc()
	return e.value.(core.ActiveBin), true
}

// Stats snapshots the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServes: c.staleServes.Load(),
		Coalesced:   c.coalesced.Load(),
		Outbound:    c.outbound.Load(),
		Errors:      c.errs.Load(),
		Entries:     c.store.ItemCount(),
	}
}

// Flush drops every entry and is intended for tests and teardown.
func (c *Cache) Flush() {
	c.store.Flush()
}

// linearBackOff waits step, 2*step, 3*step... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (l *linearBackOff) Reset() { l.n = 0 }

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.step
}

// fetchWithRetry runs one upstream call through the rate limiter and
// the bounded linear retry policy.
func fetchWithRetry[T any](ctx context.Context, c *Cache, fetch func(context.Context) (T, error)) (T, error) {
	var out T
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		c.outbound.Add(1)
		cacheOutbound.Inc()
		v, err := fetch(ctx)
		if err != nil {
			c.errs.Add(1)
			if errors.Is(err, ErrPoolNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}
	pol := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: c.retryStep}, uint64(c.attempts-1)), ctx)
	if err := backoff.Retry(op, pol); err != nil {
		return out, fmt.Errorf("upstream fetch: %w", err)
	}
	return out, nil
}
