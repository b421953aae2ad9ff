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

// Package predictor is the HTTP client for the external entry-scoring
// model service. Every failure surfaces as an error; callers fall
// back to rule-based scoring, so this client never blocks a scan for
// long: requests carry a short timeout and repeated failures trip an
// internal circuit breaker that fails fast while the service is down.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultHealthTTL = 30 * time.Second
	apiKeyHeader     = "X-ML-API-Key"
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "predictor",
		Name:      "requests_total",
		Help:      "Predictor requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})
	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "binrunner",
		Subsystem: "predictor",
		Name:      "request_seconds",
		Help:      "Predictor request latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Health is the model service self-description.
type Health struct {
	Status       string             `json:"status"`
	Model        string             `json:"model"`
	Version      string             `json:"version"`
	Threshold    float64            `json:"threshold"`
	FeatureNames []string           `json:"feature_names"`
	Metrics      map[string]float64 `json:"metrics"`
}

// Prediction is one scored pool.
type Prediction struct {
	Probability    float64 `json:"probability"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	PoolAddress    string  `json:"pool_address"`
}

// RecommendsEntry reports whether the model recommends opening a
// position.
func (p *Prediction) RecommendsEntry() bool {
	return strings.EqualFold(p.Recommendation, "ENTER")
}

// Response is the batch prediction result.
type Response struct {
	Predictions []Prediction `json:"predictions"`
	Model       string       `json:"model"`
	Threshold   float64      `json:"threshold"`
}

// Client talks to the model service. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
	now     func() time.Time

	healthTTL time.Duration
	healthMu  sync.Mutex
	health    *Health
	healthAt  time.Time
}

// NewClient builds a client for the service at baseURL. apiKey may be
// empty.
func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("predictor")
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		http:      &http.Client{Timeout: defaultTimeout},
		log:       log,
		now:       time.Now,
		healthTTL: defaultHealthTTL,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ml-predictor",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("predictor breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var rd io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			rd = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set(apiKeyHeader, c.apiKey)
		}
		start := time.Now()
		resp, err := c.http.Do(req)
		requestLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("predictor status %d: %s", resp.StatusCode, msg)
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requestCounter.WithLabelValues(path, outcome).Inc()
	return err
}

// Health returns the service health, cached for healthTTL.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	c.healthMu.Lock()
	if c.health != nil && c.now().Sub(c.healthAt) < c.healthTTL {
		h := *c.health
		c.healthMu.Unlock()
		return &h, nil
	}
	c.healthMu.Unlock()

	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	c.healthMu.Lock()
	c.health = &h
	c.healthAt = c.now()
	c.healthMu.Unlock()
	return &h, nil
}

// Available reports whether the service answers its health check.
func (c *Client) Available(ctx context.Context) bool {
	h, err := c.Health(ctx)
	return err == nil && h.Status != "error"
}

type predictRequest struct {
	Features      [][]float64 `json:"features"`
	PoolAddresses []string    `json:"pool_addresses,omitempty"`
}

// Predict scores a batch of feature rows. Every row must have the
// canonical width; addresses, when given, must pair up with rows.
func (c *Client) Predict(ctx context.Context, features [][]float64, poolAddresses []string) (*Response, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("predictor: empty feature batch")
	}
	for i, row := range features {
		if len(row) != core.FeatureCount {
			return nil, fmt.Errorf("predictor: feature row %d has width %d, want %d", i, len(row), core.FeatureCount)
		}
	}
	if len(poolAddresses) > 0 && len(poolAddresses) != len(features) {
		return nil, fmt.Errorf("predictor: %d addresses for %d feature rows", len(poolAddresses), len(features))
	}
	var resp Response
	err := c.do(ctx, http.MethodPost, "/predict", predictRequest{
		Features:      features,
		PoolAddresses: poolAddresses,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Predictions) != len(features) {
		return nil, fmt.Errorf("predictor: %d predictions for %d rows", len(resp.Predictions), len(features))
	}
	return &resp, nil
}

// Reload asks the service to hot-swap its model artifact and drops the
// cached health so the next check sees the new version.
func (c *Client) Reload(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/reload", nil, nil); err != nil {
		return err
	}
	c.healthMu.Lock()
	c.health = nil
	c.healthMu.Unlock()
	return nil
}
