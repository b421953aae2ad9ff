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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/solfleet/binrunner/core"
)

// HTTPClient fetches pool records from the DLMM aggregator REST API.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient returns a client for the aggregator at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base:   baseURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// looseFloat decodes JSON numbers that may arrive as numbers, numeric
// strings or null. Anything unparseable decodes to zero; one bad
// metric must not discard a whole pool listing.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = looseFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*f = 0
		return nil
	}
	*f = looseFloat(v)
	return nil
}

// windows is the aggregator's per-interval metric object.
type windows struct {
	Min30  looseFloat `json:"min_30"`
	Hour1  looseFloat `json:"hour_1"`
	Hour2  looseFloat `json:"hour_2"`
	Hour4  looseFloat `json:"hour_4"`
	Hour24 looseFloat `json:"hour_24"`
}

// poolRecord mirrors the subset of the aggregator pair schema the
// engine consumes.
type poolRecord struct {
	Address       string     `json:"address"`
	Name          string     `json:"name"`
	MintX         string     `json:"mint_x"`
	MintY         string     `json:"mint_y"`
	BinStep       int        `json:"bin_step"`
	CurrentPrice  looseFloat `json:"current_price"`
	Liquidity     looseFloat `json:"liquidity"`
	Volume24h     looseFloat `json:"trade_volume_24h"`
	Fees24h       looseFloat `json:"fees_24h"`
	APR           looseFloat `json:"apr"`
	IsBlacklisted bool       `json:"is_blacklisted"`
	Volume        windows    `json:"volume"`
	Fees          windows    `json:"fees"`
}

func (r *poolRecord) toCore() *core.Pool {
	return &core.Pool{
		Address:      r.Address,
		Name:         r.Name,
		MintX:        r.MintX,
		MintY:        r.MintY,
		BinStep:      r.BinStep,
		CurrentPrice: float64(r.CurrentPrice),
		LiquidityUSD: float64(r.Liquidity),
		Volume30m:    float64(r.Volume.Min30),
		Volume1h:     float64(r.Volume.Hour1),
		Volume2h:     float64(r.Volume.Hour2),
		Volume4h:     float64(r.Volume.Hour4),
		Volume24h:    float64(r.Volume24h),
		Fees30m:      float64(r.Fees.Min30),
		Fees1h:       float64(r.Fees.Hour1),
		Fees24h:      float64(r.Fees24h),
		APR:          float64(r.APR),
		Blacklisted:  r.IsBlacklisted,
	}
}

func (h *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrPoolNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchAllPools retrieves the full pair listing.
func (h *HTTPClient) FetchAllPools(ctx context.Context) ([]*core.Pool, error) {
	var records []poolRecord
	if err := h.get(ctx, "/pair/all", &records); err != nil {
		return nil, err
	}
	pools := make([]*core.Pool, 0, len(records))
	for i := range records {
		if records[i].Address == "" {
			continue
		}
		pools = append(pools, records[i].toCore())
	}
	return pools, nil
}

// FetchPool retrieves a single pair by address.
func (h *HTTPClient) FetchPool(ctx context.Context, address string) (*core.Pool, error) {
	var record poolRecord
	if err := h.get(ctx, "/pair/"+url.PathEscape(address), &record); err != nil {
		return nil, err
	}
	if record.Address == "" {
		return nil, ErrPoolNotFound
	}
	return record.toCore(), nil
}
