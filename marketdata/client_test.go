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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const pairAllBody = `[
  {
    "address": "PoolA",
    "name": "TOKEN-SOL",
    "mint_x": "TokenMint",
    "mint_y": "So11111111111111111111111111111111111111112",
    "bin_step": 25,
    "current_price": "1.25",
    "liquidity": "150000.5",
    "trade_volume_24h": 420000,
    "fees_24h": "900.25",
    "apr": null,
    "is_blacklisted": false,
    "volume": {"min_30": "1000", "hour_1": 2500, "hour_2": "bogus", "hour_4": 9000, "hour_24": 420000},
    "fees": {"min_30": 3, "hour_1": "7.5", "hour_2": 12, "hour_4": 30, "hour_24": 900.25}
  },
  {"address": "", "name": "phantom"}
]`

func TestHTTPClientFetchAllPools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pair/all", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(pairAllBody))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	pools, err := client.FetchAllPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1, "records without an address are dropped")

	p := pools[0]
	require.Equal(t, "PoolA", p.Address)
	require.Equal(t, 25, p.BinStep)
	require.Equal(t, 1.25, p.CurrentPrice, "string numbers parse")
	require.Equal(t, 150000.5, p.LiquidityUSD)
	require.Equal(t, 2500.0, p.Volume1h)
	require.Equal(t, 0.0, p.Volume2h, "unparseable metric degrades to zero")
	require.Equal(t, 0.0, p.APR, "null metric degrades to zero")
	require.Equal(t, 7.5, p.Fees1h)
	require.True(t, p.IsSOLPair())
}

func TestHTTPClientFetchPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pair/PoolA":
			w.Write([]byte(`{"address":"PoolA","name":"TOKEN-SOL","bin_step":10,"current_price":2.5}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	p, err := client.FetchPool(context.Background(), "PoolA")
	require.NoError(t, err)
	require.Equal(t, 2.5, p.CurrentPrice)

	_, err = client.FetchPool(context.Background(), "Missing")
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestHTTPClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	_, err := client.FetchAllPools(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}
