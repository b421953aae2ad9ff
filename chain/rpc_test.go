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

package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// rpcFixture serves canned JSON-RPC results keyed by method.
func rpcFixture(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, ok := results[req.Method]
		if !ok {
			result = `{"code":-32601,"message":"Method not found"}`
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"error":` + result + `}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"result":` + result + `}`))
	}))
}

func jsonID(id uint64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestRPCBalance(t *testing.T) {
	srv := rpcFixture(t, map[string]string{
		"getBalance": `{"context":{"slot":1},"value":2039280}`,
	})
	defer srv.Close()

	r := NewRPCReader(srv.URL, zaptest.NewLogger(t))
	bal, err := r.BalanceLamports(context.Background(), "Owner111")
	require.NoError(t, err)
	require.Equal(t, int64(2039280), bal)
}

func TestRPCTokenBalance(t *testing.T) {
	srv := rpcFixture(t, map[string]string{
		"getTokenAccountsByOwner": `{"context":{"slot":1},"value":[
			{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"150"}}}}}},
			{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"42"}}}}}},
			{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"oops"}}}}}}
		]}`,
	})
	defer srv.Close()

	r := NewRPCReader(srv.URL, zaptest.NewLogger(t))
	total, err := r.TokenBalance(context.Background(), "Owner111", "Mint111")
	require.NoError(t, err)

	// Unparseable accounts are skipped, the rest summed.
	require.Equal(t, uint64(192), total)
}

func TestRPCErrorSurfaced(t *testing.T) {
	srv := rpcFixture(t, nil)
	defer srv.Close()

	r := NewRPCReader(srv.URL, zaptest.NewLogger(t))
	r.retryStep = time.Millisecond
	_, err := r.BalanceLamports(context.Background(), "Owner111")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Method not found")
}

func TestRPCRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"result":{"context":{"slot":1},"value":77}}`))
	}))
	defer srv.Close()

	r := NewRPCReader(srv.URL, zaptest.NewLogger(t))
	r.retryStep = time.Millisecond
	bal, err := r.BalanceLamports(context.Background(), "Owner111")
	require.NoError(t, err)
	require.Equal(t, int64(77), bal)
	require.EqualValues(t, 3, calls.Load())
}

func TestRPCDoesNotRetryNodeErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"error":{"code":-32602,"message":"Invalid param"}}`))
	}))
	defer srv.Close()

	r := NewRPCReader(srv.URL, zaptest.NewLogger(t))
	r.retryStep = time.Millisecond
	_, err := r.BalanceLamports(context.Background(), "Owner111")
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestRPCActiveBinNotSupported(t *testing.T) {
	r := NewRPCReader("http://unused.invalid", zaptest.NewLogger(t))
	_, err := r.ActiveBin(context.Background(), "Pool111")
	require.ErrorIs(t, err, ErrNotSupported)
}
