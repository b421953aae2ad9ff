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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
)

const (
	rpcTimeout   = 10 * time.Second
	rpcAttempts  = 3
	rpcRetryStep = 250 * time.Millisecond
)

// RPCReader implements Reader over plain Solana JSON-RPC. Decoding DLMM
// program accounts is out of its reach, so ActiveBin reports
// ErrNotSupported and callers derive the bin from the pool price instead.
// Every method is a read, so transient transport failures are retried.
type RPCReader struct {
	url    string
	client *http.Client
	log    *zap.Logger
	nextID atomic.Uint64

	attempts  int
	retryStep time.Duration
}

// NewRPCReader connects a reader to the given RPC endpoint.
func NewRPCReader(url string, log *zap.Logger) *RPCReader {
	return &RPCReader{
		url:       url,
		client:    &http.Client{Timeout: rpcTimeout},
		log:       log.Named("rpc"),
		attempts:  rpcAttempts,
		retryStep: rpcRetryStep,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (r *RPCReader) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      r.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	op := func() error { return r.doOnce(ctx, method, body, result) }
	pol := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: r.retryStep}, uint64(r.attempts-1)), ctx)
	return backoff.Retry(op, pol)
}

// doOnce performs one round trip. Node-side evaluation errors are
// final; connection failures and throttling statuses are not.
func (r *RPCReader) doOnce(ctx context.Context, method string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, snippet)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rr.Error != nil {
		return backoff.Permanent(fmt.Errorf("%s: %w", method, rr.Error))
	}
	if err := json.Unmarshal(rr.Result, result); err != nil {
		return backoff.Permanent(err)
	}
	return nil
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

// BalanceLamports returns the native balance of owner.
func (r *RPCReader) BalanceLamports(ctx context.Context, owner string) (int64, error) {
	var out struct {
		Value int64 `json:"value"`
	}
	if err := r.call(ctx, "getBalance", []any{owner}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// TokenBalance sums the balances of all of owner's token accounts for mint.
func (r *RPCReader) TokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	params := []any{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed"},
	}
	var out struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := r.call(ctx, "getTokenAccountsByOwner", params, &out); err != nil {
		return 0, err
	}
	var total uint64
	for _, acc := range out.Value {
		amount := acc.Account.Data.Parsed.Info.TokenAmount.Amount
		if amount == "" {
			continue
		}
		n, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			r.log.Warn("Unparseable token amount", zap.String("amount", amount), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// ActiveBin is not resolvable from generic RPC methods.
func (r *RPCReader) ActiveBin(ctx context.Context, poolAddress string) (core.ActiveBin, error) {
	return core.ActiveBin{}, fmt.Errorf("active bin for %s: %w", poolAddress, ErrNotSupported)
}
