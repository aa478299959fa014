package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcReq struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// rpcStub answers single JSON-RPC calls with results from handle.
func rpcStub(t *testing.T, handle func(method string, params []json.RawMessage) any) *ethclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  handle(req.Method, req.Params),
		})
	}))
	t.Cleanup(srv.Close)
	c, err := ethclient.Dial(srv.URL)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

const (
	owner = "0x00000000000000000000000000000000000000a1"
	usdt  = "0x00000000000000000000000000000000000000b2"
)

func TestEVMBalance(t *testing.T) {
	var calls []string
	client := rpcStub(t, func(method string, params []json.RawMessage) any {
		calls = append(calls, method)
		switch method {
		case "eth_getBalance":
			return "0x2a"
		case "eth_call":
			var msg struct {
				To    string `json:"to"`
				Data  string `json:"data"`
				Input string `json:"input"`
			}
			json.Unmarshal(params[0], &msg)
			data := msg.Input
			if data == "" {
				data = msg.Data
			}
			// balanceOf(address) selector
			if !strings.HasPrefix(data, "0x70a08231") || !strings.EqualFold(msg.To, usdt) {
				return "0x"
			}
			return fmt.Sprintf("0x%064x", 5000000)
		}
		return nil
	})
	e, err := NewEVM(client, EVMConfig{}, nil)
	require.NoError(t, err)

	native, err := e.Balance(context.Background(), owner, "")
	require.NoError(t, err)
	assert.True(t, native.Equal(decimal.NewFromInt(42)))

	tok, err := e.Balance(context.Background(), owner, usdt)
	require.NoError(t, err)
	assert.True(t, tok.Equal(decimal.NewFromInt(5000000)), tok.String())
	assert.Equal(t, []string{"eth_getBalance", "eth_call"}, calls)

	_, err = e.Balance(context.Background(), "not-an-address", usdt)
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestEVMTransactionInfo(t *testing.T) {
	receipt := func(status string) map[string]any {
		return map[string]any{
			"status":            status,
			"cumulativeGasUsed": "0x5208",
			"gasUsed":           "0x5208",
			"logsBloom":         "0x" + strings.Repeat("0", 512),
			"logs":              []any{},
			"transactionHash":   "0x" + strings.Repeat("1", 64),
			"blockNumber":       "0x10",
			"blockHash":         "0x" + strings.Repeat("2", 64),
			"transactionIndex":  "0x0",
			"type":              "0x0",
			"effectiveGasPrice": "0x1",
		}
	}
	byHash := map[string]any{
		"0x" + strings.Repeat("a", 64): receipt("0x1"),
		"0x" + strings.Repeat("b", 64): receipt("0x0"),
	}
	client := rpcStub(t, func(method string, params []json.RawMessage) any {
		var h string
		json.Unmarshal(params[0], &h)
		if r, ok := byHash[h]; ok {
			return r
		}
		return nil
	})
	e, err := NewEVM(client, EVMConfig{}, nil)
	require.NoError(t, err)

	tests := []struct {
		hash  string
		state TxState
	}{
		{"0x" + strings.Repeat("a", 64), TxConfirmed},
		{"0x" + strings.Repeat("b", 64), TxReverted},
		{"0x" + strings.Repeat("c", 64), TxPending},
	}
	for _, tt := range tests {
		info, err := e.TransactionInfo(context.Background(), tt.hash)
		require.NoError(t, err)
		assert.Equal(t, tt.state, info.State, tt.hash)
	}
}

func TestEVMReadOnlyAndValidation(t *testing.T) {
	client := rpcStub(t, func(string, []json.RawMessage) any { return nil })
	e, err := NewEVM(client, EVMConfig{}, nil)
	require.NoError(t, err)

	_, err = e.Collect(context.Background(), usdt, []string{owner})
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = e.BatchTransfer(context.Background(), usdt, []Transfer{{To: owner, Amount: decimal.RequireFromString("1.5")}})
	assert.Error(t, err)
	_, err = e.Collect(context.Background(), usdt, []string{"Txxx"})
	assert.ErrorIs(t, err, ErrBadAddress)

	_, err = NewEVM(client, EVMConfig{Settler: "nope"}, nil)
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = NewEVM(client, EVMConfig{PrivateKey: "zz"}, nil)
	assert.Error(t, err)
}
