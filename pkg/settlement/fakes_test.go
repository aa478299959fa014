package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/magnaflowlabs/merchant-tools/pkg/chain"
	"github.com/magnaflowlabs/merchant-tools/pkg/rpc"
)

type fakeLocker struct {
	mu      sync.Mutex
	grant   func(keys []string) []string // nil grants everything
	lockErr error
	locks   [][]string
	unlocks [][]string
}

func (l *fakeLocker) Lock(_ context.Context, _ rpc.LockType, _ string, keys []string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks = append(l.locks, keys)
	if l.lockErr != nil {
		return nil, l.lockErr
	}
	if l.grant == nil {
		return keys, nil
	}
	return l.grant(keys), nil
}

func (l *fakeLocker) Unlock(_ context.Context, _ rpc.LockType, _ string, keys []string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocks = append(l.unlocks, keys)
	return keys, nil
}

func (l *fakeLocker) unlockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.unlocks)
}

type fakeChain struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	collect  func(n int) error // error for the n-th call, 1-based
	collects []string
	batches  [][]chain.Transfer
	batchErr error
	receipts map[string]chain.TxState
}

func (c *fakeChain) Balance(context.Context, string, string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *fakeChain) TransactionInfo(_ context.Context, hash string) (chain.TxInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chain.TxInfo{Hash: hash, State: c.receipts[hash]}, nil
}

func (c *fakeChain) Collect(_ context.Context, _ string, from []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collects = append(c.collects, from[0])
	if c.collect != nil {
		if err := c.collect(len(c.collects)); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("0xtx%d", len(c.collects)), nil
}

func (c *fakeChain) BatchTransfer(_ context.Context, _ string, transfers []chain.Transfer) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, transfers)
	if c.batchErr != nil {
		return "", c.batchErr
	}
	return "0xbatch", nil
}

func (c *fakeChain) collected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.collects...)
}

type notes struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notes) Notify(ev Notification) {
	n.mu.Lock()
	n.list = append(n.list, ev)
	n.mu.Unlock()
}

func (n *notes) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.list...)
}
