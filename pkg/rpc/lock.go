package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// LockType names which order family a prefix lock applies to.
type LockType string

const (
	LockCollectionGas LockType = "collection_gas"
	LockPayoutOrder   LockType = "payout_order"
)

// prefixies is the remote's field name.
type lockParams struct {
	Type      LockType `json:"type"`
	Prefixies []string `json:"prefixies"`
	Chain     string   `json:"chain"`
}

// LockClient requests prefix locks from the remote authority, which alone decides
// which keys are locked.
type LockClient struct {
	caller Caller
}

func NewLockClient(c Caller) *LockClient {
	return &LockClient{caller: c}
}

// Lock returns the subset of keys the remote confirms as now locked.
func (c *LockClient) Lock(ctx context.Context, typ LockType, chain string, keys []string) ([]string, error) {
	return c.do(ctx, MethodLock, typ, chain, keys)
}

// Unlock returns the subset of keys the remote confirms as released.
func (c *LockClient) Unlock(ctx context.Context, typ LockType, chain string, keys []string) ([]string, error) {
	return c.do(ctx, MethodUnlock, typ, chain, keys)
}

// IsLocked returns the subset of keys currently locked remotely.
func (c *LockClient) IsLocked(ctx context.Context, typ LockType, chain string, keys []string) ([]string, error) {
	return c.do(ctx, MethodIsLocked, typ, chain, keys)
}

func (c *LockClient) do(ctx context.Context, method string, typ LockType, chain string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	res, err := c.caller.Call(ctx, method, lockParams{Type: typ, Prefixies: keys, Chain: chain})
	if err != nil {
		return nil, err
	}
	confirmed, err := decodePrefixes(res.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return intersect(keys, confirmed), nil
}

// decodePrefixes accepts a bare array or {prefixies: [...]}.
func decodePrefixes(data json.RawMessage) ([]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Prefixies []string `json:"prefixies"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode prefixes: %w", err)
	}
	return wrapped.Prefixies, nil
}

// intersect keeps the requested order and drops anything the remote echoed that was not asked for.
func intersect(requested, confirmed []string) []string {
	set := make(map[string]struct{}, len(confirmed))
	for _, k := range confirmed {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(confirmed))
	for _, k := range requested {
		if _, ok := set[k]; ok {
			out = append(out, k)
			delete(set, k)
		}
	}
	return out
}
