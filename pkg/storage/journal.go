// Package storage persists what settlement has already done, so a restart never submits an
// order twice.
package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage: journal closed")

type State string

const (
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateReverted  State = "reverted"
	StateFailed    State = "failed"
)

// Record is the journal entry for one order.
type Record struct {
	Chain     string    `json:"chain"`
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	State     State     `json:"state"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Done reports whether the order must not be submitted again.
func (r Record) Done() bool {
	return r.State == StateSubmitted || r.State == StateConfirmed || r.State == StateFailed
}

type Journal interface {
	Put(r Record) error
	// Get returns ok=false when no record exists.
	Get(chain, typ, key string) (Record, bool, error)
	// List returns every record for chain and type in key order.
	List(chain, typ string) ([]Record, error)
	Delete(chain, typ, key string) error
	Close() error
}
