// Package orders holds the merchant's collection and payout orders as pushed by the remote
// authority, and the local settlement status layered on top.
package orders

import (
	"github.com/shopspring/decimal"
)

// Order families; also the batcher kinds.
const (
	TypeCollection = "collection"
	TypePayout     = "payout"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusLocked        Status = "locked"
	StatusConfirming    Status = "confirming"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCollectFailed Status = "collect_failed"
)

// transitions lists the legal moves of the settlement state machine.
var transitions = map[Status][]Status{
	StatusPending:       {StatusLocked, StatusFailed, StatusCollectFailed},
	StatusLocked:        {StatusConfirming, StatusPending, StatusFailed, StatusCollectFailed},
	StatusConfirming:    {StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:        {StatusPending, StatusLocked, StatusCollectFailed},
	StatusCollectFailed: {StatusPending},
}

// CanTransition reports whether from -> to is a legal status change. The empty status is
// treated as pending.
func CanTransition(from, to Status) bool {
	if from == "" {
		from = StatusPending
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s needs no further local work.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCollectFailed
}

// InFlight reports whether a settlement for the order is underway.
func (s Status) InFlight() bool {
	return s == StatusLocked || s == StatusConfirming
}

// CollectionOrder is a deposit address holding funds to sweep into the merchant wallet.
type CollectionOrder struct {
	Address   string          `json:"address"`
	Chain     string          `json:"chain,omitempty"`
	USDT      decimal.Decimal `json:"usdt"`
	Value     decimal.Decimal `json:"value"`
	CreatedAt string          `json:"created_at"`
	Status    Status          `json:"status,omitempty"`
	TxHash    string          `json:"tx_hash,omitempty"`
}

// Key is the address: one open collection per deposit address.
func (o CollectionOrder) Key() string { return o.Address }

// PayoutOrder is a withdrawal the merchant owes to an external address.
type PayoutOrder struct {
	BillNo    string          `json:"bill_no"`
	Chain     string          `json:"chain,omitempty"`
	ToAddress string          `json:"to_address"`
	Amount    decimal.Decimal `json:"amount"`
	Token     string          `json:"token,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Locked    bool            `json:"locked"`
	TxHash    string          `json:"tx_hash,omitempty"`
}

func (o PayoutOrder) Key() string { return o.BillNo }
