// Package chain is the on-chain side of settlement: balance and receipt reads, and submitting
// collection and payout transactions.
package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUserCancelled is returned by a signer when the operator declines a submission.
	// Settlement unwinds the lock and does not retry.
	ErrUserCancelled = errors.New("chain: submission cancelled by user")
	ErrBadAddress    = errors.New("chain: invalid address")
)

type TxState int

const (
	TxPending TxState = iota
	TxConfirmed
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "pending"
	}
}

type TxInfo struct {
	Hash  string
	State TxState
	Block uint64
}

// Reader answers balance and confirmation queries. Amounts are in token base units.
type Reader interface {
	// Balance of address in token; an empty token means the native coin.
	Balance(ctx context.Context, address, token string) (decimal.Decimal, error)
	TransactionInfo(ctx context.Context, hash string) (TxInfo, error)
}

// Transfer is one leg of a payout batch.
type Transfer struct {
	To     string
	Amount decimal.Decimal
}

// Submitter sends settlement transactions and returns their hash.
type Submitter interface {
	// Collect sweeps token from the deposit addresses into the merchant wallet.
	Collect(ctx context.Context, token string, from []string) (string, error)
	// BatchTransfer pays every transfer in one transaction.
	BatchTransfer(ctx context.Context, token string, transfers []Transfer) (string, error)
}

// Client is everything settlement needs from a chain.
type Client interface {
	Reader
	Submitter
}
