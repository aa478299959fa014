package settlement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/chain"
	"github.com/magnaflowlabs/merchant-tools/pkg/metrics"
	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/rpc"
	"github.com/magnaflowlabs/merchant-tools/pkg/storage"
)

type PayoutConfig struct {
	Chain        string
	Token        string
	MaxBatch     int
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration
}

// PayoutResult reports which bills went into the submitted batch.
type PayoutResult struct {
	TxHash string
	// Submitted are the bills the remote locked and the batch paid.
	Submitted []string
	// Skipped were requested but not locked by the remote; they were left untouched.
	Skipped []string
}

// PayoutBatch pays many bills in one transfer, acting only on the bills whose lock the remote
// confirmed.
type PayoutBatch struct {
	cfg PayoutConfig
	Deps
	log  *zap.SugaredLogger
	busy atomic.Bool
	auto autoLoop

	// failed transfers per bill, and when each may be tried again
	mu       sync.Mutex
	failures map[string]int
	retryAt  map[string]time.Time
}

func NewPayoutBatch(cfg PayoutConfig, deps Deps) *PayoutBatch {
	deps.defaults()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 50
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &PayoutBatch{
		cfg:      cfg,
		Deps:     deps,
		log:      deps.Logger.With("engine", "payout", "chain", cfg.Chain),
		failures: make(map[string]int),
		retryAt:  make(map[string]time.Time),
	}
}

func (p *PayoutBatch) Busy() bool { return p.busy.Load() }

// Candidates returns unlocked pending payouts in book order, at most MaxBatch. Bills still
// inside their retry backoff are left out.
func (p *PayoutBatch) Candidates() []orders.PayoutOrder {
	var out []orders.PayoutOrder
	now := p.Clock.Now()
	for key, o := range p.Book.Payout.All() {
		if len(out) >= p.cfg.MaxBatch {
			break
		}
		if o.Locked || (o.Status != orders.StatusPending && o.Status != "") || o.Amount.Sign() <= 0 {
			continue
		}
		if r, ok, err := p.Journal.Get(p.cfg.Chain, orders.TypePayout, key); err != nil || (ok && r.Done()) {
			continue
		}
		if p.backingOff(key, now) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Execute locks the bills, pays the confirmed subset in one batch transfer and marks them
// Confirming. On cancellation or failure every confirmed lock is released and the bills return
// to Pending. A failed transfer counts against each bill; after MaxRetries failures a bill is
// marked CollectFailed, journaled and reported once.
func (p *PayoutBatch) Execute(ctx context.Context, list []orders.PayoutOrder) (PayoutResult, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return PayoutResult{}, ErrBusy
	}
	defer p.busy.Store(false)

	// one transfer carries one token; bills in other tokens wait for a later batch
	var token string
	var other []string
	keys := make([]string, 0, len(list))
	byKey := make(map[string]orders.PayoutOrder, len(list))
	for _, o := range list {
		if _, dup := byKey[o.Key()]; dup || o.Key() == "" {
			continue
		}
		if len(keys) == 0 {
			token = p.token(o)
		} else if p.token(o) != token {
			other = append(other, o.Key())
			continue
		}
		keys = append(keys, o.Key())
		byKey[o.Key()] = o
	}
	if len(keys) == 0 {
		return PayoutResult{}, ErrNothingToSettle
	}

	locked, err := p.Locker.Lock(ctx, rpc.LockPayoutOrder, p.cfg.Chain, keys)
	if err != nil {
		p.outcome("lock_failed", len(keys))
		return PayoutResult{}, fmt.Errorf("lock payouts: %w", err)
	}
	res := PayoutResult{Submitted: locked, Skipped: other}
	for _, k := range keys {
		if !slices.Contains(locked, k) {
			res.Skipped = append(res.Skipped, k)
		}
	}
	if len(locked) == 0 {
		p.log.Infow("payout_lock_not_granted", "requested", len(keys))
		p.outcome("lock_denied", len(keys))
		return res, ErrLockNotGranted
	}
	if len(res.Skipped) > 0 {
		p.log.Infow("payout_lock_partial", "locked", len(locked), "requested", len(keys))
	}

	p.Book.SetPayoutLocked(locked, true)
	for _, k := range locked {
		p.Book.SetPayoutStatus(k, orders.StatusLocked, "")
	}
	p.WAL.Append(fmt.Sprintf("lock payout %s %v", p.cfg.Chain, locked))

	transfers := make([]chain.Transfer, 0, len(locked))
	for _, k := range locked {
		o := byKey[k]
		transfers = append(transfers, chain.Transfer{To: o.ToAddress, Amount: o.Amount})
	}

	tx, err := p.Chain.BatchTransfer(ctx, token, transfers)
	if errors.Is(err, chain.ErrUserCancelled) {
		p.log.Infow("payout_cancelled", "bills", locked)
		p.release(ctx, locked)
		p.outcome("cancelled", len(locked))
		return PayoutResult{Skipped: append(keys, other...)}, err
	}
	if err != nil {
		p.release(ctx, locked)
		p.fail(locked, err)
		return PayoutResult{Skipped: append(keys, other...)}, fmt.Errorf("batch transfer: %w", err)
	}

	res.TxHash = tx
	p.mu.Lock()
	for _, k := range locked {
		delete(p.failures, k)
		delete(p.retryAt, k)
	}
	p.mu.Unlock()
	for _, k := range locked {
		p.Book.SetPayoutStatus(k, orders.StatusConfirming, tx)
		p.journal(storage.Record{Key: k, State: storage.StateSubmitted, TxHash: tx, Attempts: 1})
	}
	p.WAL.Append(fmt.Sprintf("submit payout %s %s %v", p.cfg.Chain, tx, locked))
	p.log.Infow("payout_submitted", "tx", tx, "bills", len(locked), "skipped", len(res.Skipped))
	p.outcome("submitted", len(locked))
	return res, nil
}

// fail charges one failure to every bill of a failed transfer. Bills with budget left wait out
// RetryBackoff and are picked up again; the rest become CollectFailed.
func (p *PayoutBatch) fail(keys []string, cause error) {
	var retry, exhausted []string
	attempts := make(map[string]int, len(keys))
	p.mu.Lock()
	until := p.Clock.Now().Add(p.cfg.RetryBackoff)
	for _, k := range keys {
		p.failures[k]++
		attempts[k] = p.failures[k]
		if p.failures[k] <= p.cfg.MaxRetries {
			p.retryAt[k] = until
			retry = append(retry, k)
			continue
		}
		delete(p.failures, k)
		delete(p.retryAt, k)
		exhausted = append(exhausted, k)
	}
	p.mu.Unlock()

	if len(retry) > 0 {
		p.log.Warnw("payout_retry", "bills", retry, "err", cause)
		p.outcome("retry", len(retry))
	}
	if len(exhausted) == 0 {
		return
	}

	p.log.Errorw("payout_exhausted", "bills", exhausted, "err", cause)
	for _, k := range exhausted {
		p.Book.SetPayoutStatus(k, orders.StatusCollectFailed, "")
		p.journal(storage.Record{Key: k, State: storage.StateFailed, Attempts: attempts[k], Error: cause.Error()})
	}
	p.WAL.Append(fmt.Sprintf("failed payout %s %v: %v", p.cfg.Chain, exhausted, cause))
	p.outcome("failed", len(exhausted))
	p.Notifier.Notify(Notification{
		Kind:      "payout_failed",
		OrderType: orders.TypePayout,
		Keys:      exhausted,
		Message:   fmt.Sprintf("batch payout of %d bills failed after %d attempts: %v", len(exhausted), p.cfg.MaxRetries+1, cause),
	})
}

func (p *PayoutBatch) backingOff(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.retryAt[key]
	return ok && now.Before(at)
}

// Failures returns how many transfers of key have failed since its last success.
func (p *PayoutBatch) Failures(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[key]
}

func (p *PayoutBatch) token(o orders.PayoutOrder) string {
	if o.Token != "" {
		return o.Token
	}
	return p.cfg.Token
}

// release unlocks keys remotely and returns them to Pending locally.
func (p *PayoutBatch) release(ctx context.Context, keys []string) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()
	if _, err := p.Locker.Unlock(uctx, rpc.LockPayoutOrder, p.cfg.Chain, keys); err != nil {
		p.log.Warnw("payout_unlock_failed", "bills", keys, "err", err)
	} else {
		p.WAL.Append(fmt.Sprintf("unlock payout %s %v", p.cfg.Chain, keys))
	}
	p.Book.SetPayoutLocked(keys, false)
	for _, k := range keys {
		p.Book.SetPayoutStatus(k, orders.StatusPending, "")
	}
}

func (p *PayoutBatch) journal(r storage.Record) {
	r.Chain, r.Type, r.UpdatedAt = p.cfg.Chain, orders.TypePayout, p.Clock.Now()
	if err := p.Journal.Put(r); err != nil {
		p.log.Errorw("journal_write_failed", "key", r.Key, "err", err)
	}
}

func (p *PayoutBatch) outcome(o string, n int) {
	metrics.SettlementOutcomes.WithLabelValues(orders.TypePayout, o).Add(float64(n))
}

// StartAuto pays eligible bills every PollInterval. A tick that finds a batch still running
// is skipped rather than spun on.
func (p *PayoutBatch) StartAuto(ctx context.Context) bool {
	return p.auto.start(ctx, p.Clock, p.cfg.PollInterval, func(ctx context.Context) bool {
		if p.busy.Load() {
			p.log.Debugw("payout_tick_skipped")
			return true
		}
		p.CheckConfirmations(ctx)
		list := p.Candidates()
		if len(list) == 0 {
			return true
		}
		if _, err := p.Execute(ctx, list); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrLockNotGranted) {
			p.log.Warnw("payout_tick_failed", "err", err)
		}
		return true
	})
}

func (p *PayoutBatch) StopAuto() { p.auto.stop() }

func (p *PayoutBatch) AutoRunning() bool { return p.auto.running() }
