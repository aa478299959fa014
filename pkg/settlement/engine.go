// Package settlement drives lock-coordinated collection and payout of orders in the book.
//
// The remote authority's prefix lock is the only guard against double settlement: an order
// is acted on only after the remote confirms its lock, and every lock taken is released again
// on any path that does not end in a submitted transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/magnaflowlabs/merchant-tools/pkg/chain"
	"github.com/magnaflowlabs/merchant-tools/pkg/metrics"
	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/rpc"
	"github.com/magnaflowlabs/merchant-tools/pkg/storage"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

const unlockTimeout = 10 * time.Second

// Locker is the remote prefix-lock service.
type Locker interface {
	Lock(ctx context.Context, typ rpc.LockType, chain string, keys []string) ([]string, error)
	Unlock(ctx context.Context, typ rpc.LockType, chain string, keys []string) ([]string, error)
}

type Config struct {
	Chain        string
	Token        string
	MinValue     decimal.Decimal
	ItemDelay    time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration
}

// Deps are the collaborators shared by Engine and PayoutBatch.
type Deps struct {
	Book     *orders.Book
	Chain    chain.Client
	Locker   Locker
	Journal  storage.Journal
	WAL      storage.WAL
	Notifier Notifier
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

func (d *Deps) defaults() {
	if d.Journal == nil {
		d.Journal = storage.NewMemJournal()
	}
	if d.WAL == nil {
		d.WAL = storage.NewNopWAL()
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Clock == nil {
		d.Clock = util.RealClock()
	}
	d.Logger = util.OrNop(d.Logger)
}

// Engine collects qualifying deposit addresses one at a time.
type Engine struct {
	cfg Config
	Deps
	log     *zap.SugaredLogger
	limiter *rate.Limiter
	queue   *Queue

	mu        sync.Mutex
	processed map[string]struct{}
	inFlight  map[string]struct{}

	busy       atomic.Bool
	collecting atomic.Bool
	auto       autoLoop
}

func NewEngine(cfg Config, deps Deps) *Engine {
	deps.defaults()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	limit := rate.Inf
	if cfg.ItemDelay > 0 {
		limit = rate.Every(cfg.ItemDelay)
	}
	return &Engine{
		cfg:       cfg,
		Deps:      deps,
		log:       deps.Logger.With("engine", "collection", "chain", cfg.Chain),
		limiter:   rate.NewLimiter(limit, 1),
		queue:     NewQueue(),
		processed: make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
	}
}

func (e *Engine) Queue() *Queue { return e.queue }

func (e *Engine) Busy() bool { return e.busy.Load() }

// Candidates returns pending orders at or above the minimum value that are not processed,
// in flight, queued, or already journaled.
func (e *Engine) Candidates() []orders.CollectionOrder {
	var out []orders.CollectionOrder
	for key, o := range e.Book.Collection.All() {
		if o.Status != orders.StatusPending && o.Status != "" {
			continue
		}
		if o.USDT.LessThan(e.cfg.MinValue) {
			continue
		}
		if e.seen(key) || e.queue.Has(key) || e.journaled(key) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (e *Engine) seen(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, done := e.processed[key]
	_, busy := e.inFlight[key]
	return done || busy
}

func (e *Engine) journaled(key string) bool {
	r, ok, err := e.Journal.Get(e.cfg.Chain, orders.TypeCollection, key)
	if err != nil {
		e.log.Warnw("journal_read_failed", "key", key, "err", err)
		return true
	}
	return ok && r.Done()
}

// Enqueue adds orders to the work queue and returns how many were new.
func (e *Engine) Enqueue(list []orders.CollectionOrder) int {
	keys := make([]string, 0, len(list))
	for _, o := range list {
		keys = append(keys, o.Key())
	}
	return e.queue.Push(keys...)
}

// ProcessQueue drains the queue one order at a time. It returns ErrBusy when another drain
// is running and ctx.Err() when cancelled; per-order failures never stop the drain.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, ok := e.queue.Pop()
		if !ok {
			return nil
		}
		if err := e.limiter.Wait(ctx); err != nil {
			e.queue.PushFront(it)
			return err
		}
		e.process(ctx, it)
	}
}

func (e *Engine) process(ctx context.Context, it Item) {
	o, ok := e.Book.Collection.Get(it.Key)
	if !ok {
		e.log.Debugw("settle_skip_removed", "key", it.Key)
		return
	}

	e.mu.Lock()
	e.inFlight[it.Key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, it.Key)
		e.mu.Unlock()
	}()

	locked, err := e.Locker.Lock(ctx, rpc.LockCollectionGas, e.cfg.Chain, []string{it.Key})
	if err != nil {
		e.fail(ctx, it, false, fmt.Errorf("lock: %w", err))
		return
	}
	if !slices.Contains(locked, it.Key) {
		// held by someone else; leave it pending for a later tick
		e.log.Infow("settle_lock_not_granted", "key", it.Key)
		e.outcome("lock_denied")
		return
	}
	e.setStatus(it.Key, orders.StatusLocked, "")
	e.WAL.Append(fmt.Sprintf("lock collection %s %s", e.cfg.Chain, it.Key))

	bal, err := e.Chain.Balance(ctx, o.Address, e.cfg.Token)
	if err != nil {
		e.fail(ctx, it, true, fmt.Errorf("balance: %w", err))
		return
	}
	if bal.LessThan(e.cfg.MinValue) {
		e.log.Infow("settle_balance_gone", "key", it.Key, "balance", bal, "min", e.cfg.MinValue)
		e.unlock(ctx, it.Key)
		e.setStatus(it.Key, orders.StatusPending, "")
		e.outcome("balance_low")
		return
	}

	tx, err := e.Chain.Collect(ctx, e.cfg.Token, []string{o.Address})
	if errors.Is(err, chain.ErrUserCancelled) {
		e.log.Infow("settle_cancelled", "key", it.Key)
		e.unlock(ctx, it.Key)
		e.setStatus(it.Key, orders.StatusPending, "")
		e.outcome("cancelled")
		return
	}
	if err != nil {
		e.fail(ctx, it, true, fmt.Errorf("collect: %w", err))
		return
	}

	// lock stays held until the remote reports the order completed
	e.setStatus(it.Key, orders.StatusConfirming, tx)
	e.mu.Lock()
	e.processed[it.Key] = struct{}{}
	e.mu.Unlock()
	e.journal(storage.Record{Key: it.Key, State: storage.StateSubmitted, TxHash: tx, Attempts: it.Failures + 1})
	e.WAL.Append(fmt.Sprintf("submit collection %s %s %s", e.cfg.Chain, it.Key, tx))
	e.log.Infow("settle_submitted", "key", it.Key, "tx", tx, "attempt", it.Failures+1)
	e.outcome("submitted")
}

// fail unwinds the lock and either re-queues the order at the front after the backoff or,
// once retries are exhausted, marks it CollectFailed and tells the operator.
func (e *Engine) fail(ctx context.Context, it Item, locked bool, cause error) {
	if locked {
		e.unlock(ctx, it.Key)
	}
	it.Failures++
	if it.Failures <= e.cfg.MaxRetries {
		e.log.Warnw("settle_retry", "key", it.Key, "failures", it.Failures, "err", cause)
		e.setStatus(it.Key, orders.StatusFailed, "")
		e.outcome("retry")
		if err := util.SleepOrDone(ctx, e.Clock, e.cfg.RetryBackoff); err != nil {
			e.setStatus(it.Key, orders.StatusPending, "")
			return
		}
		e.queue.PushFront(it)
		return
	}

	e.log.Errorw("settle_exhausted", "key", it.Key, "failures", it.Failures, "err", cause)
	e.setStatus(it.Key, orders.StatusCollectFailed, "")
	e.journal(storage.Record{Key: it.Key, State: storage.StateFailed, Attempts: it.Failures, Error: cause.Error()})
	e.WAL.Append(fmt.Sprintf("failed collection %s %s: %v", e.cfg.Chain, it.Key, cause))
	e.outcome("collect_failed")
	e.Notifier.Notify(Notification{
		Kind:      "collect_failed",
		OrderType: orders.TypeCollection,
		Keys:      []string{it.Key},
		Message:   fmt.Sprintf("collection failed after %d attempts: %v", it.Failures, cause),
	})
}

func (e *Engine) unlock(ctx context.Context, key string) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()
	if _, err := e.Locker.Unlock(uctx, rpc.LockCollectionGas, e.cfg.Chain, []string{key}); err != nil {
		e.log.Warnw("settle_unlock_failed", "key", key, "err", err)
		return
	}
	e.WAL.Append(fmt.Sprintf("unlock collection %s %s", e.cfg.Chain, key))
}

func (e *Engine) setStatus(key string, to orders.Status, tx string) {
	if cur, ok := e.Book.Collection.Get(key); ok && !orders.CanTransition(cur.Status, to) {
		e.log.Warnw("settle_bad_transition", "key", key, "from", cur.Status, "to", to)
	}
	e.Book.SetCollectionStatus(key, to, tx)
}

func (e *Engine) journal(r storage.Record) {
	r.Chain, r.Type, r.UpdatedAt = e.cfg.Chain, orders.TypeCollection, e.Clock.Now()
	if err := e.Journal.Put(r); err != nil {
		e.log.Errorw("journal_write_failed", "key", r.Key, "err", err)
	}
}

func (e *Engine) outcome(o string) {
	metrics.SettlementOutcomes.WithLabelValues(orders.TypeCollection, o).Inc()
}

// SetCollecting flips the external flag the auto loop checks on every tick.
func (e *Engine) SetCollecting(on bool) { e.collecting.Store(on) }

func (e *Engine) Collecting() bool { return e.collecting.Load() }

// StartAuto polls the book every PollInterval while collecting is on: confirmations are
// checked, new candidates queued and the queue drained. A tick that finds a drain already
// running is skipped.
func (e *Engine) StartAuto(ctx context.Context) bool {
	e.collecting.Store(true)
	started := e.auto.start(ctx, e.Clock, e.cfg.PollInterval, func(ctx context.Context) bool {
		if !e.collecting.Load() {
			e.log.Infow("settle_auto_stopped", "reason", "collecting off")
			return false
		}
		if e.busy.Load() {
			e.log.Debugw("settle_tick_skipped")
			return true
		}
		e.CheckConfirmations(ctx)
		if n := e.Enqueue(e.Candidates()); n > 0 {
			e.log.Infow("settle_enqueued", "count", n)
		}
		if err := e.ProcessQueue(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
			e.log.Warnw("settle_drain_failed", "err", err)
		}
		return true
	})
	if started {
		e.log.Infow("settle_auto_started", "interval", e.cfg.PollInterval)
	}
	return started
}

// StopAuto cancels the loop and waits for the current tick to end. Idempotent.
func (e *Engine) StopAuto() {
	e.collecting.Store(false)
	e.auto.stop()
}

func (e *Engine) AutoRunning() bool { return e.auto.running() }
