package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnaflowlabs/merchant-tools/pkg/chain"
	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/storage"
)

var minValue = decimal.NewFromInt(1_000_000)

type harness struct {
	book    *orders.Book
	locker  *fakeLocker
	chain   *fakeChain
	journal *storage.MemJournal
	notes   *notes
	clock   *clock.Mock
	engine  *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		book:    orders.NewBook("tron", 4),
		locker:  &fakeLocker{},
		chain:   &fakeChain{balance: decimal.NewFromInt(5_000_000), receipts: map[string]chain.TxState{}},
		journal: storage.NewMemJournal(),
		notes:   &notes{},
		clock:   clock.NewMock(),
	}
	cfg.Chain = "tron"
	if cfg.MinValue.IsZero() {
		cfg.MinValue = minValue
	}
	h.engine = NewEngine(cfg, Deps{
		Book:     h.book,
		Chain:    h.chain,
		Locker:   h.locker,
		Journal:  h.journal,
		Notifier: h.notes,
		Clock:    h.clock,
	})
	return h
}

func (h *harness) add(addrs ...string) {
	list := make([]orders.CollectionOrder, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, orders.CollectionOrder{Address: a, USDT: decimal.NewFromInt(5_000_000)})
	}
	h.book.ApplyCollection(list)
}

func (h *harness) status(key string) orders.Status {
	o, _ := h.book.Collection.Get(key)
	return o.Status
}

func TestCandidatesFilter(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.add("T1", "T2", "T3", "T4", "T5")
	h.book.ApplyCollection([]orders.CollectionOrder{{Address: "small", USDT: decimal.NewFromInt(10)}})
	h.book.SetCollectionStatus("T2", orders.StatusConfirming, "0x1")
	h.engine.Queue().Push("T3")
	require.NoError(t, h.journal.Put(storage.Record{Chain: "tron", Type: orders.TypeCollection, Key: "T4", State: storage.StateSubmitted}))
	require.NoError(t, h.journal.Put(storage.Record{Chain: "tron", Type: orders.TypeCollection, Key: "T5", State: storage.StateReverted}))

	var keys []string
	for _, o := range h.engine.Candidates() {
		keys = append(keys, o.Key())
	}
	assert.Equal(t, []string{"T1", "T5"}, keys)

	assert.Equal(t, 1, h.engine.Enqueue(h.engine.Candidates()[:1]))
	assert.Zero(t, h.engine.Enqueue(h.engine.Candidates()[:0]))
	assert.Equal(t, []string{"T5"}, func() (out []string) {
		for _, o := range h.engine.Candidates() {
			out = append(out, o.Key())
		}
		return
	}())
}

func TestProcessSubmits(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.add("T1")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	o, _ := h.book.Collection.Get("T1")
	assert.Equal(t, orders.StatusConfirming, o.Status)
	assert.Equal(t, "0xtx1", o.TxHash)
	assert.Zero(t, h.locker.unlockCount(), "lock is held until the remote completes the order")

	r, ok, _ := h.journal.Get("tron", orders.TypeCollection, "T1")
	require.True(t, ok)
	assert.Equal(t, storage.StateSubmitted, r.State)
	assert.Empty(t, h.engine.Candidates())
}

func TestLockNotGrantedLeavesOrderPending(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.locker.grant = func([]string) []string { return nil }
	h.add("T1")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	assert.Equal(t, orders.StatusPending, h.status("T1"))
	assert.Empty(t, h.chain.collected())
	assert.Zero(t, h.locker.unlockCount())
}

func TestBalanceGoneReturnsToPending(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.chain.balance = decimal.NewFromInt(999_999)
	h.add("T1")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	assert.Equal(t, orders.StatusPending, h.status("T1"))
	assert.Empty(t, h.chain.collected())
	assert.Equal(t, 1, h.locker.unlockCount())
	assert.Empty(t, h.notes.all())
}

func TestRetryExhaustionMarksCollectFailed(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.chain.collect = func(int) error { return errors.New("energy exhausted") }
	h.add("T1")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	assert.Len(t, h.chain.collected(), 4, "first attempt plus three retries")
	assert.Equal(t, orders.StatusCollectFailed, h.status("T1"))
	assert.Equal(t, 4, h.locker.unlockCount())
	assert.Zero(t, h.engine.Queue().Len())

	n := h.notes.all()
	require.Len(t, n, 1)
	assert.Equal(t, "collect_failed", n[0].Kind)
	assert.Equal(t, []string{"T1"}, n[0].Keys)

	r, _, _ := h.journal.Get("tron", orders.TypeCollection, "T1")
	assert.Equal(t, storage.StateFailed, r.State)
	assert.Equal(t, 4, r.Attempts)
	assert.Empty(t, h.engine.Candidates())
}

func TestRetryGoesToFrontOfQueue(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.chain.collect = func(n int) error {
		if n == 1 {
			return errors.New("node timeout")
		}
		return nil
	}
	h.add("A", "B")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	assert.Equal(t, []string{"A", "A", "B"}, h.chain.collected())
	assert.Equal(t, orders.StatusConfirming, h.status("A"))
	assert.Equal(t, orders.StatusConfirming, h.status("B"))
	assert.Empty(t, h.notes.all(), "transient retries are not surfaced")
}

func TestUserCancelUnlocksOnceWithoutRetry(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.chain.collect = func(int) error { return chain.ErrUserCancelled }
	h.add("T1")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	assert.Len(t, h.chain.collected(), 1)
	assert.Equal(t, 1, h.locker.unlockCount())
	assert.Equal(t, orders.StatusPending, h.status("T1"))
	assert.Zero(t, h.engine.Queue().Len())
	assert.Empty(t, h.notes.all())
}

func TestLockRPCErrorRetriesWithoutUnlock(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	h.locker.lockErr = errors.New("rpc timeout")
	h.add("T1")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	assert.Equal(t, orders.StatusCollectFailed, h.status("T1"))
	assert.Zero(t, h.locker.unlockCount(), "nothing was locked")
	assert.Len(t, h.notes.all(), 1)
}

func TestRetryWaitsForBackoff(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3, RetryBackoff: 3 * time.Second})
	h.chain.collect = func(n int) error {
		if n == 1 {
			return errors.New("node timeout")
		}
		return nil
	}
	h.add("T1")
	h.engine.Enqueue(h.engine.Candidates())

	done := make(chan error, 1)
	go func() { done <- h.engine.ProcessQueue(context.Background()) }()

	require.Eventually(t, func() bool { return len(h.chain.collected()) == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(h.chain.collected()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.True(t, h.engine.Busy())
	assert.ErrorIs(t, h.engine.ProcessQueue(context.Background()), ErrBusy)

	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return len(h.chain.collected()) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, <-done)
	assert.Equal(t, orders.StatusConfirming, h.status("T1"))
}

func TestCheckConfirmations(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.add("ok", "bad", "slow")
	h.engine.Enqueue(h.engine.Candidates())
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	h.chain.receipts["0xtx1"] = chain.TxConfirmed
	h.chain.receipts["0xtx2"] = chain.TxReverted

	confirmed, reverted := h.engine.CheckConfirmations(context.Background())
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 1, reverted)

	assert.Equal(t, orders.StatusConfirming, h.status("ok"))
	assert.Equal(t, orders.StatusPending, h.status("bad"))
	assert.Equal(t, orders.StatusConfirming, h.status("slow"))
	assert.Equal(t, 1, h.locker.unlockCount())

	r, _, _ := h.journal.Get("tron", orders.TypeCollection, "ok")
	assert.Equal(t, storage.StateConfirmed, r.State)

	// a reverted order is eligible again
	var keys []string
	for _, o := range h.engine.Candidates() {
		keys = append(keys, o.Key())
	}
	assert.Equal(t, []string{"bad"}, keys)

	confirmed, _ = h.engine.CheckConfirmations(context.Background())
	assert.Zero(t, confirmed, "already journaled")
}

func TestAutoLoop(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3, PollInterval: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, h.engine.StartAuto(ctx))
	assert.False(t, h.engine.StartAuto(ctx), "second start is a no-op")
	h.add("T1")

	require.Eventually(t, func() bool {
		h.clock.Add(2 * time.Second)
		return h.status("T1") == orders.StatusConfirming
	}, time.Second, 5*time.Millisecond)

	h.engine.SetCollecting(false)
	require.Eventually(t, func() bool {
		h.clock.Add(2 * time.Second)
		return !h.engine.AutoRunning()
	}, time.Second, 5*time.Millisecond)

	h.engine.StopAuto()
	h.engine.StopAuto()
	assert.False(t, h.engine.Collecting())
}

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()
	assert.Equal(t, 2, q.Push("a", "b", "a"))
	q.PushFront(Item{Key: "r", Failures: 1})
	q.PushFront(Item{Key: "a"})
	assert.Equal(t, 3, q.Len())

	var got []string
	for {
		it, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, it.Key)
	}
	assert.Equal(t, []string{"r", "a", "b"}, got)
	assert.False(t, q.Has("a"))
}
