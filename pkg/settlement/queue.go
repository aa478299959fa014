package settlement

import "sync"

// Item is one queued order and how many times it has failed so far.
type Item struct {
	Key      string
	Failures int
}

// Queue holds order keys waiting for the worker in two buckets:
// (1) retries, which always go first, (2) fresh candidates in admission order.
// A key is queued at most once.
type Queue struct {
	mu     sync.Mutex
	retry  []Item
	fresh  []Item
	queued map[string]struct{}
}

func NewQueue() *Queue {
	return &Queue{queued: make(map[string]struct{})}
}

// Push appends keys not already queued and returns how many were added.
func (q *Queue) Push(keys ...string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := q.queued[k]; ok {
			continue
		}
		q.queued[k] = struct{}{}
		q.fresh = append(q.fresh, Item{Key: k})
		n++
	}
	return n
}

// PushFront queues it ahead of every fresh item.
func (q *Queue) PushFront(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[it.Key]; ok {
		return
	}
	q.queued[it.Key] = struct{}{}
	q.retry = append([]Item{it}, q.retry...)
}

// Pop removes the next item: retries first, then fresh (FIFO).
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it Item
	switch {
	case len(q.retry) > 0:
		it, q.retry = q.retry[0], q.retry[1:]
	case len(q.fresh) > 0:
		it, q.fresh = q.fresh[0], q.fresh[1:]
	default:
		return Item{}, false
	}
	delete(q.queued, it.Key)
	return it, true
}

func (q *Queue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[key]
	return ok
}

// Len returns total queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retry) + len(q.fresh)
}
