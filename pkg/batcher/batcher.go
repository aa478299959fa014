// Package batcher coalesces bursts of pushed orders into bounded batches.
package batcher

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/metrics"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

type Config struct {
	MaxSize    int
	FlushDelay time.Duration
}

// FlushFunc receives one batch. It must not call back into the Batcher.
type FlushFunc[T any] func(kind string, items []T)

type buffer[T any] struct {
	items []T
	timer *clock.Timer
	seq   uint64
}

// Batcher buffers items per kind. A kind flushes MaxSize items at once, or FlushDelay after
// its most recent Add (trailing debounce). Kinds flush independently.
type Batcher[T any] struct {
	cfg   Config
	clock util.Clock
	flush FlushFunc[T]
	log   *zap.SugaredLogger

	mu      sync.Mutex
	buffers map[string]*buffer[T]

	// emitMu is taken before mu is released so batches of a kind reach flush in the order
	// they were cut.
	emitMu sync.Mutex
}

func New[T any](cfg Config, flush FlushFunc[T], clk util.Clock, logger *zap.SugaredLogger) *Batcher[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 100 * time.Millisecond
	}
	if clk == nil {
		clk = util.RealClock()
	}
	return &Batcher[T]{
		cfg:     cfg,
		clock:   clk,
		flush:   flush,
		log:     util.OrNop(logger),
		buffers: make(map[string]*buffer[T]),
	}
}

// Add appends items to kind's buffer and either flushes now or pushes the deadline out.
func (b *Batcher[T]) Add(kind string, items ...T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	buf, ok := b.buffers[kind]
	if !ok {
		buf = &buffer[T]{}
		b.buffers[kind] = buf
	}
	buf.items = append(buf.items, items...)
	buf.seq++

	if len(buf.items) >= b.cfg.MaxSize {
		out := b.take(buf)
		b.emitLocked(kind, out, "size")
		return
	}

	if buf.timer != nil {
		buf.timer.Stop()
	}
	seq := buf.seq
	buf.timer = b.clock.AfterFunc(b.cfg.FlushDelay, func() { b.fire(kind, buf, seq) })
	b.mu.Unlock()
}

func (b *Batcher[T]) fire(kind string, buf *buffer[T], seq uint64) {
	b.mu.Lock()
	// stale: rescheduled, flushed by size, or discarded by Reset
	if b.buffers[kind] != buf || buf.seq != seq || len(buf.items) == 0 {
		b.mu.Unlock()
		return
	}
	out := b.take(buf)
	b.emitLocked(kind, out, "delay")
}

// Flush writes out every non-empty buffer immediately.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	kinds := make([]string, 0, len(b.buffers))
	for k, buf := range b.buffers {
		if len(buf.items) > 0 {
			kinds = append(kinds, k)
		}
	}
	b.mu.Unlock()
	for _, k := range kinds {
		b.mu.Lock()
		buf := b.buffers[k]
		if buf == nil || len(buf.items) == 0 {
			b.mu.Unlock()
			continue
		}
		out := b.take(buf)
		b.emitLocked(k, out, "forced")
	}
}

// Reset drops everything buffered and cancels every scheduled flush.
func (b *Batcher[T]) Reset() {
	b.mu.Lock()
	dropped := 0
	for _, buf := range b.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		dropped += len(buf.items)
	}
	b.buffers = make(map[string]*buffer[T])
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Infow("batch_reset", "dropped", dropped)
	}
}

// Buffered returns how many items of kind are waiting.
func (b *Batcher[T]) Buffered(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[kind]; ok {
		return len(buf.items)
	}
	return 0
}

// take must hold mu.
func (b *Batcher[T]) take(buf *buffer[T]) []T {
	out := buf.items
	buf.items = nil
	buf.seq++
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	return out
}

// emitLocked is entered with mu held and releases it.
func (b *Batcher[T]) emitLocked(kind string, items []T, reason string) {
	b.emitMu.Lock()
	b.mu.Unlock()
	defer b.emitMu.Unlock()

	metrics.BatchFlushSize.WithLabelValues(kind).Observe(float64(len(items)))
	b.log.Debugw("batch_flush", "kind", kind, "size", len(items), "reason", reason)
	if b.flush != nil {
		b.flush(kind, items)
	}
}
