package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

// autoLoop runs tick on a fixed interval until tick returns false, the parent context ends,
// or stop is called. Only one run is active at a time.
type autoLoop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *autoLoop) start(parent context.Context, clock util.Clock, interval time.Duration, tick func(ctx context.Context) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done

	go func() {
		defer close(done)
		defer l.finished(done)
		ticker := clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !tick(ctx) {
					return
				}
			}
		}
	}()
	return true
}

// finished clears the handle when the loop exits on its own.
func (l *autoLoop) finished(done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == done {
		l.cancel()
		l.cancel, l.done = nil, nil
	}
}

// stop cancels the loop and waits for it. Safe to call when not running.
func (l *autoLoop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *autoLoop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}
