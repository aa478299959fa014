// Package push routes server-initiated events to the handler registered for their name.
package push

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/metrics"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

// Event is a push not correlated to any request.
type Event struct {
	Name    string
	Nonce   string
	Payload json.RawMessage
	// Legacy is set for the older {type, data} shape, where type carries the event name.
	Legacy bool
}

type Outcome string

const (
	OutcomeHandled   Outcome = "handled"
	OutcomeError     Outcome = "error"
	OutcomeUnhandled Outcome = "unhandled"
)

type Handler func(Event) error

// Report describes one dispatch for diagnostics.
type Report struct {
	Event   Event
	Outcome Outcome
	Err     error
}

// Dispatcher holds at most one handler per event name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	observe  func(Report)
	log      *zap.SugaredLogger
}

func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		log:      util.OrNop(logger),
	}
}

// Observe installs a callback receiving every dispatch outcome.
func (d *Dispatcher) Observe(fn func(Report)) {
	d.mu.Lock()
	d.observe = fn
	d.mu.Unlock()
}

// Register installs fn for name, replacing any previous handler.
func (d *Dispatcher) Register(name string, fn Handler) {
	d.mu.Lock()
	_, replaced := d.handlers[name]
	d.handlers[name] = fn
	d.mu.Unlock()
	if replaced {
		d.log.Warnw("push_handler_replaced", "event", name)
	}
}

func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	delete(d.handlers, name)
	d.mu.Unlock()
}

func (d *Dispatcher) Registered(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[name]
	return ok
}

// Dispatch runs the handler for ev on the calling goroutine. Handler errors and panics
// are reported and never reach the caller.
func (d *Dispatcher) Dispatch(ev Event) Outcome {
	d.mu.RLock()
	fn, ok := d.handlers[ev.Name]
	observe := d.observe
	d.mu.RUnlock()

	var r Report
	if !ok {
		d.log.Warnw("push_unhandled", "event", ev.Name, "nonce", ev.Nonce, "legacy", ev.Legacy)
		r = Report{Event: ev, Outcome: OutcomeUnhandled}
	} else if err := invoke(fn, ev); err != nil {
		d.log.Errorw("push_handler_failed", "event", ev.Name, "nonce", ev.Nonce, "err", err)
		r = Report{Event: ev, Outcome: OutcomeError, Err: err}
	} else {
		r = Report{Event: ev, Outcome: OutcomeHandled}
	}

	metrics.PushOutcomes.WithLabelValues(ev.Name, string(r.Outcome)).Inc()
	if observe != nil {
		observe(r)
	}
	return r.Outcome
}

func invoke(fn Handler, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("push handler panic: %v", p)
		}
	}()
	return fn(ev)
}
