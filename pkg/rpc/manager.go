// Package rpc correlates requests with their responses over the transport and separates
// responses from server pushes.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/metrics"
	"github.com/magnaflowlabs/merchant-tools/pkg/push"
	"github.com/magnaflowlabs/merchant-tools/pkg/transport"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

// Sender is the outbound half of the transport.
type Sender interface {
	Send(frame []byte) error
}

// Caller issues one request and waits for its resolution.
type Caller interface {
	Call(ctx context.Context, method string, params any) (Result, error)
}

type Config struct {
	RequestTimeout time.Duration
	SweepInterval  time.Duration
}

// Call is the handle for one in-flight request. It is resolved exactly once.
type Call struct {
	Method     string
	Nonce      string
	EnqueuedAt time.Time

	done   chan struct{}
	result Result
	err    error
}

// Done is closed once the call has been resolved or rejected.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the resolution. Only valid after Done is closed.
func (c *Call) Result() (Result, error) { return c.result, c.err }

// Manager owns the pending-request table.
type Manager struct {
	cfg    Config
	sender Sender
	clock  util.Clock
	log    *zap.SugaredLogger

	mu       sync.Mutex
	pending  map[string]*Call
	onPush   func(push.Event)
	onReauth func(*Error)
}

func NewManager(cfg Config, sender Sender, clock util.Clock, logger *zap.SugaredLogger) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if clock == nil {
		clock = util.RealClock()
	}
	return &Manager{
		cfg:     cfg,
		sender:  sender,
		clock:   clock,
		log:     util.OrNop(logger),
		pending: make(map[string]*Call),
	}
}

// OnPush sets where push frames go. Without one they are logged and dropped.
func (m *Manager) OnPush(fn func(push.Event)) {
	m.mu.Lock()
	m.onPush = fn
	m.mu.Unlock()
}

// OnReauth is called for every request rejected with a 401.
func (m *Manager) OnReauth(fn func(*Error)) {
	m.mu.Lock()
	m.onReauth = fn
	m.mu.Unlock()
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Go registers and sends req without waiting. An empty nonce is generated.
func (m *Manager) Go(req Request) *Call {
	if req.Nonce == "" {
		req.Nonce = xid.New().String()
	}
	call := &Call{
		Method:     req.Method,
		Nonce:      req.Nonce,
		EnqueuedAt: m.clock.Now(),
		done:       make(chan struct{}),
	}

	frame, err := json.Marshal(req)
	if err != nil {
		call.err = &Error{Kind: KindProtocol, Method: req.Method, Nonce: req.Nonce, Err: fmt.Errorf("encode params: %w", err)}
		close(call.done)
		return call
	}

	m.mu.Lock()
	if _, dup := m.pending[req.Nonce]; dup {
		m.mu.Unlock()
		call.err = &Error{Kind: KindProtocol, Method: req.Method, Nonce: req.Nonce, Err: ErrDuplicateNonce}
		close(call.done)
		return call
	}
	m.pending[req.Nonce] = call
	metrics.PendingRequests.Set(float64(len(m.pending)))
	m.mu.Unlock()

	m.log.Debugw("rpc_enqueued", "method", req.Method, "nonce", req.Nonce)
	if err := m.sender.Send(frame); err != nil {
		m.finish(req.Nonce, Result{}, &Error{Kind: KindTransport, Method: req.Method, Nonce: req.Nonce, Err: err})
	}
	return call
}

// Call sends a request and blocks until it resolves or ctx ends. A cancelled ctx rejects
// the pending entry so it cannot resolve later.
func (m *Manager) Call(ctx context.Context, method string, params any) (Result, error) {
	call := m.Go(Request{Method: method, Params: params})
	return m.Wait(ctx, call)
}

func (m *Manager) Wait(ctx context.Context, call *Call) (Result, error) {
	select {
	case <-call.done:
	case <-ctx.Done():
		m.finish(call.Nonce, Result{}, fmt.Errorf("rpc %s (%s): %w", call.Method, call.Nonce, ctx.Err()))
		<-call.done
	}
	return call.result, call.err
}

// Receive routes one inbound frame. Pushes come in two shapes: {type:"push", method, nonce, data}
// and the older {type:<event>, data} without a nonce.
func (m *Manager) Receive(f transport.Frame) {
	typ := f.String("type")
	nonce := f.String("nonce")

	switch {
	case typ == "push":
		m.push(push.Event{Name: f.String("method"), Nonce: nonce, Payload: f.Raw("data")})
		return
	case nonce != "" && m.has(nonce):
		m.resolve(f, nonce)
		return
	case typ != "":
		m.push(push.Event{Name: typ, Nonce: nonce, Payload: f.Raw("data"), Legacy: true})
		return
	}
	m.log.Warnw("rpc_unmatched_response", "nonce", nonce, "method", f.String("method"))
}

func (m *Manager) has(nonce string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[nonce]
	return ok
}

func (m *Manager) push(ev push.Event) {
	m.mu.Lock()
	fn := m.onPush
	m.mu.Unlock()
	if fn == nil {
		m.log.Warnw("push_dropped", "event", ev.Name)
		return
	}
	fn(ev)
}

func (m *Manager) resolve(f transport.Frame, nonce string) {
	code, _ := f.Int("code")
	method := f.String("method")
	data := f.Raw("data")
	if code == CodeOK {
		m.finish(nonce, Result{Success: true, Data: data}, nil)
		return
	}

	rerr := &Error{
		Kind:    KindProtocol,
		Code:    code,
		Method:  method,
		Nonce:   nonce,
		Message: f.String("message"),
		Data:    data,
	}
	if code == CodeUnauthorized {
		rerr.Kind = KindReauth
		var rd reauthData
		if len(data) > 0 && json.Unmarshal(data, &rd) == nil {
			rerr.NextAction = rd.NextAction
		}
	}
	if !m.finish(nonce, Result{}, rerr) {
		return
	}
	if rerr.Kind == KindReauth {
		m.mu.Lock()
		fn := m.onReauth
		m.mu.Unlock()
		if fn != nil {
			fn(rerr)
		}
	}
}

// finish removes nonce from the table and settles its call. It reports false when the
// entry was already gone, which is what makes resolution happen exactly once.
func (m *Manager) finish(nonce string, res Result, err error) bool {
	m.mu.Lock()
	call, ok := m.pending[nonce]
	if ok {
		delete(m.pending, nonce)
		metrics.PendingRequests.Set(float64(len(m.pending)))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	call.result, call.err = res, err
	close(call.done)

	metrics.RequestOutcomes.WithLabelValues(Classify(err)).Inc()
	if err != nil {
		m.log.Debugw("rpc_rejected", "method", call.Method, "nonce", nonce, "err", err)
	}
	return true
}

// Sweep rejects every request older than the configured timeout and returns how many.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*Call
	for _, c := range m.pending {
		if now.Sub(c.EnqueuedAt) >= m.cfg.RequestTimeout {
			expired = append(expired, c)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, c := range expired {
		err := &Error{Kind: KindTimeout, Method: c.Method, Nonce: c.Nonce,
			Message: fmt.Sprintf("no response after %s", m.cfg.RequestTimeout)}
		if m.finish(c.Nonce, Result{}, err) {
			n++
		}
	}
	if n > 0 {
		m.log.Warnw("rpc_swept", "expired", n)
	}
	return n
}

// RejectAll fails every pending request with kind, typically KindDisconnected.
func (m *Manager) RejectAll(kind Kind, cause error) int {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.pending))
	for _, c := range m.pending {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	n := 0
	for _, c := range calls {
		if m.finish(c.Nonce, Result{}, &Error{Kind: kind, Method: c.Method, Nonce: c.Nonce, Err: cause}) {
			n++
		}
	}
	return n
}

// RunSweeper sweeps on every SweepInterval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
