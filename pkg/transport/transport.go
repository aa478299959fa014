// Package transport owns the single duplex websocket to the remote authority.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/metrics"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Events are lifecycle hooks. OnFrame and OnError for inbound data run on the read goroutine,
// so frames are delivered in arrival order. Any hook may be nil.
type Events struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnFrame        func(Frame)
	OnError        func(err error)
}

type Config struct {
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	DialTimeout   time.Duration
	SendBuffer    int
	Header        http.Header
}

type Transport struct {
	cfg    Config
	events Events
	log    *zap.SugaredLogger
	clock  util.Clock
	dialer *websocket.Dialer

	mu    sync.Mutex
	state atomic.Int32
	gen   uint64 // bumped by Disconnect to abandon in-flight dials
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}

	lastSent atomic.Int64 // unix nanos
	lastRecv atomic.Int64
}

func New(cfg Config, events Events, clock util.Clock, logger *zap.SugaredLogger) *Transport {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = util.RealClock()
	}
	return &Transport{
		cfg:    cfg,
		events: events,
		log:    util.OrNop(logger),
		clock:  clock,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// SetEvents replaces the lifecycle hooks. Call it before the first Connect.
func (t *Transport) SetEvents(e Events) {
	t.mu.Lock()
	t.events = e
	t.mu.Unlock()
}

func (t *Transport) State() State { return State(t.state.Load()) }

func (t *Transport) LastSent() time.Time     { return time.Unix(0, t.lastSent.Load()) }
func (t *Transport) LastReceived() time.Time { return time.Unix(0, t.lastRecv.Load()) }

// Connect dials url. It is a no-op while already connecting or connected.
func (t *Transport) Connect(ctx context.Context, url string) error {
	t.mu.Lock()
	if t.State() != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state.Store(int32(StateConnecting))
	gen := t.gen
	t.mu.Unlock()

	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}
	conn, _, err := t.dialer.DialContext(ctx, url, t.cfg.Header)
	if err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.state.Store(int32(StateDisconnected))
		}
		t.mu.Unlock()
		metrics.TransportErrors.WithLabelValues("dial").Inc()
		t.emitError(err)
		return err
	}

	t.mu.Lock()
	if t.gen != gen {
		// Disconnect ran while dialing.
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if t.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(t.cfg.MaxFrameBytes)
	}
	conn.SetPongHandler(func(string) error {
		t.lastRecv.Store(t.clock.Now().UnixNano())
		return nil
	})
	send := make(chan []byte, t.cfg.SendBuffer)
	done := make(chan struct{})
	t.conn, t.send, t.done = conn, send, done
	now := t.clock.Now().UnixNano()
	t.lastSent.Store(now)
	t.lastRecv.Store(now)
	t.state.Store(int32(StateConnected))
	t.mu.Unlock()

	go t.writePump(conn, send, done)
	go t.readPump(conn)

	t.log.Infow("ws_connected", "url", url)
	if t.events.OnConnected != nil {
		t.events.OnConnected()
	}
	return nil
}

// Send queues an outbound text frame.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	send, done := t.send, t.done
	connected := t.State() == StateConnected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	select {
	case <-done:
		return ErrNotConnected
	default:
	}
	select {
	case send <- frame:
		t.lastSent.Store(t.clock.Now().UnixNano())
		return nil
	case <-done:
		return ErrNotConnected
	default:
		return ErrSendBuffer
	}
}

// Disconnect closes the connection unconditionally. Calling it again is a no-op.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	conn := t.conn
	if conn == nil {
		t.state.Store(int32(StateDisconnected))
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.teardown(conn, nil)
}

// teardown releases conn once; later calls for the same or a stale conn are ignored.
func (t *Transport) teardown(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	close(t.done)
	t.state.Store(int32(StateDisconnected))
	t.mu.Unlock()

	conn.Close()
	if cause != nil {
		t.log.Warnw("ws_disconnected", "err", cause)
	} else {
		t.log.Infow("ws_disconnected")
	}
	if t.events.OnDisconnected != nil {
		t.events.OnDisconnected(cause)
	}
}

func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				metrics.TransportErrors.WithLabelValues("oversize").Inc()
				err = ErrFrameTooLarge
				t.emitError(err)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				metrics.TransportErrors.WithLabelValues("read").Inc()
			}
			t.teardown(conn, err)
			return
		}
		t.lastRecv.Store(t.clock.Now().UnixNano())

		frame, err := ParseFrame(data, t.cfg.MaxFrameBytes)
		if err != nil {
			metrics.TransportErrors.WithLabelValues("malformed").Inc()
			t.log.Warnw("ws_frame_rejected", "err", err, "bytes", len(data))
			t.emitError(err)
			t.teardown(conn, err)
			return
		}
		if t.events.OnFrame != nil {
			t.events.OnFrame(frame)
		}
	}
}

func (t *Transport) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				metrics.TransportErrors.WithLabelValues("write").Inc()
				t.emitError(err)
				t.teardown(conn, err)
				return
			}
		case <-done:
			return
		}
	}
}

func (t *Transport) emitError(err error) {
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
}
