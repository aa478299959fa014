package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/metrics"
	"github.com/magnaflowlabs/merchant-tools/pkg/rpc"
	"github.com/magnaflowlabs/merchant-tools/pkg/settlement"
	"github.com/magnaflowlabs/merchant-tools/pkg/transport"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

var (
	ErrMaxReconnect = errors.New("session: max reconnect attempts reached")
	ErrClosed       = errors.New("session: disconnected by caller")
)

// Link is the connection the supervisor keeps alive.
type Link interface {
	Connect(ctx context.Context, url string) error
	Disconnect()
	State() transport.State
	LastSent() time.Time
	LastReceived() time.Time
}

// Rejecter fails every outstanding request.
type Rejecter interface {
	RejectAll(kind rpc.Kind, cause error) int
}

type SupervisorConfig struct {
	Tick           time.Duration
	PingInterval   time.Duration
	ReceiveTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
}

// Supervisor probes a live connection and reconnects a dead one with capped exponential
// backoff. All decisions happen in Tick so a mock clock can drive it step by step.
type Supervisor struct {
	cfg      SupervisorConfig
	link     Link
	ping     func()
	pending  Rejecter
	notifier settlement.Notifier
	clock    util.Clock
	log      *zap.SugaredLogger

	mu          sync.Mutex
	url         string
	attempts    int
	lastAttempt time.Time // zero until the loss of a connection is first observed
	halted      bool
	haltedCh    chan struct{}
}

func NewSupervisor(cfg SupervisorConfig, link Link, ping func(), pending Rejecter, notifier settlement.Notifier, clock util.Clock, logger *zap.SugaredLogger) *Supervisor {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if clock == nil {
		clock = util.RealClock()
	}
	if notifier == nil {
		notifier = settlement.NotifierFunc(func(settlement.Notification) {})
	}
	return &Supervisor{
		cfg:      cfg,
		link:     link,
		ping:     ping,
		pending:  pending,
		notifier: notifier,
		clock:    clock,
		log:      util.OrNop(logger),
		haltedCh: make(chan struct{}),
	}
}

// Backoff is the wait before attempt k (1-based): min(base*2^(k-1), max).
func (s *Supervisor) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := s.cfg.BaseDelay
	for i := 1; i < k; i++ {
		d *= 2
		if d >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	return min(d, s.cfg.MaxDelay)
}

// Start sets the target URL and dials it once. A failed dial is retried by Tick.
func (s *Supervisor) Start(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return ErrMaxReconnect
	}
	s.url = url
	s.attempts = 0
	s.lastAttempt = time.Time{}
	s.mu.Unlock()

	if err := s.link.Connect(ctx, url); err != nil {
		s.log.Warnw("ws_connect_failed", "url", url, "err", err)
		return err
	}
	return nil
}

// Disconnect clears the target, closes the link and rejects every pending request.
// Nothing reconnects until the next Start.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.url = ""
	s.attempts = 0
	s.lastAttempt = time.Time{}
	s.mu.Unlock()

	s.link.Disconnect()
	if s.pending != nil {
		if n := s.pending.RejectAll(rpc.KindDisconnected, ErrClosed); n > 0 {
			s.log.Infow("rpc_rejected_on_disconnect", "count", n)
		}
	}
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Halted is closed once the attempt budget is spent.
func (s *Supervisor) Halted() <-chan struct{} { return s.haltedCh }

// Tick runs one step of the heartbeat/reconnect state machine at now.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	url, halted := s.url, s.halted
	s.mu.Unlock()
	if url == "" || halted {
		return
	}

	switch s.link.State() {
	case transport.StateConnected:
		s.connectedTick(now)
	case transport.StateDisconnected:
		s.reconnectTick(ctx, now, url)
	}
}

func (s *Supervisor) connectedTick(now time.Time) {
	s.mu.Lock()
	if s.attempts > 0 || !s.lastAttempt.IsZero() {
		s.log.Infow("ws_reconnected", "attempts", s.attempts)
		s.attempts = 0
		s.lastAttempt = time.Time{}
	}
	s.mu.Unlock()

	if silent := now.Sub(s.link.LastReceived()); s.cfg.ReceiveTimeout > 0 && silent >= s.cfg.ReceiveTimeout {
		s.log.Warnw("hb_receive_timeout", "silent", silent)
		s.link.Disconnect()
		return
	}
	if idle := now.Sub(s.link.LastSent()); s.cfg.PingInterval > 0 && idle >= s.cfg.PingInterval && s.ping != nil {
		s.log.Debugw("hb_ping", "idle", idle)
		s.ping()
	}
}

func (s *Supervisor) reconnectTick(ctx context.Context, now time.Time, url string) {
	s.mu.Lock()
	if s.lastAttempt.IsZero() {
		// first tick after the loss; attempt 1 waits one base delay from here
		s.lastAttempt = now
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		s.halted = true
		close(s.haltedCh)
		attempts := s.attempts
		s.mu.Unlock()

		s.log.Errorw("max_reconnect_reached", "attempts", attempts, "url", url)
		s.notifier.Notify(settlement.Notification{
			Kind:    "max_reconnect_reached",
			Message: fmt.Sprintf("gave up reconnecting to %s after %d attempts", url, attempts),
		})
		return
	}
	next := s.attempts + 1
	if wait := s.Backoff(next); now.Sub(s.lastAttempt) < wait {
		s.mu.Unlock()
		return
	}
	s.attempts = next
	s.lastAttempt = now
	s.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	s.log.Infow("ws_reconnect_attempt", "attempt", next, "max", s.cfg.MaxAttempts)
	if err := s.link.Connect(ctx, url); err != nil {
		s.log.Warnw("ws_reconnect_failed", "attempt", next, "err", err)
	}
}

// Run ticks until ctx ends or the supervisor halts.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.haltedCh:
			return ErrMaxReconnect
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}
