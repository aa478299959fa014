// Package session wires the transport, request correlation, push ingestion, order book and
// settlement engines into one handle per logged-in session.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/magnaflowlabs/merchant-tools/params"
	"github.com/magnaflowlabs/merchant-tools/pkg/batcher"
	"github.com/magnaflowlabs/merchant-tools/pkg/chain"
	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/push"
	"github.com/magnaflowlabs/merchant-tools/pkg/rpc"
	"github.com/magnaflowlabs/merchant-tools/pkg/settlement"
	"github.com/magnaflowlabs/merchant-tools/pkg/storage"
	"github.com/magnaflowlabs/merchant-tools/pkg/transport"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

const resubscribeTimeout = 10 * time.Second

// AuthHandler decides what to do when the remote asks for re-authentication. nextAction is
// the remote's hint, e.g. "password_required" or "passkey_required". It must not block.
type AuthHandler interface {
	Reauth(method, nextAction string)
}

type AuthHandlerFunc func(method, nextAction string)

func (f AuthHandlerFunc) Reauth(method, nextAction string) { f(method, nextAction) }

type Deps struct {
	Chain    chain.Client
	Journal  storage.Journal
	WAL      storage.WAL
	Notifier settlement.Notifier
	Auth     AuthHandler
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

// Session is the single owner of every per-session component.
type Session struct {
	cfg  params.Config
	deps Deps
	log  *zap.SugaredLogger

	Transport  *transport.Transport
	RPC        *rpc.Manager
	Dispatcher *push.Dispatcher
	Book       *orders.Book
	Ingest     *orders.Ingest
	Locks      *rpc.LockClient
	Supervisor *Supervisor

	mu        sync.Mutex
	events    []string // active subscriptions on the current chain
	collector *settlement.Engine
	payouts   *settlement.PayoutBatch
}

func New(cfg params.Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = util.RealClock()
	}
	if deps.Journal == nil {
		deps.Journal = storage.NewMemJournal()
	}
	if deps.WAL == nil {
		deps.WAL = storage.NewNopWAL()
	}
	log := util.OrNop(deps.Logger)
	deps.Logger = log
	if deps.Notifier == nil {
		deps.Notifier = settlement.NewLogNotifier(log)
	}
	if deps.Auth == nil {
		deps.Auth = AuthHandlerFunc(func(method, next string) {
			log.Warnw("auth_reauth_unhandled", "method", method, "next_action", next)
		})
	}

	s := &Session{cfg: cfg, deps: deps, log: log}
	s.Transport = transport.New(transport.Config{
		MaxFrameBytes: cfg.Transport.MaxFrameBytes,
		WriteTimeout:  cfg.Transport.WriteTimeout,
		DialTimeout:   cfg.Transport.DialTimeout,
	}, transport.Events{}, deps.Clock, log.With("component", "transport"))
	s.RPC = rpc.NewManager(rpc.Config{
		RequestTimeout: cfg.RPC.RequestTimeout,
		SweepInterval:  cfg.RPC.SweepInterval,
	}, s.Transport, deps.Clock, log.With("component", "rpc"))
	s.Dispatcher = push.NewDispatcher(log.With("component", "push"))
	s.Book = orders.NewBook(cfg.Node.Chain, cfg.Node.ShardCount)
	s.Ingest = orders.NewIngest(s.Book, batcher.Config{
		MaxSize:    cfg.Batch.MaxSize,
		FlushDelay: cfg.Batch.FlushDelay,
	}, deps.Clock, log.With("component", "ingest"))
	s.Locks = rpc.NewLockClient(s.RPC)
	s.Supervisor = NewSupervisor(SupervisorConfig{
		Tick:           cfg.Heartbeat.Tick,
		PingInterval:   cfg.Heartbeat.PingInterval,
		ReceiveTimeout: cfg.Heartbeat.ReceiveTimeout(),
		BaseDelay:      cfg.Heartbeat.BaseDelay,
		MaxDelay:       cfg.Heartbeat.MaxDelay,
		MaxAttempts:    cfg.Heartbeat.MaxAttempts,
	}, s.Transport, s.ping, s.RPC, deps.Notifier, deps.Clock, log.With("component", "supervisor"))

	s.Transport.SetEvents(transport.Events{
		OnConnected: func() { go s.resubscribe() },
		OnDisconnected: func(err error) {
			cause := err
			if cause == nil {
				cause = rpc.ErrDisconnected
			}
			if n := s.RPC.RejectAll(rpc.KindDisconnected, cause); n > 0 {
				s.log.Infow("rpc_rejected_on_disconnect", "count", n)
			}
		},
		OnFrame: s.RPC.Receive,
		OnError: func(err error) { s.log.Debugw("ws_error", "err", err) },
	})
	s.RPC.OnPush(func(ev push.Event) { s.Dispatcher.Dispatch(ev) })
	s.RPC.OnReauth(func(e *rpc.Error) { s.deps.Auth.Reauth(e.Method, e.NextAction) })
	s.Ingest.Register(s.Dispatcher)
	s.buildEngines(cfg.Node.Chain)
	return s
}

func (s *Session) buildEngines(chainName string) {
	deps := settlement.Deps{
		Book:     s.Book,
		Chain:    s.deps.Chain,
		Locker:   s.Locks,
		Journal:  s.deps.Journal,
		WAL:      s.deps.WAL,
		Notifier: s.deps.Notifier,
		Clock:    s.deps.Clock,
		Logger:   s.log,
	}
	st := s.cfg.Settlement
	collector := settlement.NewEngine(settlement.Config{
		Chain:        chainName,
		Token:        st.Token,
		MinValue:     st.MinValue,
		ItemDelay:    st.ItemDelay,
		MaxRetries:   st.MaxRetries,
		RetryBackoff: st.RetryBackoff,
		PollInterval: st.PollInterval,
	}, deps)
	payouts := settlement.NewPayoutBatch(settlement.PayoutConfig{
		Chain:        chainName,
		Token:        st.Token,
		MaxBatch:     st.PayoutBatchSize,
		MaxRetries:   st.MaxRetries,
		RetryBackoff: st.RetryBackoff,
		PollInterval: st.PollInterval,
	}, deps)

	s.mu.Lock()
	s.collector, s.payouts = collector, payouts
	s.mu.Unlock()
}

func (s *Session) Collector() *settlement.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collector
}

func (s *Session) Payouts() *settlement.PayoutBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payouts
}

func (s *Session) Chain() string { return s.Book.Chain() }

// Connect dials url and keeps it connected until Disconnect or Logout.
func (s *Session) Connect(ctx context.Context, url string) error {
	return s.Supervisor.Start(ctx, url)
}

// Disconnect closes the connection and rejects every pending request.
func (s *Session) Disconnect() {
	s.Supervisor.Disconnect()
}

// Run drives the request sweeper and the supervisor until ctx ends or reconnection gives
// up, in which case it returns ErrMaxReconnect and the caller should end the session.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.RPC.RunSweeper(ctx) })
	g.Go(func() error { return s.Supervisor.Run(ctx) })
	err := g.Wait()

	s.StopSettlement()
	if errors.Is(err, ErrMaxReconnect) {
		s.Supervisor.Disconnect()
		return err
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) ping() {
	call := s.RPC.Go(rpc.Request{Method: rpc.MethodPing})
	go func() {
		<-call.Done()
		if _, err := call.Result(); err != nil {
			s.log.Debugw("hb_ping_failed", "err", err)
		}
	}()
}

// Subscribe asks for events on the current chain and remembers them for reconnects. Events
// that failed only because the link is down are still remembered and sent on connect.
func (s *Session) Subscribe(ctx context.Context, events ...string) error {
	err := rpc.Subscribe(ctx, s.RPC, s.Chain(), events)
	if err != nil && !errors.Is(err, rpc.ErrTransport) && !errors.Is(err, rpc.ErrDisconnected) {
		return err
	}
	s.mu.Lock()
	for _, ev := range events {
		if !slices.Contains(s.events, ev) {
			s.events = append(s.events, ev)
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warnw("subscribe_deferred", "chain", s.Chain(), "events", events, "err", err)
		return err
	}
	s.log.Infow("subscribed", "chain", s.Chain(), "events", events)
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, events ...string) error {
	s.mu.Lock()
	s.events = slices.DeleteFunc(s.events, func(ev string) bool { return slices.Contains(events, ev) })
	s.mu.Unlock()
	return rpc.Unsubscribe(ctx, s.RPC, s.Chain(), events)
}

func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Session) resubscribe() {
	events := s.Subscriptions()
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
	defer cancel()
	if err := rpc.Subscribe(ctx, s.RPC, s.Chain(), events); err != nil {
		s.log.Warnw("resubscribe_failed", "chain", s.Chain(), "events", events, "err", err)
		return
	}
	s.log.Infow("resubscribed", "chain", s.Chain(), "events", events)
}

// SwitchChain moves the session to another chain: settlement stops, buffered pushes and
// the book are dropped, and active subscriptions move with it.
func (s *Session) SwitchChain(ctx context.Context, chainName string) error {
	prev := s.Chain()
	if chainName == prev {
		return nil
	}
	s.StopSettlement()
	s.Ingest.Reset()

	events := s.Subscriptions()
	if len(events) > 0 && s.Transport.State() == transport.StateConnected {
		if err := rpc.Unsubscribe(ctx, s.RPC, prev, events); err != nil {
			s.log.Warnw("unsubscribe_failed", "chain", prev, "err", err)
		}
	}

	s.Book.SetChain(chainName)
	s.buildEngines(chainName)
	s.log.Infow("chain_switched", "from", prev, "to", chainName)

	if len(events) == 0 || s.Transport.State() != transport.StateConnected {
		return nil
	}
	return rpc.Subscribe(ctx, s.RPC, chainName, events)
}

// Logout stops everything, forgets subscriptions and book contents, and disconnects.
func (s *Session) Logout() {
	s.StopSettlement()
	s.Ingest.Reset()
	s.Book.Reset()
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
	s.Supervisor.Disconnect()
	s.log.Infow("logged_out")
}

// StartSettlement starts the automatic collection and payout loops.
func (s *Session) StartSettlement(ctx context.Context) {
	s.Collector().StartAuto(ctx)
	s.Payouts().StartAuto(ctx)
}

func (s *Session) StopSettlement() {
	s.Collector().StopAuto()
	s.Payouts().StopAuto()
}

// Status is a point-in-time summary for diagnostics.
type Status struct {
	State         string   `json:"state"`
	URL           string   `json:"url"`
	Chain         string   `json:"chain"`
	Pending       int      `json:"pending_requests"`
	Reconnects    int      `json:"reconnect_attempts"`
	Collections   int      `json:"collection_orders"`
	Payouts       int      `json:"payout_orders"`
	Version       uint64   `json:"version"`
	Collecting    bool     `json:"collecting"`
	Queued        int      `json:"queued"`
	Subscriptions []string `json:"subscriptions"`
}

func (s *Session) Status() Status {
	c := s.Collector()
	return Status{
		State:         s.Transport.State().String(),
		URL:           s.Supervisor.Target(),
		Chain:         s.Chain(),
		Pending:       s.RPC.Pending(),
		Reconnects:    s.Supervisor.Attempts(),
		Collections:   s.Book.Collection.Len(),
		Payouts:       s.Book.Payout.Len(),
		Version:       s.Book.Version(),
		Collecting:    c.AutoRunning(),
		Queued:        c.Queue().Len(),
		Subscriptions: s.Subscriptions(),
	}
}
