package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnaflowlabs/merchant-tools/pkg/push"
	"github.com/magnaflowlabs/merchant-tools/pkg/transport"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []Request
	err    error
}

func (s *fakeSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var r Request
	if err := json.Unmarshal(frame, &r); err != nil {
		return err
	}
	s.frames = append(s.frames, r)
	return nil
}

func (s *fakeSender) sent() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.frames...)
}

func frame(t *testing.T, s string) transport.Frame {
	t.Helper()
	f, err := transport.ParseFrame([]byte(s), 0)
	require.NoError(t, err)
	return f
}

func isDone(c *Call) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func newManager(t *testing.T) (*Manager, *fakeSender, *clock.Mock) {
	t.Helper()
	s := &fakeSender{}
	mock := clock.NewMock()
	m := NewManager(Config{RequestTimeout: 30 * time.Second, SweepInterval: time.Second}, s, mock, nil)
	return m, s, mock
}

func TestGoGeneratesNonceAndSends(t *testing.T) {
	m, s, _ := newManager(t)
	call := m.Go(Request{Method: MethodPing})

	require.NotEmpty(t, call.Nonce)
	sent := s.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, call.Nonce, sent[0].Nonce)
	assert.Equal(t, MethodPing, sent[0].Method)
	assert.Equal(t, 1, m.Pending())
	assert.False(t, isDone(call))
}

func TestResolveSuccess(t *testing.T) {
	m, _, _ := newManager(t)
	call := m.Go(Request{Method: "get_orders", Nonce: "n1"})

	m.Receive(frame(t, `{"code":200,"message":"ok","method":"get_orders","nonce":"n1","data":{"total":3}}`))

	require.True(t, isDone(call))
	res, err := call.Result()
	require.NoError(t, err)
	assert.True(t, res.Success)
	var body struct{ Total int }
	require.NoError(t, res.Decode(&body))
	assert.Equal(t, 3, body.Total)
	assert.Zero(t, m.Pending())
}

func TestReauthResponse(t *testing.T) {
	m, _, _ := newManager(t)
	var hooked *Error
	m.OnReauth(func(e *Error) { hooked = e })

	call := m.Go(Request{Method: "lock_prefix", Nonce: "n2"})
	m.Receive(frame(t, `{"code":401,"nonce":"n2","data":{"next_action":"passkey_required"}}`))

	require.True(t, isDone(call))
	_, err := call.Result()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReauth)
	assert.False(t, errors.Is(err, ErrProtocol), "re-challenge is not a generic failure")
	action, ok := IsReauth(err)
	assert.True(t, ok)
	assert.Equal(t, "passkey_required", action)
	assert.Equal(t, "reauth", Classify(err))
	require.NotNil(t, hooked)
	assert.Equal(t, "n2", hooked.Nonce)
}

func TestProtocolError(t *testing.T) {
	m, _, _ := newManager(t)
	call := m.Go(Request{Method: "lock_prefix", Nonce: "n3"})
	m.Receive(frame(t, `{"code":500,"message":"locked by another client","method":"lock_prefix","nonce":"n3"}`))

	_, err := call.Result()
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindProtocol, re.Kind)
	assert.Equal(t, 500, re.Code)
	assert.Equal(t, "locked by another client", re.Message)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDuplicateNonceRejected(t *testing.T) {
	m, s, _ := newManager(t)
	first := m.Go(Request{Method: "a", Nonce: "dup"})
	second := m.Go(Request{Method: "b", Nonce: "dup"})

	assert.False(t, isDone(first))
	require.True(t, isDone(second))
	_, err := second.Result()
	assert.ErrorIs(t, err, ErrDuplicateNonce)
	assert.Equal(t, 1, m.Pending())
	assert.Len(t, s.sent(), 1)
}

func TestSendFailureRejects(t *testing.T) {
	m, s, _ := newManager(t)
	s.err = transport.ErrNotConnected
	call := m.Go(Request{Method: MethodPing})

	require.True(t, isDone(call))
	_, err := call.Result()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Zero(t, m.Pending())
}

func TestSweepTimesOut(t *testing.T) {
	m, _, mock := newManager(t)
	old := m.Go(Request{Method: "slow", Nonce: "old"})
	mock.Add(20 * time.Second)
	fresh := m.Go(Request{Method: "slow", Nonce: "fresh"})

	mock.Add(9 * time.Second)
	assert.Zero(t, m.Sweep(mock.Now()))

	mock.Add(time.Second)
	assert.Equal(t, 1, m.Sweep(mock.Now()))
	require.True(t, isDone(old))
	assert.False(t, isDone(fresh))
	_, err := old.Result()
	assert.ErrorIs(t, err, ErrTimeout)

	// a late answer for a swept request is ignored
	m.Receive(frame(t, `{"code":200,"nonce":"old"}`))
	_, err = old.Result()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, m.Pending())
}

func TestRunSweeperUsesClock(t *testing.T) {
	m, _, mock := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- m.RunSweeper(ctx) }()

	call := m.Go(Request{Method: "slow"})
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return isDone(call)
	}, 2*time.Second, time.Millisecond)

	_, err := call.Result()
	assert.ErrorIs(t, err, ErrTimeout)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestRejectAll(t *testing.T) {
	m, _, _ := newManager(t)
	calls := []*Call{m.Go(Request{Method: "a"}), m.Go(Request{Method: "b"}), m.Go(Request{Method: "c"})}

	assert.Equal(t, 3, m.RejectAll(KindDisconnected, transport.ErrClosed))
	assert.Zero(t, m.RejectAll(KindDisconnected, nil))
	for _, c := range calls {
		require.True(t, isDone(c))
		_, err := c.Result()
		assert.ErrorIs(t, err, ErrDisconnected)
	}
}

func TestWaitCancelled(t *testing.T) {
	m, _, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Call(ctx, "never", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Pending())
}

func TestPushClassification(t *testing.T) {
	m, _, _ := newManager(t)
	var got []push.Event
	m.OnPush(func(ev push.Event) { got = append(got, ev) })
	pending := m.Go(Request{Method: "x", Nonce: "n1"})

	m.Receive(frame(t, `{"type":"push","method":"kit_collection_orders","nonce":"n1","data":{"list":[]}}`))
	m.Receive(frame(t, `{"type":"kit_payout_orders","data":[1]}`))
	m.Receive(frame(t, `{"code":200,"nonce":"nobody"}`))

	require.Len(t, got, 2)
	assert.Equal(t, "kit_collection_orders", got[0].Name)
	assert.Equal(t, "n1", got[0].Nonce)
	assert.False(t, got[0].Legacy)
	assert.JSONEq(t, `{"list":[]}`, string(got[0].Payload))
	assert.Equal(t, "kit_payout_orders", got[1].Name)
	assert.True(t, got[1].Legacy)
	assert.False(t, isDone(pending), "a push sharing a nonce must not resolve the request")
}

// Every request settles exactly once no matter which path gets there first.
func TestExactlyOnceUnderRace(t *testing.T) {
	m, _, mock := newManager(t)
	const n = 200
	calls := make([]*Call, n)
	replies := make([]transport.Frame, n)
	for i := range calls {
		calls[i] = m.Go(Request{Method: "race", Nonce: fmt.Sprintf("r%d", i)})
		replies[i] = frame(t, fmt.Sprintf(`{"code":200,"nonce":"r%d"}`, i))
	}
	mock.Add(time.Minute)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, f := range replies {
			m.Receive(f)
		}
	}()
	go func() { defer wg.Done(); m.Sweep(mock.Now()) }()
	go func() { defer wg.Done(); m.RejectAll(KindDisconnected, nil) }()
	wg.Wait()

	for _, c := range calls {
		require.True(t, isDone(c))
		res, err := c.Result()
		assert.True(t, res.Success != (err != nil))
	}
	assert.Zero(t, m.Pending())
}
