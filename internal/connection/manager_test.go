package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	mu          sync.Mutex
	h           Handlers
	started     bool
	finished    bool
	pending     *closeReport
	sent        [][]byte
	sendErr     error
	closeCalls  int
	closeCode   int
	closeReason string
}

type closeReport struct {
	ev  CloseEvent
	err error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) Start(h Handlers) {
	t.mu.Lock()
	t.h = h
	t.started = true
	p := t.pending
	t.pending = nil
	t.mu.Unlock()

	if p != nil {
		go h.OnClose(p.ev, p.err)
	}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sendErr != nil {
		return t.sendErr
	}
	if t.finished {
		return ErrNotConnected
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	t.closeCalls++
	if t.finished {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	t.closeCode = code
	t.closeReason = reason
	t.mu.Unlock()

	t.report(CloseEvent{Code: code, Reason: reason, WasClean: true}, nil)
	return nil
}

// report delivers the close event once, deferring it until Start when needed.
func (t *fakeTransport) report(ev CloseEvent, err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	if !t.started {
		t.pending = &closeReport{ev: ev, err: err}
		t.mu.Unlock()
		return
	}
	h := t.h
	t.mu.Unlock()

	go h.OnClose(ev, err)
}

func (t *fakeTransport) deliver(data string) {
	t.mu.Lock()
	h := t.h
	t.mu.Unlock()
	h.OnMessage([]byte(data), time.Now())
}

func (t *fakeTransport) remoteClose(code int, reason string) {
	t.report(CloseEvent{Code: code, Reason: reason, WasClean: true}, nil)
}

func (t *fakeTransport) drop(err error) {
	t.report(CloseEvent{Code: CloseAbnormalClosure, Reason: err.Error()}, err)
}

func (t *fakeTransport) sentFrames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, b := range t.sent {
		out[i] = string(b)
	}
	return out
}

func (t *fakeTransport) closed() (calls, code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls, t.closeCode, t.closeReason
}

type dialResult struct {
	transport *fakeTransport
	err       error
}

// fakeDialer hands out scripted results, then fresh transports.
type fakeDialer struct {
	mu         sync.Mutex
	results    []dialResult
	urls       []string
	headers    []http.Header
	transports []*fakeTransport
	gate       chan struct{} // Dial blocks until closed when set
	honorCtx   bool          // Gated dials return early on ctx cancellation
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	r := dialResult{transport: newFakeTransport()}
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		if d.honorCtx {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}

	if r.err != nil {
		return nil, r.err
	}

	d.mu.Lock()
	d.transports = append(d.transports, r.transport)
	d.mu.Unlock()
	return r.transport, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

// callLog is a point-in-time copy of recorded callbacks.
type callLog struct {
	log      []string
	messages []Message
	errs     []error
	closes   []CloseEvent
	attempts []ReconnectAttempt
	stops    []StopReason
	opens    int
	sockets  []*Manager
}

// recorder captures callbacks in arrival order.
type recorder struct {
	mu sync.Mutex
	c  callLog
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(msg Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.c.messages = append(r.c.messages, msg)
			r.c.log = append(r.c.log, "message")
		},
		OnOpen: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.c.opens++
			r.c.log = append(r.c.log, "open")
		},
		OnClose: func(ev CloseEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.c.closes = append(r.c.closes, ev)
			r.c.log = append(r.c.log, fmt.Sprintf("close:%d", ev.Code))
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.c.errs = append(r.c.errs, err)
			r.c.log = append(r.c.log, "error")
		},
		OnSocketChange: func(m *Manager) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.c.sockets = append(r.c.sockets, m)
			r.c.log = append(r.c.log, "socket")
		},
		OnReconnectAttempt: func(a ReconnectAttempt) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.c.attempts = append(r.c.attempts, a)
			r.c.log = append(r.c.log, fmt.Sprintf("attempt:%d", a.Attempt))
		},
		OnReconnectStop: func(reason StopReason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.c.stops = append(r.c.stops, reason)
			r.c.log = append(r.c.log, "stop:"+string(reason))
		},
	}
}

func (r *recorder) snapshot() callLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return callLog{
		log:      append([]string(nil), r.c.log...),
		messages: append([]Message(nil), r.c.messages...),
		errs:     append([]error(nil), r.c.errs...),
		closes:   append([]CloseEvent(nil), r.c.closes...),
		attempts: append([]ReconnectAttempt(nil), r.c.attempts...),
		stops:    append([]StopReason(nil), r.c.stops...),
		opens:    r.c.opens,
		sockets:  append([]*Manager(nil), r.c.sockets...),
	}
}

func (r *recorder) openCount() int {
	return r.snapshot().opens
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectFake(t *testing.T, d *fakeDialer, token string, cb Callbacks, p Policy, opts ...Option) *Manager {
	t.Helper()

	base := []Option{
		WithDialer(d),
		WithLogger(testLogger()),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	}
	m, err := Connect(context.Background(), "general", token, cb, p, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Disconnect()
		waitDone(t, m)
	})
	return m
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(waitTimeout):
		t.Fatal("manager did not stop")
	}
}

func waitOpen(t *testing.T, rec *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.openCount() >= n }, waitTimeout, 5*time.Millisecond)
}

func retryPolicy(maxAttempts int, initial time.Duration) Policy {
	return Policy{
		AutoReconnect: true,
		MaxAttempts:   maxAttempts,
		InitialDelay:  initial,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	}
}

func TestManagerOpenSequence(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	cb := rec.callbacks()

	var sentAtOpen []string
	onOpen := cb.OnOpen
	cb.OnOpen = func() {
		sentAtOpen = d.transport(0).sentFrames()
		onOpen()
	}

	m := connectFake(t, d, "tok", cb, DefaultPolicy())
	waitOpen(t, rec, 1)

	snap := rec.snapshot()
	assert.Equal(t, []string{"socket", "open"}, snap.log)
	require.Len(t, snap.sockets, 1)
	assert.Same(t, m, snap.sockets[0])

	require.Len(t, sentAtOpen, 1, "auth frame must be written before OnOpen")
	assert.JSONEq(t, `{"type":"auth","token":"tok"}`, sentAtOpen[0])

	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 0, m.Attempt())
	assert.Equal(t, "general", m.Target())
	assert.Equal(t, "ws://localhost:8000/ws/chat/general/", m.URL())

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.urls, 1)
	assert.Equal(t, m.URL(), d.urls[0])
	assert.True(t, strings.HasPrefix(d.headers[0].Get("User-Agent"), "chatlink/"))
}

func TestManagerWithoutTokenSkipsAuth(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	connectFake(t, d, "", rec.callbacks(), DefaultPolicy())
	waitOpen(t, rec, 1)

	assert.Empty(t, d.transport(0).sentFrames())
	assert.Empty(t, rec.snapshot().errs)
}

func TestManagerAuthFailureKeepsConnection(t *testing.T) {
	ft := newFakeTransport()
	ft.sendErr = errors.New("write: broken pipe")
	d := &fakeDialer{results: []dialResult{{transport: ft}}}
	rec := &recorder{}

	m := connectFake(t, d, "tok", rec.callbacks(), DefaultPolicy())
	waitOpen(t, rec, 1)

	snap := rec.snapshot()
	require.Len(t, snap.errs, 1)
	var sendErr *SendError
	require.ErrorAs(t, snap.errs[0], &sendErr)
	assert.True(t, sendErr.Auth)
	assert.Equal(t, []string{"socket", "error", "open"}, snap.log)
	assert.Equal(t, StateOpen, m.State())
	assert.Empty(t, snap.closes)
}

func TestManagerInboundMessages(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	connectFake(t, d, "", rec.callbacks(), DefaultPolicy())
	waitOpen(t, rec, 1)

	ft := d.transport(0)
	ft.deliver(`{"type":"message","message":"hi","username":"ann"}`)
	ft.deliver("not-json")
	ft.deliver(`  [1, 2]  `)

	require.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s.messages) == 2 && len(s.errs) == 1
	}, waitTimeout, 5*time.Millisecond)

	snap := rec.snapshot()
	assert.JSONEq(t, `{"type":"message","message":"hi","username":"ann"}`, string(snap.messages[0].Payload))
	assert.False(t, snap.messages[0].ReceivedAt.IsZero())
	assert.Equal(t, `[1, 2]`, string(snap.messages[1].Payload))

	var decodeErr *DecodeError
	require.ErrorAs(t, snap.errs[0], &decodeErr)
	assert.Equal(t, "not-json", string(decodeErr.Data))
	assert.Empty(t, snap.closes)
}

func TestManagerSend(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), DefaultPolicy())
	waitOpen(t, rec, 1)

	assert.True(t, m.Send(map[string]string{"text": "hi"}))
	assert.True(t, m.Send("plain"))

	frames := d.transport(0).sentFrames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"message":{"text":"hi"}}`, frames[0])
	assert.JSONEq(t, `{"message":"plain"}`, frames[1])
	assert.Empty(t, rec.snapshot().errs)
}

func TestManagerSendEncodeFailure(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), DefaultPolicy())
	waitOpen(t, rec, 1)

	assert.False(t, m.Send(make(chan int)))
	assert.Empty(t, d.transport(0).sentFrames())

	snap := rec.snapshot()
	require.Len(t, snap.errs, 1)
	var sendErr *SendError
	require.ErrorAs(t, snap.errs[0], &sendErr)
	assert.False(t, sendErr.Auth)
}

func TestManagerSendWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{gate: gate}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), DefaultPolicy())
	defer close(gate)

	assert.Equal(t, StateConnecting, m.State())
	assert.False(t, m.Send("too early"))

	snap := rec.snapshot()
	require.Len(t, snap.errs, 1)
	assert.ErrorIs(t, snap.errs[0], ErrNotConnected)
}

func TestManagerNormalCloseNeverRetries(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), retryPolicy(0, 10*time.Millisecond))
	waitOpen(t, rec, 1)

	d.transport(0).remoteClose(CloseNormalClosure, "bye")
	waitDone(t, m)

	snap := rec.snapshot()
	assert.Equal(t, []CloseEvent{{Code: 1000, Reason: "bye", WasClean: true}}, snap.closes)
	assert.Empty(t, snap.attempts)
	assert.Empty(t, snap.stops)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StateClosed, m.State())
}

func TestManagerBackoffUntilMaxAttempts(t *testing.T) {
	refused := errors.New("connection refused")
	d := &fakeDialer{results: []dialResult{{err: refused}, {err: refused}, {err: refused}}}
	rec := &recorder{}

	start := time.Now()
	m := connectFake(t, d, "", rec.callbacks(), retryPolicy(2, 100*time.Millisecond))
	waitDone(t, m)
	elapsed := time.Since(start)

	snap := rec.snapshot()
	assert.Equal(t, 3, d.dials())
	assert.Equal(t, []ReconnectAttempt{
		{Attempt: 1, Delay: 100 * time.Millisecond, DelayMs: 100},
		{Attempt: 2, Delay: 200 * time.Millisecond, DelayMs: 200},
	}, snap.attempts)
	assert.Equal(t, []StopReason{StopMaxAttempts}, snap.stops)
	assert.Equal(t, []string{
		"error", "close:1006", "attempt:1",
		"error", "close:1006", "attempt:2",
		"error", "close:1006", "stop:max_attempts",
	}, snap.log)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	for _, err := range snap.errs {
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.ErrorIs(t, err, refused)
	}
	assert.Zero(t, snap.opens)
}

func TestManagerAttemptResetsAfterOpen(t *testing.T) {
	d := &fakeDialer{results: []dialResult{{err: errors.New("refused")}}}
	rec := &recorder{}
	m := connectFake(t, d, "tok", rec.callbacks(), retryPolicy(0, 10*time.Millisecond))

	waitOpen(t, rec, 1)
	assert.Equal(t, 0, m.Attempt())

	d.transport(0).drop(errors.New("connection reset"))
	waitOpen(t, rec, 2)

	snap := rec.snapshot()
	require.Len(t, snap.attempts, 2)
	assert.Equal(t, 1, snap.attempts[0].Attempt)
	assert.Equal(t, 1, snap.attempts[1].Attempt)
	assert.Equal(t, 0, m.Attempt())

	// Token is resent on every open
	ft := d.transport(1)
	require.NotNil(t, ft)
	frames := ft.sentFrames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"auth","token":"tok"}`, frames[0])
}

func TestManagerDropReportsError(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), DefaultPolicy())
	waitOpen(t, rec, 1)

	reset := errors.New("connection reset")
	d.transport(0).drop(reset)
	waitDone(t, m)

	snap := rec.snapshot()
	require.Len(t, snap.errs, 1)
	assert.ErrorIs(t, snap.errs[0], reset)
	require.Len(t, snap.closes, 1)
	assert.Equal(t, CloseAbnormalClosure, snap.closes[0].Code)
	assert.False(t, snap.closes[0].WasClean)
	assert.Empty(t, snap.attempts)
	assert.Empty(t, snap.stops)
	assert.Equal(t, 1, d.dials())
}

func TestManagerFilterStopsRetry(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}

	p := retryPolicy(0, 10*time.Millisecond)
	p.ShouldReconnect = func(ev CloseEvent) bool { return ev.Code != 4001 }

	m := connectFake(t, d, "", rec.callbacks(), p)
	waitOpen(t, rec, 1)

	d.transport(0).remoteClose(4001, "kicked")
	waitDone(t, m)

	snap := rec.snapshot()
	assert.Equal(t, []StopReason{StopFiltered}, snap.stops)
	assert.Empty(t, snap.attempts)
	assert.Equal(t, 1, d.dials())
}

func TestManagerPanickingFilterVetoesRetry(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}

	p := retryPolicy(0, 10*time.Millisecond)
	p.ShouldReconnect = func(CloseEvent) bool { panic("boom") }

	m := connectFake(t, d, "", rec.callbacks(), p)
	waitOpen(t, rec, 1)

	d.transport(0).remoteClose(4000, "going")
	waitDone(t, m)

	assert.Equal(t, []StopReason{StopFiltered}, rec.snapshot().stops)
}

func TestManagerDisconnect(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), retryPolicy(0, 10*time.Millisecond))
	waitOpen(t, rec, 1)

	m.Disconnect()
	waitDone(t, m)

	calls, code, reason := d.transport(0).closed()
	assert.Equal(t, 1, calls)
	assert.Equal(t, CloseNormalClosure, code)
	assert.Equal(t, ClientDisconnectReason, reason)

	snap := rec.snapshot()
	assert.Equal(t, []CloseEvent{{Code: 1000, Reason: "Client disconnect", WasClean: true}}, snap.closes)
	assert.Empty(t, snap.attempts)
	assert.Empty(t, snap.stops)

	t.Run("second call is a no-op", func(t *testing.T) {
		m.Disconnect()
		calls, _, _ := d.transport(0).closed()
		assert.Equal(t, 1, calls)
		assert.Len(t, rec.snapshot().closes, 1)
	})

	t.Run("send after disconnect fails", func(t *testing.T) {
		assert.False(t, m.Send("late"))
		assert.ErrorIs(t, rec.snapshot().errs[0], ErrNotConnected)
	})
}

func TestManagerDisconnectCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), retryPolicy(0, 200*time.Millisecond))
	waitOpen(t, rec, 1)

	d.transport(0).drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return len(rec.snapshot().attempts) == 1 }, waitTimeout, 5*time.Millisecond)

	m.Disconnect()
	waitDone(t, m)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Len(t, rec.snapshot().closes, 1)
}

func TestManagerDisconnectDuringDial(t *testing.T) {
	t.Run("dial completes after disconnect", func(t *testing.T) {
		gate := make(chan struct{})
		d := &fakeDialer{gate: gate}
		rec := &recorder{}
		m := connectFake(t, d, "tok", rec.callbacks(), retryPolicy(0, 10*time.Millisecond))

		require.Eventually(t, func() bool { return d.dials() == 1 }, waitTimeout, time.Millisecond)
		m.Disconnect()
		close(gate)
		waitDone(t, m)

		calls, code, _ := d.transport(0).closed()
		assert.Equal(t, 1, calls)
		assert.Equal(t, CloseNormalClosure, code)
		assert.Empty(t, d.transport(0).sentFrames(), "no auth on a transport closed by disconnect")

		snap := rec.snapshot()
		assert.Zero(t, snap.opens)
		assert.Equal(t, []string{"close:1000"}, snap.log)
	})

	t.Run("dial cancelled by disconnect", func(t *testing.T) {
		d := &fakeDialer{gate: make(chan struct{}), honorCtx: true}
		rec := &recorder{}
		m := connectFake(t, d, "", rec.callbacks(), retryPolicy(0, 10*time.Millisecond))

		require.Eventually(t, func() bool { return d.dials() == 1 }, waitTimeout, time.Millisecond)
		m.Disconnect()
		waitDone(t, m)

		snap := rec.snapshot()
		assert.Empty(t, snap.errs)
		assert.Equal(t, []CloseEvent{{Code: 1000, Reason: "Client disconnect", WasClean: true}}, snap.closes)
		assert.Empty(t, snap.attempts)
		assert.Equal(t, 1, d.dials())
	})
}

func TestManagerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &fakeDialer{}
	rec := &recorder{}
	m, err := Connect(ctx, "general", "", rec.callbacks(), DefaultPolicy(), WithDialer(d), WithLogger(testLogger()))
	require.NoError(t, err)
	waitOpen(t, rec, 1)

	cancel()
	waitDone(t, m)

	_, code, reason := d.transport(0).closed()
	assert.Equal(t, CloseNormalClosure, code)
	assert.Equal(t, ClientDisconnectReason, reason)
}

func TestManagerWait(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := connectFake(t, d, "", rec.callbacks(), DefaultPolicy())
	waitOpen(t, rec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)

	m.Disconnect()
	assert.NoError(t, m.Wait(context.Background()))
}

func TestManagerCallbackPanicIsContained(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	cb := rec.callbacks()

	var mu sync.Mutex
	calls := 0
	cb.OnMessage = func(Message) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("handler bug")
	}

	m := connectFake(t, d, "", cb, DefaultPolicy())
	waitOpen(t, rec, 1)

	ft := d.transport(0)
	ft.deliver(`{"n":1}`)
	ft.deliver(`{"n":2}`)
	ft.remoteClose(CloseNormalClosure, "done")
	waitDone(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Len(t, rec.snapshot().closes, 1)
	assert.Empty(t, rec.snapshot().errs)
}

func TestConnectValidation(t *testing.T) {
	t.Run("empty target", func(t *testing.T) {
		_, err := Connect(context.Background(), "", "tok", Callbacks{}, DefaultPolicy())
		assert.ErrorIs(t, err, ErrEmptyTarget)
	})

	t.Run("invalid policy", func(t *testing.T) {
		p := DefaultPolicy()
		p.BackoffFactor = 0.5
		_, err := Connect(context.Background(), "general", "tok", Callbacks{}, p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid reconnect policy")
	})
}

func TestManagerOptions(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	header.Set("User-Agent", "custom/1.0")

	m := connectFake(t, d, "", rec.callbacks(), DefaultPolicy(),
		WithBaseURL("wss://chat.example.com/ws/"),
		WithHeader(header),
		WithCodec(JSONCodec{}),
	)
	waitOpen(t, rec, 1)

	assert.Equal(t, "wss://chat.example.com/ws/chat/general/", m.URL())
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", m.ID().String())

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, "Bearer tok", d.headers[0].Get("Authorization"))
	assert.Equal(t, "custom/1.0", d.headers[0].Get("User-Agent"))
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base, target, want string
	}{
		{"ws://localhost:8000/ws", "general", "ws://localhost:8000/ws/chat/general/"},
		{"ws://localhost:8000/ws/", "general", "ws://localhost:8000/ws/chat/general/"},
		{"wss://example.com/ws", "room one", "wss://example.com/ws/chat/room%20one/"},
		{"wss://example.com/ws", "a/b", "wss://example.com/ws/chat/a%2Fb/"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildURL(tt.base, tt.target))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
