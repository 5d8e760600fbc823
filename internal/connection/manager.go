package connection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/chatlink/internal/version"
)

// DefaultBaseURL is the WebSocket base address used when none is configured.
const DefaultBaseURL = "ws://localhost:8000/ws"

// eventBufferSize bounds the event loop queue; transport readers block when it is full.
const eventBufferSize = 256

// BuildURL derives the room address from the base address.
func BuildURL(base, target string) string {
	return strings.TrimRight(base, "/") + "/chat/" + url.PathEscape(target) + "/"
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseURL sets the WebSocket base address.
func WithBaseURL(base string) Option {
	return func(m *Manager) {
		m.baseURL = base
	}
}

// WithDialer sets the transport dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithCodec sets the frame codec.
func WithCodec(c Codec) Option {
	return func(m *Manager) {
		m.codec = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHeader adds headers to every handshake.
func WithHeader(h http.Header) Option {
	return func(m *Manager) {
		for k, vs := range h {
			for _, v := range vs {
				m.header.Add(k, v)
			}
		}
	}
}

// WithRand sets the random source used for jitter.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		m.rnd = r
	}
}

type eventKind int

const (
	evDialed eventKind = iota
	evMessage
	evClosed
	evRetry
)

// event is one unit of work for the event loop.
type event struct {
	kind eventKind
	gen  uint64 // Transport generation the event belongs to

	transport  Transport
	err        error
	data       []byte
	receivedAt time.Time
	close      CloseEvent
}

// Manager keeps one chat room connection alive.
type Manager struct {
	id      uuid.UUID
	target  string
	token   string
	baseURL string
	url     string
	policy  Policy
	cb      Callbacks
	codec   Codec
	dialer  Dialer
	header  http.Header
	rnd     *rand.Rand // Only used on the event loop
	logger  *slog.Logger

	ctx    context.Context
	events chan event
	wake   chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	state       State
	attempt     int
	forcedClose bool
	timer       *time.Timer
	transport   Transport
	gen         uint64
	dialing     bool
	cancelDial  context.CancelFunc
}

// Connect creates a Manager and starts opening the connection to target.
// Cancelling ctx has the same effect as Disconnect.
func Connect(ctx context.Context, target, token string, cb Callbacks, policy Policy, opts ...Option) (*Manager, error) {
	if target == "" {
		return nil, ErrEmptyTarget
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconnect policy: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m := &Manager{
		id:      uuid.New(),
		target:  target,
		token:   token,
		baseURL: DefaultBaseURL,
		policy:  policy.withDefaults(),
		cb:      cb,
		codec:   JSONCodec{},
		header:  http.Header{},
		logger:  slog.Default(),
		ctx:     ctx,
		events:  make(chan event, eventBufferSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   StateIdle,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("conn_id", m.id.String(), "target", target)
	if m.dialer == nil {
		m.dialer = NewWSDialer(DefaultTransportConfig(), m.logger)
	}
	if m.header.Get("User-Agent") == "" {
		m.header.Set("User-Agent", version.UserAgent())
	}
	m.url = BuildURL(m.baseURL, target)

	m.mu.Lock()
	m.openLocked()
	m.mu.Unlock()

	go m.run()
	go m.watch(ctx)

	return m, nil
}

// Send encodes payload as {"message": payload} and writes it.
// It returns false, and reports the failure to OnError, when the frame was not written.
func (m *Manager) Send(payload any) bool {
	m.mu.Lock()
	t := m.transport
	state := m.state
	m.mu.Unlock()

	if state != StateOpen || t == nil {
		m.logger.Warn("websocket is not connected", "state", state)
		m.emitError(&SendError{Err: ErrNotConnected})
		return false
	}

	data, err := m.codec.Encode(chatFrame{Message: payload})
	if err != nil {
		m.logger.Warn("failed to encode message", "error", err)
		m.emitError(&SendError{Err: err})
		return false
	}

	if err := t.Send(data); err != nil {
		m.logger.Warn("failed to send message", "error", err)
		m.emitError(&SendError{Err: err})
		return false
	}

	return true
}

// Disconnect closes the connection for good. It cancels a pending retry and
// an in-flight dial. Calling it again has no effect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.forcedClose {
		m.mu.Unlock()
		return
	}
	m.forcedClose = true

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
	}

	t := m.transport
	closeNow := t != nil && m.state == StateOpen
	if closeNow {
		m.state = StateClosing
	}
	m.mu.Unlock()

	m.logger.Info("disconnect requested", "closing_transport", closeNow)

	if closeNow {
		if err := t.Close(CloseNormalClosure, ClientDisconnectReason); err != nil {
			m.logger.Debug("close after disconnect", "error", err)
		}
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnect attempts since the last successful open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// ID returns the identifier used for this manager in logs and metrics.
func (m *Manager) ID() uuid.UUID {
	return m.id
}

// Target returns the room the manager connects to.
func (m *Manager) Target() string {
	return m.target
}

// URL returns the address derived from the target.
func (m *Manager) URL() string {
	return m.url
}

// Done is closed once the manager has closed for good.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the manager has closed for good or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watch turns cancellation of the connect context into Disconnect.
func (m *Manager) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		m.Disconnect()
	case <-m.done:
	}
}

// openLocked starts dialing a new transport generation. Caller holds m.mu.
func (m *Manager) openLocked() {
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.dialing = true

	dialCtx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel

	m.logger.Info("connecting", "url", m.url, "attempt", m.attempt)

	header := m.header.Clone()
	go func() {
		t, err := m.dialer.Dial(dialCtx, m.url, header)
		m.post(event{kind: evDialed, gen: gen, transport: t, err: err})
	}()
}

// post hands an event to the event loop.
func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// handlers binds transport events to a generation.
func (m *Manager) handlers(gen uint64) Handlers {
	return Handlers{
		OnMessage: func(data []byte, receivedAt time.Time) {
			m.post(event{kind: evMessage, gen: gen, data: data, receivedAt: receivedAt})
		},
		OnClose: func(ev CloseEvent, err error) {
			m.post(event{kind: evClosed, gen: gen, close: ev, err: err})
		},
	}
}

// run is the event loop. It exits once the manager is closed with no retry
// pending and no dial in flight.
func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.wake:
		}

		if m.settled() {
			m.logger.Info("connection manager stopped")
			return
		}
	}
}

func (m *Manager) settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateClosed && m.timer == nil && !m.dialing
}

func (m *Manager) handle(ev event) {
	m.mu.Lock()
	stale := ev.gen != m.gen
	m.mu.Unlock()

	if stale {
		m.logger.Debug("dropping event from superseded transport", "gen", ev.gen)
		if ev.kind == evDialed && ev.transport != nil {
			ev.transport.Close(CloseNormalClosure, ClientDisconnectReason)
		}
		return
	}

	switch ev.kind {
	case evDialed:
		m.handleDialed(ev)
	case evMessage:
		m.handleMessage(ev)
	case evClosed:
		m.handleClosed(ev)
	case evRetry:
		m.handleRetry()
	}
}

// handleDialed runs the open sequence, or the close path when the dial failed.
func (m *Manager) handleDialed(ev event) {
	m.mu.Lock()
	m.dialing = false
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	forced := m.forcedClose

	if ev.err != nil {
		m.state = StateClosed
		m.mu.Unlock()

		if forced {
			m.logger.Debug("dial abandoned after disconnect", "error", ev.err)
			m.handleClose(CloseEvent{Code: CloseNormalClosure, Reason: ClientDisconnectReason, WasClean: true})
			return
		}

		m.logger.Warn("connection failed", "url", m.url, "error", ev.err)
		m.emitError(&OpenError{URL: m.url, Err: ev.err})
		m.handleClose(CloseEvent{Code: CloseAbnormalClosure, Reason: ev.err.Error()})
		return
	}

	t := ev.transport
	m.transport = t

	// Disconnect won the race against the dial: never let this transport open.
	if forced {
		m.state = StateClosing
		m.mu.Unlock()

		m.logger.Info("closing connection opened after disconnect")
		t.Start(m.handlers(ev.gen))
		if err := t.Close(CloseNormalClosure, ClientDisconnectReason); err != nil {
			m.logger.Debug("close after disconnect", "error", err)
		}
		return
	}

	m.state = StateOpen
	m.attempt = 0
	m.mu.Unlock()

	t.Start(m.handlers(ev.gen))
	m.logger.Info("websocket connection established", "url", m.url)

	m.invoke("OnSocketChange", func() {
		if m.cb.OnSocketChange != nil {
			m.cb.OnSocketChange(m)
		}
	})

	if m.token != "" {
		m.sendAuth(t)
	}

	m.invoke("OnOpen", func() {
		if m.cb.OnOpen != nil {
			m.cb.OnOpen()
		}
	})
}

// sendAuth writes the auth frame. Failures are reported but leave the connection up.
func (m *Manager) sendAuth(t Transport) {
	data, err := m.codec.Encode(authFrame{Type: "auth", Token: m.token})
	if err == nil {
		err = t.Send(data)
	}
	if err != nil {
		m.logger.Error("error sending auth token", "error", err)
		m.emitError(&SendError{Auth: true, Err: err})
	}
}

func (m *Manager) handleMessage(ev event) {
	payload, err := m.codec.Decode(ev.data)
	if err != nil {
		m.logger.Warn("error parsing websocket message", "error", err, "size", len(ev.data))
		m.emitError(&DecodeError{Data: ev.data, Err: err})
		return
	}

	m.logger.Debug("websocket message received", "size", len(payload))

	m.invoke("OnMessage", func() {
		if m.cb.OnMessage != nil {
			m.cb.OnMessage(Message{Payload: payload, ReceivedAt: ev.receivedAt})
		}
	})
}

func (m *Manager) handleClosed(ev event) {
	m.mu.Lock()
	m.state = StateClosed
	m.transport = nil
	forced := m.forcedClose
	m.mu.Unlock()

	m.logger.Info("websocket connection closed",
		"code", ev.close.Code,
		"reason", ev.close.Reason,
		"clean", ev.close.WasClean,
	)

	if ev.err != nil && !forced {
		m.emitError(ev.err)
	}

	m.handleClose(ev.close)
}

// handleClose reports the close and decides whether to reconnect.
func (m *Manager) handleClose(ev CloseEvent) {
	m.invoke("OnClose", func() {
		if m.cb.OnClose != nil {
			m.cb.OnClose(ev)
		}
	})

	normal := ev.Normal()
	allowed := m.allowReconnect(ev)

	m.mu.Lock()
	forced := m.forcedClose
	may := m.policy.AutoReconnect && !forced && !normal && allowed

	if may && !m.policy.exhausted(m.attempt) {
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		delay := Jitter(Backoff(attempt, m.policy), m.policy.JitterFraction, m.rnd)
		m.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)

		a := newReconnectAttempt(attempt, delay)
		m.invoke("OnReconnectAttempt", func() {
			if m.cb.OnReconnectAttempt != nil {
				m.cb.OnReconnectAttempt(a)
			}
		})

		m.schedule(delay)
		return
	}

	attempt := m.attempt
	exhausted := m.policy.exhausted(attempt)
	m.mu.Unlock()

	if normal || forced || !m.policy.AutoReconnect {
		return
	}

	reason := StopFiltered
	if exhausted {
		reason = StopMaxAttempts
	}
	m.logger.Warn("reconnect stopped", "reason", reason, "attempts", attempt)

	m.invoke("OnReconnectStop", func() {
		if m.cb.OnReconnectStop != nil {
			m.cb.OnReconnectStop(reason)
		}
	})
}

// allowReconnect consults the policy filter. A panicking filter vetoes the retry.
func (m *Manager) allowReconnect(ev CloseEvent) (allowed bool) {
	if m.policy.ShouldReconnect == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reconnect filter panicked", "panic", r)
			allowed = false
		}
	}()
	return m.policy.ShouldReconnect(ev)
}

// schedule arms the single retry timer unless Disconnect got there first.
func (m *Manager) schedule(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.forcedClose {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}

	gen := m.gen
	m.timer = time.AfterFunc(delay, func() {
		m.post(event{kind: evRetry, gen: gen})
	})
}

func (m *Manager) handleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timer = nil
	if m.forcedClose {
		m.logger.Debug("retry skipped after disconnect")
		return
	}
	m.openLocked()
}

func (m *Manager) emitError(err error) {
	m.invoke("OnError", func() {
		if m.cb.OnError != nil {
			m.cb.OnError(err)
		}
	})
}

// invoke runs a caller callback and logs a panic instead of crashing the loop.
func (m *Manager) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}
