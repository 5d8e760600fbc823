package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live connection to the chat server.
type Transport interface {
	// Start begins delivering frames and the final close event to h.
	Start(h Handlers)

	// Send writes one text frame.
	Send(data []byte) error

	// Close sends a close frame and tears the connection down.
	// The close event reported to the handlers carries code and reason.
	Close(code int, reason string) error
}

// Handlers receives transport events. OnClose fires exactly once per started transport;
// err is non-nil when the connection failed rather than closed.
type Handlers struct {
	OnMessage func(data []byte, receivedAt time.Time)
	OnClose   func(ev CloseEvent, err error)
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// TransportConfig configures WebSocket transports.
type TransportConfig struct {
	HandshakeTimeout time.Duration // Max time for the upgrade handshake
	WriteTimeout     time.Duration // Write deadline for frames
	PingInterval     time.Duration // Keepalive ping period (0 = no heartbeat)
	PingTimeout      time.Duration // Max time without a pong before the connection is stale
	ReadLimit        int64         // Max inbound frame size in bytes (0 = unlimited)
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// WSDialer dials gorilla/websocket transports.
type WSDialer struct {
	cfg    TransportConfig
	logger *slog.Logger
}

// NewWSDialer creates a WebSocket dialer.
func NewWSDialer(cfg TransportConfig, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{cfg: cfg, logger: logger}
}

// Dial performs the WebSocket handshake.
func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	if d.cfg.ReadLimit > 0 {
		conn.SetReadLimit(d.cfg.ReadLimit)
	}

	d.logger.Debug("websocket connected", "url", url)

	return newWSTransport(conn, d.cfg, d.logger), nil
}

// wsTransport implements Transport over a gorilla/websocket connection.
type wsTransport struct {
	cfg    TransportConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	closed     bool
	stale      bool
	local      *CloseEvent // Set when Close initiated the shutdown
	lastPongAt time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func newWSTransport(conn *websocket.Conn, cfg TransportConfig, logger *slog.Logger) *wsTransport {
	t := &wsTransport{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		lastPongAt: time.Now(),
		done:       make(chan struct{}),
	}

	// Server pings count as liveness too
	conn.SetPingHandler(func(data string) error {
		t.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	return t
}

// Start launches the read loop and the heartbeat.
func (t *wsTransport) Start(h Handlers) {
	t.startOnce.Do(func() {
		go t.readLoop(h)
		if t.cfg.PingInterval > 0 {
			go t.heartbeatLoop()
		}
	})
}

// Send writes a text frame.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason and closes the socket.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	t.closed = true
	t.local = &CloseEvent{Code: code, Reason: reason, WasClean: true}
	t.mu.Unlock()

	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.writeTimeout()),
	)
	if cerr := t.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *wsTransport) writeTimeout() time.Duration {
	if t.cfg.WriteTimeout > 0 {
		return t.cfg.WriteTimeout
	}
	return time.Second
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastPongAt = time.Now()
	t.mu.Unlock()
}

// shutdown marks the transport closed and stops the heartbeat.
func (t *wsTransport) shutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.done) })
	t.conn.Close()
}

// readLoop reads frames until the connection ends, then reports the close once.
func (t *wsTransport) readLoop(h Handlers) {
	for {
		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			ev, cause := t.closeEvent(err)
			t.shutdown()
			if h.OnClose != nil {
				h.OnClose(ev, cause)
			}
			return
		}

		if h.OnMessage != nil {
			h.OnMessage(data, receivedAt)
		}
	}
}

// closeEvent maps the read error that ended the connection to a close event.
func (t *wsTransport) closeEvent(err error) (CloseEvent, error) {
	t.mu.Lock()
	local := t.local
	stale := t.stale
	t.mu.Unlock()

	if local != nil {
		return *local, nil
	}

	if stale {
		return CloseEvent{
			Code:   CloseAbnormalClosure,
			Reason: ErrStaleConnection.Error(),
		}, ErrStaleConnection
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseAbnormalClosure {
			return CloseEvent{Code: ce.Code, Reason: ce.Text}, err
		}
		return CloseEvent{Code: ce.Code, Reason: ce.Text, WasClean: true}, nil
	}

	return CloseEvent{
		Code:   CloseAbnormalClosure,
		Reason: err.Error(),
	}, err
}

// heartbeatLoop pings the server and tears down connections that stop answering.
func (t *wsTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.writeTimeout())
			if err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			t.mu.Lock()
			lastPong := t.lastPongAt
			t.mu.Unlock()

			if t.cfg.PingTimeout > 0 && time.Since(lastPong) > t.cfg.PingTimeout {
				t.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", t.cfg.PingTimeout,
				)
				t.mu.Lock()
				t.stale = true
				t.mu.Unlock()
				t.conn.Close()
				return
			}
		}
	}
}
