package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrEmptyTarget     = errors.New("target is required")
)

// Close codes used by the manager.
const (
	CloseNormalClosure   = 1000
	CloseAbnormalClosure = 1006
)

// ClientDisconnectReason is the close reason sent by Disconnect.
const ClientDisconnectReason = "Client disconnect"

// State is the lifecycle state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseEvent mirrors the close signal of the transport.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// Normal reports whether the close used the normal closure code.
func (e CloseEvent) Normal() bool {
	return e.Code == CloseNormalClosure
}

// Message is a decoded inbound frame.
type Message struct {
	Payload    json.RawMessage // Frame content, forwarded verbatim
	ReceivedAt time.Time       // Local timestamp when the frame was read
}

// ReconnectAttempt describes a scheduled retry.
type ReconnectAttempt struct {
	Attempt int           // 1-based count since the last successful open
	Delay   time.Duration // Delay before the retry dials
	DelayMs int64         // Delay rounded to whole milliseconds
}

func newReconnectAttempt(attempt int, delay time.Duration) ReconnectAttempt {
	return ReconnectAttempt{
		Attempt: attempt,
		Delay:   delay,
		DelayMs: int64(math.Round(float64(delay) / float64(time.Millisecond))),
	}
}

// StopReason explains why no further reconnect is scheduled.
type StopReason string

const (
	StopMaxAttempts StopReason = "max_attempts"
	StopFiltered    StopReason = "filtered"
)

// Callbacks receives manager events. Every field is optional.
type Callbacks struct {
	OnMessage          func(msg Message)
	OnOpen             func()
	OnClose            func(ev CloseEvent)
	OnError            func(err error)
	OnSocketChange     func(m *Manager)
	OnReconnectAttempt func(a ReconnectAttempt)
	OnReconnectStop    func(reason StopReason)
}

// OpenError is reported when a transport fails before opening.
type OpenError struct {
	URL string
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.URL, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// SendError is reported when a frame could not be written.
type SendError struct {
	Auth bool // True for the auth frame sent during the open sequence
	Err  error
}

func (e *SendError) Error() string {
	if e.Auth {
		return fmt.Sprintf("send auth frame: %v", e.Err)
	}
	return fmt.Sprintf("send message: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DecodeError is reported for an inbound frame that could not be decoded.
type DecodeError struct {
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Data), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// authFrame is sent once per successful open when a token is present.
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// chatFrame wraps an outbound user payload.
type chatFrame struct {
	Message any `json:"message"`
}
