// Package chat decodes the frames the chat server sends to room members.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingType is returned for frames without a type field.
var ErrMissingType = errors.New("event has no type")

// EventType identifies a server frame.
type EventType string

const (
	TypeConnection EventType = "connection" // Sent to a member right after joining
	TypeMessage    EventType = "message"    // A message broadcast to the room
	TypeError      EventType = "error"      // The server rejected the last frame
)

// Event is a decoded server frame.
type Event struct {
	Type      EventType       `json:"type"`
	Message   json.RawMessage `json:"message,omitempty"`
	Username  string          `json:"username,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ParseEvent decodes a frame payload.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}
	return ev, nil
}

// Text returns the message as plain text. String messages are unquoted; any
// other JSON value is returned as written.
func (e Event) Text() string {
	if len(e.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	return string(e.Message)
}

// Time parses the server timestamp.
func (e Event) Time() (time.Time, bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Format renders the event as one terminal line.
func (e Event) Format() string {
	switch e.Type {
	case TypeMessage:
		var b strings.Builder
		if t, ok := e.Time(); ok {
			b.WriteString("[" + t.Local().Format("15:04:05") + "] ")
		}
		user := e.Username
		if user == "" {
			user = "Unknown"
		}
		b.WriteString(user + ": " + e.Text())
		return b.String()
	case TypeConnection:
		return "* " + e.Text()
	case TypeError:
		return "! " + e.Text()
	default:
		return fmt.Sprintf("? %s: %s", e.Type, e.Text())
	}
}
