package connection

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errInvalidJSON = errors.New("invalid JSON")

// Codec converts frames to and from their wire encoding.
type Codec interface {
	// Encode serializes an outbound frame.
	Encode(v any) ([]byte, error)

	// Decode checks an inbound frame and returns its payload.
	Decode(data []byte) (json.RawMessage, error)
}

// JSONCodec is the default text codec.
type JSONCodec struct{}

// Encode marshals v as JSON.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode accepts any well-formed JSON value.
func (JSONCodec) Decode(data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, errInvalidJSON
	}
	payload := make(json.RawMessage, len(trimmed))
	copy(payload, trimmed)
	return payload, nil
}
