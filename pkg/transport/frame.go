package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrFrameTooLarge = errors.New("transport: inbound frame exceeds size limit")
	ErrNotObject     = errors.New("transport: inbound frame is not a JSON object")
	ErrNotConnected  = errors.New("transport: not connected")
	ErrSendBuffer    = errors.New("transport: send buffer full")
	ErrClosed        = errors.New("transport: closed while connecting")
)

// Frame is a validated inbound message: a JSON object split into its top-level fields.
type Frame map[string]json.RawMessage

// ParseFrame enforces the size ceiling before parsing and rejects anything but a JSON object.
func ParseFrame(data []byte, maxBytes int64) (Frame, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), maxBytes)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if f == nil {
		return nil, ErrNotObject
	}
	return f, nil
}

func (f Frame) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// String returns the field as a string, or "" when absent or not a JSON string.
func (f Frame) String(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Int returns a numeric field. ok is false when absent or not a number.
func (f Frame) Int(key string) (int, bool) {
	raw, ok := f[key]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// Raw returns the undecoded field, or nil.
func (f Frame) Raw(key string) json.RawMessage {
	return f[key]
}
