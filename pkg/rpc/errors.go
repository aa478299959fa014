package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies why a request did not succeed.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindProtocol
	KindTimeout
	KindDisconnected
	KindReauth
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindReauth:
		return "reauth"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is; *Error matches the one for its Kind.
var (
	ErrTransport      = errors.New("rpc: transport failure")
	ErrProtocol       = errors.New("rpc: request failed")
	ErrTimeout        = errors.New("rpc: request timed out")
	ErrDisconnected   = errors.New("rpc: disconnected")
	ErrReauth         = errors.New("rpc: re-authentication required")
	ErrDuplicateNonce = errors.New("rpc: nonce already in flight")
)

// Error is the rejection value of a request: {success:false, code, data, error}.
type Error struct {
	Kind    Kind
	Code    int
	Method  string
	Nonce   string
	Message string
	Data    json.RawMessage
	// NextAction is set for KindReauth, e.g. "password_required" or "passkey_required".
	NextAction string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("rpc %s (%s): %s code=%d: %s", e.Method, e.Nonce, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("rpc %s (%s): %s: %s", e.Method, e.Nonce, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrDisconnected:
		return e.Kind == KindDisconnected
	case ErrReauth:
		return e.Kind == KindReauth
	}
	return false
}

// Classify returns a stable label for logs and metrics.
func Classify(err error) string {
	var re *Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &re):
		return re.Kind.String()
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// IsReauth reports whether err asks for a password or second-factor re-challenge,
// returning the requested next action.
func IsReauth(err error) (string, bool) {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindReauth {
		return re.NextAction, true
	}
	return "", false
}
