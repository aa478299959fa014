package rpc

import "encoding/json"

const (
	MethodPing        = "ping"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodIsLocked    = "is_locked_prefix"
	MethodLock        = "lock_prefix"
	MethodUnlock      = "unlock_prefix"

	CodeOK           = 200
	CodeUnauthorized = 401
)

// Request is the outbound frame: {method, nonce, params?}.
type Request struct {
	Method string `json:"method"`
	Nonce  string `json:"nonce"`
	Params any    `json:"params,omitempty"`
}

// Response mirrors the remote reply: {code, message, method, nonce, data?}.
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Method  string          `json:"method"`
	Nonce   string          `json:"nonce"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Result is the resolution value of a successful request.
type Result struct {
	Success bool
	Data    json.RawMessage
}

// Decode unmarshals the result payload into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type reauthData struct {
	NextAction string `json:"next_action"`
}
