// Package rpc exposes orchestrator tools over line-delimited JSON-RPC 2.0 on
// a stream transport, and pushes orchestrator events to every connected
// client as notifications.
package rpc

import (
	"encoding/json"

	"github.com/taskmux/taskmux/apperr"
)

// ProtocolVersion is advertised in the capabilities payload.
const ProtocolVersion = "2.0"

// JSON-RPC error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Request is an inbound message. Notifications from clients have a nil ID.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

// Response answers one request.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Result  any              `json:"result,omitempty"`
	Error   *ErrorObject     `json:"error,omitempty"`
}

// Notification is a server-pushed message with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// ErrorObject is the JSON-RPC error shape. Domain errors carry their kind in
// Data so clients can branch without parsing messages.
type ErrorObject struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

type ErrorData struct {
	Kind string `json:"kind,omitempty"`
}

// toErrorObject maps a handler error onto the wire shape.
func toErrorObject(err error) *ErrorObject {
	obj := &ErrorObject{Code: CodeInternal, Message: err.Error()}
	if kind := apperr.KindOf(err); kind != "" {
		obj.Data = &ErrorData{Kind: string(kind)}
	}
	return obj
}

func errMethodNotFound(method string) *ErrorObject {
	return &ErrorObject{
		Code:    CodeMethodNotFound,
		Message: "method not found: " + method,
		Data:    &ErrorData{Kind: string(apperr.NotFound)},
	}
}

func errInvalidParams(msg string) *ErrorObject {
	return &ErrorObject{Code: CodeInvalidParams, Message: msg}
}
