package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// ErrRequestTimeout is delivered to callbacks whose request was not answered
// within its timeout.
var ErrRequestTimeout = errors.New("request timeout")

// Error is the error object carried in responses.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// InvalidParams is a convenience for handlers rejecting their input.
func InvalidParams(err error) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params: " + err.Error()}
}

func methodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found: " + method}
}

func internalError(detail string) *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error: " + detail}
}

// serverError keeps the fixed message and carries the handler's error text
// in Data.
func serverError(err error) *Error {
	data, _ := json.Marshal(err.Error())
	return &Error{Code: CodeServerError, Message: "Server error", Data: data}
}

// asWireError maps a handler error onto the response error object. Handlers
// may return *Error to pick the code themselves.
func asWireError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return serverError(err)
}
