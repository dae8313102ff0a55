// Package cdp defines the Chrome DevTools Protocol wire types shared by the
// proxy, the session layer, and the transport.
package cdp

import (
	"encoding/json"
	"fmt"
)

// Request is an inbound CDP command from the external client.
type Request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Response answers exactly one Request. Either Result or Error is set.
type Response struct {
	ID        int64  `json:"id"`
	Result    any    `json:"result,omitempty"`
	Error     *Error `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Event is an unsolicited notification. Page-level events carry the session
// id of the target session that produced them; browser-level events carry none.
type Event struct {
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// TargetInfo describes one attachable debug surface.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// Event payloads synthesized by the proxy for Target.* lifecycle events.

type TargetCreatedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetDestroyedParams struct {
	TargetID string `json:"targetId"`
}

type AttachedToTargetParams struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

type DetachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// JSON-RPC style error codes. CDP uses -32000 for server-side resolution
// failures (unknown target, unknown session, unreachable target).
const (
	CodeServerError    = -32000
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is the only error type that crosses the proxy boundary.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("'%s' wasn't found", method)}
}

func InvalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

func TargetNotFound(targetID string) *Error {
	return &Error{Code: CodeServerError, Message: fmt.Sprintf("No target with given id found: %s", targetID)}
}

func SessionNotFound(sessionID string) *Error {
	return &Error{Code: CodeServerError, Message: fmt.Sprintf("Session with given id not found: %s", sessionID)}
}

func TargetUnreachable(msg string) *Error {
	return &Error{Code: CodeServerError, Message: fmt.Sprintf("Target unreachable: %s", msg)}
}

func SessionDisposed() *Error {
	return &Error{Code: CodeServerError, Message: "Session disposed"}
}

func TargetCreationFailed(msg string) *Error {
	return &Error{Code: CodeServerError, Message: fmt.Sprintf("Target creation failed: %s", msg)}
}

// WrapError normalizes any failure into an *Error. Errors that already are
// CDP errors pass through unchanged; everything else becomes a generic server
// error with the message preserved for diagnostics.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return &Error{Code: CodeServerError, Message: err.Error()}
}
