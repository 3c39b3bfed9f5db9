package api

import "encoding/json"

// Request is a client call. ID correlates the Response.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a one-way message; it carries no ID and is never answered.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Frame is the union of all three frame kinds, used when decoding a message
// whose kind is not known yet.
type Frame struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// IsNotification reports whether f is a notification.
func (f Frame) IsNotification() bool { return f.ID == nil && f.Method != "" }

// IsResponse reports whether f answers a request.
func (f Frame) IsResponse() bool { return f.ID != nil && f.Method == "" }

// Error is a failed call.
type Error struct {
	// Code is a stable identifier such as "unknown_chain" or "not_writable".
	Code string `json:"code"`
	// Message is human readable context.
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Error codes.
const (
	CodeUnknownResource   = "unknown_resource"
	CodeDuplicateResource = "duplicate_resource"
	CodeUnknownChain      = "unknown_chain"
	CodeDuplicateChain    = "duplicate_chain"
	CodeChainAlreadyOpen  = "chain_already_open"
	CodeNotLocked         = "not_locked"
	CodeNotLockOwner      = "not_lock_owner"

	CodeCancelled       = "cancelled"
	CodeNotWritable     = "not_writable"
	CodeNotAvailable    = "not_available"
	CodeNoPeers         = "no_peers"
	CodeOutOfBounds     = "out_of_bounds"
	CodeChainClosed     = "chain_closed"
	CodeReadyFailed     = "ready_failed"
	CodeInvalidArgument = "invalid_argument"
	CodeUnknownMethod   = "unknown_method"
	CodeInternal        = "internal"
)
