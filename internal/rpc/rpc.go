// Package rpc carries chainspace JSON frames over WebSockets. The server side
// hands every connection to a Session and multiplexes its requests, responses
// and notifications on the one socket; Client is the matching dialer used by
// the CLI and tests.
package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"pkt.systems/chainspace/api"
)

// Path is the HTTP path of the RPC endpoint.
const Path = "/rpc"

// ErrConnClosed is returned when writing to or calling over a closed
// connection.
var ErrConnClosed = errors.New("rpc: connection closed")

// Session serves the requests of one connection. Start is called on the
// reader goroutine in arrival order and must not block; the function it
// returns completes the request and may.
type Session interface {
	Start(ctx context.Context, method string, params json.RawMessage) func() (any, error)
	Close() error
}

// Notifier sends one-way notifications to the peer of a connection.
type Notifier interface {
	Notify(method string, params any) error
}

// AcceptFunc creates the session of a new connection. ctx ends when the
// connection does.
type AcceptFunc func(ctx context.Context, notify Notifier) (Session, error)

type apiError interface {
	APIError() *api.Error
}

// toAPIError maps err onto a wire error; errors without a code become
// internal.
func toAPIError(err error) *api.Error {
	var ae *api.Error
	if errors.As(err, &ae) && ae != nil {
		return ae
	}
	var coded apiError
	if errors.As(err, &coded) {
		if e := coded.APIError(); e != nil {
			return e
		}
	}
	return &api.Error{Code: api.CodeInternal, Message: err.Error()}
}
