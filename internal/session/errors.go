package session

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainlock"
	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/resource"
)

// Failure is a session error with a stable code. Errors returned by the
// session services are always Failures.
type Failure struct {
	Code   string
	Detail string
}

// Error renders the code and detail.
func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Is matches any Failure with the same code.
func (f Failure) Is(target error) bool {
	var other Failure
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == f.Code
}

// APIError converts f for the wire.
func (f Failure) APIError() *api.Error {
	return &api.Error{Code: f.Code, Message: f.Detail}
}

// Sentinel failures, matched by code through errors.Is.
var (
	ErrUnknownResource   = Failure{Code: api.CodeUnknownResource}
	ErrDuplicateResource = Failure{Code: api.CodeDuplicateResource}
	ErrUnknownChain      = Failure{Code: api.CodeUnknownChain}
	ErrDuplicateChain    = Failure{Code: api.CodeDuplicateChain}
	ErrChainAlreadyOpen  = Failure{Code: api.CodeChainAlreadyOpen}
	ErrNotLocked         = Failure{Code: api.CodeNotLocked}
	ErrNotLockOwner      = Failure{Code: api.CodeNotLockOwner}
	ErrCancelled         = Failure{Code: api.CodeCancelled}
	ErrInvalidArgument   = Failure{Code: api.CodeInvalidArgument}
)

func failure(base Failure, format string, args ...any) Failure {
	base.Detail = fmt.Sprintf(format, args...)
	return base
}

// toFailure maps collaborator errors onto stable codes.
func toFailure(err error) Failure {
	if err == nil {
		return Failure{}
	}
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	code := api.CodeInternal
	switch {
	case errors.Is(err, resource.ErrUnknown):
		code = api.CodeUnknownResource
	case errors.Is(err, resource.ErrDuplicate):
		code = api.CodeDuplicateResource
	case errors.Is(err, resource.ErrClosed), errors.Is(err, errSessionClosed):
		code = api.CodeCancelled
	case errors.Is(err, chainlock.ErrNotLocked):
		code = api.CodeNotLocked
	case errors.Is(err, chainlock.ErrNotLockOwner):
		code = api.CodeNotLockOwner
	case errors.Is(err, chainstore.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = api.CodeCancelled
	case errors.Is(err, chainstore.ErrNotWritable):
		code = api.CodeNotWritable
	case errors.Is(err, chainstore.ErrNotAvailable):
		code = api.CodeNotAvailable
	case errors.Is(err, chainstore.ErrNoPeers):
		code = api.CodeNoPeers
	case errors.Is(err, chainstore.ErrOutOfBounds):
		code = api.CodeOutOfBounds
	case errors.Is(err, chainstore.ErrClosed):
		code = api.CodeChainClosed
	case errors.Is(err, chainstore.ErrReadyFailed):
		code = api.CodeReadyFailed
	case errors.Is(err, chainstore.ErrInvalidKey):
		code = api.CodeInvalidArgument
	}
	return Failure{Code: code, Detail: err.Error()}
}
