package chainstore

import "errors"

var (
	// ErrCancelled reports a read or download cancelled by its caller.
	ErrCancelled = errors.New("request cancelled")
	// ErrNotWritable reports an append to a chain without its secret key.
	ErrNotWritable = errors.New("chain is not writable")
	// ErrNotAvailable reports a block that is absent and may not be waited on.
	ErrNotAvailable = errors.New("block not available")
	// ErrNoPeers reports an ifAvailable update that found nobody to ask.
	ErrNoPeers = errors.New("no peers available")
	// ErrOutOfBounds reports a seek past the end of the chain.
	ErrOutOfBounds = errors.New("seek out of bounds")
	// ErrClosed reports use of a closed chain or store.
	ErrClosed = errors.New("chain closed")
	// ErrReadyFailed wraps failures loading chain storage.
	ErrReadyFailed = errors.New("chain storage failed to load")
	// ErrInvalidKey reports a malformed public key.
	ErrInvalidKey = errors.New("invalid chain key")
	// ErrQuotaExceeded reports an append beyond the configured storage quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)
