// Package chainstore defines the contract between the session layer and the
// append-only log engine. A Store hands out Chains by key or name; a Chain is
// an append-only sequence of blocks replicated with remote peers.
//
// Implementations live in sub-packages (see chainstore/memory). The session
// layer only depends on the interfaces declared here.
package chainstore

import (
	"context"

	"pkt.systems/chainspace/internal/event"
)

// Store looks up or creates chains and owns the cache pin counters.
type Store interface {
	// Get returns the chain for opts, creating it when it has not been seen.
	Get(opts GetOptions) (Chain, error)
	// Cache exposes the pin counters keyed by hex discovery key.
	Cache() Pinner
	// OnFeed subscribes to newly observed chains.
	OnFeed(fn func(Chain)) *event.Subscription
	// Ready blocks until the store finished loading.
	Ready(ctx context.Context) error
	// Close closes every open chain.
	Close() error
}

// Pinner counts strong references per discovery key. A chain with a positive
// count is never evicted from the store cache.
type Pinner interface {
	Increment(discoveryKey string)
	Decrement(discoveryKey string)
	Count(discoveryKey string) int
}

// GetOptions selects a chain by public key or by local name. When both are
// empty a fresh writable chain is created.
type GetOptions struct {
	Key  []byte
	Name string
}

// Chain is a single append-only log.
type Chain interface {
	Key() []byte
	DiscoveryKey() []byte
	Length() uint64
	ByteLength() uint64
	Writable() bool
	// Peers returns the peers currently replicating this chain.
	Peers() []Peer

	// Ready blocks until the chain's storage is loaded.
	Ready(ctx context.Context) error
	// Get reads block seq. Cancelling ctx fails the read with ErrCancelled.
	Get(ctx context.Context, seq uint64, opts ReadOptions) ([]byte, error)
	// Append writes blocks and returns the sequence number of the first one.
	Append(ctx context.Context, blocks [][]byte) (uint64, error)
	// Update waits for the chain to grow.
	Update(ctx context.Context, opts UpdateOptions) error
	// Seek resolves a byte offset to a block and the offset inside it.
	Seek(ctx context.Context, byteOffset uint64, opts SeekOptions) (seq uint64, blockOffset uint64, err error)
	// Has reports whether block seq is stored locally.
	Has(seq uint64) bool
	// Download starts fetching a range; the handle completes when every
	// block in range is local or the download is cancelled.
	Download(r Range) Download
	// Undownload cancels d with ErrCancelled.
	Undownload(d Download)
	// Downloaded counts the bytes stored locally in [start, end).
	Downloaded(start, end uint64) uint64

	// SetExtensionsExclusive toggles whether a single extension name may be
	// negotiated at a time.
	SetExtensionsExclusive(exclusive bool)
	// RegisterExtension registers a named side-channel message type.
	RegisterExtension(name string, onMessage func(data []byte, from Peer)) Extension

	// SetTimeouts installs the gates consulted by ifAvailable reads and
	// updates.
	SetTimeouts(t Timeouts)

	OnAppend(fn func()) *event.Subscription
	OnPeerAdd(fn func(Peer)) *event.Subscription
	OnPeerOpen(fn func(Peer)) *event.Subscription
	OnPeerRemove(fn func(Peer)) *event.Subscription
	OnDownload(fn func(BlockEvent)) *event.Subscription
	OnUpload(fn func(BlockEvent)) *event.Subscription
	OnClose(fn func()) *event.Subscription

	// Closed reports whether the chain was closed.
	Closed() bool
	Close() error
}

// Peer is a remote replica of a chain.
type Peer interface {
	RemotePublicKey() []byte
	RemoteAddress() string
	RemoteType() string
	// RemoteOpened reports whether the remote completed the open handshake.
	RemoteOpened() bool
}

// Extension is a registered protocol extension.
type Extension interface {
	Name() string
	Send(data []byte, to Peer)
	Broadcast(data []byte)
	Destroy()
}

// Download is an in-flight range download.
type Download interface {
	// Done is closed once the download completed or was cancelled.
	Done() <-chan struct{}
	// Err returns nil for a completed download and the failure otherwise.
	Err() error
}

// BlockEvent describes a block transferred to or from a peer.
type BlockEvent struct {
	Seq  uint64
	Data []byte
	Peer Peer
}

// ReadOptions controls Get.
type ReadOptions struct {
	// NoWait fails immediately with ErrNotAvailable when the block is absent.
	NoWait bool
	// IfAvailable gives up once the get gate fires and the block is still absent.
	IfAvailable bool
	// OnWait is called each time the read has to wait on the network.
	OnWait func(seq uint64)
}

// UpdateOptions controls Update.
type UpdateOptions struct {
	IfAvailable bool
	MinLength   uint64
	Hash        bool
}

// SeekOptions controls Seek.
type SeekOptions struct {
	Start       uint64
	End         uint64
	NoWait      bool
	IfAvailable bool
}

// Range selects blocks for Download. End is exclusive; Live downloads never
// complete on their own. Blocks, when set, overrides Start/End.
type Range struct {
	Start  uint64
	End    uint64
	Live   bool
	Blocks []uint64
	Linear bool
}

// Timeouts are the gates a chain consults before giving up on network
// progress. Each function calls cb exactly once, possibly synchronously.
type Timeouts struct {
	Get    func(cb func())
	Update func(cb func())
}
