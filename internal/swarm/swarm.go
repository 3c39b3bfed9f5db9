// Package swarm defines what the session layer needs from the peer network:
// joining discovery keys, flush notifications and a process-wide flush.
package swarm

import (
	"context"

	"pkt.systems/chainspace/internal/event"
)

// ConfigureOptions selects how a discovery key participates in the swarm.
// Setting neither Announce nor Lookup leaves the topic.
type ConfigureOptions struct {
	Announce bool
	Lookup   bool
	// Remember asks the caller to persist the configuration; the swarm
	// itself only keeps it in memory.
	Remember bool
	// Flush makes Configure block until the first flush for the key.
	Flush bool
}

// Status describes the local node.
type Status struct {
	NodeID        string
	RemoteAddress string
	Holepunchable bool
	Topics        int
	MaxPeers      int
}

// Networker is the swarm collaborator.
type Networker interface {
	Listen(ctx context.Context) error
	Configure(ctx context.Context, discoveryKey []byte, opts ConfigureOptions) error
	Joined(discoveryKey []byte) bool
	Flushed(discoveryKey []byte) bool
	// Flush calls cb once every pending network operation was attempted.
	Flush(cb func())
	// OnFlushed reports discovery keys whose join flushed.
	OnFlushed(fn func(discoveryKey []byte)) *event.Subscription
	Status() Status
	Close() error
}
