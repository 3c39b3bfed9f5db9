package memory

import (
	"sync"
	"sync/atomic"
)

// ExtensionMessage is an extension payload delivered to a Peer.
type ExtensionMessage struct {
	Name string
	Data []byte
}

// Peer is an in-process stand-in for a remote replica. Tests attach peers to
// chains to drive peer events and observe extension traffic.
type Peer struct {
	publicKey []byte
	address   string
	typ       string
	opened    atomic.Bool

	mu       sync.Mutex
	messages []ExtensionMessage
}

// NewPeer constructs a peer identified by publicKey.
func NewPeer(publicKey []byte, address, typ string) *Peer {
	return &Peer{publicKey: append([]byte(nil), publicKey...), address: address, typ: typ}
}

func (p *Peer) RemotePublicKey() []byte { return p.publicKey }
func (p *Peer) RemoteAddress() string   { return p.address }
func (p *Peer) RemoteType() string      { return p.typ }
func (p *Peer) RemoteOpened() bool      { return p.opened.Load() }

// Messages returns a copy of the extension messages sent to this peer.
func (p *Peer) Messages() []ExtensionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ExtensionMessage(nil), p.messages...)
}

func (p *Peer) deliver(name string, data []byte) {
	p.mu.Lock()
	p.messages = append(p.messages, ExtensionMessage{Name: name, Data: append([]byte(nil), data...)})
	p.mu.Unlock()
}
