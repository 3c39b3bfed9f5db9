package memory

import (
	"sync/atomic"

	"pkt.systems/chainspace/internal/chainstore"
)

type extension struct {
	chain     *Chain
	name      string
	onMessage func(data []byte, from chainstore.Peer)
	destroyed atomic.Bool
}

var _ chainstore.Extension = (*extension)(nil)

func (e *extension) Name() string { return e.name }

// Send delivers data to every attached peer sharing to's public key.
func (e *extension) Send(data []byte, to chainstore.Peer) {
	if e.destroyed.Load() || to == nil {
		return
	}
	for _, p := range e.chain.peerByKey(to.RemotePublicKey()) {
		if mp, ok := p.(*Peer); ok {
			mp.deliver(e.name, data)
		}
	}
}

func (e *extension) Broadcast(data []byte) {
	if e.destroyed.Load() {
		return
	}
	for _, p := range e.chain.Peers() {
		if mp, ok := p.(*Peer); ok {
			mp.deliver(e.name, data)
		}
	}
}

func (e *extension) Destroy() {
	if e.destroyed.Swap(true) {
		return
	}
	e.chain.removeExtension(e)
}
