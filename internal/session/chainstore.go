package session

import (
	"context"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainstore"
)

const feedResource = "@unichain/feed"

func chainResource(event string, id uint64) string {
	return "@unichain/" + event + "-" + strconv.FormatUint(id, 10)
}

// ChainstoreService opens chains for one session and relays chain events to
// its client.
type ChainstoreService struct {
	store  chainstore.Store
	state  *State
	notify Notifier
	logger pslog.Logger
}

func newChainstoreService(store chainstore.Store, state *State, notify Notifier, logger pslog.Logger) (*ChainstoreService, error) {
	svc := &ChainstoreService{store: store, state: state, notify: notify, logger: logger}
	sub := store.OnFeed(func(c chainstore.Chain) {
		svc.send(api.NotifyOnFeed, api.FeedEvent{Key: c.Key()})
	})
	if err := state.AddResource(feedResource, nil, sub.Close); err != nil {
		return nil, err
	}
	return svc, nil
}

// Open binds req.ID to a chain and starts relaying its events.
func (s *ChainstoreService) Open(ctx context.Context, req api.OpenRequest) (api.OpenResponse, error) {
	if s.state.HasChain(req.ID) {
		return api.OpenResponse{}, failure(ErrChainAlreadyOpen, "chain %d already open in session", req.ID)
	}
	c, err := s.store.Get(chainstore.GetOptions{Key: req.Key, Name: req.Name})
	if err != nil {
		return api.OpenResponse{}, err
	}
	if err := c.Ready(ctx); err != nil {
		return api.OpenResponse{}, err
	}
	if err := s.state.AddChain(req.ID, c, req.Weak); err != nil {
		return api.OpenResponse{}, err
	}

	id := req.ID
	listeners := []struct {
		name string
		sub  interface{ Close() }
	}{
		{"append", c.OnAppend(func() {
			s.send(api.NotifyOnAppend, api.AppendEvent{ID: id, Length: c.Length(), ByteLength: c.ByteLength()})
		})},
		{"peer-open", c.OnPeerOpen(func(p chainstore.Peer) {
			s.send(api.NotifyOnPeerOpen, api.PeerEvent{ID: id, Peer: intoPeer(p)})
		})},
		{"peer-remove", c.OnPeerRemove(func(p chainstore.Peer) {
			if !p.RemoteOpened() {
				return
			}
			s.send(api.NotifyOnPeerRemove, api.PeerEvent{ID: id, Peer: intoPeer(p)})
		})},
	}
	if req.Weak {
		listeners = append(listeners, struct {
			name string
			sub  interface{ Close() }
		}{"close", c.OnClose(func() {
			s.send(api.NotifyOnClose, api.CloseEvent{ID: id})
		})})
	}
	for i, l := range listeners {
		if err := s.state.AddResource(chainResource(l.name, id), nil, l.sub.Close); err != nil {
			for _, rest := range listeners[i+1:] {
				rest.sub.Close()
			}
			return api.OpenResponse{}, err
		}
	}

	peers := make([]api.Peer, 0)
	for _, p := range c.Peers() {
		if p.RemoteOpened() {
			peers = append(peers, intoPeer(p))
		}
	}
	s.logger.Debug("session.chain.open", "chain_id", id, "discovery_key", chainstore.KeyString(c.DiscoveryKey()), "weak", req.Weak, "writable", c.Writable())
	return api.OpenResponse{
		Key:          c.Key(),
		DiscoveryKey: c.DiscoveryKey(),
		Length:       c.Length(),
		ByteLength:   c.ByteLength(),
		Writable:     c.Writable(),
		Peers:        peers,
	}, nil
}

func (s *ChainstoreService) send(method string, params any) {
	if err := s.notify.Notify(method, params); err != nil {
		s.logger.Trace("session.notify.failed", "method", method, "error", err)
	}
}

func intoPeer(p chainstore.Peer) api.Peer {
	return api.Peer{
		RemotePublicKey: p.RemotePublicKey(),
		RemoteAddress:   p.RemoteAddress(),
		RemoteType:      p.RemoteType(),
	}
}
