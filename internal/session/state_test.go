package session

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/chainstore/memory"
)

func TestStateHandles(t *testing.T) {
	store, err := memory.New(memory.Options{CacheSize: 4})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	c, err := store.Get(chainstore.GetOptions{Name: "a"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	dkey := chainstore.KeyString(c.DiscoveryKey())
	st := NewState(store.Cache())

	if err := st.AddChain(1, c, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.AddChain(1, c, false); !errors.Is(err, ErrDuplicateChain) {
		t.Fatalf("expected duplicate_chain, got %v", err)
	}
	if err := st.AddChain(2, c, true); err != nil {
		t.Fatalf("add weak: %v", err)
	}
	if got := store.Cache().Count(dkey); got != 1 {
		t.Fatalf("weak handles must not pin, count=%d", got)
	}
	if _, err := st.GetChain(3); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected unknown_chain, got %v", err)
	}
	if err := st.DeleteChain(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteChain(1); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected unknown_chain on second delete, got %v", err)
	}
	if got := store.Cache().Count(dkey); got != 0 {
		t.Fatalf("expected pin released, count=%d", got)
	}
}

func TestStateDeleteAllReleasesOnce(t *testing.T) {
	store, err := memory.New(memory.Options{CacheSize: 4})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	c, err := store.Get(chainstore.GetOptions{Name: "a"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	st := NewState(store.Cache())
	released := map[string]int{}
	for _, id := range []string{"x", "y", "z"} {
		id := id
		if err := st.AddResource(id, nil, func() {
			released[id]++
			if id == "y" {
				panic("boom")
			}
		}); err != nil {
			t.Fatalf("add resource: %v", err)
		}
	}
	if err := st.AddResource("x", nil, func() { released["dup"]++ }); !errors.Is(err, ErrDuplicateResource) {
		t.Fatalf("expected duplicate_resource, got %v", err)
	}
	if released["dup"] != 1 {
		t.Fatal("duplicate add should release the new value")
	}
	if err := st.AddChain(1, c, false); err != nil {
		t.Fatalf("add chain: %v", err)
	}

	if err := st.DeleteAll(); err == nil {
		t.Fatal("expected the panicking release to be reported")
	}
	for _, id := range []string{"x", "y", "z"} {
		if released[id] != 1 {
			t.Fatalf("%s released %d times", id, released[id])
		}
	}
	if st.ResourceCount() != 0 || len(st.ChainIDs()) != 0 {
		t.Fatal("state not empty after DeleteAll")
	}
	if store.Cache().Count(chainstore.KeyString(c.DiscoveryKey())) != 0 {
		t.Fatal("pin survived DeleteAll")
	}
	if err := st.AddChain(2, c, false); codeOf(err) != api.CodeCancelled {
		t.Fatalf("expected closed state to reject chains, got %v", err)
	}
	_ = st.DeleteAll()
	for _, id := range []string{"x", "y", "z"} {
		if released[id] != 1 {
			t.Fatalf("second DeleteAll released %s again", id)
		}
	}
}

func TestOpenPinCounting(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	for id := uint64(1); id <= 3; id++ {
		openChain(t, s, api.OpenRequest{ID: id, Name: "shared"})
	}
	c := memChain(t, s, 1)
	if got := h.pins(c); got != 3 {
		t.Fatalf("expected 3 pins, got %d", got)
	}
	for _, id := range []uint64{1, 2} {
		if _, err := s.Unichain.Close(context.Background(), api.ChainRef{ID: id}); err != nil {
			t.Fatalf("close %d: %v", id, err)
		}
	}
	if got := h.pins(c); got != 1 {
		t.Fatalf("expected 1 pin left, got %d", got)
	}
}

func TestOpenDuplicateAndReopen(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "a"})
	if _, err := s.Chainstore.Open(context.Background(), api.OpenRequest{ID: 1, Name: "b"}); !errors.Is(err, ErrChainAlreadyOpen) {
		t.Fatalf("expected chain_already_open, got %v", err)
	}
	if _, err := s.Unichain.Close(context.Background(), api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State.HasResource(chainResource("append", 1)) {
		t.Fatal("append listener survived close")
	}
	resp := openChain(t, s, api.OpenRequest{ID: 1, Name: "b"})
	if !resp.Writable {
		t.Fatal("reopened chain should be writable")
	}
	if _, err := s.Unichain.Close(context.Background(), api.ChainRef{ID: 9}); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected unknown_chain, got %v", err)
	}
}

func TestOpenReadyFailureLeavesNothing(t *testing.T) {
	h := newHarness(t, func(o *memory.Options, _ *Config) {
		o.ReadyCheck = func([]byte) error { return errors.New("disk gone") }
	})
	s, _ := h.accept(t)
	_, err := s.Chainstore.Open(context.Background(), api.OpenRequest{ID: 1, Name: "a"})
	if codeOf(err) != api.CodeReadyFailed {
		t.Fatalf("expected ready_failed, got %v", err)
	}
	if s.State.HasChain(1) {
		t.Fatal("failed open left a handle")
	}
	if s.State.ResourceCount() != 1 {
		t.Fatalf("expected only the feed listener, got %d resources", s.State.ResourceCount())
	}
}

func TestOpenResponseAndPeerEvents(t *testing.T) {
	h := newHarness(t)
	s, rec := h.accept(t)
	remoteKey := make([]byte, chainstore.KeySize)
	remoteKey[0] = 1
	resp := openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey})
	if resp.Writable || len(resp.Peers) != 0 || len(resp.DiscoveryKey) != chainstore.KeySize {
		t.Fatalf("unexpected open response %+v", resp)
	}
	c := memChain(t, s, 1)
	closed := memory.NewPeer([]byte("pending"), "", "")
	c.AddPeer(closed)
	c.RemovePeer(closed)
	if rec.count(api.NotifyOnPeerRemove) != 0 {
		t.Fatal("peer-remove relayed for a peer that never opened")
	}
	p := memory.NewPeer([]byte("remote"), "10.0.0.2:4000", "tcp")
	c.AddPeer(p)
	c.OpenPeer(p)
	if rec.count(api.NotifyOnPeerOpen) != 1 {
		t.Fatalf("expected one peer-open notification, got %d", rec.count(api.NotifyOnPeerOpen))
	}
	params, _ := rec.last(api.NotifyOnPeerOpen)
	if ev := params.(api.PeerEvent); ev.ID != 1 || ev.Peer.RemoteAddress != "10.0.0.2:4000" {
		t.Fatalf("unexpected peer event %+v", ev)
	}
	c.RemovePeer(p)
	if rec.count(api.NotifyOnPeerRemove) != 1 {
		t.Fatal("expected peer-remove notification")
	}

	again := openChain(t, s, api.OpenRequest{ID: 2, Key: remoteKey})
	if len(again.Peers) != 0 {
		t.Fatal("removed peer still listed")
	}
}

func TestFeedRelayedToEverySession(t *testing.T) {
	h := newHarness(t)
	s1, rec1 := h.accept(t)
	_, rec2 := h.accept(t)
	openChain(t, s1, api.OpenRequest{ID: 1, Name: "fresh"})
	if rec1.count(api.NotifyOnFeed) != 1 || rec2.count(api.NotifyOnFeed) != 1 {
		t.Fatalf("expected feed on both sessions, got %d and %d", rec1.count(api.NotifyOnFeed), rec2.count(api.NotifyOnFeed))
	}
}

func TestWeakHandleCloseNotification(t *testing.T) {
	h := newHarness(t, func(o *memory.Options, _ *Config) { o.CacheSize = 1 })
	s, rec := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "weak", Weak: true})
	weak := memChain(t, s, 1)
	if h.pins(weak) != 0 {
		t.Fatal("weak handle pinned the chain")
	}

	openChain(t, s, api.OpenRequest{ID: 2, Name: "strong"})
	if !weak.Closed() {
		t.Fatal("expected the weak chain to be evicted")
	}
	if got := rec.count(api.NotifyOnClose); got != 1 {
		t.Fatalf("expected one onClose, got %d", got)
	}
	params, _ := rec.last(api.NotifyOnClose)
	if ev := params.(api.CloseEvent); ev.ID != 1 {
		t.Fatalf("unexpected close event %+v", ev)
	}

	reopened, err := h.store.Get(chainstore.GetOptions{Name: "weak"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Append(context.Background(), [][]byte{[]byte("late")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.count(api.NotifyOnAppend) != 0 {
		t.Fatal("weak handle received onAppend after close")
	}
	if rec.count(api.NotifyOnClose) != 1 {
		t.Fatal("onClose delivered more than once")
	}
	if _, err := s.Unichain.Append(context.Background(), api.AppendRequest{ID: 1, Blocks: [][]byte{[]byte("x")}}); codeOf(err) != api.CodeChainClosed {
		t.Fatalf("expected chain_closed, got %v", err)
	}
}
