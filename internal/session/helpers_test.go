package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/chainstore/memory"
	"pkt.systems/chainspace/internal/clock"
	"pkt.systems/chainspace/internal/netconfig"
	"pkt.systems/chainspace/internal/swarm"
)

type note struct {
	method string
	params any
}

type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) Notify(method string, params any) error {
	r.mu.Lock()
	r.notes = append(r.notes, note{method: method, params: params})
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, nt := range r.notes {
		if nt.method == method {
			n++
		}
	}
	return n
}

func (r *recorder) last(method string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.notes) - 1; i >= 0; i-- {
		if r.notes[i].method == method {
			return r.notes[i].params, true
		}
	}
	return nil, false
}

type harness struct {
	store   *memory.Store
	clock   *clock.Manual
	net     *swarm.Local
	netcfg  *netconfig.Memory
	manager *Manager
}

type harnessOption func(*memory.Options, *Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	storeOpts := memory.Options{CacheSize: 16}
	cfg := Config{Version: "test"}
	for _, opt := range opts {
		opt(&storeOpts, &cfg)
	}
	store, err := memory.New(storeOpts)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m := clock.NewManual(time.Unix(0, 0))
	net := swarm.NewLocal(swarm.LocalOptions{FlushDelay: time.Second, Clock: m})
	netcfg := netconfig.NewMemory()
	cfg.Store = store
	cfg.Network = net
	cfg.NetConfig = netcfg
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() {
		_ = mgr.Close()
		_ = net.Close()
		_ = store.Close()
	})
	return &harness{store: store, clock: m, net: net, netcfg: netcfg, manager: mgr}
}

func (h *harness) accept(t *testing.T) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := h.manager.Accept(context.Background(), rec)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return s, rec
}

func (h *harness) pins(c chainstore.Chain) int {
	return h.store.Cache().Count(chainstore.KeyString(c.DiscoveryKey()))
}

func openChain(t *testing.T, s *Session, req api.OpenRequest) api.OpenResponse {
	t.Helper()
	resp, err := s.Chainstore.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open %d: %v", req.ID, err)
	}
	return resp
}

func memChain(t *testing.T, s *Session, id uint64) *memory.Chain {
	t.Helper()
	c, err := s.State.GetChain(id)
	if err != nil {
		t.Fatalf("get chain %d: %v", id, err)
	}
	return c.(*memory.Chain)
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	return toFailure(err).Code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
