package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/chainstore/memory"
	"pkt.systems/chainspace/internal/netconfig"
)

func TestHandleDispatch(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	ctx := context.Background()

	result, err := s.Handle(ctx, api.MethodOpen, json.RawMessage(`{"id":1,"name":"dispatch"}`))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if resp, ok := result.(api.OpenResponse); !ok || !resp.Writable {
		t.Fatalf("unexpected open result %#v", result)
	}

	_, err = s.Handle(ctx, "unichain.nope", nil)
	var f Failure
	if !errors.As(err, &f) || f.Code != api.CodeUnknownMethod {
		t.Fatalf("expected unknown_method, got %v", err)
	}
	_, err = s.Handle(ctx, api.MethodAppend, json.RawMessage(`{"id":"one"}`))
	if codeOf(err) != api.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
	_, err = s.Handle(ctx, api.MethodHas, json.RawMessage(`{"id":42,"seq":0}`))
	if !errors.As(err, &f) || f.Code != api.CodeUnknownChain {
		t.Fatalf("expected unknown_chain failure, got %v", err)
	}
	if f.APIError().Code != api.CodeUnknownChain {
		t.Fatalf("api error lost the code: %+v", f.APIError())
	}

	result, err = s.Handle(ctx, api.MethodStatus, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	st := result.(api.StatusResponse)
	if st.Version != "test" || st.APIVersion != api.APIVersion || st.Sessions != 1 || st.Chains != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestHandleCancelledBySessionClose(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(9)})

	if _, err := s.Handle(context.Background(), api.MethodAcquireLock, json.RawMessage(`{"id":1}`)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	errCh := make(chan error, 1)
	other, _ := h.accept(t)
	openChain(t, other, api.OpenRequest{ID: 1, Key: remoteKey(9)})
	go func() {
		_, err := other.Handle(context.Background(), api.MethodAcquireLock, json.RawMessage(`{"id":1}`))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := other.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if codeOf(err) != api.CodeCancelled {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked call survived session close")
	}
}

func TestSessionTeardownReleasesEverything(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	ctx := context.Background()
	openChain(t, s, api.OpenRequest{ID: 1, Name: "teardown"})
	openChain(t, s, api.OpenRequest{ID: 2, Key: remoteKey(10)})
	local := memChain(t, s, 1)
	remote := memChain(t, s, 2)

	getErr := make(chan error, 1)
	go func() {
		_, err := s.Unichain.Get(ctx, api.GetRequest{ID: 1, ResourceID: 1, Seq: 0})
		getErr <- err
	}()
	dlErr := make(chan error, 1)
	go func() {
		_, err := s.Unichain.Download(ctx, api.DownloadRequest{ID: 2, ResourceID: 2, Start: 0, End: 3})
		dlErr <- err
	}()
	if _, err := s.Unichain.AcquireLock(ctx, api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Unichain.RegisterExtension(ctx, api.RegisterExtensionRequest{ID: 1, ResourceID: 3, Name: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "pending calls", func() bool {
		return s.State.HasResource(resourceKey(1)) && s.State.HasResource(resourceKey(2))
	})

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for name, ch := range map[string]chan error{"get": getErr, "download": dlErr} {
		select {
		case err := <-ch:
			if codeOf(err) != api.CodeCancelled {
				t.Fatalf("%s: expected cancelled, got %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s survived teardown", name)
		}
	}
	if n := s.State.ResourceCount(); n != 0 {
		t.Fatalf("expected no resources, got %d", n)
	}
	if h.pins(local) != 0 || h.pins(remote) != 0 {
		t.Fatal("teardown left pins behind")
	}
	if h.manager.Locks().Len() != 0 {
		t.Fatal("teardown kept the lock")
	}
	if local.DeliverExtension("x", []byte("late"), nil) != 0 {
		t.Fatal("extension handler survived teardown")
	}
	if h.manager.Sessions() != 0 {
		t.Fatalf("expected no sessions, got %d", h.manager.Sessions())
	}
	if _, err := s.Chainstore.Open(ctx, api.OpenRequest{ID: 3, Name: "after"}); codeOf(err) != api.CodeCancelled {
		t.Fatalf("open after close should fail, got %v", err)
	}
	if h.pins(memChainByName(t, h, "after")) != 0 {
		t.Fatal("open after close pinned a chain")
	}
}

func memChainByName(t *testing.T, h *harness, name string) chainstore.Chain {
	t.Helper()
	c, err := h.store.Get(chainstore.GetOptions{Name: name})
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return c
}

func TestAcceptContextEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := h.manager.Accept(ctx, &recorder{})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	openChain(t, s, api.OpenRequest{ID: 1, Name: "ctx"})
	cancel()
	waitFor(t, "session close", func() bool { return h.manager.Sessions() == 0 })
	if s.Context().Err() == nil {
		t.Fatal("session context still live")
	}
}

func TestManagerCloseRejectsAccept(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "m"})
	if err := h.manager.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.manager.Sessions() != 0 {
		t.Fatal("manager close left sessions open")
	}
	if _, err := h.manager.Accept(context.Background(), &recorder{}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestStopRequest(t *testing.T) {
	stopped := make(chan struct{}, 2)
	h := newHarness(t, func(_ *memory.Options, cfg *Config) {
		cfg.Stop = func() { stopped <- struct{}{} }
	})
	s, _ := h.accept(t)
	for i := 0; i < 2; i++ {
		if _, err := s.Handle(context.Background(), api.MethodStop, nil); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop callback never ran")
	}
	select {
	case <-stopped:
		t.Fatal("stop callback ran twice")
	case <-time.After(20 * time.Millisecond):
	}

	disabled := newHarness(t)
	ds, _ := disabled.accept(t)
	if _, err := ds.Handle(context.Background(), api.MethodStop, nil); codeOf(err) != api.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument when stop is disabled, got %v", err)
	}
}

func TestNetworkConfigure(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	ctx := context.Background()
	remembered, transient := remoteKey(20), remoteKey(21)

	_, err := s.Network.Configure(ctx, api.ConfigureRequest{NetworkConfiguration: api.NetworkConfiguration{
		DiscoveryKey: remembered, Announce: true, Lookup: true, Remember: true,
	}})
	if err != nil {
		t.Fatalf("configure remembered: %v", err)
	}
	_, err = s.Network.Configure(ctx, api.ConfigureRequest{NetworkConfiguration: api.NetworkConfiguration{
		DiscoveryKey: transient, Lookup: true,
	}})
	if err != nil {
		t.Fatalf("configure transient: %v", err)
	}
	if !h.net.Joined(remembered) || !h.net.Joined(transient) {
		t.Fatal("expected both topics joined")
	}
	if _, ok, _ := h.netcfg.Get(ctx, remembered); !ok {
		t.Fatal("remembered configuration not persisted")
	}
	if _, ok, _ := h.netcfg.Get(ctx, transient); ok {
		t.Fatal("transient configuration persisted")
	}

	other, _ := h.accept(t)
	got, err := other.Network.GetConfiguration(ctx, api.GetConfigurationRequest{DiscoveryKey: transient})
	if err != nil || got.Configuration == nil || !got.Configuration.Lookup || got.Configuration.Announce {
		t.Fatalf("unexpected transient configuration %+v, %v", got.Configuration, err)
	}
	all, err := other.Network.GetAllConfigurations(ctx, api.Empty{})
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all.Configurations) != 2 || !all.Configurations[0].Remember {
		t.Fatalf("unexpected configurations %+v", all.Configurations)
	}

	_, err = s.Network.Configure(ctx, api.ConfigureRequest{NetworkConfiguration: api.NetworkConfiguration{
		DiscoveryKey: remembered, Remember: true,
	}})
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if h.net.Joined(remembered) {
		t.Fatal("topic still joined after leaving")
	}
	if _, ok, _ := h.netcfg.Get(ctx, remembered); ok {
		t.Fatal("left configuration still persisted")
	}
	got, _ = s.Network.GetConfiguration(ctx, api.GetConfigurationRequest{DiscoveryKey: remembered})
	if got.Configuration != nil {
		t.Fatalf("expected no configuration, got %+v", got.Configuration)
	}
	if _, err := s.Network.Configure(ctx, api.ConfigureRequest{}); codeOf(err) != api.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestNoAnnounceSuppressesAnnounce(t *testing.T) {
	h := newHarness(t, func(_ *memory.Options, cfg *Config) { cfg.NoAnnounce = true })
	s, _ := h.accept(t)
	ctx := context.Background()
	key := remoteKey(30)
	_, err := s.Network.Configure(ctx, api.ConfigureRequest{NetworkConfiguration: api.NetworkConfiguration{
		DiscoveryKey: key, Announce: true, Lookup: true, Remember: true,
	}})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	rec, ok, _ := h.netcfg.Get(ctx, key)
	if !ok || rec.Announce || !rec.Lookup {
		t.Fatalf("expected a lookup-only record, got %+v (found=%v)", rec, ok)
	}
}

func TestRejoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	announce, lookupOnly := remoteKey(40), remoteKey(41)
	for _, rec := range []netconfig.Record{
		{DiscoveryKey: announce, Announce: true, Lookup: true},
		{DiscoveryKey: lookupOnly, Lookup: true},
	} {
		if err := h.netcfg.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := h.manager.Rejoin(ctx); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !h.net.Joined(announce) {
		t.Fatal("announcing configuration not rejoined")
	}
	if h.net.Joined(lookupOnly) {
		t.Fatal("lookup-only configuration rejoined")
	}

	quiet := newHarness(t, func(_ *memory.Options, cfg *Config) { cfg.NoAnnounce = true })
	if err := quiet.netcfg.Put(ctx, netconfig.Record{DiscoveryKey: announce, Announce: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := quiet.manager.Rejoin(ctx); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if quiet.net.Joined(announce) {
		t.Fatal("rejoin ran despite no-announce")
	}
}
