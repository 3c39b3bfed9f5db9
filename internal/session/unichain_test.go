package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/chainstore/memory"
)

func remoteKey(b byte) []byte {
	key := make([]byte, chainstore.KeySize)
	key[0] = b
	return key
}

func TestAppendHasDownloaded(t *testing.T) {
	h := newHarness(t)
	s, rec := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "log"})
	ctx := context.Background()

	resp, err := s.Unichain.Append(ctx, api.AppendRequest{ID: 1, Blocks: [][]byte{
		[]byte("aaaaa"), []byte("bbb"), []byte("cccc"),
	}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if resp.Seq != 0 || resp.Length != 3 || resp.ByteLength != 12 {
		t.Fatalf("unexpected append response %+v", resp)
	}
	if rec.count(api.NotifyOnAppend) != 1 {
		t.Fatalf("expected one onAppend, got %d", rec.count(api.NotifyOnAppend))
	}
	dl, err := s.Unichain.Downloaded(ctx, api.DownloadedRequest{ID: 1, Start: 0, End: 3})
	if err != nil || dl.Bytes != 12 {
		t.Fatalf("downloaded = %d, %v", dl.Bytes, err)
	}
	has, err := s.Unichain.Has(ctx, api.HasRequest{ID: 1, Seq: 1})
	if err != nil || !has.Has {
		t.Fatalf("has(1) = %v, %v", has.Has, err)
	}
	has, err = s.Unichain.Has(ctx, api.HasRequest{ID: 1, Seq: 5})
	if err != nil || has.Has {
		t.Fatalf("has(5) = %v, %v", has.Has, err)
	}
	seek, err := s.Unichain.Seek(ctx, api.SeekRequest{ID: 1, ByteOffset: 6})
	if err != nil || seek.Seq != 1 || seek.BlockOffset != 1 {
		t.Fatalf("seek = %+v, %v", seek, err)
	}
	got, err := s.Unichain.Get(ctx, api.GetRequest{ID: 1, ResourceID: 1, Seq: 2})
	if err != nil || string(got.Block) != "cccc" {
		t.Fatalf("get = %q, %v", got.Block, err)
	}
	if s.State.HasResource(resourceKey(1)) {
		t.Fatal("settled get left its resource behind")
	}
}

func TestAppendToRemoteChainNotWritable(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(7)})
	_, err := s.Unichain.Append(context.Background(), api.AppendRequest{ID: 1, Blocks: [][]byte{[]byte("x")}})
	if codeOf(err) != api.CodeNotWritable {
		t.Fatalf("expected not_writable, got %v", err)
	}
}

func TestUnknownChainHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	ctx := context.Background()
	before := s.State.ResourceCount()

	checks := map[string]error{}
	_, checks["get"] = s.Unichain.Get(ctx, api.GetRequest{ID: 9, ResourceID: 1})
	_, checks["download"] = s.Unichain.Download(ctx, api.DownloadRequest{ID: 9, ResourceID: 2, End: 1})
	_, checks["extension"] = s.Unichain.RegisterExtension(ctx, api.RegisterExtensionRequest{ID: 9, ResourceID: 3, Name: "x"})
	_, checks["lock"] = s.Unichain.AcquireLock(ctx, api.ChainRef{ID: 9})
	_, checks["watch"] = s.Unichain.WatchDownloads(ctx, api.ChainRef{ID: 9})
	_, checks["cancel"] = s.Unichain.Cancel(ctx, api.ResourceRef{ID: 9, ResourceID: 1})
	for name, err := range checks {
		if !errors.Is(err, ErrUnknownChain) {
			t.Fatalf("%s: expected unknown_chain, got %v", name, err)
		}
	}
	if s.State.ResourceCount() != before {
		t.Fatalf("resources changed: %d -> %d", before, s.State.ResourceCount())
	}
	if h.manager.Locks().Len() != 0 {
		t.Fatal("lock table changed")
	}
}

func TestGetCancel(t *testing.T) {
	h := newHarness(t)
	s, rec := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "empty"})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Unichain.Get(context.Background(), api.GetRequest{ID: 1, ResourceID: 7, Seq: 0, OnWaitID: 3})
		errCh <- err
	}()
	waitFor(t, "pending get", func() bool { return s.State.HasResource(resourceKey(7)) })
	waitFor(t, "onWait", func() bool { return rec.count(api.NotifyOnWait) > 0 })
	params, _ := rec.last(api.NotifyOnWait)
	if ev := params.(api.WaitEvent); ev.ID != 1 || ev.OnWaitID != 3 || ev.Seq != 0 {
		t.Fatalf("unexpected wait event %+v", ev)
	}

	if _, err := s.Unichain.Cancel(context.Background(), api.ResourceRef{ID: 1, ResourceID: 7}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-errCh:
		if codeOf(err) != api.CodeCancelled {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("get did not return after cancel")
	}
	if s.State.HasResource(resourceKey(7)) {
		t.Fatal("cancelled get left its resource behind")
	}
	if _, err := s.Unichain.Cancel(context.Background(), api.ResourceRef{ID: 1, ResourceID: 7}); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
}

func TestGetWaitsForAppend(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "later"})

	type result struct {
		block []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.Unichain.Get(context.Background(), api.GetRequest{ID: 1, ResourceID: 1, Seq: 0})
		done <- result{resp.Block, err}
	}()
	waitFor(t, "pending get", func() bool { return s.State.HasResource(resourceKey(1)) })
	if _, err := s.Unichain.Append(context.Background(), api.AppendRequest{ID: 1, Blocks: [][]byte{[]byte("hello")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil || string(r.block) != "hello" {
			t.Fatalf("get = %q, %v", r.block, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("get did not observe the append")
	}
}

func TestGetNoWait(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "nowait"})
	wait := false
	_, err := s.Unichain.Get(context.Background(), api.GetRequest{ID: 1, ResourceID: 1, Wait: &wait})
	if codeOf(err) != api.CodeNotAvailable {
		t.Fatalf("expected not_available, got %v", err)
	}
}

func TestUpdateIfAvailableWithoutPeers(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(3)})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Unichain.Update(context.Background(), api.UpdateRequest{ID: 1, IfAvailable: true})
		errCh <- err
	}()
	h.clock.Advance(time.Second)
	select {
	case err := <-errCh:
		if codeOf(err) != api.CodeNoPeers {
			t.Fatalf("expected no_peers, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update did not settle after the swarm flushed")
	}
}

func TestDownloadUndownload(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(4)})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Unichain.Download(context.Background(), api.DownloadRequest{ID: 1, ResourceID: 2, Start: 0, End: 2})
		errCh <- err
	}()
	waitFor(t, "pending download", func() bool { return s.State.HasResource(resourceKey(2)) })
	if s.Unichain.pendingDownloads(1) != 1 {
		t.Fatal("download not tracked")
	}
	if _, err := s.Unichain.Undownload(context.Background(), api.ResourceRef{ID: 1, ResourceID: 2}); err != nil {
		t.Fatalf("undownload: %v", err)
	}
	select {
	case err := <-errCh:
		if codeOf(err) != api.CodeCancelled {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download did not return after undownload")
	}
	if s.State.HasResource(resourceKey(2)) {
		t.Fatal("undownloaded resource still registered")
	}
	waitFor(t, "download untracked", func() bool { return s.Unichain.pendingDownloads(1) == 0 })
}

func TestDownloadCompletesOnReceive(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(5)})
	c := memChain(t, s, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Unichain.Download(context.Background(), api.DownloadRequest{ID: 1, ResourceID: 4, Blocks: []uint64{0, 1}})
		errCh <- err
	}()
	waitFor(t, "pending download", func() bool { return s.State.HasResource(resourceKey(4)) })
	for seq := uint64(0); seq < 2; seq++ {
		if err := c.Receive(seq, []byte("blk"), nil); err != nil {
			t.Fatalf("receive %d: %v", seq, err)
		}
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("download: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download did not complete")
	}
	waitFor(t, "resource removed", func() bool { return !s.State.HasResource(resourceKey(4)) })

	if _, err := s.Unichain.Download(context.Background(), api.DownloadRequest{ID: 1, ResourceID: 5, Start: 0, End: 2}); err != nil {
		t.Fatalf("satisfied download should return at once: %v", err)
	}
}

func TestCloseCancelsDownloads(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(6)})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Unichain.Download(context.Background(), api.DownloadRequest{ID: 1, ResourceID: 1, Live: true})
		errCh <- err
	}()
	waitFor(t, "live download", func() bool { return s.State.HasResource(resourceKey(1)) })
	if _, err := s.Unichain.Close(context.Background(), api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if codeOf(err) != api.CodeCancelled {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live download survived close")
	}
}

func TestExtensions(t *testing.T) {
	h := newHarness(t)
	s, rec := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "ext"})
	c := memChain(t, s, 1)
	a := memory.NewPeer([]byte("peer-a"), "", "")
	b := memory.NewPeer([]byte("peer-b"), "", "")
	c.AddPeer(a)
	c.AddPeer(b)
	ctx := context.Background()

	if _, err := s.Unichain.RegisterExtension(ctx, api.RegisterExtensionRequest{ID: 1, ResourceID: 5, Name: "chat"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Unichain.RegisterExtension(ctx, api.RegisterExtensionRequest{ID: 1, ResourceID: 6, Name: "chat"}); err != nil {
		t.Fatalf("register second handler: %v", err)
	}
	if n := c.DeliverExtension("chat", []byte("hi"), a); n != 2 {
		t.Fatalf("expected both handlers to receive, got %d", n)
	}
	if rec.count(api.NotifyOnExtension) != 2 {
		t.Fatalf("expected two onExtension notifications, got %d", rec.count(api.NotifyOnExtension))
	}
	params, _ := rec.last(api.NotifyOnExtension)
	if ev := params.(api.ExtensionEvent); !bytes.Equal(ev.RemotePublicKey, []byte("peer-a")) || string(ev.Data) != "hi" {
		t.Fatalf("unexpected extension event %+v", ev)
	}

	if _, err := s.Unichain.SendExtension(ctx, api.SendExtensionRequest{ID: 1, ResourceID: 5, RemotePublicKey: []byte("peer-b"), Data: []byte("direct")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.Unichain.SendExtension(ctx, api.SendExtensionRequest{ID: 1, ResourceID: 5, Data: []byte("all")}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(a.Messages()) != 1 || len(b.Messages()) != 2 {
		t.Fatalf("unexpected deliveries a=%d b=%d", len(a.Messages()), len(b.Messages()))
	}
	if _, err := s.Unichain.SendExtension(ctx, api.SendExtensionRequest{ID: 1, ResourceID: 99, Data: []byte("x")}); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected unknown_resource, got %v", err)
	}

	if _, err := s.Unichain.UnregisterExtension(ctx, api.UnregisterExtensionRequest{ResourceID: 5}); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if n := c.DeliverExtension("chat", []byte("again"), a); n != 1 {
		t.Fatalf("expected one remaining handler, got %d", n)
	}
	if _, err := s.Unichain.UnregisterExtension(ctx, api.UnregisterExtensionRequest{ResourceID: 5}); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected unknown_resource, got %v", err)
	}
}

func TestWatchDownloadsAndUploads(t *testing.T) {
	h := newHarness(t)
	s, rec := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(8)})
	c := memChain(t, s, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Unichain.WatchDownloads(ctx, api.ChainRef{ID: 1}); err != nil {
			t.Fatalf("watch downloads: %v", err)
		}
	}
	if err := c.Receive(0, []byte("abc"), nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if rec.count(api.NotifyOnDownload) != 1 {
		t.Fatalf("expected one onDownload, got %d", rec.count(api.NotifyOnDownload))
	}
	params, _ := rec.last(api.NotifyOnDownload)
	if ev := params.(api.TransferEvent); ev.Seq != 0 || ev.ByteLength != 3 {
		t.Fatalf("unexpected transfer event %+v", ev)
	}
	if _, err := s.Unichain.UnwatchDownloads(ctx, api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if err := c.Receive(1, []byte("def"), nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if rec.count(api.NotifyOnDownload) != 1 {
		t.Fatal("onDownload delivered after unwatch")
	}

	if _, err := s.Unichain.WatchUploads(ctx, api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("watch uploads: %v", err)
	}
	if err := c.Serve(0, nil); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if rec.count(api.NotifyOnUpload) != 1 {
		t.Fatalf("expected one onUpload, got %d", rec.count(api.NotifyOnUpload))
	}
}

func TestLockExclusionAcrossSessions(t *testing.T) {
	h := newHarness(t)
	s1, _ := h.accept(t)
	s2, _ := h.accept(t)
	openChain(t, s1, api.OpenRequest{ID: 1, Name: "locked"})
	openChain(t, s2, api.OpenRequest{ID: 4, Name: "locked"})
	ctx := context.Background()
	dkey := chainstore.KeyString(memChain(t, s1, 1).DiscoveryKey())

	if _, err := s1.Unichain.ReleaseLock(ctx, api.ChainRef{ID: 1}); codeOf(err) != api.CodeNotLocked {
		t.Fatalf("expected not_locked, got %v", err)
	}
	if _, err := s1.Unichain.AcquireLock(ctx, api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := s2.Unichain.AcquireLock(ctx, api.ChainRef{ID: 4})
		acquired <- err
	}()
	select {
	case err := <-acquired:
		t.Fatalf("second session acquired a held lock: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if _, err := s2.Unichain.ReleaseLock(ctx, api.ChainRef{ID: 4}); codeOf(err) != api.CodeNotLockOwner {
		t.Fatalf("expected not_lock_owner, got %v", err)
	}

	if _, err := s1.Unichain.ReleaseLock(ctx, api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if s1.State.HasResource(lockResource(dkey)) {
		t.Fatal("released lock still registered in first session")
	}
	if owner, _ := h.manager.Locks().Owner(dkey); owner != s2.ID() {
		t.Fatalf("expected %s to own the lock, got %q", s2.ID(), owner)
	}

	if err := s2.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, held := h.manager.Locks().Owner(dkey); held {
		t.Fatal("session teardown kept the lock")
	}
}

func TestAcquireLockHonoursContext(t *testing.T) {
	h := newHarness(t)
	s1, _ := h.accept(t)
	s2, _ := h.accept(t)
	openChain(t, s1, api.OpenRequest{ID: 1, Name: "busy"})
	openChain(t, s2, api.OpenRequest{ID: 1, Name: "busy"})
	if _, err := s1.Unichain.AcquireLock(context.Background(), api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s2.Unichain.AcquireLock(ctx, api.ChainRef{ID: 1}); codeOf(err) != api.CodeCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestStartRegistersBeforeWaiting(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Key: remoteKey(6)})
	ctx := context.Background()

	download := s.Start(ctx, api.MethodDownload, json.RawMessage(`{"id":1,"resourceId":1,"start":0,"end":4}`))
	get := s.Start(ctx, api.MethodGet, json.RawMessage(`{"id":1,"resourceId":2,"seq":0}`))
	if !s.State.HasResource(resourceKey(1)) || !s.State.HasResource(resourceKey(2)) {
		t.Fatal("start phase did not register the pending calls")
	}
	if _, err := s.Start(ctx, api.MethodUndownload, json.RawMessage(`{"id":1,"resourceId":1}`))(); err != nil {
		t.Fatalf("undownload: %v", err)
	}
	if _, err := s.Start(ctx, api.MethodCancel, json.RawMessage(`{"id":1,"resourceId":2}`))(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for name, finish := range map[string]func() (any, error){"download": download, "get": get} {
		done := make(chan error, 1)
		go func() {
			_, err := finish()
			done <- err
		}()
		select {
		case err := <-done:
			if codeOf(err) != api.CodeCancelled {
				t.Fatalf("%s: expected cancelled, got %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never settled", name)
		}
	}
	if s.State.HasResource(resourceKey(1)) || s.State.HasResource(resourceKey(2)) {
		t.Fatal("settled calls left their resources behind")
	}
}

func TestStartGrantsFreeLockImmediately(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "granted"})
	dkey := chainstore.KeyString(memChain(t, s, 1).DiscoveryKey())

	finish := s.Start(context.Background(), api.MethodAcquireLock, json.RawMessage(`{"id":1}`))
	if owner, _ := h.manager.Locks().Owner(dkey); owner != s.ID() {
		t.Fatalf("free lock not granted at start, owner %q", owner)
	}
	if !s.State.HasResource(lockResource(dkey)) {
		t.Fatal("granted lock not registered")
	}
	if _, err := finish(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}

func TestReleaseLockRacesSameSessionAcquire(t *testing.T) {
	h := newHarness(t)
	s, _ := h.accept(t)
	openChain(t, s, api.OpenRequest{ID: 1, Name: "relock"})
	ctx := context.Background()
	dkey := chainstore.KeyString(memChain(t, s, 1).DiscoveryKey())

	if _, err := s.Unichain.AcquireLock(ctx, api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 100; i++ {
		reacquired := make(chan error, 1)
		go func() {
			_, err := s.Unichain.AcquireLock(ctx, api.ChainRef{ID: 1})
			reacquired <- err
		}()
		if _, err := s.Unichain.ReleaseLock(ctx, api.ChainRef{ID: 1}); err != nil {
			t.Fatalf("round %d release: %v", i, err)
		}
		select {
		case err := <-reacquired:
			if err != nil {
				t.Fatalf("round %d reacquire: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: reacquire never returned", i)
		}
		if owner, held := h.manager.Locks().Owner(dkey); !held || owner != s.ID() {
			t.Fatalf("round %d: lock lost after reacquire (owner %q)", i, owner)
		}
		if !s.State.HasResource(lockResource(dkey)) {
			t.Fatalf("round %d: reacquired lock not registered", i)
		}
	}
	if _, err := s.Unichain.ReleaseLock(ctx, api.ChainRef{ID: 1}); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if _, held := h.manager.Locks().Owner(dkey); held {
		t.Fatal("lock still held after final release")
	}
}
