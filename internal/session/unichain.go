package session

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainlock"
	"pkt.systems/chainspace/internal/chainstore"
)

func resourceKey(rid uint64) string { return strconv.FormatUint(rid, 10) }

func lockResource(dkeyHex string) string { return "@unichain/lock-" + dkeyHex }

// UnichainService implements the per-chain operations of one session.
type UnichainService struct {
	state   *State
	locks   *chainlock.Table
	owner   string
	notify  Notifier
	logger  pslog.Logger
	metrics *sessionMetrics

	mu        sync.Mutex
	downloads map[uint64]map[string]struct{}
}

func newUnichainService(state *State, locks *chainlock.Table, owner string, notify Notifier, logger pslog.Logger, metrics *sessionMetrics) *UnichainService {
	return &UnichainService{
		state:     state,
		locks:     locks,
		owner:     owner,
		notify:    notify,
		logger:    logger,
		metrics:   metrics,
		downloads: make(map[uint64]map[string]struct{}),
	}
}

// pendingGet is the registry value of an in-flight read; its identity lets
// the settle path avoid deleting a newer resource reusing the same id.
type pendingGet struct{ cancel context.CancelFunc }

// Get reads one block. The read can be cancelled through Cancel with the
// same resource id until it settles.
func (u *UnichainService) Get(ctx context.Context, req api.GetRequest) (api.GetResponse, error) {
	wait, err := u.startGet(ctx, req)
	if err != nil {
		return api.GetResponse{}, err
	}
	return wait()
}

// startGet registers the read as a cancellable resource and returns the
// wait for the block.
func (u *UnichainService) startGet(ctx context.Context, req api.GetRequest) (func() (api.GetResponse, error), error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	key := resourceKey(req.ResourceID)
	pending := &pendingGet{cancel: cancel}
	if err := u.state.AddResource(key, pending, func() { cancel() }); err != nil {
		return nil, err
	}
	opts := chainstore.ReadOptions{NoWait: !req.ShouldWait(), IfAvailable: req.IfAvailable}
	if req.OnWaitID != 0 {
		opts.OnWait = func(seq uint64) {
			u.send(api.NotifyOnWait, api.WaitEvent{ID: req.ID, OnWaitID: req.OnWaitID, Seq: seq})
		}
	}
	return func() (api.GetResponse, error) {
		defer cancel()
		block, err := c.Get(ctx, req.Seq, opts)
		u.state.resources.CompareAndDelete(key, pending, true)
		if err != nil {
			return api.GetResponse{}, err
		}
		return api.GetResponse{Block: block}, nil
	}, nil
}

// Cancel cancels a pending read or download; unknown resources are ignored.
func (u *UnichainService) Cancel(_ context.Context, req api.ResourceRef) (api.Empty, error) {
	if _, err := u.state.GetChain(req.ID); err != nil {
		return api.Empty{}, err
	}
	u.state.deleteResourceIfPresent(resourceKey(req.ResourceID))
	return api.Empty{}, nil
}

// Append writes blocks to a writable chain and returns the first new seq.
func (u *UnichainService) Append(ctx context.Context, req api.AppendRequest) (api.AppendResponse, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.AppendResponse{}, err
	}
	seq, err := c.Append(ctx, req.Blocks)
	if err != nil {
		return api.AppendResponse{}, err
	}
	return api.AppendResponse{Length: c.Length(), ByteLength: c.ByteLength(), Seq: seq}, nil
}

// Update waits for the chain to grow past its current length.
func (u *UnichainService) Update(ctx context.Context, req api.UpdateRequest) (api.UpdateResponse, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.UpdateResponse{}, err
	}
	err = c.Update(ctx, chainstore.UpdateOptions{IfAvailable: req.IfAvailable, MinLength: req.MinLength, Hash: req.Hash})
	if err != nil {
		return api.UpdateResponse{}, err
	}
	return api.UpdateResponse{Length: c.Length(), ByteLength: c.ByteLength()}, nil
}

// Seek maps a byte offset onto a block and the offset inside it.
func (u *UnichainService) Seek(ctx context.Context, req api.SeekRequest) (api.SeekResponse, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.SeekResponse{}, err
	}
	seq, off, err := c.Seek(ctx, req.ByteOffset, chainstore.SeekOptions{
		Start:       req.Start,
		End:         req.End,
		NoWait:      !req.ShouldWait(),
		IfAvailable: req.IfAvailable,
	})
	if err != nil {
		return api.SeekResponse{}, err
	}
	return api.SeekResponse{Seq: seq, BlockOffset: off}, nil
}

// Has reports whether the block at req.Seq is local once the chain is ready.
func (u *UnichainService) Has(ctx context.Context, req api.HasRequest) (api.HasResponse, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.HasResponse{}, err
	}
	if err := c.Ready(ctx); err != nil {
		return api.HasResponse{}, err
	}
	return api.HasResponse{Has: c.Has(req.Seq)}, nil
}

// Download fetches a range and returns when it is local. Live downloads
// only end through Undownload, Close or disconnect.
func (u *UnichainService) Download(ctx context.Context, req api.DownloadRequest) (api.Empty, error) {
	wait, err := u.startDownload(ctx, req)
	if err != nil {
		return api.Empty{}, err
	}
	return wait()
}

// startDownload registers the range as a resource and returns the wait for it.
func (u *UnichainService) startDownload(ctx context.Context, req api.DownloadRequest) (func() (api.Empty, error), error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return nil, err
	}
	rng := chainstore.Range{Start: req.Start, End: req.End, Blocks: req.Blocks, Linear: req.Linear, Live: req.Live}
	if req.Live {
		rng.End = 0
	}
	d := c.Download(rng)
	select {
	case <-d.Done():
		return func() (api.Empty, error) { return api.Empty{}, d.Err() }, nil
	default:
	}
	key := resourceKey(req.ResourceID)
	if err := u.state.AddResource(key, d, func() { c.Undownload(d) }); err != nil {
		return nil, err
	}
	u.track(req.ID, key)

	return func() (api.Empty, error) {
		select {
		case <-d.Done():
		case <-ctx.Done():
			u.state.resources.CompareAndDelete(key, d, false)
			<-d.Done()
		}
		u.state.resources.CompareAndDelete(key, d, true)
		u.untrack(req.ID, key)
		return api.Empty{}, d.Err()
	}, nil
}

// Undownload cancels a download; unknown resources are ignored.
func (u *UnichainService) Undownload(_ context.Context, req api.ResourceRef) (api.Empty, error) {
	if _, err := u.state.GetChain(req.ID); err != nil {
		return api.Empty{}, err
	}
	key := resourceKey(req.ResourceID)
	u.state.deleteResourceIfPresent(key)
	u.untrack(req.ID, key)
	return api.Empty{}, nil
}

// RegisterExtension forwards messages for req.Name as onExtension
// notifications until the resource is deleted.
func (u *UnichainService) RegisterExtension(_ context.Context, req api.RegisterExtensionRequest) (api.Empty, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.Empty{}, err
	}
	c.SetExtensionsExclusive(false)
	id, rid := req.ID, req.ResourceID
	ext := c.RegisterExtension(req.Name, func(data []byte, from chainstore.Peer) {
		var remote []byte
		if from != nil {
			remote = from.RemotePublicKey()
		}
		u.send(api.NotifyOnExtension, api.ExtensionEvent{ID: id, ResourceID: rid, RemotePublicKey: remote, Data: data})
	})
	if err := u.state.AddResource(resourceKey(rid), ext, ext.Destroy); err != nil {
		return api.Empty{}, err
	}
	return api.Empty{}, nil
}

// UnregisterExtension destroys a registered extension.
func (u *UnichainService) UnregisterExtension(_ context.Context, req api.UnregisterExtensionRequest) (api.Empty, error) {
	return api.Empty{}, u.state.DeleteResource(resourceKey(req.ResourceID), false)
}

// SendExtension broadcasts when no remote key is given, otherwise sends to
// every peer with that key.
func (u *UnichainService) SendExtension(_ context.Context, req api.SendExtensionRequest) (api.Empty, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.Empty{}, err
	}
	v, err := u.state.GetResource(resourceKey(req.ResourceID))
	if err != nil {
		return api.Empty{}, err
	}
	ext, ok := v.(chainstore.Extension)
	if !ok {
		return api.Empty{}, failure(ErrUnknownResource, "resource %d is not an extension", req.ResourceID)
	}
	if len(req.RemotePublicKey) == 0 {
		ext.Broadcast(req.Data)
		return api.Empty{}, nil
	}
	for _, p := range c.Peers() {
		if key := p.RemotePublicKey(); key != nil && bytes.Equal(key, req.RemotePublicKey) {
			ext.Send(req.Data, p)
		}
	}
	return api.Empty{}, nil
}

// Downloaded returns the bytes stored locally in [Start, End).
func (u *UnichainService) Downloaded(_ context.Context, req api.DownloadedRequest) (api.DownloadedResponse, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.DownloadedResponse{}, err
	}
	return api.DownloadedResponse{Bytes: c.Downloaded(req.Start, req.End)}, nil
}

// AcquireLock waits for the exclusive lock on the chain behind req.ID. The
// grant is released by ReleaseLock or when the session ends.
func (u *UnichainService) AcquireLock(ctx context.Context, req api.ChainRef) (api.Empty, error) {
	wait, err := u.startAcquireLock(ctx, req)
	if err != nil {
		return api.Empty{}, err
	}
	return wait()
}

// startAcquireLock grants an uncontended lock immediately; otherwise the
// returned wait queues for it.
func (u *UnichainService) startAcquireLock(ctx context.Context, req api.ChainRef) (func() (api.Empty, error), error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return nil, err
	}
	dkeyHex := chainstore.KeyString(c.DiscoveryKey())
	if u.locks.TryAcquire(dkeyHex, u.owner) {
		u.metrics.recordLockWait(ctx, 0, nil)
		err := u.holdLock(req.ID, dkeyHex, 0)
		return func() (api.Empty, error) { return api.Empty{}, err }, nil
	}
	return func() (api.Empty, error) {
		start := time.Now()
		err := u.locks.Acquire(ctx, dkeyHex, u.owner)
		u.metrics.recordLockWait(ctx, time.Since(start), err)
		if err != nil {
			return api.Empty{}, err
		}
		return api.Empty{}, u.holdLock(req.ID, dkeyHex, time.Since(start))
	}, nil
}

// holdLock ties a granted lock to the session's resources. A failed add
// hands the grant back.
func (u *UnichainService) holdLock(id uint64, dkeyHex string, waited time.Duration) error {
	release := func() {
		if err := u.locks.Release(dkeyHex, u.owner); err != nil {
			u.logger.Debug("session.lock.release_failed", "discovery_key", dkeyHex, "error", err)
		}
	}
	if err := u.state.AddResource(lockResource(dkeyHex), nil, release); err != nil {
		return err
	}
	u.logger.Debug("session.lock.acquired", "chain_id", id, "discovery_key", dkeyHex, "waited", waited)
	return nil
}

// ReleaseLock gives up a lock this session holds. The lock resource is
// dropped while the grant is still held, so a concurrent AcquireLock from
// the same session cannot collide with the stale entry.
func (u *UnichainService) ReleaseLock(_ context.Context, req api.ChainRef) (api.Empty, error) {
	c, err := u.state.GetChain(req.ID)
	if err != nil {
		return api.Empty{}, err
	}
	dkeyHex := chainstore.KeyString(c.DiscoveryKey())
	if owner, held := u.locks.Owner(dkeyHex); held && owner == u.owner {
		u.state.resources.CompareAndDelete(lockResource(dkeyHex), nil, true)
	}
	return api.Empty{}, u.locks.Release(dkeyHex, u.owner)
}

// WatchDownloads sends onDownload notifications for the chain. Watching
// twice is a no-op.
func (u *UnichainService) WatchDownloads(_ context.Context, req api.ChainRef) (api.Empty, error) {
	return api.Empty{}, u.watch(req.ID, "download")
}

// UnwatchDownloads stops onDownload notifications.
func (u *UnichainService) UnwatchDownloads(_ context.Context, req api.ChainRef) (api.Empty, error) {
	u.state.deleteResourceIfPresent(chainResource("download", req.ID))
	return api.Empty{}, nil
}

// WatchUploads sends onUpload notifications for the chain.
func (u *UnichainService) WatchUploads(_ context.Context, req api.ChainRef) (api.Empty, error) {
	return api.Empty{}, u.watch(req.ID, "upload")
}

// UnwatchUploads stops onUpload notifications.
func (u *UnichainService) UnwatchUploads(_ context.Context, req api.ChainRef) (api.Empty, error) {
	u.state.deleteResourceIfPresent(chainResource("upload", req.ID))
	return api.Empty{}, nil
}

func (u *UnichainService) watch(id uint64, kind string) error {
	key := chainResource(kind, id)
	if u.state.HasResource(key) {
		return nil
	}
	c, err := u.state.GetChain(id)
	if err != nil {
		return err
	}
	method, subscribe := api.NotifyOnDownload, c.OnDownload
	if kind == "upload" {
		method, subscribe = api.NotifyOnUpload, c.OnUpload
	}
	sub := subscribe(func(ev chainstore.BlockEvent) {
		u.send(method, api.TransferEvent{ID: id, Seq: ev.Seq, ByteLength: uint64(len(ev.Data))})
	})
	err = u.state.AddResource(key, nil, sub.Close)
	if err != nil && toFailure(err).Code == ErrDuplicateResource.Code {
		return nil
	}
	return err
}

// Close unbinds req.ID and drops every resource namespaced to it, including
// outstanding downloads.
func (u *UnichainService) Close(_ context.Context, req api.ChainRef) (api.Empty, error) {
	if err := u.state.DeleteChain(req.ID); err != nil {
		return api.Empty{}, err
	}
	for _, event := range []string{"append", "peer-open", "peer-remove", "close", "download", "upload"} {
		u.state.deleteResourceIfPresent(chainResource(event, req.ID))
	}
	u.mu.Lock()
	group := u.downloads[req.ID]
	delete(u.downloads, req.ID)
	u.mu.Unlock()
	for key := range group {
		u.state.deleteResourceIfPresent(key)
	}
	return api.Empty{}, nil
}

func (u *UnichainService) track(id uint64, key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	group, ok := u.downloads[id]
	if !ok {
		group = make(map[string]struct{})
		u.downloads[id] = group
	}
	group[key] = struct{}{}
}

func (u *UnichainService) untrack(id uint64, key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	group, ok := u.downloads[id]
	if !ok {
		return
	}
	delete(group, key)
	if len(group) == 0 {
		delete(u.downloads, id)
	}
}

func (u *UnichainService) pendingDownloads(id uint64) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.downloads[id])
}

func (u *UnichainService) send(method string, params any) {
	if err := u.notify.Notify(method, params); err != nil {
		u.logger.Trace("session.notify.failed", "method", method, "error", err)
	}
}
