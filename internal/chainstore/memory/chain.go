package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/event"
)

// Chain is an in-memory chainstore.Chain.
type Chain struct {
	store   *Store
	dkey    []byte
	dkeyHex string

	readyOnce sync.Once
	readyErr  error

	mu         sync.Mutex
	data       *chainData
	changed    chan struct{}
	closed     bool
	peers      []chainstore.Peer
	downloads  map[*download]struct{}
	exclusive  bool
	extensions map[string][]*extension
	timeouts   chainstore.Timeouts

	appendFeed     event.Feed[struct{}]
	peerAddFeed    event.Feed[chainstore.Peer]
	peerOpenFeed   event.Feed[chainstore.Peer]
	peerRemoveFeed event.Feed[chainstore.Peer]
	downloadFeed   event.Feed[chainstore.BlockEvent]
	uploadFeed     event.Feed[chainstore.BlockEvent]
	closeFeed      event.Feed[struct{}]
}

var _ chainstore.Chain = (*Chain)(nil)

func newChain(s *Store, d *chainData, dkey []byte) *Chain {
	return &Chain{
		store:      s,
		dkey:       dkey,
		dkeyHex:    chainstore.KeyString(dkey),
		data:       d,
		changed:    make(chan struct{}),
		downloads:  make(map[*download]struct{}),
		exclusive:  true,
		extensions: make(map[string][]*extension),
	}
}

func (c *Chain) Key() []byte          { return append([]byte(nil), c.data.key...) }
func (c *Chain) DiscoveryKey() []byte { return append([]byte(nil), c.dkey...) }

func (c *Chain) Length() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.length
}

func (c *Chain) ByteLength() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.byteLength
}

func (c *Chain) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.secret != nil
}

func (c *Chain) Peers() []chainstore.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chainstore.Peer(nil), c.peers...)
}

func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Ready loads the chain once; later calls return the first result.
func (c *Chain) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.readyOnce.Do(func() {
		c.readyErr = c.store.ready(c.dkey)
	})
	if c.readyErr != nil {
		return c.readyErr
	}
	if c.Closed() {
		return chainstore.ErrClosed
	}
	return nil
}

// Get reads block seq, waiting for it to arrive unless told otherwise.
func (c *Chain) Get(ctx context.Context, seq uint64, opts chainstore.ReadOptions) ([]byte, error) {
	var gate chan struct{}
	waited := false
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, chainstore.ErrClosed
		}
		if b, ok := c.data.blocks[seq]; ok {
			c.mu.Unlock()
			return append([]byte(nil), b...), nil
		}
		if opts.NoWait {
			c.mu.Unlock()
			return nil, chainstore.ErrNotAvailable
		}
		changed := c.changed
		timeouts := c.timeouts
		c.mu.Unlock()

		if opts.OnWait != nil && !waited {
			opts.OnWait(seq)
		}
		waited = true
		if opts.IfAvailable && gate == nil {
			gate = openGate(timeouts.Get)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", chainstore.ErrCancelled, ctx.Err())
		case <-changed:
		case <-gate:
			if b, ok := c.lookup(seq); ok {
				return b, nil
			}
			return nil, chainstore.ErrNotAvailable
		}
	}
}

// Append writes blocks to a writable chain.
func (c *Chain) Append(ctx context.Context, blocks [][]byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var size uint64
	for _, b := range blocks {
		size += uint64(len(b))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, chainstore.ErrClosed
	}
	if c.data.secret == nil {
		c.mu.Unlock()
		return 0, chainstore.ErrNotWritable
	}
	seq := c.data.length
	if len(blocks) == 0 {
		c.mu.Unlock()
		return seq, nil
	}
	if err := c.store.reserve(size); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	for _, b := range blocks {
		c.data.blocks[c.data.length] = append([]byte(nil), b...)
		c.data.length++
	}
	c.data.byteLength += size
	finished := c.completedDownloadsLocked()
	c.notifyLocked()
	c.mu.Unlock()

	finishAll(finished, nil)
	c.appendFeed.Emit(struct{}{})
	return seq, nil
}

// Update waits until the chain grows past its current length, or reaches
// opts.MinLength when set. Hash-only updates behave the same here because
// the memory backend keeps no separate tree.
func (c *Chain) Update(ctx context.Context, opts chainstore.UpdateOptions) error {
	c.mu.Lock()
	target := c.data.length + 1
	if opts.MinLength > 0 {
		target = opts.MinLength
	}
	c.mu.Unlock()

	var gate chan struct{}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return chainstore.ErrClosed
		}
		if c.data.length >= target {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		timeouts := c.timeouts
		c.mu.Unlock()

		if opts.IfAvailable && gate == nil {
			gate = openGate(timeouts.Update)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", chainstore.ErrCancelled, ctx.Err())
		case <-changed:
		case <-gate:
			if c.Length() >= target {
				return nil
			}
			return chainstore.ErrNoPeers
		}
	}
}

// Seek maps byteOffset to the block containing it.
func (c *Chain) Seek(ctx context.Context, byteOffset uint64, opts chainstore.SeekOptions) (uint64, uint64, error) {
	var gate chan struct{}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, 0, chainstore.ErrClosed
		}
		seq, off, found, complete := c.seekLocked(byteOffset, opts)
		if found {
			c.mu.Unlock()
			return seq, off, nil
		}
		if complete || opts.NoWait {
			c.mu.Unlock()
			return 0, 0, chainstore.ErrOutOfBounds
		}
		changed := c.changed
		timeouts := c.timeouts
		c.mu.Unlock()

		if opts.IfAvailable && gate == nil {
			gate = openGate(timeouts.Get)
		}
		select {
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("%w: %v", chainstore.ErrCancelled, ctx.Err())
		case <-changed:
		case <-gate:
			c.mu.Lock()
			seq, off, found, _ := c.seekLocked(byteOffset, opts)
			c.mu.Unlock()
			if found {
				return seq, off, nil
			}
			return 0, 0, chainstore.ErrOutOfBounds
		}
	}
}

// seekLocked walks blocks from opts.Start. complete reports that the range
// is bounded and fully local, so waiting cannot help.
func (c *Chain) seekLocked(byteOffset uint64, opts chainstore.SeekOptions) (seq, off uint64, found, complete bool) {
	end := opts.End
	bounded := end > 0
	if !bounded {
		end = c.data.length
	}
	remaining := byteOffset
	for s := opts.Start; s < end; s++ {
		b, ok := c.data.blocks[s]
		if !ok {
			return 0, 0, false, false
		}
		if remaining < uint64(len(b)) {
			return s, remaining, true, false
		}
		remaining -= uint64(len(b))
	}
	return 0, 0, false, bounded
}

func (c *Chain) Has(seq uint64) bool {
	_, ok := c.lookup(seq)
	return ok
}

// Downloaded sums the bytes stored locally in [start, end). A zero end means
// the current length.
func (c *Chain) Downloaded(start, end uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if end == 0 {
		end = c.data.length
	}
	var total uint64
	for s := start; s < end; s++ {
		if b, ok := c.data.blocks[s]; ok {
			total += uint64(len(b))
		}
	}
	return total
}

// Download registers a range download; it may already be complete on
// return.
func (c *Chain) Download(r chainstore.Range) chainstore.Download {
	d := newDownload(r)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		d.finish(chainstore.ErrClosed)
		return d
	}
	if !r.Live && r.End == 0 && len(r.Blocks) == 0 {
		d.rng.End = c.data.length
	}
	if d.satisfiedBy(c.data.blocks) {
		c.mu.Unlock()
		d.finish(nil)
		return d
	}
	c.downloads[d] = struct{}{}
	c.mu.Unlock()
	return d
}

// Undownload cancels d.
func (c *Chain) Undownload(dl chainstore.Download) {
	d, ok := dl.(*download)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.downloads, d)
	c.mu.Unlock()
	d.finish(chainstore.ErrCancelled)
}

func (c *Chain) SetExtensionsExclusive(exclusive bool) {
	c.mu.Lock()
	c.exclusive = exclusive
	c.mu.Unlock()
}

// RegisterExtension adds a handler for name. In exclusive mode a newer
// registration replaces the previous handler for the same name.
func (c *Chain) RegisterExtension(name string, onMessage func(data []byte, from chainstore.Peer)) chainstore.Extension {
	ext := &extension{chain: c, name: name, onMessage: onMessage}
	c.mu.Lock()
	var replaced []*extension
	if c.exclusive {
		replaced = c.extensions[name]
		c.extensions[name] = nil
	}
	c.extensions[name] = append(c.extensions[name], ext)
	c.mu.Unlock()
	for _, old := range replaced {
		old.destroyed.Store(true)
	}
	return ext
}

func (c *Chain) removeExtension(ext *extension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.extensions[ext.name]
	for i, other := range list {
		if other == ext {
			c.extensions[ext.name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.extensions[ext.name]) == 0 {
		delete(c.extensions, ext.name)
	}
}

func (c *Chain) SetTimeouts(t chainstore.Timeouts) {
	c.mu.Lock()
	c.timeouts = t
	c.mu.Unlock()
}

func (c *Chain) OnAppend(fn func()) *event.Subscription {
	return c.appendFeed.Subscribe(func(struct{}) { fn() })
}

func (c *Chain) OnPeerAdd(fn func(chainstore.Peer)) *event.Subscription {
	return c.peerAddFeed.Subscribe(fn)
}

func (c *Chain) OnPeerOpen(fn func(chainstore.Peer)) *event.Subscription {
	return c.peerOpenFeed.Subscribe(fn)
}

func (c *Chain) OnPeerRemove(fn func(chainstore.Peer)) *event.Subscription {
	return c.peerRemoveFeed.Subscribe(fn)
}

func (c *Chain) OnDownload(fn func(chainstore.BlockEvent)) *event.Subscription {
	return c.downloadFeed.Subscribe(fn)
}

func (c *Chain) OnUpload(fn func(chainstore.BlockEvent)) *event.Subscription {
	return c.uploadFeed.Subscribe(fn)
}

func (c *Chain) OnClose(fn func()) *event.Subscription {
	return c.closeFeed.Subscribe(func(struct{}) { fn() })
}

// Close fails pending operations, emits the close event once and drops every
// listener.
func (c *Chain) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]*download, 0, len(c.downloads))
	for d := range c.downloads {
		pending = append(pending, d)
	}
	c.downloads = make(map[*download]struct{})
	c.extensions = make(map[string][]*extension)
	c.notifyLocked()
	c.mu.Unlock()

	finishAll(pending, chainstore.ErrClosed)
	c.store.forget(c)
	c.closeFeed.Emit(struct{}{})
	for _, f := range []interface{ Close() }{
		&c.appendFeed, &c.peerAddFeed, &c.peerOpenFeed, &c.peerRemoveFeed,
		&c.downloadFeed, &c.uploadFeed, &c.closeFeed,
	} {
		f.Close()
	}
	return nil
}

// AddPeer attaches a simulated remote replica. Peers that already completed
// the handshake also produce a peer-open event.
func (c *Chain) AddPeer(p *Peer) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.peers = append(c.peers, p)
	c.mu.Unlock()
	c.peerAddFeed.Emit(p)
	if p.RemoteOpened() {
		c.peerOpenFeed.Emit(p)
	}
}

// OpenPeer completes the handshake of an attached peer.
func (c *Chain) OpenPeer(p *Peer) {
	if p.opened.Swap(true) {
		return
	}
	c.peerOpenFeed.Emit(p)
}

// RemovePeer detaches p.
func (c *Chain) RemovePeer(p *Peer) {
	c.mu.Lock()
	found := false
	for i, other := range c.peers {
		if other == chainstore.Peer(p) {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if found {
		c.peerRemoveFeed.Emit(p)
	}
}

// Receive stores a block as if it had been downloaded from from.
func (c *Chain) Receive(seq uint64, data []byte, from chainstore.Peer) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chainstore.ErrClosed
	}
	if _, ok := c.data.blocks[seq]; ok {
		c.mu.Unlock()
		return nil
	}
	if err := c.store.reserve(uint64(len(data))); err != nil {
		c.mu.Unlock()
		return err
	}
	block := append([]byte(nil), data...)
	c.data.blocks[seq] = block
	grew := false
	if seq >= c.data.length {
		c.data.length = seq + 1
		grew = true
	}
	c.data.byteLength += uint64(len(block))
	finished := c.completedDownloadsLocked()
	c.notifyLocked()
	c.mu.Unlock()

	finishAll(finished, nil)
	c.downloadFeed.Emit(chainstore.BlockEvent{Seq: seq, Data: block, Peer: from})
	if grew {
		c.appendFeed.Emit(struct{}{})
	}
	return nil
}

// Serve emits an upload event for a block sent to to.
func (c *Chain) Serve(seq uint64, to chainstore.Peer) error {
	b, ok := c.lookup(seq)
	if !ok {
		return chainstore.ErrNotAvailable
	}
	c.uploadFeed.Emit(chainstore.BlockEvent{Seq: seq, Data: b, Peer: to})
	return nil
}

// DeliverExtension hands an inbound extension message from from to every
// handler registered for name.
func (c *Chain) DeliverExtension(name string, data []byte, from chainstore.Peer) int {
	c.mu.Lock()
	handlers := append([]*extension(nil), c.extensions[name]...)
	c.mu.Unlock()
	n := 0
	for _, ext := range handlers {
		if ext.destroyed.Load() || ext.onMessage == nil {
			continue
		}
		ext.onMessage(append([]byte(nil), data...), from)
		n++
	}
	return n
}

func (c *Chain) lookup(seq uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data.blocks[seq]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func (c *Chain) peerByKey(key []byte) []chainstore.Peer {
	var out []chainstore.Peer
	for _, p := range c.Peers() {
		if bytes.Equal(p.RemotePublicKey(), key) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Chain) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Chain) completedDownloadsLocked() []*download {
	var done []*download
	for d := range c.downloads {
		if d.satisfiedBy(c.data.blocks) {
			done = append(done, d)
			delete(c.downloads, d)
		}
	}
	return done
}

// openGate turns a callback-style gate into a channel closed when the gate
// fires. A missing gate fires immediately.
func openGate(register func(cb func())) chan struct{} {
	ch := make(chan struct{})
	if register == nil {
		close(ch)
		return ch
	}
	var once sync.Once
	register(func() { once.Do(func() { close(ch) }) })
	return ch
}
