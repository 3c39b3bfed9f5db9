package memory

import (
	"sync"

	"pkt.systems/chainspace/internal/chainstore"
)

type download struct {
	rng  chainstore.Range
	done chan struct{}
	once sync.Once
	err  error
}

var _ chainstore.Download = (*download)(nil)

func newDownload(r chainstore.Range) *download {
	if len(r.Blocks) > 0 {
		r.Blocks = append([]uint64(nil), r.Blocks...)
	}
	return &download{rng: r, done: make(chan struct{})}
}

func (d *download) Done() <-chan struct{} { return d.done }

func (d *download) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *download) finish(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// satisfiedBy reports whether every block in range is present. Live
// downloads are never satisfied.
func (d *download) satisfiedBy(blocks map[uint64][]byte) bool {
	if d.rng.Live {
		return false
	}
	if len(d.rng.Blocks) > 0 {
		for _, seq := range d.rng.Blocks {
			if _, ok := blocks[seq]; !ok {
				return false
			}
		}
		return true
	}
	for seq := d.rng.Start; seq < d.rng.End; seq++ {
		if _, ok := blocks[seq]; !ok {
			return false
		}
	}
	return true
}

func finishAll(ds []*download, err error) {
	for _, d := range ds {
		d.finish(err)
	}
}
