package netconfig

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/internal/loggingutil"
)

// DefaultFileName is the file File writes below the storage directory.
const DefaultFileName = "network.yaml"

const fileVersion = 1

type fileDoc struct {
	Version        int          `yaml:"version"`
	Configurations []fileRecord `yaml:"configurations"`
}

type fileRecord struct {
	DiscoveryKey string    `yaml:"discovery_key"`
	Announce     bool      `yaml:"announce"`
	Lookup       bool      `yaml:"lookup"`
	UpdatedAt    time.Time `yaml:"updated_at"`
}

// File is a Store backed by a YAML document rewritten atomically on every
// change.
type File struct {
	path   string
	logger pslog.Logger

	mu  sync.Mutex
	mem *Memory
}

var _ Store = (*File)(nil)

// OpenFile loads path, creating an empty store when the file is missing.
func OpenFile(path string, logger pslog.Logger) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve network config path: %w", err)
	}
	f := &File{
		path:   abs,
		logger: loggingutil.WithSubsystem(logger, "netconfig.file"),
		mem:    NewMemory(),
	}
	raw, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read network config: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode network config %s: %w", abs, err)
	}
	if doc.Version > fileVersion {
		return nil, fmt.Errorf("network config %s: unsupported version %d", abs, doc.Version)
	}
	for _, fr := range doc.Configurations {
		key, err := hex.DecodeString(fr.DiscoveryKey)
		if err != nil || len(key) == 0 {
			f.logger.Warn("skipping invalid network configuration", "discovery_key", fr.DiscoveryKey)
			continue
		}
		f.mem.records[hex.EncodeToString(key)] = Record{
			DiscoveryKey: key,
			Announce:     fr.Announce,
			Lookup:       fr.Lookup,
			UpdatedAt:    fr.UpdatedAt,
		}
	}
	f.logger.Debug("network configurations loaded", "path", abs, "count", len(f.mem.records))
	return f, nil
}

// Path returns the absolute file path.
func (f *File) Path() string { return f.path }

func (f *File) List(ctx context.Context) ([]Record, error) { return f.mem.List(ctx) }

func (f *File) Get(ctx context.Context, discoveryKey []byte) (Record, bool, error) {
	return f.mem.Get(ctx, discoveryKey)
}

func (f *File) Put(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Put(ctx, rec); err != nil {
		return err
	}
	return f.flushLocked()
}

func (f *File) Delete(ctx context.Context, discoveryKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Delete(ctx, discoveryKey); err != nil {
		return err
	}
	return f.flushLocked()
}

func (f *File) Close() error { return f.mem.Close() }

func (f *File) flushLocked() error {
	f.mem.mu.Lock()
	records := sortedRecords(f.mem.records)
	f.mem.mu.Unlock()
	doc := fileDoc{Version: fileVersion, Configurations: make([]fileRecord, 0, len(records))}
	for _, r := range records {
		doc.Configurations = append(doc.Configurations, fileRecord{
			DiscoveryKey: r.ID(),
			Announce:     r.Announce,
			Lookup:       r.Lookup,
			UpdatedAt:    r.UpdatedAt.UTC(),
		})
	}
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode network config: %w", err)
	}
	return writeAtomic(f.path, payload, 0o600)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create network config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write network config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace network config: %w", err)
	}
	return nil
}
