package chainspace

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/chainspace/internal/chainstore/memory"
	"pkt.systems/chainspace/internal/netconfig"
	"pkt.systems/chainspace/internal/swarm"
)

const (
	// DefaultListen is the loopback endpoint clients dial.
	DefaultListen = "127.0.0.1:49736"
	// DefaultListenProto selects the listener network (tcp, tcp4, tcp6 or unix).
	DefaultListenProto = "tcp"
	// DefaultMaxClients caps concurrent RPC connections; further clients wait
	// in accept.
	DefaultMaxClients = 1024
	// DefaultCacheSize is the number of idle chains kept open.
	DefaultCacheSize = 64
	// DefaultNetworkPort is the swarm port.
	DefaultNetworkPort = swarm.DefaultPort
	// DefaultMaxPeers caps swarm connections.
	DefaultMaxPeers = swarm.DefaultMaxPeers
	// DefaultFlushDelay approximates the time a swarm join needs to reach the
	// peers already known for a topic.
	DefaultFlushDelay = swarm.DefaultFlushDelay
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is empty: metrics are off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is off unless configured.
	DefaultPprofListen = ""
)

// Config captures the tunables of a chainspace daemon.
type Config struct {
	// Listen is the RPC address, or a socket path when ListenProto is unix.
	Listen      string
	ListenProto string
	MaxClients  int

	// Storage is the daemon state directory holding network.yaml.
	Storage string
	// MemoryOnly keeps network configurations in memory and ignores Storage.
	MemoryOnly bool
	// NoAnnounce suppresses announcing on every topic; lookups still happen.
	NoAnnounce bool
	// CacheSize is the number of unpinned chains kept open.
	CacheSize int
	// StorageQuota caps stored block bytes; zero is unlimited.
	StorageQuota uint64
	// Seed derives the keys of named chains. Random per process when empty.
	Seed []byte

	NetworkPort int
	MaxPeers    int
	Bootstrap   []string
	FlushDelay  time.Duration

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool

	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("config: listen %q: %w", c.Listen, err)
		}
	case "unix":
		if !filepath.IsAbs(c.Listen) {
			abs, err := filepath.Abs(c.Listen)
			if err != nil {
				return fmt.Errorf("config: listen socket: %w", err)
			}
			c.Listen = abs
		}
	default:
		return fmt.Errorf("config: listen-proto must be tcp, tcp4, tcp6 or unix (got %q)", c.ListenProto)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("config: max-clients must be >= 0")
	}
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	if !c.MemoryOnly {
		if strings.TrimSpace(c.Storage) == "" {
			dir, err := DefaultStorageDir()
			if err != nil {
				return fmt.Errorf("config: storage: %w", err)
			}
			c.Storage = dir
		}
		abs, err := filepath.Abs(c.Storage)
		if err != nil {
			return fmt.Errorf("config: storage: %w", err)
		}
		c.Storage = abs
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("config: cache-size must be >= 0")
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.NetworkPort == 0 {
		c.NetworkPort = DefaultNetworkPort
	}
	if c.NetworkPort < 0 || c.NetworkPort > 65535 {
		return fmt.Errorf("config: network-port out of range: %d", c.NetworkPort)
	}
	if c.MaxPeers < 0 {
		return fmt.Errorf("config: max-peers must be >= 0")
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.FlushDelay < 0 {
		return fmt.Errorf("config: flush-delay must be >= 0")
	}
	if c.FlushDelay == 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	for i, peer := range c.Bootstrap {
		peer = strings.TrimSpace(peer)
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("config: bootstrap[%d] %q: %w", i, peer, err)
		}
		c.Bootstrap[i] = peer
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown-timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// StoreOptions maps the config onto the in-memory chain store.
func (c Config) StoreOptions() memory.Options {
	return memory.Options{
		Seed:      c.Seed,
		CacheSize: c.CacheSize,
		Quota:     c.StorageQuota,
	}
}

// NetworkConfigPath is where remembered network configurations live; empty
// in memory-only mode.
func (c Config) NetworkConfigPath() string {
	if c.MemoryOnly {
		return ""
	}
	return filepath.Join(c.Storage, netconfig.DefaultFileName)
}

// DefaultConfigDir returns the daemon configuration directory
// ($HOME/.chainspace, or CHAINSPACE_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CHAINSPACE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chainspace"), nil
}

// DefaultStorageDir returns the default state directory.
func DefaultStorageDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "storage"), nil
}

// DefaultConfigFile returns the default YAML config path.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
