package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/chainspace"
	"pkt.systems/chainspace/internal/loggingutil"
)

const envPrefix = "CHAINSPACE"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "chainspaced")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon itself
// rather than a subcommand. Root failures are logged, subcommand failures are
// printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	found, _, err := root.Find(args)
	return err != nil || found == root
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "chainspaced",
		Short:         "chainspaced hosts shared append-only chains for local clients and replicates them over a peer swarm",
		SilenceErrors: true,
		Example: `
  # Listen on the default loopback endpoint with state under $HOME/.chainspace
  chainspaced

  # Unix socket listener, network configurations kept in memory
  chainspaced --listen-proto unix --listen /run/chainspace/rpc.sock --memory-only

  # Cap stored blocks and expose Prometheus metrics
  chainspaced --storage-quota 2GiB --metrics-listen 127.0.0.1:9464
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level")))
			if ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to chainspaced",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			if cfg.StorageQuota > 0 {
				cliLogger.Info("storage quota enabled", "quota", humanizeBytes(cfg.StorageQuota))
			}
			server, err := chainspace.NewServer(cfg, chainspace.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.chainspace/config.yaml)")
	persistentFlags.StringP("server", "s", chainspace.DefaultListen, "daemon endpoint used by client subcommands (host:port, URL or unix socket path)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", chainspace.DefaultListen, "RPC listen address, or socket path with --listen-proto unix")
	flags.String("listen-proto", chainspace.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.Int("max-clients", chainspace.DefaultMaxClients, "maximum concurrent RPC clients")
	flags.String("storage", "", "state directory for remembered network configurations (defaults to $HOME/.chainspace/storage)")
	flags.Bool("memory-only", false, "keep network configurations in memory only")
	flags.Bool("no-announce", false, "never announce on the swarm; lookups still run")
	flags.Int("cache-size", chainspace.DefaultCacheSize, "number of idle chains kept open")
	flags.String("storage-quota", "0", "maximum stored block bytes (e.g. 512MiB; 0 is unlimited)")
	flags.String("seed", "", "hex seed deriving the keys of named chains (random per process when empty)")
	flags.Int("network-port", chainspace.DefaultNetworkPort, "swarm port")
	flags.Int("max-peers", chainspace.DefaultMaxPeers, "maximum swarm connections")
	flags.StringSlice("bootstrap", nil, "swarm bootstrap nodes (host:port)")
	flags.Duration("flush-delay", chainspace.DefaultFlushDelay, "time a swarm join takes to reach known peers")
	flags.String("metrics-listen", chainspace.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", chainspace.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", chainspace.DefaultShutdownTimeout, "graceful shutdown timeout")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(v, persistentFlags, flags)

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newStatusCommand(v))
	cmd.AddCommand(newStopCommand(v))
	return cmd
}

func bindFlags(v *viper.Viper, sets ...*pflag.FlagSet) {
	for _, set := range sets {
		set.VisitAll(func(flag *pflag.Flag) {
			if err := v.BindPFlag(flag.Name, flag); err != nil {
				panic(err)
			}
		})
	}
}

func bindConfig(v *viper.Viper) (chainspace.Config, error) {
	cfg := chainspace.Config{
		Listen:                 v.GetString("listen"),
		ListenProto:            v.GetString("listen-proto"),
		MaxClients:             v.GetInt("max-clients"),
		Storage:                v.GetString("storage"),
		MemoryOnly:             v.GetBool("memory-only"),
		NoAnnounce:             v.GetBool("no-announce"),
		CacheSize:              v.GetInt("cache-size"),
		NetworkPort:            v.GetInt("network-port"),
		MaxPeers:               v.GetInt("max-peers"),
		Bootstrap:              v.GetStringSlice("bootstrap"),
		FlushDelay:             v.GetDuration("flush-delay"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
	}
	if cfg.Storage != "" {
		expanded, err := expandPath(cfg.Storage)
		if err != nil {
			return cfg, fmt.Errorf("expand storage path %q: %w", cfg.Storage, err)
		}
		cfg.Storage = expanded
	}
	if raw := strings.TrimSpace(v.GetString("storage-quota")); raw != "" && raw != "0" {
		quota, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse storage-quota %q: %w", raw, err)
		}
		cfg.StorageQuota = quota
	}
	if raw := strings.TrimSpace(v.GetString("seed")); raw != "" {
		seed, err := hex.DecodeString(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse seed: %w", err)
		}
		cfg.Seed = seed
	}
	return cfg, nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := chainspace.DefaultConfigFile()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
