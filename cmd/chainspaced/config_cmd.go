package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/chainspace"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage chainspaced configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.chainspace/config.yaml"
	if path, err := chainspace.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default chainspaced configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := chainspace.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// fileConfig mirrors the root command flags; keys match flag names so viper
// reads the generated file unchanged.
type fileConfig struct {
	Listen                 string   `yaml:"listen"`
	ListenProto            string   `yaml:"listen-proto"`
	MaxClients             int      `yaml:"max-clients"`
	Storage                string   `yaml:"storage"`
	MemoryOnly             bool     `yaml:"memory-only"`
	NoAnnounce             bool     `yaml:"no-announce"`
	CacheSize              int      `yaml:"cache-size"`
	StorageQuota           string   `yaml:"storage-quota"`
	NetworkPort            int      `yaml:"network-port"`
	MaxPeers               int      `yaml:"max-peers"`
	Bootstrap              []string `yaml:"bootstrap"`
	FlushDelay             string   `yaml:"flush-delay"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	storage, err := chainspace.DefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	cfg := fileConfig{
		Listen:          chainspace.DefaultListen,
		ListenProto:     chainspace.DefaultListenProto,
		MaxClients:      chainspace.DefaultMaxClients,
		Storage:         storage,
		CacheSize:       chainspace.DefaultCacheSize,
		StorageQuota:    "0",
		NetworkPort:     chainspace.DefaultNetworkPort,
		MaxPeers:        chainspace.DefaultMaxPeers,
		Bootstrap:       []string{},
		FlushDelay:      chainspace.DefaultFlushDelay.String(),
		MetricsListen:   chainspace.DefaultMetricsListen,
		PprofListen:     chainspace.DefaultPprofListen,
		ShutdownTimeout: chainspace.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	header := []byte("# chainspaced configuration; every key matches a command line flag.\n")
	return append(header, data...), nil
}
