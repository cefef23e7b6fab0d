package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/vfhost/pkg/cache"
	"github.com/cuemby/vfhost/pkg/config"
	"github.com/cuemby/vfhost/pkg/events"
	"github.com/cuemby/vfhost/pkg/host"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/version"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	// RuntimeVersion is the wazero version. When not set via ldflags it
	// is read from the module build info.
	RuntimeVersion = ""
)

const wazeroModule = "github.com/tetratelabs/wazero"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vfhost",
	Short: "vfhost - sandboxed host for untrusted validation functions",
	Long: `vfhost compiles and runs untrusted WebAssembly validation functions
in pools of short-lived worker processes. Workers are hardened with
namespaces, Landlock and seccomp where the kernel allows it, and are
killed whenever they misbehave.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(cfg.LogSettings())
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vfhost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
}

// runtimeVersion returns the wazero version this binary is built with.
func runtimeVersion() string {
	if RuntimeVersion != "" {
		return RuntimeVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == wazeroModule {
				if dep.Replace != nil {
					dep = dep.Replace
				}
				return strings.TrimPrefix(dep.Version, "v")
			}
		}
	}
	return "unknown"
}

// logicalVersion tags every artifact this binary prepares. Host and
// workers compute it the same way from the same binary.
func logicalVersion() string {
	return version.Logical(runtimeVersion(), Version)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// runtimeEnv bundles a host with the cache and broker it uses.
type runtimeEnv struct {
	cfg    config.Config
	host   *host.Host
	store  *cache.Store
	broker *events.Broker
}

func openHost(cmd *cobra.Command) (*runtimeEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	store, err := openCache(cmd)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	h, err := host.New(host.Options{
		Config:         cfg,
		LogicalVersion: logicalVersion(),
		Cache:          store,
		Events:         broker,
	})
	if err != nil {
		broker.Stop()
		store.Close()
		return nil, err
	}

	return &runtimeEnv{cfg: cfg, host: h, store: store, broker: broker}, nil
}

func (e *runtimeEnv) Close() {
	_ = e.host.Close()
	e.broker.Stop()
	if err := e.store.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to close artifact cache")
	}
}
