package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/vfhost/pkg/api"
	"github.com/cuemby/vfhost/pkg/events"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a host and keep its pools running",
	Long: `Start a host, probe the sandbox and serve the status endpoints
(/health, /ready, /live, /metrics and /stats) until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "Status server address; overrides metrics.addr")
	serveCmd.Flags().StringSlice("log-events", nil, "Event types to log (default all), e.g. worker.died,job.failed")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	addr := env.cfg.Metrics.Addr
	if flag, _ := cmd.Flags().GetString("metrics-addr"); flag != "" {
		addr = flag
	}

	metrics.SetVersion(Version)
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := env.host.Start(ctx); err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}

	names, _ := cmd.Flags().GetStringSlice("log-events")
	types, level := eventLogging(names)
	sub := env.broker.Subscribe(types...)
	defer env.broker.Unsubscribe(sub)
	go logEvents(sub, level)

	collector := metrics.NewCollector(env.host)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 1)
	var server *api.HealthServer
	if addr != "" {
		server = api.NewHealthServer(env.host)
		go func() {
			if err := server.Start(addr); err != nil {
				errCh <- fmt.Errorf("status server error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("version", env.host.Version()).
		Str("status_addr", addr).
		Msg("Host is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Shutting down")
		return err
	}

	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Status server shutdown failed")
		}
	}
	return nil
}

// eventLogging turns --log-events into a subscription filter and the level
// to log at.
func eventLogging(names []string) ([]events.EventType, zerolog.Level) {
	if len(names) == 0 {
		return nil, zerolog.DebugLevel
	}
	types := make([]events.EventType, 0, len(names))
	for _, name := range names {
		types = append(types, events.EventType(name))
	}
	return types, zerolog.InfoLevel
}

// logEvents writes host events at level until sub is closed. Events
// picked with --log-events are logged at info, everything else at debug.
func logEvents(sub events.Subscriber, level zerolog.Level) {
	logger := log.WithComponent("events")
	for ev := range sub {
		entry := logger.WithLevel(level).Str("type", string(ev.Type))
		for k, v := range ev.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Msg(ev.Message)
	}
}
