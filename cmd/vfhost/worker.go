package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cuemby/vfhost/pkg/engine"
	"github.com/cuemby/vfhost/pkg/host"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/security"
	"github.com/cuemby/vfhost/pkg/types"
	"github.com/cuemby/vfhost/pkg/worker"
)

// channelFD is where the host passes the worker end of the channel.
const channelFD = 3

// workerCmd is what the host spawns. It never returns: the process exit
// code tells the host why startup failed.
var workerCmd = &cobra.Command{
	Use:                host.WorkerCommand + " POOL [flags]",
	Short:              "Serve jobs for a host (internal)",
	Hidden:             true,
	DisableFlagParsing: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runWorker(args))
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "worker: missing pool")
		return worker.ExitFailure
	}
	pool, err := types.ParsePoolKind(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return worker.ExitFailure
	}

	var flags worker.Flags
	fs := pflag.NewFlagSet(host.WorkerCommand, pflag.ContinueOnError)
	flags.Register(fs)
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return worker.ExitFailure
	}

	// The host forwards stderr line by line and understands zerolog JSON.
	log.Init(log.Config{Level: log.ParseLevel(flags.LogLevel), JSONOutput: true, Output: os.Stderr})
	logger := log.WithPool(string(pool))

	cfg, err := flags.Config(pool, logicalVersion())
	if err != nil {
		logger.Error().Err(err).Msg("Invalid worker flags")
		return worker.ExitFailure
	}

	conn := os.NewFile(channelFD, "vfhost-channel")
	if conn == nil {
		logger.Error().Int("fd", channelFD).Msg("Channel descriptor missing")
		return worker.ExitFailure
	}
	defer conn.Close()

	ctx := context.Background()
	eng := engine.NewWazero(0)
	defer eng.Close(ctx)

	err = worker.New(cfg, conn, eng, security.NewSystemProber()).Run(ctx)
	code := worker.ExitCode(err)
	if err != nil {
		logger.Error().Err(err).Int("exit_code", code).Msg("Worker stopped")
	}
	return code
}
