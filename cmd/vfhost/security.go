package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/vfhost/pkg/security"
)

var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Report which sandboxing features workers get on this machine",
	Long: `Spawn a throwaway worker and print the hardening features it could
enable. In secure validator mode a missing feature is an error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openHost(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		status, err := env.host.ProbeSecurity(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Secure validator mode: %t\n", env.cfg.SecureValidatorMode)
		printFeature(security.FeatureNamespace, status.CanUnshareUserNamespaceAndChangeRoot)
		printFeature(security.FeatureLandlock, status.CanEnableLandlock)
		printFeature(security.FeatureSeccomp, status.CanEnableSeccomp)
		fmt.Printf("Namespaces at spawn: %t\n", env.host.Stats().Namespaces)

		if !status.Complete() {
			fmt.Printf("\nMissing: %v\n", status.Missing())
		}
		return nil
	},
}

func printFeature(name string, enabled bool) {
	mark := "✗"
	if enabled {
		mark = "✓"
	}
	fmt.Printf("  %s %s\n", mark, name)
}

func init() {
	rootCmd.AddCommand(securityCmd)
}
