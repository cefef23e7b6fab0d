package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vfhost version %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Built: %s\n", BuildTime)
		fmt.Printf("Runtime: wazero %s\n", runtimeVersion())
		fmt.Printf("Logical version: %s\n", logicalVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
