package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cuemby/vfhost/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pools of a running host",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		c := client.NewClient(addr)

		ready, err := c.Ready(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Host: %s (%s)\n", addr, ready.Status)
		fmt.Printf("  Version: %s\n", stats.Version)
		fmt.Printf("  Namespaces: %t\n", stats.Namespaces)
		if stats.Security != nil {
			if stats.Security.Complete {
				fmt.Println("  Security: complete")
			} else {
				fmt.Printf("  Security: missing %v\n", stats.Security.Missing)
			}
		}
		if ready.Message != "" {
			fmt.Printf("  Message: %s\n", ready.Message)
		}

		for _, p := range stats.Pools {
			fmt.Printf("\nPool %s (size %d)\n", p.Kind, p.Size)
			states := make([]string, 0, len(p.Workers))
			for state := range p.Workers {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Printf("  %-12s %d\n", state, p.Workers[state])
			}
			fmt.Printf("  %-12s %d\n", "waiting", p.Waiters)
			fmt.Printf("  %-12s %d\n", "spawned", p.Spawned)
			fmt.Printf("  %-12s %d\n", "killed", p.Killed)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:9090", "Status server address")
	rootCmd.AddCommand(statusCmd)
}
