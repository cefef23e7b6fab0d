package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/vfhost/pkg/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the artifact cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove artifacts compiled by other versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCache(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Prune(logicalVersion())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Removed %d stale artifacts\n", n)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of cached artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCache(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Len()
		if err != nil {
			return err
		}
		cfg, _ := loadConfig(cmd)
		fmt.Printf("Cache: %s\n", cfg.Cache.Dir)
		fmt.Printf("  Artifacts: %d\n", n)
		fmt.Printf("  Version: %s\n", logicalVersion())
		return nil
	},
}

func openCache(cmd *cobra.Command) (*cache.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	compression, err := cache.ParseCompression(cfg.Cache.Compression)
	if err != nil {
		return nil, err
	}
	store, err := cache.Open(cfg.Cache.Dir, cache.Options{Compression: compression})
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact cache: %w", err)
	}
	return store, nil
}

func init() {
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}
