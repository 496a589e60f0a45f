// cachectl inspects and maintains a querycache disk namespace.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/datawise/querycache/cache"
)

var dir string

func openTier() (*cache.DiskTier, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("namespace %q: %w", dir, err)
	}
	return cache.NewDisk(dir)
}

var rootCmd = &cobra.Command{
	Use:           "cachectl",
	Short:         "Inspect and maintain a querycache disk namespace",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts and sizes for the namespace",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tier, err := openTier()
		if err != nil {
			return err
		}
		stats, err := tier.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("namespace: %s\n", dir)
		fmt.Printf("records:   %d\n", stats.Records)
		fmt.Printf("valid:     %d\n", stats.Valid)
		fmt.Printf("size:      %s\n", humanize.Bytes(uint64(stats.Bytes)))
		if stats.Records > 0 {
			fmt.Printf("freshness: %.1f%%\n", float64(stats.Valid)/float64(stats.Records)*100)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired and unreadable records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tier, err := openTier()
		if err != nil {
			return err
		}
		removed, err := tier.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d record(s)\n", removed)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every record in the namespace",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tier, err := openTier()
		if err != nil {
			return err
		}
		if err := tier.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("namespace cleared")
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dir, "dir", ".querycache", "cache namespace directory")
	rootCmd.AddCommand(statsCmd, sweepCmd, clearCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
