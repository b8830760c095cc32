package commands

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shiftcmd/pycodegraph/pkg/cache"
)

// NewCacheCommand creates the cache subcommand tree: stats and cleanup
// over the on-disk parse cache.
func NewCacheCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the parse cache",
	}

	cmd.AddCommand(newCacheStatsCommand(configPath), newCacheCleanupCommand(configPath))

	return cmd
}

func diskCache(configPath *string) (*cache.DiskCache, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	return cache.NewDiskCache(cfg.Cache.Directory)
}

func newCacheStatsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show parse cache entry and size totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			disk, err := diskCache(configPath)
			if err != nil {
				return err
			}

			stats := disk.Stats()
			cmd.Printf("entries: %d\n", stats.Entries)
			cmd.Printf("size:    %s\n", humanize.Bytes(uint64(stats.TotalBytes)))

			return nil
		},
	}
}

func newCacheCleanupCommand(configPath *string) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove cache entries older than the age limit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			disk, err := diskCache(configPath)
			if err != nil {
				return err
			}

			removed := disk.Cleanup(maxAge)
			cmd.Printf("removed %d entries\n", removed)

			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "remove entries unused for longer than this")

	return cmd
}
