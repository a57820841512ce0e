package handlers

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"storyproc/internal/config"
	"storyproc/internal/logger"
	"storyproc/internal/store"
)

// NewCacheCmd creates the extraction cache management command
func NewCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the extraction cache",
		Long:  `Inspect, clean, and manage the SQLite cache of extracted article text.`,
	}

	// Add subcommands
	cacheCmd.AddCommand(newCacheStatsCmd())
	cacheCmd.AddCommand(newCacheClearCmd())
	cacheCmd.AddCommand(newCacheCleanupCmd())

	return cacheCmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics and storage information",
		Long:  `Display statistics about the extraction cache including entry count and storage usage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStats()
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the cache (removes all cached extractions)",
		Long:  `Remove every cached extraction from the SQLite database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetBool("confirm")
			return runCacheClear(confirm)
		},
	}

	clearCmd.Flags().Bool("confirm", false, "Skip confirmation prompt")
	return clearCmd
}

func newCacheCleanupCmd() *cobra.Command {
	var maxAge time.Duration

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove cached extractions older than a cutoff",
		Long: `Remove cached extractions that have not been touched within the cutoff.

Example:
  storyproc cache cleanup --max-age 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheCleanup(maxAge)
		},
	}

	cleanupCmd.Flags().DurationVar(&maxAge, "max-age", 30*24*time.Hour, "Age beyond which entries are removed")
	return cleanupCmd
}

// openCache opens the extraction cache at the configured location.
func openCache() (*store.Store, error) {
	cacheStore, err := store.NewStore(config.GetDirs().Cache, extractionCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to open extraction cache: %w", err)
	}
	return cacheStore, nil
}

func runCacheStats() error {
	fmt.Println("📊 Extraction Cache Statistics")
	fmt.Println("==============================")

	cacheStore, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if err := cacheStore.Close(); err != nil {
			logger.Error("Failed to close extraction cache", err)
		}
	}()

	stats, err := cacheStore.GetCacheStats()
	if err != nil {
		return fmt.Errorf("failed to get cache statistics: %w", err)
	}

	fmt.Printf("📄 Extractions cached: %d\n", stats.Entries)
	fmt.Printf("💾 Cache size: %.2f MB\n", float64(stats.CacheSize)/1024/1024)
	if !stats.LastUpdated.IsZero() {
		fmt.Printf("📅 Last updated: %s\n", stats.LastUpdated.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func runCacheClear(confirm bool) error {
	if !confirm {
		fmt.Print("⚠️  This will remove every cached extraction. Continue? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" && response != "yes" {
			fmt.Println("Cache clear cancelled")
			return nil
		}
	}

	fmt.Println("🗑️  Clearing cache...")

	cacheStore, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if err := cacheStore.Close(); err != nil {
			logger.Error("Failed to close extraction cache", err)
		}
	}()

	if err := cacheStore.ClearCache(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	fmt.Println("✅ Cache cleared successfully")
	return nil
}

func runCacheCleanup(maxAge time.Duration) error {
	cacheStore, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if err := cacheStore.Close(); err != nil {
			logger.Error("Failed to close extraction cache", err)
		}
	}()

	if err := cacheStore.CleanupOldCache(maxAge); err != nil {
		return fmt.Errorf("failed to clean up cache: %w", err)
	}

	fmt.Printf("✅ Removed cached extractions untouched for %s\n", maxAge)
	return nil
}
