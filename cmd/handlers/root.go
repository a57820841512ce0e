/*
Copyright © 2025 Your Name

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package handlers

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"storyproc/internal/config"
	"storyproc/internal/core"
	"storyproc/internal/logger"
)

var cfgFile string

// errPartial marks a run that finished but failed for some projects. The
// process exits 2 so cron monitors can tell partial runs from fatal ones.
var errPartial = errors.New("run completed with project failures")

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "storyproc",
		Short: "Storyproc fetches news stories, classifies them, and posts matches to the feminicide data server.",
		Long: `Storyproc is the story processing half of a feminicide data network.

The queue commands fetch new candidate stories from one source for every
active project, record them in the audit database, and enqueue them for
classification. The worker command consumes that queue: it scores each
story with the project's language model, tags named entities, and posts
stories above the project threshold back to the central server.

A typical deployment runs the queue commands on a schedule and keeps one
or more workers running permanently:

  storyproc queue-mediacloud
  storyproc queue-wayback
  storyproc queue-rss
  storyproc queue-newscatcher
  storyproc worker --metrics-addr :9090

Configuration comes from .storyproc.yaml (current directory or $HOME),
environment variables, or --config.`,
		Version:       core.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Initialize configuration
	cobra.OnInitialize(initConfig)

	// Add persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .storyproc.yaml)")

	// Add subcommands
	rootCmd.AddCommand(NewQueueMediaCloudCmd())
	rootCmd.AddCommand(NewQueueWaybackCmd())
	rootCmd.AddCommand(NewQueueRSSCmd())
	rootCmd.AddCommand(NewQueueNewscatcherCmd())
	rootCmd.AddCommand(NewQueueUnpostedRetryCmd())
	rootCmd.AddCommand(NewWorkerCmd())
	rootCmd.AddCommand(NewDownloadModelsCmd())
	rootCmd.AddCommand(NewMigrateCmd())
	rootCmd.AddCommand(NewStatsCmd())
	rootCmd.AddCommand(NewCacheCmd())

	return rootCmd
}

// Execute runs the root command. Exit codes: 0 on success, 2 when a run
// finished but some projects failed, 1 for everything else.
func Execute() {
	rootCmd := NewRootCmd()
	err := rootCmd.Execute()
	sentry.Flush(2 * time.Second)
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	if errors.Is(err, errPartial) {
		os.Exit(2)
	}
	os.Exit(1)
}

// initConfig loads configuration before any command body runs, applies the
// configured log level, and turns on error reporting when a DSN is set.
func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(cfg.Logging.Level)

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.Sentry.DSN,
			Release: "storyproc@" + core.Version,
		})
		if err != nil {
			logger.Warn("Error reporting disabled", "error", err.Error())
		}
	}
}
