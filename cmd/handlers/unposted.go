package handlers

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"storyproc/internal/config"
	"storyproc/internal/entities"
	"storyproc/internal/publish"
)

// NewQueueUnpostedRetryCmd creates the queue-unposted-retry command.
func NewQueueUnpostedRetryCmd() *cobra.Command {
	var pageSize int

	cmd := &cobra.Command{
		Use:   "queue-unposted-retry",
		Short: "Replay scored stories the central server never accepted",
		Long: `Replay audit rows that passed their project threshold but were never
accepted by the central server.

Rows are paged per project, oldest first. Each story's text is re-extracted
from its URL, its recorded scores are restored from the audit row, entities
are tagged again, and the story is posted. Accepted rows get their posted
date stamped so they leave the backlog; rows that fail extraction stay for
the next pass.

Examples:
  storyproc queue-unposted-retry
  storyproc queue-unposted-retry --page-size 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueUnpostedRetry(cmd.Context(), pageSize)
		},
	}

	cmd.Flags().IntVar(&pageSize, "page-size", 100, "Audit rows replayed per project batch")
	return cmd
}

func runQueueUnpostedRetry(ctx context.Context, pageSize int) error {
	cfg := config.Get()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	projects, err := rt.api.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	poster := publish.NewPublisher(cfg.API.Key, cfg.API.PostTimeoutDuration())
	tagger := entities.NewClient(cfg.Entities.ServerURL, pageFetchTimeout)

	summary, runErr := rt.manager(false).RetryUnposted(ctx, projects, poster, tagger, pageSize)
	if runErr != nil {
		sentry.CaptureException(runErr)
	}
	if summary != nil {
		notifyAndReport(summary)
	}

	if runErr != nil {
		return fmt.Errorf("unposted retry: %w", runErr)
	}
	if summary.HadErrors() {
		return fmt.Errorf("%w: unposted retry", errPartial)
	}
	return nil
}
