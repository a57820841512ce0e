package handlers

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"storyproc/internal/config"
	"storyproc/internal/logger"
	"storyproc/internal/persistence"
	"storyproc/internal/queue"
)

// NewStatsCmd creates the stats command.
func NewStatsCmd() *cobra.Command {
	var (
		projectID int
		source    string
		days      int
		aboveOnly bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show recent pipeline activity from the audit database and queue",
		Long: `Show day-bucketed story counts from the audit database plus current
queue depths.

Counts are bucketed by published, processed and posted date over a trailing
window. Use the filters to narrow to one project, one source, or stories
above their project threshold only.

Examples:
  # Last 30 days across everything
  storyproc stats

  # One project's backlog and posted stories
  storyproc stats --project 12 --above-threshold

  # One source over a fortnight
  storyproc stats --source media-cloud --days 14`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), projectID, source, days, aboveOnly)
		},
	}

	cmd.Flags().IntVar(&projectID, "project", 0, "Restrict to one project id")
	cmd.Flags().StringVar(&source, "source", "", "Restrict to one source (media-cloud, wayback-machine, google-alerts, newscatcher)")
	cmd.Flags().IntVar(&days, "days", 30, "Trailing window in days")
	cmd.Flags().BoolVar(&aboveOnly, "above-threshold", false, "Count only stories above their project threshold")
	return cmd
}

func runStats(ctx context.Context, projectID int, source string, days int, aboveOnly bool) error {
	cfg := config.Get()

	db, err := getDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	opts := persistence.AggregateOptions{Source: source, Days: days}
	if projectID > 0 {
		opts.ProjectID = &projectID
	}
	if aboveOnly {
		above := true
		opts.AboveThreshold = &above
	}

	published, err := db.Stories().CountByPublishedDay(ctx, opts)
	if err != nil {
		return fmt.Errorf("aggregate published counts: %w", err)
	}
	processed, err := db.Stories().CountByProcessedDay(ctx, opts)
	if err != nil {
		return fmt.Errorf("aggregate processed counts: %w", err)
	}
	posted, err := db.Stories().CountByPostedDay(ctx, opts)
	if err != nil {
		return fmt.Errorf("aggregate posted counts: %w", err)
	}

	printDayTable(published, processed, posted)

	if projectID > 0 {
		backlog, err := db.Stories().UnpostedAboveCount(ctx, projectID)
		if err != nil {
			return fmt.Errorf("count unposted backlog: %w", err)
		}
		fmt.Printf("\nUnposted above-threshold backlog for project %d: %d\n", projectID, backlog)
	}

	printQueueDepths(ctx, cfg)
	return nil
}

// printDayTable merges the three aggregations into one day-per-row table,
// newest day first.
func printDayTable(published, processed, posted []persistence.DayCount) {
	type row struct{ published, processed, posted int }
	byDay := make(map[string]*row)
	get := func(t time.Time) *row {
		d := t.Format("2006-01-02")
		r, ok := byDay[d]
		if !ok {
			r = &row{}
			byDay[d] = r
		}
		return r
	}
	for _, dc := range published {
		get(dc.Day).published = dc.Count
	}
	for _, dc := range processed {
		get(dc.Day).processed = dc.Count
	}
	for _, dc := range posted {
		get(dc.Day).posted = dc.Count
	}

	if len(byDay) == 0 {
		fmt.Println("No stories recorded in the window")
		return
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tPUBLISHED\tPROCESSED\tPOSTED")
	for _, d := range days {
		r := byDay[d]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", d, r.published, r.processed, r.posted)
	}
	w.Flush()
}

// printQueueDepths reports broker depths. The audit numbers stand on their
// own, so an unreachable broker only warns.
func printQueueDepths(ctx context.Context, cfg *config.Config) {
	q, err := queue.New(cfg.Queue.BrokerURL, queue.Options{Name: cfg.Queue.Name})
	if err != nil {
		logger.Warn("Queue stats unavailable", "error", err.Error())
		return
	}
	defer q.Close()

	stats, err := q.Stats(ctx)
	if err != nil {
		logger.Warn("Queue stats unavailable", "error", err.Error())
		return
	}
	fmt.Printf("\nQueue %s: %d pending, %d awaiting retry, %d dead\n",
		cfg.Queue.Name, stats.Pending, stats.Retry, stats.Dead)
}
