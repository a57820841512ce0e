package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"storyproc/internal/apiclient"
	"storyproc/internal/config"
	"storyproc/internal/core"
	"storyproc/internal/email"
	"storyproc/internal/fetch"
	"storyproc/internal/logger"
	"storyproc/internal/persistence"
	"storyproc/internal/queue"
	"storyproc/internal/sources"
	"storyproc/internal/store"
)

// extractionCacheCapacity bounds the shared URL-to-text cache.
const extractionCacheCapacity = 50000

// pageFetchTimeout bounds one outbound page fetch or source API request.
const pageFetchTimeout = 60 * time.Second

// NewQueueMediaCloudCmd creates the queue-mediacloud command.
func NewQueueMediaCloudCmd() *cobra.Command {
	var saveStories bool

	cmd := &cobra.Command{
		Use:   "queue-mediacloud",
		Short: "Fetch new stories from the Media Cloud full-text index and queue them for classification",
		Long: `Fetch new stories from the Media Cloud full-text index.

Every project with media collections is queried from its stored watermark
forward. New stories are recorded in the audit database, queued for
classification, and the watermark advances past everything queued. When
SMTP is configured a summary email goes out at the end of the run.

Requires MC_API_TOKEN (or sources.mediacloud.api_token).

Examples:
  # Fetch and queue for every project
  storyproc queue-mediacloud

  # Also dump the queued stories as JSON under the logs directory
  storyproc queue-mediacloud --save-stories`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueSource(cmd.Context(), core.SourceMediaCloud, saveStories)
		},
	}

	cmd.Flags().BoolVar(&saveStories, "save-stories", false, "Write queued stories as JSON dumps under the logs directory")
	return cmd
}

// NewQueueWaybackCmd creates the queue-wayback command.
func NewQueueWaybackCmd() *cobra.Command {
	var saveStories bool

	cmd := &cobra.Command{
		Use:   "queue-wayback",
		Short: "Fetch new stories from the Wayback Machine news archive and queue them for classification",
		Long: `Fetch new stories from the Wayback Machine's archived news index.

Projects are queried per media collection over a trailing publish-date
window, a few days behind the present because archiving lags the crawl.
Story text comes from the archive's own parse of each page, fetched during
the run. New stories are recorded, queued, and the watermark advances.

Examples:
  storyproc queue-wayback
  storyproc queue-wayback --save-stories`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueSource(cmd.Context(), core.SourceWaybackMachine, saveStories)
		},
	}

	cmd.Flags().BoolVar(&saveStories, "save-stories", false, "Write queued stories as JSON dumps under the logs directory")
	return cmd
}

// NewQueueRSSCmd creates the queue-rss command.
func NewQueueRSSCmd() *cobra.Command {
	var saveStories bool

	cmd := &cobra.Command{
		Use:   "queue-rss",
		Short: "Fetch new stories from each project's alert feed and queue them for classification",
		Long: `Fetch new stories from each project's alert feed.

Only projects with an rss_url are visited. The feed is walked newest-first
and stops at the first story queued on a previous run; story text is
extracted from the live web during the run.

Examples:
  storyproc queue-rss
  storyproc queue-rss --save-stories`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueSource(cmd.Context(), core.SourceGoogleAlerts, saveStories)
		},
	}

	cmd.Flags().BoolVar(&saveStories, "save-stories", false, "Write queued stories as JSON dumps under the logs directory")
	return cmd
}

// NewQueueNewscatcherCmd creates the queue-newscatcher command.
func NewQueueNewscatcherCmd() *cobra.Command {
	var saveStories bool

	cmd := &cobra.Command{
		Use:   "queue-newscatcher",
		Short: "Fetch new stories from the Newscatcher API and queue them for classification",
		Long: `Fetch new stories from the Newscatcher search API.

Only projects with a country are visited. The search runs over a trailing
one-day window with the last queued URL as the stop anchor, and story text
is extracted from the live web during the run.

Requires NEWSCATCHER_API_KEY (or sources.newscatcher.api_key).

Examples:
  storyproc queue-newscatcher
  storyproc queue-newscatcher --save-stories`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueSource(cmd.Context(), core.SourceNewscatcher, saveStories)
		},
	}

	cmd.Flags().BoolVar(&saveStories, "save-stories", false, "Write queued stories as JSON dumps under the logs directory")
	return cmd
}

// runQueueSource is the shared body of the four queue commands: build the
// pipeline, run one ingestion pass, email and print the summary.
func runQueueSource(ctx context.Context, source string, saveStories bool) error {
	cfg := config.Get()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	adapter, err := buildAdapter(cfg, source)
	if err != nil {
		return err
	}

	projects, err := rt.api.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	summary, runErr := rt.manager(saveStories).Run(ctx, adapter, projects)
	if runErr != nil {
		sentry.CaptureException(runErr)
	}
	if summary != nil {
		notifyAndReport(summary)
	}

	if runErr != nil {
		return fmt.Errorf("%s run: %w", source, runErr)
	}
	if summary.HadErrors() {
		return fmt.Errorf("%w: %s", errPartial, source)
	}
	return nil
}

// buildAdapter constructs the requested source adapter from configuration.
func buildAdapter(cfg *config.Config, source string) (sources.Adapter, error) {
	switch source {
	case core.SourceMediaCloud:
		if cfg.Sources.MediaCloud.APIToken == "" {
			return nil, fmt.Errorf("%w: MC_API_TOKEN is required for queue-mediacloud", core.ErrConfig)
		}
		return sources.NewMediaCloud(sources.MediaCloudOptions{
			BaseURL:    cfg.Sources.MediaCloud.BaseURL,
			APIToken:   cfg.Sources.MediaCloud.APIToken,
			PageSize:   cfg.Sources.PageSize,
			MaxStories: cfg.Sources.MediaCloud.MaxStories,
		}), nil
	case core.SourceWaybackMachine:
		return sources.NewWayback(sources.WaybackOptions{
			BaseURL:      cfg.Sources.Wayback.BaseURL,
			DirectoryURL: cfg.Sources.MediaCloud.DirectoryURL,
			PageSize:     cfg.Sources.PageSize,
			MaxStories:   cfg.Sources.Wayback.MaxStories,
			DomainTTL:    cfg.Sources.DomainCacheTTLDuration(),
		}), nil
	case core.SourceGoogleAlerts:
		return sources.NewRSSAlerts(sources.RSSOptions{
			MaxStories: cfg.Sources.RSS.MaxStories,
		}), nil
	case core.SourceNewscatcher:
		if cfg.Sources.Newscatcher.APIKey == "" {
			return nil, fmt.Errorf("%w: NEWSCATCHER_API_KEY is required for queue-newscatcher", core.ErrConfig)
		}
		return sources.NewNewscatcher(sources.NewscatcherOptions{
			BaseURL:    cfg.Sources.Newscatcher.BaseURL,
			APIKey:     cfg.Sources.Newscatcher.APIKey,
			PageSize:   cfg.Sources.PageSize,
			MaxStories: cfg.Sources.Newscatcher.MaxStories,
		}), nil
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
}

// notifyAndReport emails the run summary when SMTP is configured and prints
// the per-project outcome to the console.
func notifyAndReport(summary *core.RunSummary) {
	notifier := email.NewNotifier(config.GetEmail())
	if err := notifier.SendRunSummary(summary); err != nil {
		logger.Warn("Could not send summary email", "error", err.Error())
	}

	fmt.Printf("📊 %s: %d stories from %d projects in %d pages (%d min)\n",
		summary.Source, summary.Stories, summary.ProjectCount, summary.Pages,
		int(summary.Duration.Minutes()))
	for _, ps := range summary.Projects {
		switch {
		case ps.Err != "":
			fmt.Printf("  ⚠️  project %d %s: %s\n", ps.ProjectID, ps.Title, ps.Err)
		case ps.NearCap:
			fmt.Printf("  ⚠️  project %d %s: %d stories (close to the per-run cap)\n", ps.ProjectID, ps.Title, ps.Stories)
		default:
			fmt.Printf("  ✅ project %d %s: %d stories\n", ps.ProjectID, ps.Title, ps.Stories)
		}
	}
	for _, e := range summary.Errors {
		fmt.Printf("  ❌ %s\n", e)
	}
}

// runtime bundles the infrastructure one command invocation needs. All
// connections are checked up front so a dead dependency fails the run
// before any source traffic happens.
type runtime struct {
	cfg   *config.Config
	db    *persistence.PostgresDB
	queue *queue.Queue
	cache *store.Store
	api   *apiclient.Client
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	db, err := persistence.NewPostgresDB(cfg.Database.URI)
	if err != nil {
		return nil, fmt.Errorf("connect audit store: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit store unreachable: %w", err)
	}

	q, err := queue.New(cfg.Queue.BrokerURL, queue.Options{
		Name:        cfg.Queue.Name,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBaseDuration(),
		BackoffCap:  cfg.Queue.BackoffCapDuration(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := q.Ping(ctx); err != nil {
		q.Close()
		db.Close()
		return nil, fmt.Errorf("task broker unreachable: %w", err)
	}

	cache, err := store.NewStore(cfg.Dirs.Cache, extractionCacheCapacity)
	if err != nil {
		q.Close()
		db.Close()
		return nil, fmt.Errorf("open extraction cache: %w", err)
	}

	api := apiclient.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.Dirs.Config, cfg.API.APITimeout())

	return &runtime{cfg: cfg, db: db, queue: q, cache: cache, api: api}, nil
}

func (r *runtime) Close() {
	if err := r.cache.Close(); err != nil {
		logger.Error("Failed to close extraction cache", err)
	}
	if err := r.queue.Close(); err != nil {
		logger.Error("Failed to close queue", err)
	}
	if err := r.db.Close(); err != nil {
		logger.Error("Failed to close audit store", err)
	}
}

// manager assembles the ingestion pipeline around the shared runtime.
func (r *runtime) manager(saveStories bool) *sources.Manager {
	opts := sources.DefaultOptions()
	opts.ExtractConcurrency = r.cfg.Sources.Concurrency
	if saveStories {
		opts.SaveDir = r.cfg.Dirs.Logs
	}
	extractor := fetch.NewExtractor(pageFetchTimeout, r.cache)
	return sources.NewManager(r.db, r.queue, extractor, opts)
}
