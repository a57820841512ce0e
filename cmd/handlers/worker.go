package handlers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"storyproc/internal/classifier"
	"storyproc/internal/config"
	"storyproc/internal/entities"
	"storyproc/internal/logger"
	"storyproc/internal/metrics"
	"storyproc/internal/publish"
	"storyproc/internal/worker"
)

// NewWorkerCmd creates the worker command.
func NewWorkerCmd() *cobra.Command {
	var (
		concurrency int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run classification workers against the task queue",
		Long: `Run the long-lived classification workers.

Workers block on the task queue. For every job they score the stories with
the project's language model, record the scores in the audit database, tag
named entities on stories above the project threshold, post those stories
to the central server, and stamp the posted date. Failed jobs retry with
exponential backoff until the attempt cap and then land in the dead-letter
list.

Missing model artifacts are downloaded at startup. Stop with SIGINT or
SIGTERM; in-flight jobs finish before the process exits.

Examples:
  # Concurrency from queue.worker_concurrency
  storyproc worker

  # Eight consumers plus a Prometheus endpoint
  storyproc worker --concurrency 8 --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), concurrency, metricsAddr)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel consumers (default from queue.worker_concurrency)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func runWorker(ctx context.Context, concurrency int, metricsAddr string) error {
	log := logger.Get()
	cfg := config.Get()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	specs, err := rt.api.LoadLanguageModels(ctx)
	if err != nil {
		return fmt.Errorf("load language models: %w", err)
	}
	projects, err := rt.api.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	registry := classifier.NewRegistry(cfg.Dirs.Models, cfg.API.APITimeout())
	downloaded, err := registry.RefreshAll(ctx, specs, projects, false)
	if err != nil {
		return fmt.Errorf("refresh model artifacts: %w", err)
	}
	if downloaded > 0 {
		log.Info("Downloaded model artifacts", "count", downloaded)
	}

	scorer := &worker.RegistryScorer{Registry: registry, Specs: specs}
	poster := publish.NewPublisher(cfg.API.Key, cfg.API.PostTimeoutDuration())
	tagger := entities.NewClient(cfg.Entities.ServerURL, pageFetchTimeout)
	proc := worker.NewProcessor(scorer, rt.db.Stories(), tagger, poster)

	if concurrency <= 0 {
		concurrency = cfg.Queue.WorkerConcurrency
	}
	pool := worker.NewPool(rt.queue, proc, worker.PoolOptions{Concurrency: concurrency})

	var metricsSrv *http.Server
	if metricsAddr != "" {
		metricsSrv = metrics.Serve(metricsAddr)
		log.Info("Serving metrics", "addr", metricsAddr)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("👷 Worker pool started: %d consumers on queue %q\n", concurrency, cfg.Queue.Name)
	fmt.Println("Press Ctrl+C to stop")
	pool.Run(runCtx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown failed", "error", err.Error())
		}
	}

	fmt.Println("✅ Worker pool stopped")
	return nil
}
