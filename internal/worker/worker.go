// Package worker runs the classify-and-post task: score a batch, record the
// scores, drop low-confidence stories, tag entities, post survivors to the
// central server, and mark them posted in the audit store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"storyproc/internal/classifier"
	"storyproc/internal/core"
	"storyproc/internal/logger"
	"storyproc/internal/metrics"
	"storyproc/internal/queue"
)

// Scorer produces confidence scores for a batch of story texts.
type Scorer interface {
	Score(project core.Project, texts []string) ([]core.Scores, error)
}

// AuditLog is the slice of the story repository the worker writes to.
type AuditLog interface {
	UpdateProcessed(ctx context.Context, candidates []core.CandidateArticle) error
	MarkAboveThreshold(ctx context.Context, candidates []core.CandidateArticle) error
	UpdatePosted(ctx context.Context, candidates []core.CandidateArticle) error
}

// EntityTagger annotates accepted stories with named entities.
type EntityTagger interface {
	Configured() bool
	FromContent(ctx context.Context, text, language string) []core.Entity
}

// Poster delivers accepted stories to the central server.
type Poster interface {
	Publish(ctx context.Context, project core.Project, stories []core.CandidateArticle) error
}

// RegistryScorer adapts the model registry to the Scorer interface with a
// fixed model catalog snapshot.
type RegistryScorer struct {
	Registry *classifier.Registry
	Specs    []core.ModelSpec
}

func (rs *RegistryScorer) Score(project core.Project, texts []string) ([]core.Scores, error) {
	model, err := rs.Registry.ForProject(project, rs.Specs)
	if err != nil {
		return nil, err
	}
	return model.Score(texts)
}

// Processor executes one classify-and-post job.
type Processor struct {
	scorer  Scorer
	stories AuditLog
	tagger  EntityTagger
	poster  Poster
	log     *slog.Logger
}

// NewProcessor wires the job body. tagger may be nil when no entity server
// is configured.
func NewProcessor(scorer Scorer, stories AuditLog, tagger EntityTagger, poster Poster) *Processor {
	return &Processor{
		scorer:  scorer,
		stories: stories,
		tagger:  tagger,
		poster:  poster,
		log:     logger.Get(),
	}
}

// Process runs one job to completion. The returned error's taxonomy decides
// the job's fate: nil acks, core.ErrModel buries, core.ErrPermanentPost
// drops, anything else retries with backoff.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if len(job.Stories) == 0 {
		return nil
	}

	texts := make([]string, len(job.Stories))
	for i, s := range job.Stories {
		texts[i] = s.StoryText
	}

	scores, err := p.scorer.Score(job.Project, texts)
	if err != nil {
		return fmt.Errorf("score stories for project %d: %w", job.Project.ID, err)
	}

	for i := range job.Stories {
		job.Stories[i].Confidence = scores[i].Combined
		job.Stories[i].Model1Score = scores[i].Model1
		job.Stories[i].Model2Score = scores[i].Model2
	}

	if err := p.stories.UpdateProcessed(ctx, job.Stories); err != nil {
		return err
	}
	metrics.StoriesProcessed.Add(float64(len(job.Stories)))

	accepted := make([]core.CandidateArticle, 0, len(job.Stories))
	for _, s := range job.Stories {
		if s.Confidence >= job.Project.MinConfidence {
			accepted = append(accepted, s)
		}
	}
	p.log.Info("Scored batch",
		"project_id", job.Project.ID,
		"stories", len(job.Stories),
		"above_threshold", len(accepted),
		"min_confidence", job.Project.MinConfidence)

	if len(accepted) == 0 {
		return nil
	}
	metrics.StoriesAboveThreshold.Add(float64(len(accepted)))

	if p.tagger != nil && p.tagger.Configured() {
		for i := range accepted {
			accepted[i].Entities = p.tagger.FromContent(ctx, accepted[i].StoryText, accepted[i].Language)
		}
	}

	if err := p.stories.MarkAboveThreshold(ctx, accepted); err != nil {
		return err
	}

	if err := p.poster.Publish(ctx, job.Project, accepted); err != nil {
		return err
	}

	if err := p.stories.UpdatePosted(ctx, accepted); err != nil {
		return err
	}
	metrics.StoriesPosted.Add(float64(len(accepted)))
	return nil
}

// PoolOptions tunes the consumer pool; zero values take the defaults.
type PoolOptions struct {
	Concurrency  int           // parallel consumers, default 4
	NamePrefix   string        // consumer name prefix, default host name
	DequeueWait  time.Duration // blocking pop patience, default 5s
	PromoteEvery time.Duration // retry promotion cadence, default 15s
}

// Pool runs long-lived queue consumers around one Processor.
type Pool struct {
	queue        *queue.Queue
	proc         *Processor
	concurrency  int
	namePrefix   string
	dequeueWait  time.Duration
	promoteEvery time.Duration
	log          *slog.Logger
}

// NewPool creates a consumer pool.
func NewPool(q *queue.Queue, proc *Processor, opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.NamePrefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		opts.NamePrefix = host
	}
	if opts.DequeueWait <= 0 {
		opts.DequeueWait = 5 * time.Second
	}
	if opts.PromoteEvery <= 0 {
		opts.PromoteEvery = 15 * time.Second
	}

	return &Pool{
		queue:        q,
		proc:         proc,
		concurrency:  opts.Concurrency,
		namePrefix:   opts.NamePrefix,
		dequeueWait:  opts.DequeueWait,
		promoteEvery: opts.PromoteEvery,
		log:          logger.Get(),
	}
}

// Run consumes jobs until ctx is cancelled. In-flight jobs are finished
// before consumers exit.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("Starting workers", "concurrency", p.concurrency, "prefix", p.namePrefix)

	var wg sync.WaitGroup
	for i := 1; i <= p.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", p.namePrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.promote(ctx)
	}()

	wg.Wait()
	p.log.Info("Workers stopped")
}

func (p *Pool) consume(ctx context.Context, consumer string) {
	// Recover work stranded by a previous crash of this consumer.
	if moved, err := p.queue.RequeueOrphans(ctx, consumer); err != nil {
		p.log.Warn("Orphan requeue failed", "consumer", consumer, "error", err.Error())
	} else if moved > 0 {
		p.log.Info("Requeued orphaned jobs", "consumer", consumer, "count", moved)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, consumer, p.dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("Dequeue failed", "consumer", consumer, "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		p.handle(ctx, consumer, job)
	}
}

// handle runs one job and settles it with the queue based on the error
// taxonomy. The job context outlives a shutdown signal so the current job
// always finishes.
func (p *Pool) handle(ctx context.Context, consumer string, job *queue.Job) {
	jobCtx := context.WithoutCancel(ctx)
	start := time.Now()

	err := p.proc.Process(jobCtx, job)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(jobCtx, consumer, job); ackErr != nil {
			p.log.Warn("Ack failed", "job_id", job.ID, "error", ackErr.Error())
		}
		metrics.JobsProcessed.WithLabelValues("ok").Inc()
		p.log.Debug("Finished job",
			"job_id", job.ID, "project_id", job.Project.ID, "duration", time.Since(start).String())

	case errors.Is(err, core.ErrModel):
		metrics.RecordError(err)
		metrics.JobsProcessed.WithLabelValues("buried").Inc()
		sentry.CaptureException(err)
		p.log.Error("Burying batch after scoring failure",
			"job_id", job.ID, "project_id", job.Project.ID, "error", err.Error())
		if buryErr := p.queue.Bury(jobCtx, consumer, job); buryErr != nil {
			p.log.Error("Bury failed", "job_id", job.ID, "error", buryErr.Error())
		}

	case errors.Is(err, core.ErrPermanentPost):
		// The audit rows stay above-threshold and unposted; the unposted
		// retry entrypoint can pick them up after the server-side issue is
		// resolved.
		metrics.RecordError(err)
		metrics.JobsProcessed.WithLabelValues("rejected").Inc()
		p.log.Warn("Central server rejected batch, dropping job",
			"job_id", job.ID, "project_id", job.Project.ID, "error", err.Error())
		if ackErr := p.queue.Ack(jobCtx, consumer, job); ackErr != nil {
			p.log.Warn("Ack failed", "job_id", job.ID, "error", ackErr.Error())
		}

	default:
		metrics.RecordError(err)
		rescheduled, retryErr := p.queue.Retry(jobCtx, consumer, job)
		if retryErr != nil {
			p.log.Error("Retry scheduling failed", "job_id", job.ID, "error", retryErr.Error())
			return
		}
		if rescheduled {
			metrics.JobsProcessed.WithLabelValues("retried").Inc()
			p.log.Warn("Job failed, retrying",
				"job_id", job.ID, "project_id", job.Project.ID, "attempt", job.Attempts, "error", err.Error())
		} else {
			metrics.JobsProcessed.WithLabelValues("buried").Inc()
			sentry.CaptureException(err)
		}
	}
}

func (p *Pool) promote(ctx context.Context) {
	ticker := time.NewTicker(p.promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.PromoteDue(ctx); err != nil {
				if ctx.Err() == nil {
					p.log.Warn("Retry promotion failed", "error", err.Error())
				}
			} else if n > 0 {
				p.log.Info("Promoted due retries", "count", n)
			}
			if stats, err := p.queue.Stats(ctx); err == nil {
				metrics.SetQueueDepths(stats.Pending, stats.Retry, stats.Dead)
			}
		}
	}
}
