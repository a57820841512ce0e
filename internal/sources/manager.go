package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"storyproc/internal/core"
	"storyproc/internal/fetch"
	"storyproc/internal/logger"
	"storyproc/internal/metrics"
	"storyproc/internal/persistence"
)

// Enqueuer pushes story batches onto the classification queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, project core.Project, stories []core.CandidateArticle) (string, error)
}

// TextExtractor pulls text and page metadata for stories the source
// delivered without any.
type TextExtractor interface {
	Extract(ctx context.Context, url string) (*fetch.Result, error)
}

// Poster delivers accepted stories to the central server.
type Poster interface {
	Publish(ctx context.Context, project core.Project, stories []core.CandidateArticle) error
}

// EntityTagger annotates stories with named entities.
type EntityTagger interface {
	Configured() bool
	FromContent(ctx context.Context, text, language string) []core.Entity
}

// Options configure one ingestion run.
type Options struct {
	ExtractConcurrency int           // parallel page fetches within a batch, default 8
	ProjectConcurrency int           // projects worked in parallel, default 1
	Timeout            time.Duration // whole-run budget, 0 for none
	SaveDir            string        // when set, write per-page JSON story dumps here
}

// DefaultOptions returns the defaults used by the source entrypoints.
// Projects run serially because most adapters share a rate limit; extraction
// within a page is the part worth parallelizing.
func DefaultOptions() Options {
	return Options{
		ExtractConcurrency: 8,
		ProjectConcurrency: 1,
	}
}

// Manager drives one source adapter across its projects and owns the shared
// pipeline stages behind it: dedupe, extract, record, enqueue, advance the
// watermark.
type Manager struct {
	db        persistence.Database
	queue     Enqueuer
	extractor TextExtractor
	client    *http.Client
	log       *slog.Logger
	opts      Options
}

// NewManager creates a manager around the shared infrastructure.
func NewManager(db persistence.Database, queue Enqueuer, extractor TextExtractor, opts Options) *Manager {
	if opts.ExtractConcurrency <= 0 {
		opts.ExtractConcurrency = 8
	}
	if opts.ProjectConcurrency <= 0 {
		opts.ProjectConcurrency = 1
	}
	return &Manager{
		db:        db,
		queue:     queue,
		extractor: extractor,
		client:    &http.Client{Timeout: 60 * time.Second},
		log:       logger.Get(),
		opts:      opts,
	}
}

// Run fetches, records and enqueues new stories for every project the
// adapter wants. Per-project failures are recorded in the summary and the
// run continues; an unreachable audit store aborts the whole run, because
// nothing can be recorded without it.
func (m *Manager) Run(ctx context.Context, adapter Adapter, projectList []core.Project) (*core.RunSummary, error) {
	started := time.Now().UTC()
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	wanted := make([]core.Project, 0, len(projectList))
	for _, p := range projectList {
		if adapter.Wants(p) {
			wanted = append(wanted, p)
		}
	}
	m.log.Info("Starting story fetch",
		"source", adapter.Name(), "projects", len(wanted), "skipped", len(projectList)-len(wanted))

	summary := &core.RunSummary{
		Source:       adapter.Name(),
		StartedAt:    started,
		ProjectCount: len(wanted),
	}

	sem := make(chan struct{}, m.opts.ProjectConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var abortErr error

	for _, project := range wanted {
		if runCtx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(p core.Project) {
			defer wg.Done()
			defer func() { <-sem }()

			ps, err := m.processProject(runCtx, adapter, p)

			mu.Lock()
			summary.Projects = append(summary.Projects, ps)
			summary.Stories += ps.Stories
			summary.Pages += ps.Pages
			if err != nil && abortErr == nil {
				abortErr = err
				summary.Errors = append(summary.Errors, fmt.Sprintf("aborting run: %v", err))
			}
			mu.Unlock()

			if err != nil {
				cancelRun()
			}
		}(project)
	}

	wg.Wait()

	if abortErr == nil && ctx.Err() != nil {
		abortErr = ctx.Err()
		summary.Errors = append(summary.Errors, fmt.Sprintf("run cancelled: %v", ctx.Err()))
	}

	summary.Duration = time.Since(started)
	sort.Slice(summary.Projects, func(i, j int) bool {
		return summary.Projects[i].ProjectID < summary.Projects[j].ProjectID
	})

	m.log.Info("Finished story fetch",
		"source", adapter.Name(),
		"projects", len(summary.Projects),
		"stories", summary.Stories,
		"pages", summary.Pages,
		"duration", summary.Duration.Round(time.Second).String(),
		"errors", len(summary.Errors),
	)
	return summary, abortErr
}

// processProject runs the pipeline for one project. The returned error is
// non-nil only when the whole run must stop; ordinary per-project failures
// come back inside the summary.
func (m *Manager) processProject(ctx context.Context, adapter Adapter, p core.Project) (core.ProjectSummary, error) {
	ps := core.ProjectSummary{ProjectID: p.ID, Title: p.Title}

	history, err := m.db.History().Get(ctx, p.ID)
	if err != nil {
		ps.Err = err.Error()
		return ps, err
	}
	if history == nil {
		if err := m.db.History().Add(ctx, p.ID, p.LatestProcessedStoriesID); err != nil {
			ps.Err = err.Error()
			return ps, err
		}
		history = &core.ProjectHistory{ProjectID: p.ID, LastProcessedID: p.LatestProcessedStoriesID}
	} else if p.LatestProcessedStoriesID > history.LastProcessedID {
		// The server's cursor can run ahead of ours after a database rebuild;
		// fast-forward and never regress.
		v := p.LatestProcessedStoriesID
		if err := m.db.History().Update(ctx, p.ID, persistence.HistoryUpdate{LastProcessedID: &v}); err != nil {
			ps.Err = err.Error()
			return ps, err
		}
		history.LastProcessedID = v
	}

	cur := cursorFromHistory(history, p)
	window := adapter.Window(time.Now().UTC(), p, cur)
	m.log.Info("Checking project",
		"project_id", p.ID, "title", p.Title, "source", adapter.Name(),
		"last_processed_id", cur.LastProcessedID)

	seen := make(map[string]struct{})
	lastID := cur.LastProcessedID
	lastPublish := cur.LastPublishDate
	firstURL := ""
	queued := 0
	pages := 0

	emit := func(ctx context.Context, page []core.CandidateArticle, after Cursor) error {
		fresh := make([]core.CandidateArticle, 0, len(page))
		for _, c := range page {
			if c.URL == "" {
				continue
			}
			if _, dup := seen[c.URL]; dup {
				continue
			}
			seen[c.URL] = struct{}{}
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			return nil
		}

		extracted := m.extractStories(ctx, fresh)
		if len(extracted) == 0 {
			return nil
		}

		inserted, err := m.db.Stories().AddStories(ctx, extracted, p, adapter.Name())
		if err != nil {
			return err
		}
		if _, err := m.queue.Enqueue(ctx, p, inserted); err != nil {
			return fmt.Errorf("enqueue classification job: %w", err)
		}
		metrics.StoriesQueued.WithLabelValues(adapter.Name()).Add(float64(len(inserted)))
		queued += len(inserted)
		pages++

		// The watermark moves only after the page is safely recorded and
		// enqueued, and never moves backwards.
		update := persistence.HistoryUpdate{}
		if after.LastProcessedID > lastID {
			lastID = after.LastProcessedID
			v := lastID
			update.LastProcessedID = &v
		}
		if latest := maxPublishDate(inserted); latest.After(lastPublish) {
			lastPublish = latest
			v := latest
			update.LastPublishDate = &v
		}
		if firstURL == "" {
			firstURL = inserted[0].URL
			v := firstURL
			update.LastURL = &v
		}
		if update.LastProcessedID != nil || update.LastPublishDate != nil || update.LastURL != nil {
			if err := m.db.History().Update(ctx, p.ID, update); err != nil {
				return err
			}
		}

		if m.opts.SaveDir != "" {
			m.saveStories(adapter.Name(), p, pages, inserted)
		}
		m.log.Debug("Queued page",
			"project_id", p.ID, "source", adapter.Name(), "page", pages, "stories", len(inserted))
		return nil
	}

	iterErr := adapter.Iterate(ctx, p, window, cur, emit)

	ps.Stories = queued
	ps.Pages = pages
	if budget := adapter.Cap(); budget > 0 && queued >= budget*9/10 {
		ps.NearCap = true
	}

	if iterErr != nil {
		ps.Err = iterErr.Error()
		logger.Error("Project fetch failed", iterErr, "project_id", p.ID, "source", adapter.Name())
		metrics.RecordError(iterErr)
		if errors.Is(iterErr, core.ErrAuditStore) {
			return ps, iterErr
		}
		return ps, nil
	}

	m.log.Info("Project done",
		"project_id", p.ID, "title", p.Title, "stories", queued, "pages", pages)
	return ps, nil
}

// extractStories fills in story text for one page, fanning the fetches out
// across a bounded pool. Stories whose text cannot be obtained are dropped;
// slots keep results in source-native order.
func (m *Manager) extractStories(ctx context.Context, candidates []core.CandidateArticle) []core.CandidateArticle {
	type slot struct {
		candidate core.CandidateArticle
		ok        bool
	}
	slots := make([]slot, len(candidates))

	sem := make(chan struct{}, m.opts.ExtractConcurrency)
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			candidate, ok := m.hydrate(ctx, candidates[i])
			slots[i] = slot{candidate: candidate, ok: ok}
		}(i)
	}
	wg.Wait()

	out := make([]core.CandidateArticle, 0, len(candidates))
	for _, s := range slots {
		if s.ok {
			out = append(out, s.candidate)
		}
	}
	return out
}

// hydrate ensures one story carries its text: inline text wins, then the
// archive's parse, then a live-web extraction. A page the extractor parsed
// may also fill in metadata the source left blank.
func (m *Manager) hydrate(ctx context.Context, c core.CandidateArticle) (core.CandidateArticle, bool) {
	if strings.TrimSpace(c.StoryText) != "" {
		return c, true
	}

	if c.ArchiveURL != "" {
		text, err := FetchArchivedText(ctx, m.client, c.ArchiveURL)
		if err != nil {
			m.log.Warn("Dropping story without archived text", "url", c.URL, "error", err.Error())
			metrics.RecordError(err)
			return c, false
		}
		c.StoryText = text
		return c, true
	}

	result, err := m.extractor.Extract(ctx, c.URL)
	if err != nil {
		m.log.Warn("Dropping unextractable story", "url", c.URL, "error", err.Error())
		metrics.RecordError(err)
		return c, false
	}
	c.StoryText = result.Text
	if c.Title == "" {
		c.Title = result.Title
	}
	if result.PublishDate != nil {
		c.PublishDate = *result.PublishDate
	}
	if c.Language == "" {
		c.Language = result.Language
	}
	if c.MediaURL == "" {
		c.MediaURL = result.CanonicalDomain
		c.MediaName = result.CanonicalDomain
	}
	return c, true
}

// saveStories writes one queued page to a JSON dump for offline audits.
// Failures only warn; dumps are a debugging aid, not pipeline state.
func (m *Manager) saveStories(source string, p core.Project, page int, stories []core.CandidateArticle) {
	if err := os.MkdirAll(m.opts.SaveDir, 0o755); err != nil {
		m.log.Warn("Cannot create story dump directory", "dir", m.opts.SaveDir, "error", err.Error())
		return
	}
	name := fmt.Sprintf("%d-%s-stories-%s-p%d.json",
		p.ID, source, time.Now().UTC().Format("20060102-150405"), page)
	payload, err := json.MarshalIndent(stories, "", "  ")
	if err != nil {
		m.log.Warn("Cannot marshal story dump", "project_id", p.ID, "error", err.Error())
		return
	}
	path := filepath.Join(m.opts.SaveDir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		m.log.Warn("Cannot write story dump", "path", path, "error", err.Error())
	}
}

// RetryUnposted re-sends scored stories that passed their threshold but were
// never accepted by the central server. Scores come from the audit rows;
// text and metadata are re-extracted from the live web because the audit
// store keeps neither.
func (m *Manager) RetryUnposted(ctx context.Context, projectList []core.Project, poster Poster, tagger EntityTagger, pageSize int) (*core.RunSummary, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	started := time.Now().UTC()
	summary := &core.RunSummary{
		Source:       SourceCatchup,
		StartedAt:    started,
		ProjectCount: len(projectList),
	}
	m.log.Info("Starting unposted catchup", "projects", len(projectList), "page_size", pageSize)

	var abortErr error
	for _, p := range projectList {
		if ctx.Err() != nil {
			abortErr = ctx.Err()
			summary.Errors = append(summary.Errors, fmt.Sprintf("run cancelled: %v", ctx.Err()))
			break
		}

		ps, err := m.catchupProject(ctx, p, poster, tagger, pageSize)
		summary.Projects = append(summary.Projects, ps)
		summary.Stories += ps.Stories
		summary.Pages += ps.Pages
		if err != nil {
			abortErr = err
			summary.Errors = append(summary.Errors, fmt.Sprintf("aborting run: %v", err))
			break
		}
	}

	summary.Duration = time.Since(started)
	m.log.Info("Finished unposted catchup",
		"projects", len(summary.Projects),
		"stories", summary.Stories,
		"pages", summary.Pages,
		"duration", summary.Duration.Round(time.Second).String(),
	)
	return summary, abortErr
}

// catchupProject re-posts one project's unposted stories in pages. A post
// failure skips the rest of the project; an audit store failure aborts the
// run.
func (m *Manager) catchupProject(ctx context.Context, p core.Project, poster Poster, tagger EntityTagger, pageSize int) (core.ProjectSummary, error) {
	ps := core.ProjectSummary{ProjectID: p.ID, Title: p.Title}

	pending, err := m.db.Stories().UnpostedAboveCount(ctx, p.ID)
	if err != nil {
		ps.Err = err.Error()
		return ps, err
	}
	m.log.Info("Unposted stories to catch up", "project_id", p.ID, "count", pending)
	if pending == 0 {
		return ps, nil
	}

	rows, err := m.db.Stories().UnpostedStories(ctx, p.ID, 0)
	if err != nil {
		ps.Err = err.Error()
		return ps, err
	}

	for start := 0; start < len(rows); start += pageSize {
		page := rows[start:min(start+pageSize, len(rows))]

		stories := make([]core.CandidateArticle, 0, len(page))
		for _, row := range page {
			candidate, ok := m.rehydrateRow(ctx, p, row)
			if !ok {
				continue
			}
			stories = append(stories, candidate)
		}
		if len(stories) == 0 {
			continue
		}

		if tagger != nil && tagger.Configured() {
			for i := range stories {
				stories[i].Entities = tagger.FromContent(ctx, stories[i].StoryText, stories[i].Language)
			}
		}

		if err := poster.Publish(ctx, p, stories); err != nil {
			ps.Err = err.Error()
			logger.Error("Catchup post failed", err, "project_id", p.ID)
			metrics.RecordError(err)
			return ps, nil
		}
		if err := m.db.Stories().UpdatePosted(ctx, stories); err != nil {
			ps.Err = err.Error()
			return ps, err
		}
		metrics.StoriesPosted.Add(float64(len(stories)))
		ps.Stories += len(stories)
		ps.Pages++
		m.log.Info("Caught up page", "project_id", p.ID, "stories", len(stories))
	}

	m.log.Info("Project caught up",
		"project_id", p.ID, "posted", ps.Stories, "of", pending)
	return ps, nil
}

// rehydrateRow rebuilds a postable story from its audit row plus a fresh
// extraction. Rows whose pages are gone from the live web are skipped.
func (m *Manager) rehydrateRow(ctx context.Context, p core.Project, row core.Story) (core.CandidateArticle, bool) {
	candidate := core.CandidateArticle{
		StoriesID:       row.StoriesID,
		LogDBID:         row.ID,
		ProjectID:       p.ID,
		LanguageModelID: p.LanguageModelID,
		Source:          row.Source,
		URL:             row.URL,
		Language:        p.Language,
	}
	if row.PublishedDate != nil {
		candidate.PublishDate = *row.PublishedDate
	}
	if row.ModelScore != nil {
		candidate.Confidence = *row.ModelScore
	}
	if row.Model1Score != nil {
		candidate.Model1Score = *row.Model1Score
	}
	if row.Model2Score != nil {
		candidate.Model2Score = *row.Model2Score
	}

	result, err := m.extractor.Extract(ctx, row.URL)
	if err != nil {
		m.log.Warn("Skipping unposted story", "url", row.URL, "error", err.Error())
		return candidate, false
	}
	candidate.StoryText = result.Text
	candidate.Title = result.Title
	if result.PublishDate != nil {
		candidate.PublishDate = *result.PublishDate
	}
	if result.Language != "" {
		candidate.Language = result.Language
	}
	candidate.MediaURL = result.CanonicalDomain
	candidate.MediaName = result.CanonicalDomain
	return candidate, true
}

// cursorFromHistory merges the stored watermark with the server's hint; the
// server can only move the full-text cursor forward.
func cursorFromHistory(history *core.ProjectHistory, p core.Project) Cursor {
	cur := Cursor{}
	if history != nil {
		cur.LastProcessedID = history.LastProcessedID
		if history.LastPublishDate != nil {
			cur.LastPublishDate = *history.LastPublishDate
		}
		cur.LastURL = history.LastURL
	}
	if p.LatestProcessedStoriesID > cur.LastProcessedID {
		cur.LastProcessedID = p.LatestProcessedStoriesID
	}
	return cur
}

func maxPublishDate(stories []core.CandidateArticle) time.Time {
	var latest time.Time
	for _, s := range stories {
		if s.PublishDate.After(latest) {
			latest = s.PublishDate
		}
	}
	return latest
}
