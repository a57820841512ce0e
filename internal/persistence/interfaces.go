// Package persistence provides the relational audit store that records every
// story the pipeline observed, plus the per-project watermark history.
package persistence

import (
	"context"
	"time"

	"storyproc/internal/core"
)

// StoryRepository handles the stories audit log.
type StoryRepository interface {
	// AddStories inserts one audit row per candidate in a single transaction,
	// with queued_date set to now and above_threshold false. Candidates from
	// sources without a native id get stories_id backfilled to the inserted
	// row id in a second transaction. Returns the candidates annotated with
	// their audit row ids.
	AddStories(ctx context.Context, candidates []core.CandidateArticle, project core.Project, source string) ([]core.CandidateArticle, error)

	// UpdateProcessed records classifier scores and processed_date by audit
	// row id. Safe to call again for the same rows.
	UpdateProcessed(ctx context.Context, candidates []core.CandidateArticle) error

	// MarkAboveThreshold flags the given candidates' rows as above threshold.
	MarkAboveThreshold(ctx context.Context, candidates []core.CandidateArticle) error

	// UpdatePosted records posted_date for the given candidates' rows.
	UpdatePosted(ctx context.Context, candidates []core.CandidateArticle) error

	// UnpostedAboveCount counts scored rows that passed the threshold but
	// were never accepted by the central server.
	UnpostedAboveCount(ctx context.Context, projectID int) (int, error)

	// UnpostedStories returns scored, above-threshold rows with no posted
	// date, oldest first. limit <= 0 applies the default cap.
	UnpostedStories(ctx context.Context, projectID int, limit int) ([]core.Story, error)

	// CountByPublishedDay buckets row counts by published_date::date.
	CountByPublishedDay(ctx context.Context, opts AggregateOptions) ([]DayCount, error)

	// CountByProcessedDay buckets row counts by processed_date::date.
	CountByProcessedDay(ctx context.Context, opts AggregateOptions) ([]DayCount, error)

	// CountByPostedDay buckets row counts by posted_date::date.
	CountByPostedDay(ctx context.Context, opts AggregateOptions) ([]DayCount, error)
}

// ProjectHistoryRepository tracks per-project ingest watermarks. Watermarks
// are advisory: replaying a bounded overlap is acceptable because the audit
// store and the central server both deduplicate.
type ProjectHistoryRepository interface {
	// Get retrieves the history row for a project, or nil when the project
	// has never been seen.
	Get(ctx context.Context, projectID int) (*core.ProjectHistory, error)

	// Add creates the history row for a newly seen project.
	Add(ctx context.Context, projectID int, lastProcessedID int64) error

	// Update advances watermark fields. Nil fields keep their stored value.
	Update(ctx context.Context, projectID int, update HistoryUpdate) error
}

// HistoryUpdate names the watermark fields to advance; nil means unchanged.
type HistoryUpdate struct {
	LastProcessedID *int64
	LastPublishDate *time.Time
	LastURL         *string
}

// AggregateOptions filters the dashboard day-bucket aggregations.
type AggregateOptions struct {
	ProjectID      *int   // Restrict to one project
	Source         string // Restrict to one source name
	AboveThreshold *bool  // Restrict by threshold outcome
	Days           int    // Bucket window in days back from today (default 30)
}

// DayCount is one day bucket of a read-side aggregation.
type DayCount struct {
	Day   time.Time
	Count int
}

// Database aggregates the repositories behind one connection pool.
type Database interface {
	// Stories returns the audit log repository
	Stories() StoryRepository

	// History returns the project watermark repository
	History() ProjectHistoryRepository

	// Close closes the database connection
	Close() error

	// Ping verifies the database connection
	Ping(ctx context.Context) error

	// BeginTx starts a new transaction
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Stories returns the audit log repository within this transaction
	Stories() StoryRepository

	// History returns the project watermark repository within this transaction
	History() ProjectHistoryRepository
}
