package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"storyproc/internal/core"
)

// defaultUnpostedLimit bounds one catch-up pass so a long outage cannot
// produce an unbounded result set.
const defaultUnpostedLimit = 5000

// postgresStoryRepo implements StoryRepository for PostgreSQL
type postgresStoryRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresStoryRepo) query() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func (r *postgresStoryRepo) AddStories(ctx context.Context, candidates []core.CandidateArticle, project core.Project, source string) ([]core.CandidateArticle, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	// Insert the whole batch in one transaction
	tx, ok := r.query().(*sql.Tx)
	if !ok {
		var err error
		tx, err = r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: add stories: %v", core.ErrAuditStore, err)
		}
		defer func() {
			_ = tx.Rollback() // Rollback is safe to ignore if commit succeeds
		}()
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stories (
			stories_id, project_id, model_id, published_date, queued_date,
			above_threshold, source, url
		) VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: add stories: %v", core.ErrAuditStore, err)
	}
	defer stmt.Close()

	inserted := make([]core.CandidateArticle, 0, len(candidates))
	for _, c := range candidates {
		var storiesID sql.NullInt64
		if c.StoriesID > 0 {
			storiesID = sql.NullInt64{Int64: c.StoriesID, Valid: true}
		}
		var published sql.NullTime
		if !c.PublishDate.IsZero() {
			published = sql.NullTime{Time: c.PublishDate.UTC(), Valid: true}
		}

		var id int64
		err := stmt.QueryRowContext(ctx,
			storiesID, project.ID, project.LanguageModelID, published, now,
			source, c.URL,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("%w: insert story %s: %v", core.ErrAuditStore, c.URL, err)
		}

		c.LogDBID = id
		c.ProjectID = project.ID
		c.LanguageModelID = project.LanguageModelID
		c.Source = source
		inserted = append(inserted, c)
	}

	if _, ok := r.query().(*sql.Tx); !ok {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("%w: add stories: %v", core.ErrAuditStore, err)
		}
	}

	// Second transaction: sources without a native id take the audit row id
	// as their stories_id so downstream code can treat every source the same.
	var backfill []int64
	for i := range inserted {
		if inserted[i].StoriesID == 0 {
			backfill = append(backfill, inserted[i].LogDBID)
			inserted[i].StoriesID = inserted[i].LogDBID
		}
	}
	if len(backfill) > 0 {
		_, err := r.query().ExecContext(ctx, `
			UPDATE stories SET stories_id = id
			WHERE id = ANY($1) AND stories_id IS NULL
		`, pq.Array(backfill))
		if err != nil {
			return nil, fmt.Errorf("%w: backfill stories_id: %v", core.ErrAuditStore, err)
		}
	}

	return inserted, nil
}

func (r *postgresStoryRepo) UpdateProcessed(ctx context.Context, candidates []core.CandidateArticle) error {
	if len(candidates) == 0 {
		return nil
	}

	now := time.Now().UTC()

	tx, ok := r.query().(*sql.Tx)
	if !ok {
		var err error
		tx, err = r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: update processed: %v", core.ErrAuditStore, err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE stories
		SET model_score = $2, model_1_score = $3, model_2_score = $4, processed_date = $5
		WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("%w: update processed: %v", core.ErrAuditStore, err)
	}
	defer stmt.Close()

	for _, c := range candidates {
		_, err := stmt.ExecContext(ctx, c.LogDBID, c.Confidence, c.Model1Score, c.Model2Score, now)
		if err != nil {
			return fmt.Errorf("%w: update processed row %d: %v", core.ErrAuditStore, c.LogDBID, err)
		}
	}

	if _, ok := r.query().(*sql.Tx); !ok {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: update processed: %v", core.ErrAuditStore, err)
		}
	}
	return nil
}

func (r *postgresStoryRepo) MarkAboveThreshold(ctx context.Context, candidates []core.CandidateArticle) error {
	if len(candidates) == 0 {
		return nil
	}

	query := `UPDATE stories SET above_threshold = TRUE WHERE id = ANY($1)`
	_, err := r.query().ExecContext(ctx, query, pq.Array(logDBIDs(candidates)))
	if err != nil {
		return fmt.Errorf("%w: mark above threshold: %v", core.ErrAuditStore, err)
	}
	return nil
}

func (r *postgresStoryRepo) UpdatePosted(ctx context.Context, candidates []core.CandidateArticle) error {
	if len(candidates) == 0 {
		return nil
	}

	query := `UPDATE stories SET posted_date = $1 WHERE id = ANY($2)`
	_, err := r.query().ExecContext(ctx, query, time.Now().UTC(), pq.Array(logDBIDs(candidates)))
	if err != nil {
		return fmt.Errorf("%w: update posted: %v", core.ErrAuditStore, err)
	}
	return nil
}

func (r *postgresStoryRepo) UnpostedAboveCount(ctx context.Context, projectID int) (int, error) {
	query := `
		SELECT COUNT(1) FROM stories
		WHERE project_id = $1 AND above_threshold
		  AND processed_date IS NOT NULL AND posted_date IS NULL
	`
	var count int
	err := r.query().QueryRowContext(ctx, query, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: unposted count: %v", core.ErrAuditStore, err)
	}
	return count, nil
}

func (r *postgresStoryRepo) UnpostedStories(ctx context.Context, projectID int, limit int) ([]core.Story, error) {
	if limit <= 0 {
		limit = defaultUnpostedLimit
	}

	query := `
		SELECT id, stories_id, project_id, model_id, source, url,
			   published_date, queued_date, processed_date, posted_date,
			   above_threshold, model_score, model_1_score, model_2_score
		FROM stories
		WHERE project_id = $1 AND above_threshold
		  AND processed_date IS NOT NULL AND posted_date IS NULL
		ORDER BY processed_date ASC
		LIMIT $2
	`
	rows, err := r.query().QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: unposted stories: %v", core.ErrAuditStore, err)
	}
	defer rows.Close()

	var stories []core.Story
	for rows.Next() {
		story, err := r.scanStoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: unposted stories: %v", core.ErrAuditStore, err)
		}
		stories = append(stories, *story)
	}
	return stories, rows.Err()
}

func (r *postgresStoryRepo) CountByPublishedDay(ctx context.Context, opts AggregateOptions) ([]DayCount, error) {
	return r.countByDay(ctx, "published_date", opts)
}

func (r *postgresStoryRepo) CountByProcessedDay(ctx context.Context, opts AggregateOptions) ([]DayCount, error) {
	return r.countByDay(ctx, "processed_date", opts)
}

func (r *postgresStoryRepo) CountByPostedDay(ctx context.Context, opts AggregateOptions) ([]DayCount, error) {
	return r.countByDay(ctx, "posted_date", opts)
}

// countByDay buckets row counts by one of the lifecycle date columns. The
// column name is fixed by the three public wrappers, never caller input.
func (r *postgresStoryRepo) countByDay(ctx context.Context, column string, opts AggregateOptions) ([]DayCount, error) {
	days := opts.Days
	if days <= 0 {
		days = 30
	}

	conditions := []string{
		fmt.Sprintf("%s IS NOT NULL", column),
		fmt.Sprintf("%s::date >= CURRENT_DATE - $1::int", column),
	}
	args := []interface{}{days}

	if opts.ProjectID != nil {
		args = append(args, *opts.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if opts.Source != "" {
		args = append(args, opts.Source)
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)))
	}
	if opts.AboveThreshold != nil {
		args = append(args, *opts.AboveThreshold)
		conditions = append(conditions, fmt.Sprintf("above_threshold = $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT %s::date AS day, COUNT(1)
		FROM stories
		WHERE %s
		GROUP BY 1
		ORDER BY 1 DESC
	`, column, strings.Join(conditions, " AND "))

	rows, err := r.query().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: count by %s day: %v", core.ErrAuditStore, column, err)
	}
	defer rows.Close()

	var counts []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("%w: count by %s day: %v", core.ErrAuditStore, column, err)
		}
		counts = append(counts, dc)
	}
	return counts, rows.Err()
}

func (r *postgresStoryRepo) scanStoryRow(rows *sql.Rows) (*core.Story, error) {
	var story core.Story
	var storiesID sql.NullInt64
	var published, queued, processed, posted sql.NullTime
	var modelScore, model1, model2 sql.NullFloat64

	err := rows.Scan(
		&story.ID, &storiesID, &story.ProjectID, &story.ModelID,
		&story.Source, &story.URL,
		&published, &queued, &processed, &posted,
		&story.AboveThreshold, &modelScore, &model1, &model2,
	)
	if err != nil {
		return nil, err
	}

	if storiesID.Valid {
		story.StoriesID = storiesID.Int64
	}
	story.PublishedDate = nullTimePtr(published)
	story.QueuedDate = nullTimePtr(queued)
	story.ProcessedDate = nullTimePtr(processed)
	story.PostedDate = nullTimePtr(posted)
	story.ModelScore = nullFloatPtr(modelScore)
	story.Model1Score = nullFloatPtr(model1)
	story.Model2Score = nullFloatPtr(model2)

	return &story, nil
}

// postgresHistoryRepo implements ProjectHistoryRepository for PostgreSQL
type postgresHistoryRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresHistoryRepo) query() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func (r *postgresHistoryRepo) Get(ctx context.Context, projectID int) (*core.ProjectHistory, error) {
	query := `
		SELECT id, last_processed_id, last_publish_date, last_url, created_at, updated_at
		FROM projects WHERE id = $1
	`
	row := r.query().QueryRowContext(ctx, query, projectID)

	var h core.ProjectHistory
	var lastProcessed sql.NullInt64
	var lastPublish sql.NullTime
	var lastURL sql.NullString

	err := row.Scan(&h.ProjectID, &lastProcessed, &lastPublish, &lastURL, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get history: %v", core.ErrAuditStore, err)
	}

	if lastProcessed.Valid {
		h.LastProcessedID = lastProcessed.Int64
	}
	h.LastPublishDate = nullTimePtr(lastPublish)
	if lastURL.Valid {
		h.LastURL = lastURL.String
	}
	return &h, nil
}

func (r *postgresHistoryRepo) Add(ctx context.Context, projectID int, lastProcessedID int64) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO projects (id, last_processed_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.query().ExecContext(ctx, query, projectID, lastProcessedID, now)
	if err != nil {
		return fmt.Errorf("%w: add history: %v", core.ErrAuditStore, err)
	}
	return nil
}

func (r *postgresHistoryRepo) Update(ctx context.Context, projectID int, update HistoryUpdate) error {
	query := `
		UPDATE projects
		SET last_processed_id = COALESCE($2, last_processed_id),
			last_publish_date = COALESCE($3, last_publish_date),
			last_url = COALESCE($4, last_url),
			updated_at = $5
		WHERE id = $1
	`
	res, err := r.query().ExecContext(ctx, query,
		projectID,
		nullInt64(update.LastProcessedID),
		nullTime(update.LastPublishDate),
		nullString(update.LastURL),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: update history: %v", core.ErrAuditStore, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: update history: no row for project %d", core.ErrAuditStore, projectID)
	}
	return nil
}

func logDBIDs(candidates []core.CandidateArticle) []int64 {
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.LogDBID)
	}
	return ids
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullFloatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
