package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"storyproc/internal/core"
)

func newMockStoryRepo(t *testing.T) (*postgresStoryRepo, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open sqlmock: %v", err)
	}
	return &postgresStoryRepo{db: db}, mock, func() { db.Close() }
}

func newMockHistoryRepo(t *testing.T) (*postgresHistoryRepo, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open sqlmock: %v", err)
	}
	return &postgresHistoryRepo{db: db}, mock, func() { db.Close() }
}

func TestAddStoriesBackfillsSourcelessIDs(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	project := core.Project{ID: 12, LanguageModelID: 3}
	candidates := []core.CandidateArticle{
		{URL: "https://example.com/a", PublishDate: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)},
		{URL: "https://example.com/b"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO stories")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(102)))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE stories SET stories_id = id").
		WillReturnResult(sqlmock.NewResult(0, 2))

	got, err := repo.AddStories(context.Background(), candidates, project, core.SourceWaybackMachine)
	if err != nil {
		t.Fatalf("AddStories returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 inserted candidates, got %d", len(got))
	}
	if got[0].LogDBID != 101 || got[1].LogDBID != 102 {
		t.Errorf("Expected log db ids 101/102, got %d/%d", got[0].LogDBID, got[1].LogDBID)
	}
	if got[0].StoriesID != 101 || got[1].StoriesID != 102 {
		t.Errorf("Expected stories_id backfilled to row ids, got %d/%d", got[0].StoriesID, got[1].StoriesID)
	}
	if got[0].ProjectID != 12 || got[0].LanguageModelID != 3 {
		t.Errorf("Expected project fields stamped onto candidates, got project=%d model=%d",
			got[0].ProjectID, got[0].LanguageModelID)
	}
	if got[0].Source != core.SourceWaybackMachine {
		t.Errorf("Expected source %q, got %q", core.SourceWaybackMachine, got[0].Source)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAddStoriesKeepsNativeIDs(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	project := core.Project{ID: 12, LanguageModelID: 3}
	candidates := []core.CandidateArticle{
		{StoriesID: 555001, URL: "https://example.com/a"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO stories")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()
	// No backfill update: the source already assigned an id.

	got, err := repo.AddStories(context.Background(), candidates, project, core.SourceMediaCloud)
	if err != nil {
		t.Fatalf("AddStories returned error: %v", err)
	}
	if got[0].StoriesID != 555001 {
		t.Errorf("Expected native stories_id to be kept, got %d", got[0].StoriesID)
	}
	if got[0].LogDBID != 7 {
		t.Errorf("Expected log db id 7, got %d", got[0].LogDBID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAddStoriesEmptyBatch(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	got, err := repo.AddStories(context.Background(), nil, core.Project{ID: 1}, core.SourceGoogleAlerts)
	if err != nil {
		t.Fatalf("AddStories returned error: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil result for empty batch, got %v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestUpdateProcessedSetsScores(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	candidates := []core.CandidateArticle{
		{LogDBID: 101, Confidence: 0.87, Model1Score: 0.91, Model2Score: 0.96},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE stories")
	prep.ExpectExec().
		WithArgs(int64(101), 0.87, 0.91, 0.96, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.UpdateProcessed(context.Background(), candidates); err != nil {
		t.Fatalf("UpdateProcessed returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestMarkAboveThresholdAndPosted(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	candidates := []core.CandidateArticle{{LogDBID: 101}, {LogDBID: 102}}

	mock.ExpectExec("UPDATE stories SET above_threshold = TRUE").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE stories SET posted_date").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.MarkAboveThreshold(context.Background(), candidates); err != nil {
		t.Fatalf("MarkAboveThreshold returned error: %v", err)
	}
	if err := repo.UpdatePosted(context.Background(), candidates); err != nil {
		t.Fatalf("UpdatePosted returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestUnpostedStoriesScansNullableColumns(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	processed := time.Date(2023, 5, 2, 10, 0, 0, 0, time.UTC)
	columns := []string{
		"id", "stories_id", "project_id", "model_id", "source", "url",
		"published_date", "queued_date", "processed_date", "posted_date",
		"above_threshold", "model_score", "model_1_score", "model_2_score",
	}
	rows := sqlmock.NewRows(columns).
		AddRow(int64(101), int64(101), 12, 3, core.SourceWaybackMachine, "https://example.com/a",
			nil, processed, processed, nil, true, 0.9, 0.9, nil)

	mock.ExpectQuery("FROM stories").
		WithArgs(12, defaultUnpostedLimit).
		WillReturnRows(rows)

	stories, err := repo.UnpostedStories(context.Background(), 12, 0)
	if err != nil {
		t.Fatalf("UnpostedStories returned error: %v", err)
	}
	if len(stories) != 1 {
		t.Fatalf("Expected 1 story, got %d", len(stories))
	}

	s := stories[0]
	if s.PublishedDate != nil {
		t.Errorf("Expected nil published date, got %v", s.PublishedDate)
	}
	if s.ProcessedDate == nil || !s.ProcessedDate.Equal(processed) {
		t.Errorf("Expected processed date %v, got %v", processed, s.ProcessedDate)
	}
	if s.PostedDate != nil {
		t.Errorf("Expected nil posted date, got %v", s.PostedDate)
	}
	if s.ModelScore == nil || *s.ModelScore != 0.9 {
		t.Errorf("Expected model score 0.9, got %v", s.ModelScore)
	}
	if s.Model2Score != nil {
		t.Errorf("Expected nil model 2 score, got %v", s.Model2Score)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestUnpostedAboveCount(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(12).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := repo.UnpostedAboveCount(context.Background(), 12)
	if err != nil {
		t.Fatalf("UnpostedAboveCount returned error: %v", err)
	}
	if count != 42 {
		t.Errorf("Expected count 42, got %d", count)
	}
}

func TestCountByPublishedDayFilters(t *testing.T) {
	repo, mock, closeDB := newMockStoryRepo(t)
	defer closeDB()

	projectID := 12
	above := true
	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("GROUP BY 1").
		WithArgs(45, projectID, core.SourceMediaCloud, above).
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).AddRow(day, 17))

	counts, err := repo.CountByPublishedDay(context.Background(), AggregateOptions{
		ProjectID:      &projectID,
		Source:         core.SourceMediaCloud,
		AboveThreshold: &above,
		Days:           45,
	})
	if err != nil {
		t.Fatalf("CountByPublishedDay returned error: %v", err)
	}
	if len(counts) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(counts))
	}
	if !counts[0].Day.Equal(day) || counts[0].Count != 17 {
		t.Errorf("Expected bucket %v=17, got %v=%d", day, counts[0].Day, counts[0].Count)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestHistoryGetMissingReturnsNil(t *testing.T) {
	repo, mock, closeDB := newMockHistoryRepo(t)
	defer closeDB()

	mock.ExpectQuery("FROM projects").
		WithArgs(99).
		WillReturnError(sql.ErrNoRows)

	history, err := repo.Get(context.Background(), 99)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if history != nil {
		t.Errorf("Expected nil history for unknown project, got %+v", history)
	}
}

func TestHistoryGetScansRow(t *testing.T) {
	repo, mock, closeDB := newMockHistoryRepo(t)
	defer closeDB()

	now := time.Date(2023, 5, 2, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "last_processed_id", "last_publish_date", "last_url", "created_at", "updated_at"}).
		AddRow(12, int64(987654), now, "https://example.com/last", now, now)

	mock.ExpectQuery("FROM projects").
		WithArgs(12).
		WillReturnRows(rows)

	history, err := repo.Get(context.Background(), 12)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if history == nil {
		t.Fatal("Expected history row, got nil")
	}
	if history.LastProcessedID != 987654 {
		t.Errorf("Expected last processed id 987654, got %d", history.LastProcessedID)
	}
	if history.LastPublishDate == nil || !history.LastPublishDate.Equal(now) {
		t.Errorf("Expected last publish date %v, got %v", now, history.LastPublishDate)
	}
	if history.LastURL != "https://example.com/last" {
		t.Errorf("Expected last url to round-trip, got %q", history.LastURL)
	}
}

func TestHistoryUpdateRequiresExistingRow(t *testing.T) {
	repo, mock, closeDB := newMockHistoryRepo(t)
	defer closeDB()

	mock.ExpectExec("UPDATE projects").
		WillReturnResult(sqlmock.NewResult(0, 0))

	id := int64(5)
	err := repo.Update(context.Background(), 99, HistoryUpdate{LastProcessedID: &id})
	if err == nil {
		t.Fatal("Expected error updating history for unknown project")
	}
	if !errors.Is(err, core.ErrAuditStore) {
		t.Errorf("Expected audit store error, got %v", err)
	}
}

func TestHistoryAddIsIdempotent(t *testing.T) {
	repo, mock, closeDB := newMockHistoryRepo(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO projects").
		WithArgs(12, int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projects").
		WithArgs(12, int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Add(context.Background(), 12, 0); err != nil {
		t.Fatalf("First Add returned error: %v", err)
	}
	if err := repo.Add(context.Background(), 12, 0); err != nil {
		t.Fatalf("Second Add returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
