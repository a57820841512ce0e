package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestProjectUnmarshal(t *testing.T) {
	payload := `{
		"id": 12,
		"title": "Uruguay Femicides",
		"language": "es",
		"language_model_id": 3,
		"search_terms": "femicidio OR feminicidio",
		"media_collections": [34412234, 38379429],
		"country": "UY",
		"rss_url": null,
		"min_confidence": 0.75,
		"update_post_url": "https://data.example.org/api/projects/12/stories",
		"last_processed_stories_id": 1893371873,
		"start_date": "2021-01-01"
	}`

	var p Project
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p.ID != 12 {
		t.Errorf("Expected ID to be 12, got %d", p.ID)
	}
	if p.Language != "es" {
		t.Errorf("Expected Language to be 'es', got %s", p.Language)
	}
	if len(p.MediaCollections) != 2 {
		t.Errorf("Expected MediaCollections to have 2 elements, got %d", len(p.MediaCollections))
	}
	if p.MinConfidence != 0.75 {
		t.Errorf("Expected MinConfidence to be 0.75, got %f", p.MinConfidence)
	}
	if p.LatestProcessedStoriesID != 1893371873 {
		t.Errorf("Expected LatestProcessedStoriesID to be 1893371873, got %d", p.LatestProcessedStoriesID)
	}
	if p.RSSURL != "" {
		t.Errorf("Expected RSSURL to be empty for null, got %s", p.RSSURL)
	}
}

func TestStoryLifecycleFields(t *testing.T) {
	now := time.Now()
	score := 0.6
	story := Story{
		ID:             42,
		StoriesID:      42,
		ProjectID:      12,
		ModelID:        3,
		Source:         SourceGoogleAlerts,
		URL:            "https://example.com/story",
		QueuedDate:     &now,
		AboveThreshold: false,
		ModelScore:     &score,
	}

	if story.Source != "google-alerts" {
		t.Errorf("Expected Source to be 'google-alerts', got %s", story.Source)
	}
	if story.ProcessedDate != nil {
		t.Errorf("Expected ProcessedDate to be nil before scoring, got %v", story.ProcessedDate)
	}
	if *story.ModelScore != 0.6 {
		t.Errorf("Expected ModelScore to be 0.6, got %f", *story.ModelScore)
	}
}

func TestCandidateArticleJSONOmitsEmpty(t *testing.T) {
	article := CandidateArticle{
		StoriesID: 7,
		ProjectID: 1,
		Source:    SourceWaybackMachine,
		URL:       "https://example.com/a",
		MediaURL:  "example.com",
		MediaName: "example.com",
	}

	raw, err := json.Marshal(article)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := decoded["story_text"]; ok {
		t.Errorf("Expected story_text to be omitted when empty")
	}
	if _, ok := decoded["entities"]; ok {
		t.Errorf("Expected entities to be omitted when empty")
	}
	if decoded["source"] != "wayback-machine" {
		t.Errorf("Expected source to be 'wayback-machine', got %v", decoded["source"])
	}
}

func TestRunSummaryHadErrors(t *testing.T) {
	summary := RunSummary{
		Source:       SourceMediaCloud,
		ProjectCount: 2,
		Projects: []ProjectSummary{
			{ProjectID: 1, Stories: 10},
			{ProjectID: 2, Stories: 0},
		},
	}
	if summary.HadErrors() {
		t.Errorf("Expected HadErrors to be false with no failures")
	}

	summary.Projects[1].Err = "source timeout"
	if !summary.HadErrors() {
		t.Errorf("Expected HadErrors to be true with a project failure")
	}

	summary.Projects[1].Err = ""
	summary.Errors = append(summary.Errors, "model download failed")
	if !summary.HadErrors() {
		t.Errorf("Expected HadErrors to be true with a run-level failure")
	}
}

func TestErrorTaxonomyWrapping(t *testing.T) {
	wrapped := fmt.Errorf("posting project 12: %w", ErrTransientPost)
	if !errors.Is(wrapped, ErrTransientPost) {
		t.Errorf("Expected wrapped error to match ErrTransientPost")
	}
	if errors.Is(wrapped, ErrPermanentPost) {
		t.Errorf("Expected wrapped error not to match ErrPermanentPost")
	}

	doubly := fmt.Errorf("job attempt 3: %w", wrapped)
	if !errors.Is(doubly, ErrTransientPost) {
		t.Errorf("Expected doubly wrapped error to match ErrTransientPost")
	}
}
