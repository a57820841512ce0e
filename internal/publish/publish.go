// Package publish posts classified stories back to the central feminicide
// server. The server deduplicates on (stories_id, model_id), so replaying a
// batch after a transient failure is safe.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

// DefaultTimeout allows for large batches; central-server posts get a much
// longer leash than ordinary article fetches.
const DefaultTimeout = 10 * time.Minute

const publishDateLayout = "2006-01-02 15:04:05"

// storyOut is the projection of a candidate sent to the central server.
// Full article text never leaves the processor.
type storyOut struct {
	StoriesID          int64         `json:"stories_id"`
	Source             string        `json:"source"`
	ProcessedStoriesID int64         `json:"processed_stories_id,omitempty"`
	Language           string        `json:"language"`
	MediaID            int64         `json:"media_id,omitempty"`
	MediaURL           string        `json:"media_url"`
	MediaName          string        `json:"media_name"`
	PublishDate        string        `json:"publish_date,omitempty"`
	StoryTags          string        `json:"story_tags,omitempty"`
	Title              string        `json:"title"`
	URL                string        `json:"url"`
	Entities           []core.Entity `json:"entities,omitempty"`
	Confidence         float64       `json:"confidence"`
	ProjectID          int           `json:"project_id"`
	LanguageModelID    int           `json:"language_model_id"`
}

type payload struct {
	Version string       `json:"version"`
	Project core.Project `json:"project"`
	Stories []storyOut   `json:"stories"`
	APIKey  string       `json:"apikey"`
}

// Publisher sends accepted stories to each project's update_post_url.
type Publisher struct {
	client *http.Client
	apiKey string
	log    *slog.Logger
}

// NewPublisher creates a publisher authenticated with the central server API
// key. A non-positive timeout takes DefaultTimeout.
func NewPublisher(apiKey string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Publisher{
		client: &http.Client{Timeout: timeout},
		apiKey: apiKey,
		log:    logger.Get(),
	}
}

// Publish POSTs the batch to the project's update_post_url. An empty batch
// is a no-op. Connection errors and retryable statuses come back wrapped in
// core.ErrTransientPost; rejections wrap core.ErrPermanentPost.
func (p *Publisher) Publish(ctx context.Context, project core.Project, stories []core.CandidateArticle) error {
	if len(stories) == 0 {
		return nil
	}

	body, err := json.Marshal(payload{
		Version: core.Version,
		Project: project,
		Stories: prepStories(stories),
		APIKey:  p.apiKey,
	})
	if err != nil {
		return fmt.Errorf("marshal post payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, project.UpdatePostURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build post request: %v", core.ErrPermanentPost, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "storyproc/"+core.Version)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post to %s: %v", core.ErrTransientPost, project.UpdatePostURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := classifyStatus(project.UpdatePostURL, resp.StatusCode); err != nil {
		return err
	}

	p.log.Info("Posted stories to central server",
		"project_id", project.ID, "stories", len(stories), "status", resp.StatusCode)
	return nil
}

// classifyStatus maps an HTTP status to the posting error taxonomy: 2xx is
// accepted, 408/429 and 5xx are retryable, any other 4xx is a rejection.
func classifyStatus(postURL string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d from %s", core.ErrTransientPost, status, postURL)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status %d from %s", core.ErrPermanentPost, status, postURL)
	default:
		return fmt.Errorf("%w: status %d from %s", core.ErrTransientPost, status, postURL)
	}
}

func prepStories(stories []core.CandidateArticle) []storyOut {
	out := make([]storyOut, 0, len(stories))
	for _, s := range stories {
		prepped := storyOut{
			StoriesID:          s.StoriesID,
			Source:             s.Source,
			ProcessedStoriesID: s.ProcessedStoriesID,
			Language:           s.Language,
			MediaID:            s.MediaID,
			MediaURL:           s.MediaURL,
			MediaName:          s.MediaName,
			StoryTags:          s.StoryTags,
			Title:              s.Title,
			URL:                s.URL,
			Entities:           s.Entities,
			Confidence:         s.Confidence,
			ProjectID:          s.ProjectID,
			LanguageModelID:    s.LanguageModelID,
		}
		if !s.PublishDate.IsZero() {
			prepped.PublishDate = s.PublishDate.UTC().Format(publishDateLayout)
		}
		out = append(out, prepped)
	}
	return out
}
