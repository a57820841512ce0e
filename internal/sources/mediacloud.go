package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

const (
	defaultMediaCloudBaseURL = "https://api.mediacloud.org/api/v2"
	defaultMediaCloudCap     = 40000
	mediaCloudPageSize       = 100
	mediaCloudMaxAttempts    = 5
)

// MediaCloudOptions configure the full-text index adapter.
type MediaCloudOptions struct {
	BaseURL    string        // API root, defaults to the public endpoint
	APIToken   string        // MC_API_TOKEN
	PageSize   int           // stories per page, default 100
	MaxStories int           // per-project budget for one run, default 40000
	Timeout    time.Duration // per-request timeout, default 60s
}

// MediaCloud pages through the full-text index by an opaque integer cursor.
// Stories arrive with their text inline, so no extraction round trip is
// needed downstream.
type MediaCloud struct {
	client     *http.Client
	baseURL    string
	token      string
	pageSize   int
	cap        int
	retryDelay time.Duration
	log        *slog.Logger
}

// NewMediaCloud creates the full-text index adapter.
func NewMediaCloud(opts MediaCloudOptions) *MediaCloud {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultMediaCloudBaseURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = mediaCloudPageSize
	}
	if opts.MaxStories <= 0 {
		opts.MaxStories = defaultMediaCloudCap
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &MediaCloud{
		client:     &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.APIToken,
		pageSize:   opts.PageSize,
		cap:        opts.MaxStories,
		retryDelay: time.Second,
		log:        logger.Get(),
	}
}

func (a *MediaCloud) Name() string { return core.SourceMediaCloud }

// Wants requires search terms and at least one media collection, because
// both feed the index query.
func (a *MediaCloud) Wants(p core.Project) bool {
	return p.SearchTerms != "" && len(p.MediaCollections) > 0
}

// Window spans from the project's configured start date to now. The paging
// cursor, not the date clause, is what keeps reruns cheap.
func (a *MediaCloud) Window(now time.Time, p core.Project, _ Cursor) Window {
	start, err := time.Parse("2006-01-02", p.StartDate)
	if err != nil {
		start = now.AddDate(-1, 0, 0)
		a.log.Warn("Unusable project start date, defaulting to one year back",
			"project_id", p.ID, "start_date", p.StartDate)
	}
	return Window{Start: start, End: now}
}

func (a *MediaCloud) Cap() int { return a.cap }

// Iterate pages forward from the cursor until the index returns an empty
// page or the per-project budget is spent. Each page is emitted with the
// cursor already advanced past it, so a crash between pages replays at most
// one page.
func (a *MediaCloud) Iterate(ctx context.Context, p core.Project, w Window, cur Cursor, emit EmitFunc) error {
	last := cur.LastProcessedID
	queued := 0
	for {
		page, err := a.fetchPage(ctx, p, w, last)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		stories := make([]core.CandidateArticle, 0, len(page))
		for _, item := range page {
			stories = append(stories, item.toCandidate(p))
		}
		last = page[len(page)-1].ProcessedStoriesID

		after := cur
		after.LastProcessedID = last
		if err := emit(ctx, stories, after); err != nil {
			return err
		}

		queued += len(page)
		if a.cap > 0 && queued >= a.cap {
			a.log.Info("Reached per-project story budget", "project_id", p.ID, "stories", queued)
			return nil
		}
	}
}

// fetchPage requests one page, retrying connection errors and 5xx with a
// doubling delay for up to five attempts.
func (a *MediaCloud) fetchPage(ctx context.Context, p core.Project, w Window, last int64) ([]mcStory, error) {
	endpoint := a.listURL(p, w, last)

	var lastErr error
	delay := a.retryDelay
	for attempt := 1; attempt <= mediaCloudMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		page, err := a.doList(ctx, endpoint)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, core.ErrTransientSource) {
			return nil, err
		}
		lastErr = err
		a.log.Warn("Full-text index page failed",
			"project_id", p.ID, "attempt", attempt, "error", err.Error())
	}
	return nil, lastErr
}

func (a *MediaCloud) listURL(p core.Project, w Window, last int64) string {
	collections := make([]string, len(p.MediaCollections))
	for i, id := range p.MediaCollections {
		collections[i] = strconv.FormatInt(id, 10)
	}

	params := url.Values{}
	params.Set("key", a.token)
	params.Set("q", p.SearchTerms)
	params.Add("fq", fmt.Sprintf("tags_id_media:(%s)", strings.Join(collections, " ")))
	if p.Language != "" {
		params.Add("fq", "language:"+p.Language)
	}
	params.Add("fq", datesAsQueryClause(w))
	params.Set("last_processed_stories_id", strconv.FormatInt(last, 10))
	params.Set("rows", strconv.Itoa(a.pageSize))
	params.Set("text", "1")
	return a.baseURL + "/stories_public/list?" + params.Encode()
}

func (a *MediaCloud) doList(ctx context.Context, endpoint string) ([]mcStory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build full-text index request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: full-text index: %v", core.ErrTransientSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: full-text index status %d", core.ErrTransientSource, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("full-text index rejected query: status %d", resp.StatusCode)
	}

	var page []mcStory
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode full-text index page: %w", err)
	}
	return page, nil
}

// datesAsQueryClause renders the inclusive publish-day range the way the
// index's query parser expects it.
func datesAsQueryClause(w Window) string {
	return fmt.Sprintf("publish_day:[%sT00:00:00Z TO %sT23:59:59Z]",
		w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
}

// mcStory is one story object from the stories_public/list endpoint.
type mcStory struct {
	StoriesID          int64   `json:"stories_id"`
	ProcessedStoriesID int64   `json:"processed_stories_id"`
	URL                string  `json:"url"`
	Title              string  `json:"title"`
	Language           string  `json:"language"`
	PublishDate        string  `json:"publish_date"`
	MediaID            int64   `json:"media_id"`
	MediaURL           string  `json:"media_url"`
	MediaName          string  `json:"media_name"`
	StoryText          string  `json:"story_text"`
	StoryTags          []mcTag `json:"story_tags"`
}

type mcTag struct {
	Tag string `json:"tag"`
}

func (s mcStory) toCandidate(p core.Project) core.CandidateArticle {
	language := s.Language
	if language == "" {
		language = p.Language
	}
	tags := make([]string, 0, len(s.StoryTags))
	for _, t := range s.StoryTags {
		if t.Tag != "" {
			tags = append(tags, t.Tag)
		}
	}
	return core.CandidateArticle{
		StoriesID:          s.StoriesID,
		ProcessedStoriesID: s.ProcessedStoriesID,
		ProjectID:          p.ID,
		LanguageModelID:    p.LanguageModelID,
		Source:             core.SourceMediaCloud,
		URL:                s.URL,
		Title:              s.Title,
		Language:           language,
		PublishDate:        parsePublishDate(s.PublishDate),
		MediaID:            s.MediaID,
		MediaURL:           s.MediaURL,
		MediaName:          s.MediaName,
		StoryTags:          strings.Join(tags, ","),
		StoryText:          s.StoryText,
	}
}
