package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

const (
	defaultNewscatcherBaseURL = "https://api.newscatcherapi.com/v2"
	defaultNewscatcherCap     = 5000
	newscatcherPageSize       = 100
	newscatcherRatePerSec     = 5
)

// NewscatcherOptions configure the commercial search API adapter.
type NewscatcherOptions struct {
	BaseURL    string        // API root, defaults to the hosted v2 endpoint
	APIKey     string        // NEWSCATCHER_API_KEY
	PageSize   int           // articles per page, default 100
	MaxStories int           // per-project budget for one run, default 5000
	RatePerSec int           // request budget, default 5
	Timeout    time.Duration // per-request timeout, default 60s
}

// Newscatcher pages through a country-scoped search. The API has no stable
// cursor, so the last queued URL doubles as the stop anchor and the window
// trails only a day.
type Newscatcher struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	pageSize int
	cap      int
	limiter  *rate.Limiter
	log      *slog.Logger
}

// NewNewscatcher creates the commercial search API adapter.
func NewNewscatcher(opts NewscatcherOptions) *Newscatcher {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultNewscatcherBaseURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = newscatcherPageSize
	}
	if opts.MaxStories <= 0 {
		opts.MaxStories = defaultNewscatcherCap
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = newscatcherRatePerSec
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Newscatcher{
		client:   &http.Client{Timeout: opts.Timeout},
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		pageSize: opts.PageSize,
		cap:      opts.MaxStories,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		log:      logger.Get(),
	}
}

func (a *Newscatcher) Name() string { return core.SourceNewscatcher }

// Wants requires search terms and a two-letter country, which scopes the
// search to the project's region.
func (a *Newscatcher) Wants(p core.Project) bool {
	return p.SearchTerms != "" && len(p.Country) == 2
}

// Window trails one day behind now, widened back to the day before the last
// queued publish date when the project has fallen behind.
func (a *Newscatcher) Window(now time.Time, _ core.Project, cur Cursor) Window {
	w := Window{Start: now.Add(-24 * time.Hour), End: now}
	return widenToWatermark(w, cur)
}

func (a *Newscatcher) Cap() int { return a.cap }

// Iterate pages forward until the API runs out of pages, the stop anchor
// shows up, or the per-project budget is spent. Any request or decode
// failure skips the rest of the project for this run.
func (a *Newscatcher) Iterate(ctx context.Context, p core.Project, w Window, cur Cursor, emit EmitFunc) error {
	page := 1
	totalPages := 1
	queued := 0
	for page <= totalPages {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		decoded, err := a.fetchPage(ctx, p, w, page)
		if err != nil {
			return err
		}
		if decoded.TotalPages > 0 {
			totalPages = decoded.TotalPages
		}

		stories, stopped := a.pageCandidates(decoded.Articles, p, cur.LastURL)
		if len(stories) > 0 {
			if err := emit(ctx, stories, cur); err != nil {
				return err
			}
			queued += len(stories)
		}

		if stopped {
			a.log.Info("Reached previously queued story", "project_id", p.ID, "page", page)
			return nil
		}
		if a.cap > 0 && queued >= a.cap {
			a.log.Info("Reached per-project story budget", "project_id", p.ID, "stories", queued)
			return nil
		}
		if len(decoded.Articles) == 0 {
			return nil
		}
		page++
	}
	return nil
}

func (a *Newscatcher) fetchPage(ctx context.Context, p core.Project, w Window, page int) (*newscatcherResponse, error) {
	params := url.Values{}
	params.Set("q", p.SearchTerms)
	params.Set("lang", p.Language)
	params.Set("countries", strings.ToUpper(p.Country))
	params.Set("page_size", strconv.Itoa(a.pageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("from", w.Start.Format("2006-01-02"))
	params.Set("to", w.End.Format("2006-01-02"))
	endpoint := a.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-api-key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: search api: %v", core.ErrTransientSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: search api status %d", core.ErrTransientSource, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search api rejected query: status %d", resp.StatusCode)
	}

	var decoded newscatcherResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search page: %w", err)
	}
	return &decoded, nil
}

// pageCandidates converts one page of articles, cutting off at the stop
// anchor when it appears mid-page.
func (a *Newscatcher) pageCandidates(articles []newscatcherArticle, p core.Project, lastURL string) ([]core.CandidateArticle, bool) {
	stories := make([]core.CandidateArticle, 0, len(articles))
	for _, item := range articles {
		if lastURL != "" && item.Link == lastURL {
			return stories, true
		}
		stories = append(stories, item.toCandidate(p))
	}
	return stories, false
}

// newscatcherResponse is the search endpoint envelope.
type newscatcherResponse struct {
	Status     string               `json:"status"`
	TotalHits  int                  `json:"total_hits"`
	Page       int                  `json:"page"`
	TotalPages int                  `json:"total_pages"`
	PageSize   int                  `json:"page_size"`
	Articles   []newscatcherArticle `json:"articles"`
}

type newscatcherArticle struct {
	Title         string   `json:"title"`
	Link          string   `json:"link"`
	PublishedDate string   `json:"published_date"`
	Language      string   `json:"language"`
	Authors       []string `json:"authors"`
	CleanURL      string   `json:"clean_url"`
}

func (s newscatcherArticle) toCandidate(p core.Project) core.CandidateArticle {
	language := s.Language
	if language == "" {
		language = p.Language
	}
	media := canonicalDomain(s.CleanURL)
	if media == "" {
		media = canonicalDomain(s.Link)
	}
	return core.CandidateArticle{
		ProjectID:       p.ID,
		LanguageModelID: p.LanguageModelID,
		Source:          core.SourceNewscatcher,
		URL:             s.Link,
		Title:           s.Title,
		Language:        language,
		PublishDate:     parsePublishDate(s.PublishedDate),
		MediaURL:        media,
		MediaName:       media,
		Authors:         s.Authors,
	}
}
