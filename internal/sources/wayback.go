package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

const (
	defaultWaybackBaseURL    = "https://web.archive.org/collections"
	defaultWaybackCollection = "mediacloud"
	defaultDirectoryBaseURL  = "https://directory.mediacloud.org"
	defaultWaybackCap        = 5000
	waybackPageSize          = 100
	waybackRatePerSec        = 5
	waybackDomainTTL         = time.Hour
	waybackMaxQueryBytes     = 16 * 1024
	directoryPageLimit       = 1000
)

// WaybackOptions configure the archive index adapter.
type WaybackOptions struct {
	BaseURL      string        // search API root, defaults to the public archive
	Collection   string        // index collection name, default "mediacloud"
	DirectoryURL string        // source directory root for collection lookups
	PageSize     int           // results per request, default 100
	MaxStories   int           // per-project budget for one run, default 5000
	RatePerSec   int           // search API request budget, default 5
	DomainTTL    time.Duration // collection-to-domains cache lifetime, default 1h
	Timeout      time.Duration // per-request timeout, default 60s
}

// Wayback queries the archived-news index. Results carry a companion
// endpoint with the archive's own parse of the page, so text comes from the
// archive rather than the live web.
type Wayback struct {
	client     *http.Client
	baseURL    string
	collection string
	directory  string
	pageSize   int
	cap        int
	domainTTL  time.Duration
	limiter    *rate.Limiter
	log        *slog.Logger

	mu      sync.RWMutex
	domains map[int64]domainCacheEntry
}

type domainCacheEntry struct {
	domains []string
	expires time.Time
}

// NewWayback creates the archive index adapter.
func NewWayback(opts WaybackOptions) *Wayback {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultWaybackBaseURL
	}
	if opts.Collection == "" {
		opts.Collection = defaultWaybackCollection
	}
	if opts.DirectoryURL == "" {
		opts.DirectoryURL = defaultDirectoryBaseURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = waybackPageSize
	}
	if opts.MaxStories <= 0 {
		opts.MaxStories = defaultWaybackCap
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = waybackRatePerSec
	}
	if opts.DomainTTL <= 0 {
		opts.DomainTTL = waybackDomainTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Wayback{
		client:     &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		collection: opts.Collection,
		directory:  strings.TrimRight(opts.DirectoryURL, "/"),
		pageSize:   opts.PageSize,
		cap:        opts.MaxStories,
		domainTTL:  opts.DomainTTL,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		log:        logger.Get(),
	}
}

func (a *Wayback) Name() string { return core.SourceWaybackMachine }

// Wants requires search terms and media collections; the collections resolve
// to the publisher domains that scope the query.
func (a *Wayback) Wants(p core.Project) bool {
	return p.SearchTerms != "" && len(p.MediaCollections) > 0
}

func (a *Wayback) Window(now time.Time, _ core.Project, cur Cursor) Window {
	return ArchiveWindow(now, cur)
}

func (a *Wayback) Cap() int { return a.cap }

// Iterate resolves the project's publisher domains, shards the query when it
// outgrows the index's limit, and pages each shard by resume token.
func (a *Wayback) Iterate(ctx context.Context, p core.Project, w Window, cur Cursor, emit EmitFunc) error {
	domains, err := a.projectDomains(ctx, p)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		a.log.Warn("No publisher domains for project", "project_id", p.ID, "collections", len(p.MediaCollections))
		return nil
	}

	queries := waybackQueries(p.SearchTerms, p.Language, domains)
	a.log.Info("Checking archive index",
		"project_id", p.ID, "domains", len(domains), "shards", len(queries),
		"start", w.Start.Format("2006-01-02"), "end", w.End.Format("2006-01-02"))

	queued := 0
	for _, query := range queries {
		resume := ""
		for {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
			page, next, err := a.fetchResultPage(ctx, query, w, resume)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				break
			}

			stories := make([]core.CandidateArticle, 0, len(page))
			for _, item := range page {
				stories = append(stories, item.toCandidate(p))
			}
			if err := emit(ctx, stories, cur); err != nil {
				return err
			}

			queued += len(page)
			if a.cap > 0 && queued >= a.cap {
				a.log.Info("Reached per-project story budget", "project_id", p.ID, "stories", queued)
				return nil
			}
			if next == "" {
				break
			}
			resume = next
		}
	}
	return nil
}

// fetchResultPage runs one search request. The next page's resume token
// comes back in a response header; an empty token means the shard is done.
func (a *Wayback) fetchResultPage(ctx context.Context, query string, w Window, resume string) ([]waybackArticle, string, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("start", w.Start.Format("2006-01-02"))
	params.Set("end", w.End.Format("2006-01-02"))
	params.Set("page_size", strconv.Itoa(a.pageSize))
	if resume != "" {
		params.Set("resume", resume)
	}
	endpoint := fmt.Sprintf("%s/%s/search/result?%s", a.baseURL, a.collection, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build archive search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: archive index: %v", core.ErrTransientSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("%w: archive index status %d", core.ErrTransientSource, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("archive index rejected query: status %d", resp.StatusCode)
	}

	var page []waybackArticle
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("decode archive page: %w", err)
	}
	return page, resp.Header.Get("X-Resume-Token"), nil
}

// projectDomains resolves the project's media collections into a
// deduplicated, sorted domain list, reading through the per-collection
// cache.
func (a *Wayback) projectDomains(ctx context.Context, p core.Project) ([]string, error) {
	merged := make(map[string]struct{})
	for _, collectionID := range p.MediaCollections {
		domains, err := a.collectionDomains(ctx, collectionID)
		if err != nil {
			return nil, err
		}
		for _, d := range domains {
			merged[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(merged))
	for d := range merged {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Wayback) collectionDomains(ctx context.Context, collectionID int64) ([]string, error) {
	a.mu.RLock()
	entry, ok := a.domains[collectionID]
	a.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.domains, nil
	}

	domains, err := a.fetchCollectionDomains(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.domains == nil {
		a.domains = make(map[int64]domainCacheEntry)
	}
	a.domains[collectionID] = domainCacheEntry{domains: domains, expires: time.Now().Add(a.domainTTL)}
	a.mu.Unlock()

	a.log.Debug("Resolved collection domains", "collection_id", collectionID, "domains", len(domains))
	return domains, nil
}

// fetchCollectionDomains pages through the directory listing for one
// collection.
func (a *Wayback) fetchCollectionDomains(ctx context.Context, collectionID int64) ([]string, error) {
	var domains []string
	offset := 0
	for {
		params := url.Values{}
		params.Set("collection_id", strconv.FormatInt(collectionID, 10))
		params.Set("limit", strconv.Itoa(directoryPageLimit))
		if offset > 0 {
			params.Set("offset", strconv.Itoa(offset))
		}
		endpoint := a.directory + "/api/sources/sources/?" + params.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build directory request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: source directory: %v", core.ErrTransientSource, err)
		}

		var listing directoryListing
		err = json.NewDecoder(resp.Body).Decode(&listing)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: source directory status %d", core.ErrTransientSource, resp.StatusCode)
		}
		if err != nil {
			return nil, fmt.Errorf("decode directory listing: %w", err)
		}

		for _, source := range listing.Results {
			if domain := canonicalDomain(source.Name); domain != "" {
				domains = append(domains, domain)
			}
		}
		offset += len(listing.Results)
		if listing.Next == "" || len(listing.Results) == 0 || offset >= listing.Count {
			return domains, nil
		}
	}
}

type directoryListing struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []struct {
		Name     string `json:"name"`
		Homepage string `json:"homepage"`
	} `json:"results"`
}

// waybackQueries builds the shard queries for one project. A query that
// outgrows the index's 16 KiB limit gets its domain set halved until every
// shard fits.
func waybackQueries(terms, language string, domains []string) []string {
	base := fmt.Sprintf("(%s)", terms)
	if language != "" {
		base += " AND language:" + language
	}
	return appendDomainShards(nil, base, domains)
}

func appendDomainShards(out []string, base string, domains []string) []string {
	query := base + domainClause(domains)
	if len(query) <= waybackMaxQueryBytes || len(domains) <= 1 {
		return append(out, query)
	}
	mid := len(domains) / 2
	out = appendDomainShards(out, base, domains[:mid])
	return appendDomainShards(out, base, domains[mid:])
}

func domainClause(domains []string) string {
	if len(domains) == 0 {
		return ""
	}
	parts := make([]string, len(domains))
	for i, d := range domains {
		parts[i] = "domain:" + d
	}
	return " AND (" + strings.Join(parts, " OR ") + ")"
}

// waybackArticle is one hit from the archive search API.
type waybackArticle struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Title           string `json:"title"`
	Language        string `json:"language"`
	Domain          string `json:"domain"`
	PublicationDate string `json:"publication_date"`
	IndexedDate     string `json:"indexed_date"`
	ArticleURL      string `json:"article_url"`
}

func (s waybackArticle) toCandidate(p core.Project) core.CandidateArticle {
	language := s.Language
	if language == "" {
		language = p.Language
	}
	media := s.Domain
	if media == "" {
		media = canonicalDomain(s.URL)
	}
	return core.CandidateArticle{
		ProjectID:       p.ID,
		LanguageModelID: p.LanguageModelID,
		Source:          core.SourceWaybackMachine,
		URL:             s.URL,
		ArchiveURL:      s.ArticleURL,
		Title:           s.Title,
		Language:        language,
		PublishDate:     parsePublishDate(s.PublicationDate),
		MediaURL:        media,
		MediaName:       media,
	}
}

// archiveTextResponse is the envelope of the archive's article endpoint.
type archiveTextResponse struct {
	Snippet string `json:"snippet"`
	Detail  string `json:"detail"`
}

// FetchArchivedText retrieves the archive's own parse of a page. A missing
// or empty snippet means the archive never extracted the page; callers drop
// that story.
func FetchArchivedText(ctx context.Context, client *http.Client, archiveURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build archived text request: %v", core.ErrExtraction, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch archived text: %v", core.ErrExtraction, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: archived text status %d", core.ErrExtraction, resp.StatusCode)
	}

	var decoded archiveTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode archived text: %v", core.ErrExtraction, err)
	}
	if decoded.Snippet == "" {
		return "", fmt.Errorf("%w: no archived text for %s", core.ErrExtraction, archiveURL)
	}
	return decoded.Snippet, nil
}
