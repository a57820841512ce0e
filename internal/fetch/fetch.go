// Package fetch retrieves article pages and extracts the fields the
// classifier and the central server need.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

const userAgent = "storyproc/" + core.Version

// Result is one successful page extraction.
type Result struct {
	Text            string     `json:"text"`
	Title           string     `json:"title"`
	PublishDate     *time.Time `json:"publish_date"`
	Language        string     `json:"language"`
	CanonicalDomain string     `json:"canonical_domain"`
}

// Cache stores successful extractions keyed by URL. Get returns nil on miss.
type Cache interface {
	Get(url string) (*Result, error)
	Put(url string, result *Result) error
}

// Extractor fetches article pages over HTTP, with an optional read-through
// cache so re-queued stories do not hit publishers twice.
type Extractor struct {
	client *http.Client
	cache  Cache
	log    *slog.Logger
}

// NewExtractor creates an extractor. cache may be nil.
func NewExtractor(timeout time.Duration, cache Cache) *Extractor {
	return &Extractor{
		client: &http.Client{Timeout: timeout},
		cache:  cache,
		log:    logger.Get(),
	}
}

// Extract fetches one page and pulls out text, title, publish date, language
// and canonical domain. Callers treat a failure as dropping that one page;
// cache problems are logged and never fail the extraction.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*Result, error) {
	if e.cache != nil {
		cached, err := e.cache.Get(rawURL)
		if err != nil {
			e.log.Warn("Extraction cache read failed", "url", rawURL, "error", err.Error())
		} else if cached != nil {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %v", core.ErrExtraction, rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", core.ErrExtraction, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %s: status %d", core.ErrExtraction, rawURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", core.ErrExtraction, rawURL, err)
	}

	result := &Result{
		Title:           extractTitle(doc),
		PublishDate:     extractPublishDate(doc),
		Language:        extractLanguage(doc),
		CanonicalDomain: extractCanonicalDomain(doc, resp.Request.URL),
		Text:            extractText(doc),
	}
	if strings.TrimSpace(result.Text) == "" {
		return nil, fmt.Errorf("%w: no article text in %s", core.ErrExtraction, rawURL)
	}

	if e.cache != nil {
		if err := e.cache.Put(rawURL, result); err != nil {
			e.log.Warn("Extraction cache write failed", "url", rawURL, "error", err.Error())
		}
	}
	return result, nil
}

// extractTitle tries the document title, then OpenGraph, then the first h1.
func extractTitle(doc *goquery.Document) string {
	title := doc.Find("head title").First().Text()
	if title != "" {
		return strings.TrimSpace(title)
	}

	ogTitle, _ := doc.Find("meta[property='og:title']").Attr("content")
	if ogTitle != "" {
		return strings.TrimSpace(ogTitle)
	}

	h1Title := doc.Find("h1").First().Text()
	if h1Title != "" {
		return strings.TrimSpace(h1Title)
	}

	return ""
}

// publishDateLayouts covers the date formats news CMSes actually emit.
var publishDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

func extractPublishDate(doc *goquery.Document) *time.Time {
	candidates := []string{}
	for _, selector := range []string{
		"meta[property='article:published_time']",
		"meta[property='og:article:published_time']",
		"meta[name='publish-date']",
		"meta[name='date']",
		"meta[name='dc.date']",
	} {
		if value, ok := doc.Find(selector).First().Attr("content"); ok {
			candidates = append(candidates, value)
		}
	}
	if value, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		candidates = append(candidates, value)
	}

	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		for _, layout := range publishDateLayouts {
			if parsed, err := time.Parse(layout, candidate); err == nil {
				parsed = parsed.UTC()
				return &parsed
			}
		}
	}
	return nil
}

// extractLanguage reads the html lang attribute, falling back to og:locale.
// Region subtags are dropped so "es-MX" becomes "es".
func extractLanguage(doc *goquery.Document) string {
	lang, _ := doc.Find("html").Attr("lang")
	if lang == "" {
		lang, _ = doc.Find("meta[property='og:locale']").Attr("content")
	}
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return ""
	}
	lang = strings.ToLower(strings.ReplaceAll(lang, "_", "-"))
	if i := strings.Index(lang, "-"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// extractCanonicalDomain prefers the canonical link, then og:url, then the
// final response URL after redirects.
func extractCanonicalDomain(doc *goquery.Document, responseURL *url.URL) string {
	for _, selector := range []string{"link[rel='canonical']", "meta[property='og:url']"} {
		var value string
		var ok bool
		if strings.HasPrefix(selector, "link") {
			value, ok = doc.Find(selector).First().Attr("href")
		} else {
			value, ok = doc.Find(selector).First().Attr("content")
		}
		if !ok || value == "" {
			continue
		}
		if parsed, err := url.Parse(value); err == nil && parsed.Host != "" {
			return normalizeDomain(parsed.Host)
		}
	}
	if responseURL != nil {
		return normalizeDomain(responseURL.Host)
	}
	return ""
}

func normalizeDomain(host string) string {
	host = strings.ToLower(host)
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

// mainContentSelectors are tried in order; the first selector that yields any
// text wins.
var mainContentSelectors = []string{
	"article", "main", ".main-content", ".entry-content", ".post-content",
	".post-body", ".article-body",
	"[role='main']",
	".content", "#content",
}

// extractText strips boilerplate elements and joins the block-level text of
// the main content region, falling back to the whole body.
func extractText(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, aside, form, iframe, noscript, .sidebar, #sidebar, .ad, .advertisement, .popup, .modal, .cookie-banner").Remove()

	var builder strings.Builder
	appendBlocks := func(s *goquery.Selection) {
		s.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote").Each(func(_ int, item *goquery.Selection) {
			text := strings.TrimSpace(item.Text())
			if text == "" {
				return
			}
			builder.WriteString(text)
			builder.WriteString("\n\n")
		})
	}

	for _, selector := range mainContentSelectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			appendBlocks(s)
		})
		if builder.Len() > 0 {
			break
		}
	}

	if builder.Len() == 0 {
		appendBlocks(doc.Find("body"))
	}

	return strings.TrimSpace(builder.String())
}
