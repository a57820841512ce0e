package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

// RSSOptions configure the alert feed adapter.
type RSSOptions struct {
	MaxStories int           // per-project budget for one run, default 5000
	Timeout    time.Duration // per-feed timeout, default 60s
}

// RSSAlerts reads each project's alert feed. Feeds are small, unpaged and
// push-style, so the idempotence anchor is the last URL already queued
// rather than a date window.
type RSSAlerts struct {
	parser *gofeed.Parser
	cap    int
	log    *slog.Logger
}

// NewRSSAlerts creates the alert feed adapter.
func NewRSSAlerts(opts RSSOptions) *RSSAlerts {
	if opts.MaxStories <= 0 {
		opts.MaxStories = 5000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	parser.Client = &http.Client{Timeout: opts.Timeout}
	return &RSSAlerts{
		parser: parser,
		cap:    opts.MaxStories,
		log:    logger.Get(),
	}
}

func (a *RSSAlerts) Name() string { return core.SourceGoogleAlerts }

func (a *RSSAlerts) Wants(p core.Project) bool { return p.RSSURL != "" }

// Window is unused for push feeds; the feed itself bounds what we see.
func (a *RSSAlerts) Window(time.Time, core.Project, Cursor) Window { return Window{} }

func (a *RSSAlerts) Cap() int { return a.cap }

// Iterate walks the feed newest-first and stops at the first item already
// queued on a previous run. Everything before the anchor is emitted as one
// page.
func (a *RSSAlerts) Iterate(ctx context.Context, p core.Project, _ Window, cur Cursor, emit EmitFunc) error {
	feed, err := a.parser.ParseURLWithContext(p.RSSURL, ctx)
	if err != nil {
		return fmt.Errorf("%w: alert feed %s: %v", core.ErrTransientSource, p.RSSURL, err)
	}
	a.log.Info("Checking alert feed", "project_id", p.ID, "title", p.Title, "items", len(feed.Items))

	stories := make([]core.CandidateArticle, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := unwrapRedirector(item.Link)
		if cur.LastURL != "" && link == cur.LastURL {
			a.log.Info("Reached previously queued story", "project_id", p.ID, "url", link)
			break
		}

		var published time.Time
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC()
		}
		domain := canonicalDomain(link)
		stories = append(stories, core.CandidateArticle{
			ProjectID:       p.ID,
			LanguageModelID: p.LanguageModelID,
			Source:          core.SourceGoogleAlerts,
			URL:             link,
			Title:           item.Title,
			Language:        p.Language,
			PublishDate:     published,
			MediaURL:        domain,
			MediaName:       domain,
		})
		if a.cap > 0 && len(stories) >= a.cap {
			a.log.Info("Reached per-project story budget", "project_id", p.ID, "stories", len(stories))
			break
		}
	}

	if len(stories) == 0 {
		return nil
	}
	return emit(ctx, stories, cur)
}

// unwrapRedirector pulls the destination out of alert redirector links,
// which wrap the real article URL in a url query parameter.
func unwrapRedirector(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	if wrapped := parsed.Query().Get("url"); wrapped != "" {
		return wrapped
	}
	return link
}
