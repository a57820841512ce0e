// Package sources discovers candidate stories from the configured news
// sources and runs them through the shared ingestion pipeline: extract
// text, record audit rows, enqueue for classification, and advance the
// per-project watermarks.
package sources

import (
	"context"
	"net/url"
	"strings"
	"time"

	"storyproc/internal/core"
)

const userAgent = "storyproc/" + core.Version

// SourceCatchup labels unposted-retry runs in logs and summary mail. It is
// a run label only and never lands in audit rows, so it lives here rather
// than next to the real source names in core.
const SourceCatchup = "catchup"

// Archive queries trail the present because pages take a few days to be
// crawled and parsed.
const (
	ArchiveDayOffset = 4 * 24 * time.Hour // newest publish date worth asking for
	ArchiveDayWindow = 3 * 24 * time.Hour // width of the default query window
)

// Window is the inclusive publish-date range an adapter queries for.
type Window struct {
	Start time.Time
	End   time.Time
}

// Cursor carries a project's watermarks into one adapter invocation. All
// fields are advisory; the audit store and the central server stay the
// deduplication authorities, so replaying a bounded overlap is safe.
type Cursor struct {
	LastProcessedID int64     // Paging cursor of the full-text index
	LastPublishDate time.Time // Newest publish date already queued, zero when unknown
	LastURL         string    // Idempotence anchor for push feeds
}

// EmitFunc receives one page of candidates in source-native order, plus the
// cursor position after that page. A returned error stops the iteration;
// adapters must not advance past a failed emit.
type EmitFunc func(ctx context.Context, page []core.CandidateArticle, after Cursor) error

// Adapter is one story source. Adapters hold credentials and rate limiters
// but no per-project state; windows and cursors come from the manager.
type Adapter interface {
	// Name identifies the source in audit rows, logs and summaries.
	Name() string

	// Wants reports whether a project carries the fields this source needs.
	Wants(project core.Project) bool

	// Window computes the publish-date range to query for one project.
	Window(now time.Time, project core.Project, cur Cursor) Window

	// Iterate pages through the source and emits candidates. Transient
	// failures are retried inside the adapter where the source warrants it;
	// a permanent failure returns after everything already fetched has been
	// emitted, so the caller can finish the partial yield.
	Iterate(ctx context.Context, project core.Project, window Window, cur Cursor, emit EmitFunc) error

	// Cap is the per-project story budget for one run, 0 for unlimited.
	Cap() int
}

// ArchiveWindow returns the trailing window [now-(offset+width), now-offset],
// widened back to the day before the last queued publish date when the
// project has fallen behind. The extra day guards against cutting off a
// half-queried day; duplicates get screened out downstream.
func ArchiveWindow(now time.Time, cur Cursor) Window {
	end := now.Add(-ArchiveDayOffset)
	start := end.Add(-ArchiveDayWindow)
	if !cur.LastPublishDate.IsZero() {
		if resume := cur.LastPublishDate.Add(-24 * time.Hour); resume.Before(start) {
			start = resume
		}
	}
	return Window{Start: start, End: end}
}

// widenToWatermark applies the same resume rule to an adapter-specific
// window.
func widenToWatermark(w Window, cur Cursor) Window {
	if !cur.LastPublishDate.IsZero() {
		if resume := cur.LastPublishDate.Add(-24 * time.Hour); resume.Before(w.Start) {
			w.Start = resume
		}
	}
	return w
}

// publishDateLayouts covers the timestamp shapes the source APIs actually
// return.
var publishDateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// parsePublishDate parses a source timestamp, returning the zero time when
// no known layout matches. Sources disagree on formats and sometimes send
// nothing at all; a missing date never drops a story.
func parsePublishDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range publishDateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// canonicalDomain reduces a URL or bare hostname to its registrable form:
// lowercased, no scheme, no port, no www prefix.
func canonicalDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := parsed.Host
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}
