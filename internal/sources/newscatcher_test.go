package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"storyproc/internal/core"
)

func newscatcherArticleJSON(n int) string {
	return fmt.Sprintf(`{"title":"Nota %d","link":"https://eldiario.uy/nota%d",`+
		`"published_date":"2023-06-14 0%d:00:00","language":"es",`+
		`"authors":["Redacción"],"clean_url":"eldiario.uy"}`, n, n, n)
}

func TestNewscatcherPagesThroughResults(t *testing.T) {
	var queries []url.Values
	var apiKeys []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query())
		apiKeys = append(apiKeys, r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprintf(w, `{"status":"ok","total_hits":3,"page":1,"total_pages":2,"page_size":2,"articles":[%s,%s]}`,
				newscatcherArticleJSON(1), newscatcherArticleJSON(2))
		default:
			fmt.Fprintf(w, `{"status":"ok","total_hits":3,"page":2,"total_pages":2,"page_size":2,"articles":[%s]}`,
				newscatcherArticleJSON(3))
		}
	}))
	defer server.Close()

	adapter := NewNewscatcher(NewscatcherOptions{
		BaseURL:    server.URL,
		APIKey:     "secret-key",
		PageSize:   2,
		RatePerSec: 1000,
	})
	project := testProject()
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	window := adapter.Window(now, project, Cursor{})

	var pages []emittedPage
	err := adapter.Iterate(context.Background(), project, window, Cursor{}, collectPages(&pages))
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}

	if len(pages) != 2 {
		t.Fatalf("emitted %d pages, want 2", len(pages))
	}
	if len(queries) != 2 {
		t.Fatalf("made %d requests, want 2", len(queries))
	}
	for _, key := range apiKeys {
		if key != "secret-key" {
			t.Errorf("x-api-key = %q", key)
		}
	}

	first := queries[0]
	if got := first.Get("countries"); got != "UY" {
		t.Errorf("countries = %q, want UY", got)
	}
	if got := first.Get("lang"); got != "es" {
		t.Errorf("lang = %q, want es", got)
	}
	if got := first.Get("from"); got != "2023-06-14" {
		t.Errorf("from = %q, want the day before now", got)
	}
	if got := first.Get("to"); got != "2023-06-15" {
		t.Errorf("to = %q, want now", got)
	}

	story := pages[0].stories[0]
	if story.Source != core.SourceNewscatcher {
		t.Errorf("Source = %q, want %q", story.Source, core.SourceNewscatcher)
	}
	if story.StoriesID != 0 {
		t.Error("newscatcher stories have no native id before the audit store assigns one")
	}
	if story.MediaURL != "eldiario.uy" {
		t.Errorf("MediaURL = %q, want the clean domain", story.MediaURL)
	}
	if len(story.Authors) != 1 {
		t.Errorf("Authors = %v, want the feed byline", story.Authors)
	}
}

func TestNewscatcherStopsAtLastQueuedURLMidPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","total_hits":3,"page":1,"total_pages":5,"page_size":3,"articles":[%s,%s,%s]}`,
			newscatcherArticleJSON(1), newscatcherArticleJSON(2), newscatcherArticleJSON(3))
	}))
	defer server.Close()

	adapter := NewNewscatcher(NewscatcherOptions{BaseURL: server.URL, APIKey: "k", RatePerSec: 1000})
	project := testProject()

	var pages []emittedPage
	cur := Cursor{LastURL: "https://eldiario.uy/nota2"}
	err := adapter.Iterate(context.Background(), project,
		adapter.Window(time.Now().UTC(), project, Cursor{}), cur, collectPages(&pages))
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("emitted %d pages, want 1 cut at the anchor", len(pages))
	}
	if len(pages[0].stories) != 1 {
		t.Fatalf("emitted %d stories, want only the one above the anchor", len(pages[0].stories))
	}
	if got := pages[0].stories[0].URL; got != "https://eldiario.uy/nota1" {
		t.Errorf("URL = %q", got)
	}
}

func TestNewscatcherDecodeFailureSkipsProject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"articles": not json`)
	}))
	defer server.Close()

	adapter := NewNewscatcher(NewscatcherOptions{BaseURL: server.URL, APIKey: "k", RatePerSec: 1000})
	project := testProject()

	err := adapter.Iterate(context.Background(), project,
		adapter.Window(time.Now().UTC(), project, Cursor{}), Cursor{}, collectPages(&[]emittedPage{}))
	if err == nil {
		t.Fatal("Iterate() should surface the decode failure so the project is skipped")
	}
}

func TestNewscatcherWindowTrailsOneDayAndWidens(t *testing.T) {
	adapter := NewNewscatcher(NewscatcherOptions{APIKey: "k"})
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	w := adapter.Window(now, testProject(), Cursor{})
	if got := now.Sub(w.Start); got != 24*time.Hour {
		t.Errorf("window trails by %v, want 24h", got)
	}

	stale := now.Add(-10 * 24 * time.Hour)
	w = adapter.Window(now, testProject(), Cursor{LastPublishDate: stale})
	if want := stale.Add(-24 * time.Hour); !w.Start.Equal(want) {
		t.Errorf("start = %v, want the day before the stale watermark (%v)", w.Start, want)
	}
}

func TestNewscatcherWantsTermsAndCountry(t *testing.T) {
	adapter := NewNewscatcher(NewscatcherOptions{APIKey: "k"})

	if !adapter.Wants(testProject()) {
		t.Error("Wants() = false for a fully configured project")
	}

	noCountry := testProject()
	noCountry.Country = ""
	if adapter.Wants(noCountry) {
		t.Error("Wants() = true without a country")
	}
}
