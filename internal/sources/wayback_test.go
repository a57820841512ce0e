package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storyproc/internal/core"
)

func TestArchiveWindowTrailsThePresent(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)

	w := ArchiveWindow(now, Cursor{})
	if got := now.Sub(w.End); got != ArchiveDayOffset {
		t.Errorf("end trails now by %v, want %v", got, ArchiveDayOffset)
	}
	if got := w.End.Sub(w.Start); got != ArchiveDayWindow {
		t.Errorf("window width = %v, want %v", got, ArchiveDayWindow)
	}
}

func TestArchiveWindowWidensToStaleWatermark(t *testing.T) {
	now := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	lastPublish := now.Add(-30 * 24 * time.Hour)

	w := ArchiveWindow(now, Cursor{LastPublishDate: lastPublish})
	if want := lastPublish.Add(-24 * time.Hour); !w.Start.Equal(want) {
		t.Errorf("start = %v, want the day before the stale watermark (%v)", w.Start, want)
	}

	// A fresh watermark inside the default window must not narrow it.
	fresh := ArchiveWindow(now, Cursor{LastPublishDate: now.Add(-5 * 24 * time.Hour)})
	if !fresh.Start.Equal(ArchiveWindow(now, Cursor{}).Start) {
		t.Errorf("fresh watermark moved the start to %v", fresh.Start)
	}
}

func TestWaybackQueriesShardOversizedDomainSets(t *testing.T) {
	small := waybackQueries("femicidio", "es", []string{"a.uy", "b.uy"})
	if len(small) != 1 {
		t.Fatalf("got %d shards for a small domain set, want 1", len(small))
	}
	if want := "(femicidio) AND language:es AND (domain:a.uy OR domain:b.uy)"; small[0] != want {
		t.Errorf("query = %q, want %q", small[0], want)
	}

	var domains []string
	for i := 0; i < 2000; i++ {
		domains = append(domains, fmt.Sprintf("publisher-%04d.com.uy", i))
	}
	shards := waybackQueries("femicidio", "es", domains)
	if len(shards) < 2 {
		t.Fatalf("got %d shards for an oversized domain set, want several", len(shards))
	}
	covered := 0
	for _, q := range shards {
		if len(q) > waybackMaxQueryBytes {
			t.Errorf("shard is %d bytes, over the %d limit", len(q), waybackMaxQueryBytes)
		}
		covered += strings.Count(q, "domain:")
	}
	if covered != len(domains) {
		t.Errorf("shards cover %d domains, want %d", covered, len(domains))
	}
}

func TestWaybackResolvesAndCachesCollectionDomains(t *testing.T) {
	hits := 0
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			fmt.Fprint(w, `{"count":3,"next":"more","results":[{"name":"eldiario.uy"},{"name":"https://www.elpais.com.uy/"}]}`)
			return
		}
		fmt.Fprint(w, `{"count":3,"next":"","results":[{"name":"montevideo.com.uy"}]}`)
	}))
	defer directory.Close()

	adapter := NewWayback(WaybackOptions{DirectoryURL: directory.URL})
	project := testProject()
	project.MediaCollections = []int64{99}

	domains, err := adapter.projectDomains(context.Background(), project)
	if err != nil {
		t.Fatalf("projectDomains() error = %v", err)
	}
	want := []string{"eldiario.uy", "elpais.com.uy", "montevideo.com.uy"}
	if len(domains) != len(want) {
		t.Fatalf("domains = %v, want %v", domains, want)
	}
	for i := range want {
		if domains[i] != want[i] {
			t.Errorf("domains[%d] = %q, want %q (sorted)", i, domains[i], want[i])
		}
	}
	if hits != 2 {
		t.Fatalf("directory hits = %d, want 2 pages", hits)
	}

	// Second resolution comes from the cache.
	if _, err := adapter.projectDomains(context.Background(), project); err != nil {
		t.Fatalf("projectDomains() error = %v", err)
	}
	if hits != 2 {
		t.Errorf("directory hits = %d after cached lookup, want still 2", hits)
	}

	// An expired entry is refreshed.
	adapter.mu.Lock()
	entry := adapter.domains[99]
	entry.expires = time.Now().Add(-time.Minute)
	adapter.domains[99] = entry
	adapter.mu.Unlock()

	if _, err := adapter.projectDomains(context.Background(), project); err != nil {
		t.Fatalf("projectDomains() error = %v", err)
	}
	if hits != 4 {
		t.Errorf("directory hits = %d after expiry, want 4", hits)
	}
}

func TestWaybackIteratePagesByResumeToken(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count":1,"next":"","results":[{"name":"eldiario.uy"}]}`)
	}))
	defer directory.Close()

	var searchQueries []string
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		searchQueries = append(searchQueries, r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("resume") == "" {
			w.Header().Set("X-Resume-Token", "tok-1")
			fmt.Fprint(w, `[
				{"id":"h1","url":"https://eldiario.uy/a","title":"A","language":"es",
				 "domain":"eldiario.uy","publication_date":"2023-06-08T10:00:00",
				 "article_url":"https://archive.example/a"},
				{"id":"h2","url":"https://eldiario.uy/b","title":"B","language":"es",
				 "domain":"","publication_date":"2023-06-09",
				 "article_url":"https://archive.example/b"}
			]`)
			return
		}
		fmt.Fprint(w, `[{"id":"h3","url":"https://eldiario.uy/c","title":"C","language":"es",
			"domain":"eldiario.uy","publication_date":"2023-06-10",
			"article_url":"https://archive.example/c"}]`)
	}))
	defer search.Close()

	adapter := NewWayback(WaybackOptions{
		BaseURL:      search.URL,
		DirectoryURL: directory.URL,
		RatePerSec:   1000,
	})
	project := testProject()
	project.MediaCollections = []int64{99}
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
	if len(pages[0].stories) != 2 || len(pages[1].stories) != 1 {
		t.Fatalf("page sizes = %d,%d want 2,1", len(pages[0].stories), len(pages[1].stories))
	}
	if len(searchQueries) != 2 {
		t.Fatalf("search requests = %d, want 2", len(searchQueries))
	}
	wantQuery := `("femicidio" OR "feminicidio") AND language:es AND (domain:eldiario.uy)`
	if searchQueries[0] != wantQuery {
		t.Errorf("query = %q, want %q", searchQueries[0], wantQuery)
	}

	first := pages[0].stories[0]
	if first.Source != core.SourceWaybackMachine {
		t.Errorf("Source = %q, want %q", first.Source, core.SourceWaybackMachine)
	}
	if first.ArchiveURL != "https://archive.example/a" {
		t.Errorf("ArchiveURL = %q", first.ArchiveURL)
	}
	if first.StoryText != "" {
		t.Error("wayback stories carry no inline text")
	}

	// The second story's blank domain falls back to the page URL.
	second := pages[0].stories[1]
	if second.MediaURL != "eldiario.uy" {
		t.Errorf("MediaURL = %q, want the canonical page domain", second.MediaURL)
	}
}

func TestWaybackStopsAtStoryBudget(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count":1,"next":"","results":[{"name":"eldiario.uy"}]}`)
	}))
	defer directory.Close()

	page := 0
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		w.Header().Set("X-Resume-Token", fmt.Sprintf("tok-%d", page))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"id":"h%d","url":"https://eldiario.uy/%d","title":"T","language":"es",
			"domain":"eldiario.uy","publication_date":"2023-06-10","article_url":"https://archive.example/%d"}]`,
			page, page, page)
	}))
	defer search.Close()

	adapter := NewWayback(WaybackOptions{
		BaseURL:      search.URL,
		DirectoryURL: directory.URL,
		MaxStories:   2,
		RatePerSec:   1000,
	})
	project := testProject()
	project.MediaCollections = []int64{99}

	var pages []emittedPage
	err := adapter.Iterate(context.Background(), project,
		adapter.Window(time.Now().UTC(), project, Cursor{}), Cursor{}, collectPages(&pages))
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(pages) != 2 {
		t.Errorf("emitted %d pages, want 2 before the budget stop", len(pages))
	}
}

func TestFetchArchivedText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, `{"snippet":"texto archivado"}`)
		case "/missing":
			fmt.Fprint(w, `{"detail":"Not Found"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := &http.Client{Timeout: 5 * time.Second}

	text, err := FetchArchivedText(context.Background(), client, server.URL+"/ok")
	if err != nil {
		t.Fatalf("FetchArchivedText() error = %v", err)
	}
	if text != "texto archivado" {
		t.Errorf("text = %q", text)
	}

	for _, path := range []string{"/missing", "/gone"} {
		if _, err := FetchArchivedText(context.Background(), client, server.URL+path); err == nil {
			t.Errorf("FetchArchivedText(%s) should fail", path)
		}
	}
}

func TestWaybackWantsCollectionsAndTerms(t *testing.T) {
	adapter := NewWayback(WaybackOptions{})

	if !adapter.Wants(testProject()) {
		t.Error("Wants() = false for a fully configured project")
	}
	bare := core.Project{SearchTerms: "femicidio"}
	if adapter.Wants(bare) {
		t.Error("Wants() = true without media collections")
	}
}
