// Package store provides the SQLite extraction cache that keeps repeat runs
// from re-fetching pages publishers already served us.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"storyproc/internal/fetch"
)

// DefaultCapacity is how many extractions the cache keeps before evicting
// the least recently used entries.
const DefaultCapacity = 50000

// Store represents the SQLite-based extraction cache
type Store struct {
	db       *sql.DB
	path     string
	capacity int
}

// NewStore creates a new store instance with SQLite database. capacity <= 0
// falls back to DefaultCapacity.
func NewStore(dataDir string, capacity int) (*Store, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "storyproc.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	store := &Store{
		db:       db,
		path:     dbPath,
		capacity: capacity,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// initialize creates the necessary tables
func (s *Store) initialize() error {
	cacheTable := `
	CREATE TABLE IF NOT EXISTS extraction_cache (
		url TEXT PRIMARY KEY,
		title TEXT,
		text TEXT,
		publish_date DATETIME,
		language TEXT,
		canonical_domain TEXT,
		date_fetched DATETIME,
		last_accessed DATETIME
	);`

	accessIndex := `
	CREATE INDEX IF NOT EXISTS extraction_cache_last_accessed
	ON extraction_cache (last_accessed);`

	for _, stmt := range []string{cacheTable, accessIndex} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an extraction in the cache and evicts the least recently used
// entries beyond capacity.
func (s *Store) Put(url string, result *fetch.Result) error {
	now := time.Now().UTC()

	var publishDate sql.NullTime
	if result.PublishDate != nil {
		publishDate = sql.NullTime{Time: result.PublishDate.UTC(), Valid: true}
	}

	query := `
	INSERT OR REPLACE INTO extraction_cache
	(url, title, text, publish_date, language, canonical_domain, date_fetched, last_accessed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		url,
		result.Title,
		result.Text,
		publishDate,
		result.Language,
		result.CanonicalDomain,
		now,
		now,
	)
	if err != nil {
		return err
	}

	return s.evict()
}

// Get retrieves an extraction from the cache, refreshing its recency.
// Returns nil on a cache miss.
func (s *Store) Get(url string) (*fetch.Result, error) {
	query := `
	SELECT title, text, publish_date, language, canonical_domain
	FROM extraction_cache
	WHERE url = ?`

	row := s.db.QueryRow(query, url)

	var result fetch.Result
	var publishDate sql.NullTime

	err := row.Scan(
		&result.Title,
		&result.Text,
		&publishDate,
		&result.Language,
		&result.CanonicalDomain,
	)

	if err == sql.ErrNoRows {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan extraction: %w", err)
	}

	if publishDate.Valid {
		t := publishDate.Time
		result.PublishDate = &t
	}

	// Refresh recency so hot URLs survive eviction
	_, err = s.db.Exec(`UPDATE extraction_cache SET last_accessed = ? WHERE url = ?`,
		time.Now().UTC(), url)
	if err != nil {
		return nil, fmt.Errorf("failed to touch cache entry: %w", err)
	}

	return &result, nil
}

// evict removes the oldest entries once the cache exceeds its capacity.
func (s *Store) evict() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM extraction_cache`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count cache entries: %w", err)
	}
	if count <= s.capacity {
		return nil
	}

	_, err := s.db.Exec(`
		DELETE FROM extraction_cache WHERE url IN (
			SELECT url FROM extraction_cache ORDER BY last_accessed ASC LIMIT ?
		)`, count-s.capacity)
	if err != nil {
		return fmt.Errorf("failed to evict cache entries: %w", err)
	}
	return nil
}

// CacheStats represents cache statistics
type CacheStats struct {
	Entries     int
	CacheSize   int64
	LastUpdated time.Time
}

// GetCacheStats returns statistics about the cache
func (s *Store) GetCacheStats() (*CacheStats, error) {
	stats := &CacheStats{}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM extraction_cache`).Scan(&stats.Entries); err != nil {
		return nil, fmt.Errorf("failed to get count: %w", err)
	}

	// Get cache size (file size)
	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.CacheSize = fileInfo.Size()
		stats.LastUpdated = fileInfo.ModTime()
	}

	return stats, nil
}

// ClearCache removes all cached data
func (s *Store) ClearCache() error {
	if _, err := s.db.Exec(`DELETE FROM extraction_cache`); err != nil {
		return fmt.Errorf("failed to clear extraction cache: %w", err)
	}

	// Vacuum to reclaim space
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	return nil
}

// CleanupOldCache removes entries fetched before the given age.
func (s *Store) CleanupOldCache(maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge)

	if _, err := s.db.Exec(`DELETE FROM extraction_cache WHERE date_fetched < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to clean old entries: %w", err)
	}

	return nil
}
