package core

import "time"

// Version is reported to the central server in every result post.
const Version = "1.2.0"

// Names of the supported story sources, exactly as they appear in audit
// rows, metrics labels and run summaries.
const (
	SourceMediaCloud     = "media-cloud"
	SourceGoogleAlerts   = "google-alerts"
	SourceNewscatcher    = "newscatcher"
	SourceWaybackMachine = "wayback-machine"
)

// Sources lists every queueable source name, in dashboard display order.
var Sources = []string{SourceMediaCloud, SourceGoogleAlerts, SourceNewscatcher, SourceWaybackMachine}

// Supported classifier stage kinds.
const (
	ModelNaiveBayes         = "naive-bayes"
	ModelLogisticRegression = "logistic-regression"

	VectorizerTfidf      = "tfidf"
	VectorizerEmbeddings = "embeddings"
)

// Project is one client configuration from the central server. It is
// refreshed once per run and treated as read-only afterwards.
type Project struct {
	ID                       int     `json:"id"`                        // Stable project identifier
	Title                    string  `json:"title"`                     // Human-readable name
	Language                 string  `json:"language"`                  // Primary language (ISO 639-1)
	LanguageModelID          int     `json:"language_model_id"`         // Reference into the model catalog
	LanguageModelName        string  `json:"language_model"`            // Informational model name
	SearchTerms              string  `json:"search_terms"`              // Source query string
	MediaCollections         []int64 `json:"media_collections"`         // Source-specific collection ids (optional)
	Country                  string  `json:"country"`                   // ISO 3166-1 alpha-2 (optional)
	RSSURL                   string  `json:"rss_url"`                   // Alert feed URL (optional)
	MinConfidence            float64 `json:"min_confidence"`            // Posting threshold in [0,1]
	UpdatePostURL            string  `json:"update_post_url"`           // Absolute URL results are posted to
	LatestProcessedStoriesID int64   `json:"last_processed_stories_id"` // Server-side watermark hint
	StartDate                string  `json:"start_date"`                // Earliest publish date to consider
}

// ModelStage describes one vectorizer+predictor pair of a language model.
type ModelStage struct {
	ModelType      string `json:"model_type"`      // naive-bayes or logistic-regression
	VectorizerType string `json:"vectorizer_type"` // tfidf or embeddings
	ModelURL       string `json:"model_url"`       // Artifact download URL for the predictor
	VectorizerURL  string `json:"vectorizer_url"`  // Artifact download URL for the vectorizer
}

// ModelSpec is one entry of the language model catalog.
type ModelSpec struct {
	ID             int          `json:"id"`              // Catalog identifier referenced by projects
	Name           string       `json:"name"`            // Informational name
	FilenamePrefix string       `json:"filename_prefix"` // Local artifact filename prefix
	ChainedModels  bool         `json:"chained_models"`  // Two stages multiplied when true
	Stages         []ModelStage `json:"stages"`          // One stage, or two when chained
}

// ProjectHistory is the per-project watermark row owned by the audit store.
type ProjectHistory struct {
	ProjectID       int        `json:"project_id"`        // Primary key
	LastProcessedID int64      `json:"last_processed_id"` // Opaque source cursor (full-text index)
	LastPublishDate *time.Time `json:"last_publish_date"` // Newest publish date already queued
	LastURL         string     `json:"last_url"`          // Idempotence anchor for push feeds
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Story is one audit row: every article we observed, regardless of outcome.
// Lifecycle timestamps are set once each and never cleared.
type Story struct {
	ID             int64      `json:"id"`              // Internal auto id
	StoriesID      int64      `json:"stories_id"`      // Source id, or equal to ID for sourceless records
	ProjectID      int        `json:"project_id"`
	ModelID        int        `json:"model_id"`
	Source         string     `json:"source"`
	URL            string     `json:"url"`
	PublishedDate  *time.Time `json:"published_date"`
	QueuedDate     *time.Time `json:"queued_date"`     // Set at insert
	ProcessedDate  *time.Time `json:"processed_date"`  // Set when scored
	PostedDate     *time.Time `json:"posted_date"`     // Set after a 2xx from the central server
	AboveThreshold bool       `json:"above_threshold"`
	ModelScore     *float64   `json:"model_score"`     // Combined score
	Model1Score    *float64   `json:"model_1_score"`
	Model2Score    *float64   `json:"model_2_score"`
}

// Entity is one named entity accepted from the entity server.
type Entity struct {
	Type string `json:"type"` // PERSON, GPE, DATE, ...
	Text string `json:"text"` // Lowercased surface text
}

// CandidateArticle flows through the pipeline from adapter to post. Optional
// fields stay zero until the owning stage fills them in.
type CandidateArticle struct {
	StoriesID          int64     `json:"stories_id"`                     // Source-assigned id; backfilled to audit id for push feeds
	LogDBID            int64     `json:"log_db_id"`                      // Audit row id, set by the store
	ProcessedStoriesID int64     `json:"processed_stories_id,omitempty"` // Full-text index paging cursor
	ProjectID          int       `json:"project_id"`
	LanguageModelID    int       `json:"language_model_id"`
	Source             string    `json:"source"`
	URL                string    `json:"url"`
	ArchiveURL         string    `json:"archive_url,omitempty"`          // Archived full-text endpoint, wayback only
	Title              string    `json:"title"`
	Language           string    `json:"language"`
	PublishDate        time.Time `json:"publish_date"`                   // Zero when the source did not know
	MediaID            int64     `json:"media_id,omitempty"`
	MediaURL           string    `json:"media_url"`
	MediaName          string    `json:"media_name"`
	Authors            []string  `json:"authors,omitempty"`
	StoryTags          string    `json:"story_tags,omitempty"`
	StoryText          string    `json:"story_text,omitempty"`           // Dropped before posting
	Entities           []Entity  `json:"entities,omitempty"`
	Confidence         float64   `json:"confidence,omitempty"`           // Combined score, set by the worker
	Model1Score        float64   `json:"model_1_score,omitempty"`
	Model2Score        float64   `json:"model_2_score,omitempty"`
}

// Scores is the per-article classifier output. Combined equals Model1 for
// single-stage specs and Model1*Model2 for chained specs.
type Scores struct {
	Model1   float64 `json:"model_1"`
	Model2   float64 `json:"model_2"`
	Combined float64 `json:"combined"`
}

// ProjectSummary is the per-project slice of a run summary.
type ProjectSummary struct {
	ProjectID int    `json:"project_id"`
	Title     string `json:"title"`
	Stories   int    `json:"stories"` // Candidates queued for classification
	Pages     int    `json:"pages"`
	NearCap   bool   `json:"near_cap"` // Yield reached >=90% of the per-run cap
	Err       string `json:"error,omitempty"`
}

// RunSummary is produced by every source entrypoint and feeds the notifier.
type RunSummary struct {
	Source       string           `json:"source"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
	ProjectCount int              `json:"project_count"`
	Stories      int              `json:"stories"`
	Pages        int              `json:"pages"`
	Projects     []ProjectSummary `json:"projects"`
	Errors       []string         `json:"errors,omitempty"`
}

// HadErrors reports whether any project in the run failed.
func (s *RunSummary) HadErrors() bool {
	if len(s.Errors) > 0 {
		return true
	}
	for _, p := range s.Projects {
		if p.Err != "" {
			return true
		}
	}
	return false
}
