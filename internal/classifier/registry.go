// Package classifier downloads language model artifacts from the central
// server and scores article texts with them.
package classifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

const (
	kindModel      = "model"
	kindVectorizer = "vectorizer"

	// embeddingsFile is the shared token vector table inside a per-language
	// embeddings directory.
	embeddingsFile = "vectors.bin"
)

// Registry keeps model artifacts on disk and hands out loaded models.
type Registry struct {
	dir    string
	client *http.Client
	log    *slog.Logger

	mu     sync.Mutex
	loaded map[string]*Model
}

// NewRegistry creates a registry rooted at modelsDir.
func NewRegistry(modelsDir string, timeout time.Duration) *Registry {
	return &Registry{
		dir:    modelsDir,
		client: &http.Client{Timeout: timeout},
		log:    logger.Get(),
		loaded: make(map[string]*Model),
	}
}

// RefreshAll ensures every artifact the catalog references is on disk,
// downloading what is missing (or everything, when force is set). Projects
// are needed because embedding tables are materialized per project language.
// Returns the number of artifacts downloaded.
func (r *Registry) RefreshAll(ctx context.Context, specs []core.ModelSpec, projects []core.Project, force bool) (int, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create model dir: %w", err)
	}

	downloaded := 0
	for _, spec := range specs {
		for i, stage := range spec.Stages {
			n := i + 1

			got, err := r.ensure(ctx, stage.ModelURL, r.artifactPath(spec.FilenamePrefix, n, kindModel), force)
			if err != nil {
				return downloaded, err
			}
			if got {
				downloaded++
			}

			switch stage.VectorizerType {
			case core.VectorizerTfidf:
				got, err := r.ensure(ctx, stage.VectorizerURL, r.artifactPath(spec.FilenamePrefix, n, kindVectorizer), force)
				if err != nil {
					return downloaded, err
				}
				if got {
					downloaded++
				}
			case core.VectorizerEmbeddings:
				// Shared per language group, handled against projects below.
			default:
				return downloaded, fmt.Errorf("%w: unsupported vectorizer type %q in model %d",
					core.ErrModel, stage.VectorizerType, spec.ID)
			}
		}
	}

	// Embedding tables land in embeddings-en or embeddings-multi depending on
	// the language of the projects that use the model.
	for _, project := range projects {
		spec, ok := findSpec(specs, project.LanguageModelID)
		if !ok {
			continue
		}
		for _, stage := range spec.Stages {
			if stage.VectorizerType != core.VectorizerEmbeddings {
				continue
			}
			dir := filepath.Join(r.dir, embeddingsDirName(project.Language))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return downloaded, fmt.Errorf("create embeddings dir: %w", err)
			}
			got, err := r.ensure(ctx, stage.VectorizerURL, filepath.Join(dir, embeddingsFile), force)
			if err != nil {
				return downloaded, err
			}
			if got {
				downloaded++
			}
		}
	}

	r.log.Info("Model artifacts refreshed", "downloaded", downloaded, "models", len(specs))
	return downloaded, nil
}

// ForProject returns the loaded model for a project's language model id,
// loading and caching it on first use.
func (r *Registry) ForProject(project core.Project, specs []core.ModelSpec) (*Model, error) {
	spec, ok := findSpec(specs, project.LanguageModelID)
	if !ok {
		return nil, fmt.Errorf("%w: no catalog entry for model %d (project %d)",
			core.ErrModel, project.LanguageModelID, project.ID)
	}

	key := fmt.Sprintf("%d/%s", spec.ID, embeddingsDirName(project.Language))

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.loaded[key]; ok {
		return m, nil
	}

	m, err := r.load(spec, project.Language)
	if err != nil {
		return nil, err
	}
	r.loaded[key] = m
	return m, nil
}

func (r *Registry) load(spec core.ModelSpec, language string) (*Model, error) {
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("%w: model %d has no stages", core.ErrModel, spec.ID)
	}
	if spec.ChainedModels && len(spec.Stages) != 2 {
		return nil, fmt.Errorf("%w: chained model %d has %d stages, want 2",
			core.ErrModel, spec.ID, len(spec.Stages))
	}

	stageSpecs := spec.Stages
	if !spec.ChainedModels {
		stageSpecs = stageSpecs[:1]
	}

	stages := make([]loadedStage, 0, len(stageSpecs))
	for i, stageSpec := range stageSpecs {
		n := i + 1

		predictor, err := loadPredictor(r.artifactPath(spec.FilenamePrefix, n, kindModel))
		if err != nil {
			return nil, err
		}

		var vectorizer Vectorizer
		switch stageSpec.VectorizerType {
		case core.VectorizerTfidf:
			vectorizer, err = loadTfidfVectorizer(r.artifactPath(spec.FilenamePrefix, n, kindVectorizer))
		case core.VectorizerEmbeddings:
			vectorizer, err = loadEmbeddingsVectorizer(filepath.Join(r.dir, embeddingsDirName(language), embeddingsFile))
		default:
			err = fmt.Errorf("%w: unsupported vectorizer type %q in model %d",
				core.ErrModel, stageSpec.VectorizerType, spec.ID)
		}
		if err != nil {
			return nil, err
		}

		stages = append(stages, loadedStage{vectorizer: vectorizer, predictor: predictor})
	}

	return &Model{Spec: spec, stages: stages}, nil
}

// ensure downloads url to path unless a non-empty copy already exists.
func (r *Registry) ensure(ctx context.Context, url, path string, force bool) (bool, error) {
	if !force {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return false, nil
		}
	}
	if url == "" {
		return false, fmt.Errorf("%w: no download url for %s", core.ErrModel, filepath.Base(path))
	}
	if err := r.download(ctx, url, path); err != nil {
		return false, err
	}
	return true, nil
}

// download streams the artifact to a temp file and renames it into place so
// a concurrent reader never observes a partial file.
func (r *Registry) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build artifact request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: download %s: status %d", core.ErrModel, url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("stream %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("finalize artifact %s: %w", path, err)
	}

	r.log.Debug("Downloaded model artifact", "url", url, "path", path)
	return nil
}

func (r *Registry) artifactPath(prefix string, stage int, kind string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s_%d_%s.bin", prefix, stage, kind))
}

// embeddingsDirName groups languages the way the served tables are trained:
// one table for English, one multilingual table for everything else.
func embeddingsDirName(language string) string {
	if strings.EqualFold(language, "en") {
		return "embeddings-en"
	}
	return "embeddings-multi"
}

func findSpec(specs []core.ModelSpec, id int) (core.ModelSpec, bool) {
	for _, s := range specs {
		if s.ID == id {
			return s, true
		}
	}
	return core.ModelSpec{}, false
}
