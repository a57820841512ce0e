package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"

	"storyproc/internal/core"
)

// Vectorizer turns raw article texts into fixed-width feature vectors.
type Vectorizer interface {
	// Transform vectorizes a batch of texts. Every row has the same width.
	Transform(texts []string) ([][]float64, error)
}

// wordPattern matches runs of two or more letters, digits or underscores so
// single-character noise never becomes a feature.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// tfidfVectorizer is a bag-of-words transform with inverse-document-frequency
// weights and L2 row normalization, loaded from a coefficient artifact.
type tfidfVectorizer struct {
	Vocabulary map[string]int `json:"vocabulary"` // token -> column
	IDF        []float64      `json:"idf"`        // weight per column
}

func loadTfidfVectorizer(path string) (*tfidfVectorizer, error) {
	data, err := readArtifact(path)
	if err != nil {
		return nil, err
	}

	var v tfidfVectorizer
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: corrupt tfidf vectorizer %s: %v", core.ErrModel, path, err)
	}
	if len(v.Vocabulary) == 0 || len(v.IDF) == 0 {
		return nil, fmt.Errorf("%w: empty tfidf vectorizer %s", core.ErrModel, path)
	}
	for token, col := range v.Vocabulary {
		if col < 0 || col >= len(v.IDF) {
			return nil, fmt.Errorf("%w: tfidf vocabulary entry %q out of range in %s", core.ErrModel, token, path)
		}
	}
	return &v, nil
}

func (v *tfidfVectorizer) Transform(texts []string) ([][]float64, error) {
	rows := make([][]float64, len(texts))
	for i, text := range texts {
		row := make([]float64, len(v.IDF))
		for _, token := range tokenize(text) {
			if col, ok := v.Vocabulary[token]; ok {
				row[col]++
			}
		}
		var norm float64
		for col := range row {
			row[col] *= v.IDF[col]
			norm += row[col] * row[col]
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for col := range row {
				row[col] /= norm
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// embeddingsVectorizer averages per-token vectors from a shared vector table.
// Tables live in per-language-group subdirectories of the model dir and are
// reused by every model of that group.
type embeddingsVectorizer struct {
	dimension int
	vectors   map[string][]float64
}

// embeddingsTable is the artifact layout for a token vector table.
type embeddingsTable struct {
	Dimension int                  `json:"dimension"`
	Vectors   map[string][]float64 `json:"vectors"`
}

func loadEmbeddingsVectorizer(path string) (*embeddingsVectorizer, error) {
	data, err := readArtifact(path)
	if err != nil {
		return nil, err
	}

	var table embeddingsTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("%w: corrupt embeddings table %s: %v", core.ErrModel, path, err)
	}
	if table.Dimension <= 0 || len(table.Vectors) == 0 {
		return nil, fmt.Errorf("%w: empty embeddings table %s", core.ErrModel, path)
	}
	for token, vec := range table.Vectors {
		if len(vec) != table.Dimension {
			return nil, fmt.Errorf("%w: embeddings vector %q has width %d, want %d in %s",
				core.ErrModel, token, len(vec), table.Dimension, path)
		}
	}
	return &embeddingsVectorizer{dimension: table.Dimension, vectors: table.Vectors}, nil
}

func (v *embeddingsVectorizer) Transform(texts []string) ([][]float64, error) {
	rows := make([][]float64, len(texts))
	for i, text := range texts {
		row := make([]float64, v.dimension)
		var hits int
		for _, token := range tokenize(text) {
			vec, ok := v.vectors[token]
			if !ok {
				continue
			}
			for col, val := range vec {
				row[col] += val
			}
			hits++
		}
		if hits > 0 {
			for col := range row {
				row[col] /= float64(hits)
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// readArtifact reads a model artifact, mapping a missing file to ErrModel so
// the worker drops the batch instead of retrying forever.
func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: missing artifact %s", core.ErrModel, path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}
