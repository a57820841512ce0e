package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"storyproc/internal/core"
)

func writeArtifact(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal artifact: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create artifact dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
}

func TestTfidfTransformNormalizes(t *testing.T) {
	v := &tfidfVectorizer{
		Vocabulary: map[string]int{"femicide": 0, "woman": 1, "killed": 2},
		IDF:        []float64{1, 2, 1},
	}

	rows, err := v.Transform([]string{"Femicide: a woman was killed, KILLED again"})
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}

	// counts [1,1,2] * idf [1,2,1] = [1,2,2], l2 norm 3
	want := []float64{1.0 / 3, 2.0 / 3, 2.0 / 3}
	for col, expected := range want {
		if math.Abs(rows[0][col]-expected) > 1e-9 {
			t.Errorf("Expected column %d to be %f, got %f", col, expected, rows[0][col])
		}
	}
}

func TestTfidfTransformEmptyText(t *testing.T) {
	v := &tfidfVectorizer{
		Vocabulary: map[string]int{"femicide": 0},
		IDF:        []float64{1},
	}

	rows, err := v.Transform([]string{""})
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}
	if rows[0][0] != 0 {
		t.Errorf("Expected zero vector for empty text, got %v", rows[0])
	}
}

func TestEmbeddingsTransformMeanPools(t *testing.T) {
	v := &embeddingsVectorizer{
		dimension: 2,
		vectors: map[string][]float64{
			"femicide": {2, 4},
			"case":     {0, 2},
		},
	}

	rows, err := v.Transform([]string{"femicide case unknownword"})
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}

	// mean of [2,4] and [0,2]; the out-of-vocabulary token is skipped
	if math.Abs(rows[0][0]-1) > 1e-9 || math.Abs(rows[0][1]-3) > 1e-9 {
		t.Errorf("Expected mean-pooled vector [1 3], got %v", rows[0])
	}
}

func TestLogisticRegressionPredictProba(t *testing.T) {
	lr := &logisticRegression{coef: []float64{1}, intercept: 0}

	probs, err := lr.PredictProba([][]float64{{0}, {2}})
	if err != nil {
		t.Fatalf("PredictProba returned error: %v", err)
	}

	if math.Abs(probs[0][1]-0.5) > 1e-9 {
		t.Errorf("Expected sigmoid(0) to be 0.5, got %f", probs[0][1])
	}
	want := 1 / (1 + math.Exp(-2))
	if math.Abs(probs[1][1]-want) > 1e-9 {
		t.Errorf("Expected sigmoid(2) to be %f, got %f", want, probs[1][1])
	}
	if math.Abs(probs[1][0]+probs[1][1]-1) > 1e-9 {
		t.Errorf("Expected probabilities to sum to 1, got %f", probs[1][0]+probs[1][1])
	}
}

func TestNaiveBayesPredictProba(t *testing.T) {
	nb := &multinomialNB{
		classLogPrior: []float64{math.Log(0.5), math.Log(0.5)},
		featureLogProb: [][]float64{
			{math.Log(0.1), math.Log(0.9)},
			{math.Log(0.9), math.Log(0.1)},
		},
	}

	probs, err := nb.PredictProba([][]float64{{1, 0}})
	if err != nil {
		t.Fatalf("PredictProba returned error: %v", err)
	}

	// equal priors: positive probability is 0.9/(0.9+0.1)
	if math.Abs(probs[0][1]-0.9) > 1e-9 {
		t.Errorf("Expected positive probability 0.9, got %f", probs[0][1])
	}
}

func TestPredictProbaWidthMismatch(t *testing.T) {
	lr := &logisticRegression{coef: []float64{1, 2}, intercept: 0}

	_, err := lr.PredictProba([][]float64{{1, 2, 3}})
	if err == nil {
		t.Fatal("Expected error for mismatched feature width")
	}
	if !errors.Is(err, core.ErrModel) {
		t.Errorf("Expected model error, got %v", err)
	}
}

// chainedCatalog writes artifacts for one chained model (naive bayes over
// tfidf, then logistic regression over embeddings) into dir.
func chainedCatalog(t *testing.T, dir string) []core.ModelSpec {
	t.Helper()

	writeArtifact(t, filepath.Join(dir, "usa_1_model.bin"), predictorArtifact{
		ModelType:     core.ModelNaiveBayes,
		ClassLogPrior: []float64{math.Log(0.5), math.Log(0.5)},
		FeatureLogProb: [][]float64{
			{math.Log(0.1), math.Log(0.9)},
			{math.Log(0.9), math.Log(0.1)},
		},
	})
	writeArtifact(t, filepath.Join(dir, "usa_1_vectorizer.bin"), tfidfVectorizer{
		Vocabulary: map[string]int{"femicide": 0, "futbol": 1},
		IDF:        []float64{1, 1},
	})
	writeArtifact(t, filepath.Join(dir, "usa_2_model.bin"), predictorArtifact{
		ModelType: core.ModelLogisticRegression,
		Coef:      []float64{1},
		Intercept: 0,
	})
	writeArtifact(t, filepath.Join(dir, "embeddings-en", embeddingsFile), embeddingsTable{
		Dimension: 1,
		Vectors:   map[string][]float64{"femicide": {2}, "futbol": {-2}},
	})

	return []core.ModelSpec{
		{
			ID:             3,
			Name:           "usa chained",
			FilenamePrefix: "usa",
			ChainedModels:  true,
			Stages: []core.ModelStage{
				{ModelType: core.ModelNaiveBayes, VectorizerType: core.VectorizerTfidf},
				{ModelType: core.ModelLogisticRegression, VectorizerType: core.VectorizerEmbeddings},
			},
		},
	}
}

func TestScoreChainedMultipliesStages(t *testing.T) {
	dir := t.TempDir()
	specs := chainedCatalog(t, dir)
	registry := NewRegistry(dir, 5*time.Second)

	project := core.Project{ID: 12, Language: "en", LanguageModelID: 3}
	model, err := registry.ForProject(project, specs)
	if err != nil {
		t.Fatalf("ForProject returned error: %v", err)
	}
	if !model.Chained() {
		t.Error("Expected model to be chained")
	}

	scores, err := model.Score([]string{"femicide femicide"})
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}

	if math.Abs(scores[0].Model1-0.9) > 1e-9 {
		t.Errorf("Expected stage 1 score 0.9, got %f", scores[0].Model1)
	}
	wantStage2 := 1 / (1 + math.Exp(-2))
	if math.Abs(scores[0].Model2-wantStage2) > 1e-9 {
		t.Errorf("Expected stage 2 score %f, got %f", wantStage2, scores[0].Model2)
	}
	if math.Abs(scores[0].Combined-scores[0].Model1*scores[0].Model2) > 1e-12 {
		t.Errorf("Expected combined score to be the stage product, got %f", scores[0].Combined)
	}
}

func TestScoreSingleStage(t *testing.T) {
	dir := t.TempDir()

	writeArtifact(t, filepath.Join(dir, "mex_1_model.bin"), predictorArtifact{
		ModelType: core.ModelLogisticRegression,
		Coef:      []float64{3},
		Intercept: 0,
	})
	writeArtifact(t, filepath.Join(dir, "mex_1_vectorizer.bin"), tfidfVectorizer{
		Vocabulary: map[string]int{"feminicidio": 0},
		IDF:        []float64{1},
	})

	specs := []core.ModelSpec{{
		ID: 4, FilenamePrefix: "mex",
		Stages: []core.ModelStage{{ModelType: core.ModelLogisticRegression, VectorizerType: core.VectorizerTfidf}},
	}}

	registry := NewRegistry(dir, 5*time.Second)
	model, err := registry.ForProject(core.Project{ID: 9, Language: "es", LanguageModelID: 4}, specs)
	if err != nil {
		t.Fatalf("ForProject returned error: %v", err)
	}

	scores, err := model.Score([]string{"feminicidio"})
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if scores[0].Combined != scores[0].Model1 {
		t.Errorf("Expected combined to equal stage 1 for single-stage model, got %f vs %f",
			scores[0].Combined, scores[0].Model1)
	}
	if scores[0].Model2 != 0 {
		t.Errorf("Expected zero stage 2 score for single-stage model, got %f", scores[0].Model2)
	}
}

func TestForProjectMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	specs := []core.ModelSpec{{
		ID: 5, FilenamePrefix: "nowhere",
		Stages: []core.ModelStage{{ModelType: core.ModelNaiveBayes, VectorizerType: core.VectorizerTfidf}},
	}}

	registry := NewRegistry(dir, 5*time.Second)
	_, err := registry.ForProject(core.Project{ID: 1, Language: "en", LanguageModelID: 5}, specs)
	if err == nil {
		t.Fatal("Expected error for missing artifact")
	}
	if !errors.Is(err, core.ErrModel) {
		t.Errorf("Expected model error, got %v", err)
	}
}

func TestForProjectUnknownModelID(t *testing.T) {
	registry := NewRegistry(t.TempDir(), 5*time.Second)

	_, err := registry.ForProject(core.Project{ID: 1, Language: "en", LanguageModelID: 77}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown model id")
	}
	if !errors.Is(err, core.ErrModel) {
		t.Errorf("Expected model error, got %v", err)
	}
}

func TestForProjectUnsupportedVectorizer(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, filepath.Join(dir, "odd_1_model.bin"), predictorArtifact{
		ModelType: core.ModelLogisticRegression,
		Coef:      []float64{1},
	})

	specs := []core.ModelSpec{{
		ID: 6, FilenamePrefix: "odd",
		Stages: []core.ModelStage{{ModelType: core.ModelLogisticRegression, VectorizerType: "bert"}},
	}}

	registry := NewRegistry(dir, 5*time.Second)
	_, err := registry.ForProject(core.Project{ID: 1, Language: "en", LanguageModelID: 6}, specs)
	if err == nil {
		t.Fatal("Expected error for unsupported vectorizer type")
	}
	if !errors.Is(err, core.ErrModel) {
		t.Errorf("Expected model error, got %v", err)
	}
}

type stubVectorizer struct{}

func (stubVectorizer) Transform(texts []string) ([][]float64, error) {
	rows := make([][]float64, len(texts))
	for i := range rows {
		rows[i] = []float64{1}
	}
	return rows, nil
}

type nanPredictor struct{}

func (nanPredictor) PredictProba(rows [][]float64) ([][2]float64, error) {
	out := make([][2]float64, len(rows))
	for i := range out {
		out[i] = [2]float64{0, math.NaN()}
	}
	return out, nil
}

func TestScoreRejectsNaN(t *testing.T) {
	model := &Model{
		Spec:   core.ModelSpec{ID: 8},
		stages: []loadedStage{{vectorizer: stubVectorizer{}, predictor: nanPredictor{}}},
	}

	_, err := model.Score([]string{"anything"})
	if err == nil {
		t.Fatal("Expected error for NaN score")
	}
	if !errors.Is(err, core.ErrModel) {
		t.Errorf("Expected model error, got %v", err)
	}
}

func TestRefreshAllDownloadsOnceAndForces(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		json.NewEncoder(w).Encode(predictorArtifact{ModelType: core.ModelLogisticRegression, Coef: []float64{1}})
	}))
	defer server.Close()

	dir := t.TempDir()
	registry := NewRegistry(dir, 5*time.Second)

	specs := []core.ModelSpec{{
		ID: 2, FilenamePrefix: "usa",
		Stages: []core.ModelStage{{
			ModelType:      core.ModelLogisticRegression,
			VectorizerType: core.VectorizerTfidf,
			ModelURL:       server.URL + "/usa_model",
			VectorizerURL:  server.URL + "/usa_vectorizer",
		}},
	}}

	downloaded, err := registry.RefreshAll(context.Background(), specs, nil, false)
	if err != nil {
		t.Fatalf("RefreshAll returned error: %v", err)
	}
	if downloaded != 2 {
		t.Errorf("Expected 2 artifacts downloaded, got %d", downloaded)
	}

	if _, err := os.Stat(filepath.Join(dir, "usa_1_model.bin")); err != nil {
		t.Errorf("Expected predictor artifact on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "usa_1_vectorizer.bin")); err != nil {
		t.Errorf("Expected vectorizer artifact on disk: %v", err)
	}

	// Second refresh finds everything in place.
	downloaded, err = registry.RefreshAll(context.Background(), specs, nil, false)
	if err != nil {
		t.Fatalf("RefreshAll returned error: %v", err)
	}
	if downloaded != 0 {
		t.Errorf("Expected 0 downloads on refresh with artifacts present, got %d", downloaded)
	}
	if got := atomic.LoadInt64(&requests); got != 2 {
		t.Errorf("Expected 2 server requests, got %d", got)
	}

	// Force re-downloads everything.
	downloaded, err = registry.RefreshAll(context.Background(), specs, nil, true)
	if err != nil {
		t.Fatalf("RefreshAll returned error: %v", err)
	}
	if downloaded != 2 {
		t.Errorf("Expected 2 forced downloads, got %d", downloaded)
	}

	// Streaming downloads must not leave temp files behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read model dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Errorf("Expected no temp files after refresh, found %s", entry.Name())
		}
	}
}

func TestRefreshAllMaterializesEmbeddingsPerLanguage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "vectors") {
			json.NewEncoder(w).Encode(embeddingsTable{Dimension: 1, Vectors: map[string][]float64{"x": {1}}})
			return
		}
		json.NewEncoder(w).Encode(predictorArtifact{ModelType: core.ModelLogisticRegression, Coef: []float64{1}})
	}))
	defer server.Close()

	dir := t.TempDir()
	registry := NewRegistry(dir, 5*time.Second)

	specs := []core.ModelSpec{{
		ID: 7, FilenamePrefix: "global",
		Stages: []core.ModelStage{{
			ModelType:      core.ModelLogisticRegression,
			VectorizerType: core.VectorizerEmbeddings,
			ModelURL:       server.URL + "/global_model",
			VectorizerURL:  server.URL + "/vectors",
		}},
	}}
	projects := []core.Project{
		{ID: 1, Language: "en", LanguageModelID: 7},
		{ID: 2, Language: "es", LanguageModelID: 7},
		{ID: 3, Language: "pt", LanguageModelID: 7},
	}

	downloaded, err := registry.RefreshAll(context.Background(), specs, projects, false)
	if err != nil {
		t.Fatalf("RefreshAll returned error: %v", err)
	}
	// one predictor, one en table, one multi table shared by es and pt
	if downloaded != 3 {
		t.Errorf("Expected 3 artifacts downloaded, got %d", downloaded)
	}

	for _, sub := range []string{"embeddings-en", "embeddings-multi"} {
		if _, err := os.Stat(filepath.Join(dir, sub, embeddingsFile)); err != nil {
			t.Errorf("Expected %s table on disk: %v", sub, err)
		}
	}
}

func TestDownloadServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	registry := NewRegistry(t.TempDir(), 5*time.Second)
	specs := []core.ModelSpec{{
		ID: 9, FilenamePrefix: "bad",
		Stages: []core.ModelStage{{
			ModelType:      core.ModelLogisticRegression,
			VectorizerType: core.VectorizerTfidf,
			ModelURL:       server.URL + "/bad_model",
			VectorizerURL:  server.URL + "/bad_vectorizer",
		}},
	}}

	_, err := registry.RefreshAll(context.Background(), specs, nil, false)
	if err == nil {
		t.Fatal("Expected error for failed download")
	}
	if !errors.Is(err, core.ErrModel) {
		t.Errorf("Expected model error, got %v", err)
	}
}

func TestEmbeddingsDirName(t *testing.T) {
	cases := []struct {
		language string
		want     string
	}{
		{"en", "embeddings-en"},
		{"EN", "embeddings-en"},
		{"es", "embeddings-multi"},
		{"pt", "embeddings-multi"},
		{"", "embeddings-multi"},
	}
	for _, tc := range cases {
		if got := embeddingsDirName(tc.language); got != tc.want {
			t.Errorf("Expected embeddings dir for %q to be %q, got %q", tc.language, tc.want, got)
		}
	}
}

func TestArtifactPathNaming(t *testing.T) {
	registry := NewRegistry("/models", 5*time.Second)

	got := registry.artifactPath("usa", 2, kindVectorizer)
	want := filepath.Join("/models", "usa_2_vectorizer.bin")
	if got != want {
		t.Errorf("Expected artifact path %q, got %q", want, got)
	}
	if !strings.HasSuffix(got, fmt.Sprintf("usa_2_%s.bin", kindVectorizer)) {
		t.Errorf("Expected deterministic prefix_stage_kind naming, got %q", got)
	}
}
