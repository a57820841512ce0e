package classifier

import (
	"encoding/json"
	"fmt"
	"math"

	"storyproc/internal/core"
)

// Predictor is a trained binary classifier head. PredictProba returns one
// [negative, positive] probability pair per input row.
type Predictor interface {
	PredictProba(rows [][]float64) ([][2]float64, error)
}

// predictorArtifact is the shared envelope of predictor coefficient files.
type predictorArtifact struct {
	ModelType string `json:"model_type"`

	// naive-bayes fields
	ClassLogPrior  []float64   `json:"class_log_prior,omitempty"`
	FeatureLogProb [][]float64 `json:"feature_log_prob,omitempty"`

	// logistic-regression fields
	Coef      []float64 `json:"coef,omitempty"`
	Intercept float64   `json:"intercept,omitempty"`
}

func loadPredictor(path string) (Predictor, error) {
	data, err := readArtifact(path)
	if err != nil {
		return nil, err
	}

	var artifact predictorArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("%w: corrupt predictor %s: %v", core.ErrModel, path, err)
	}

	switch artifact.ModelType {
	case core.ModelNaiveBayes:
		if len(artifact.ClassLogPrior) != 2 || len(artifact.FeatureLogProb) != 2 {
			return nil, fmt.Errorf("%w: naive bayes predictor %s is not binary", core.ErrModel, path)
		}
		if len(artifact.FeatureLogProb[0]) != len(artifact.FeatureLogProb[1]) {
			return nil, fmt.Errorf("%w: naive bayes predictor %s has ragged coefficients", core.ErrModel, path)
		}
		return &multinomialNB{
			classLogPrior:  artifact.ClassLogPrior,
			featureLogProb: artifact.FeatureLogProb,
		}, nil
	case core.ModelLogisticRegression:
		if len(artifact.Coef) == 0 {
			return nil, fmt.Errorf("%w: logistic regression predictor %s has no coefficients", core.ErrModel, path)
		}
		return &logisticRegression{coef: artifact.Coef, intercept: artifact.Intercept}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported model type %q in %s", core.ErrModel, artifact.ModelType, path)
	}
}

// multinomialNB scores by joint log likelihood and normalizes with a softmax.
type multinomialNB struct {
	classLogPrior  []float64
	featureLogProb [][]float64
}

func (m *multinomialNB) PredictProba(rows [][]float64) ([][2]float64, error) {
	width := len(m.featureLogProb[0])
	out := make([][2]float64, len(rows))
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: feature width %d does not match predictor width %d",
				core.ErrModel, len(row), width)
		}
		var jll [2]float64
		for class := 0; class < 2; class++ {
			sum := m.classLogPrior[class]
			for col, val := range row {
				if val != 0 {
					sum += val * m.featureLogProb[class][col]
				}
			}
			jll[class] = sum
		}
		out[i] = softmax2(jll)
	}
	return out, nil
}

// logisticRegression scores with a sigmoid over a single weight vector.
type logisticRegression struct {
	coef      []float64
	intercept float64
}

func (l *logisticRegression) PredictProba(rows [][]float64) ([][2]float64, error) {
	out := make([][2]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(l.coef) {
			return nil, fmt.Errorf("%w: feature width %d does not match predictor width %d",
				core.ErrModel, len(row), len(l.coef))
		}
		sum := l.intercept
		for col, val := range row {
			sum += val * l.coef[col]
		}
		positive := sigmoid(sum)
		out[i] = [2]float64{1 - positive, positive}
	}
	return out, nil
}

// softmax2 converts two log likelihoods into probabilities, shifting by the
// max so large magnitudes cannot overflow.
func softmax2(jll [2]float64) [2]float64 {
	max := jll[0]
	if jll[1] > max {
		max = jll[1]
	}
	e0 := math.Exp(jll[0] - max)
	e1 := math.Exp(jll[1] - max)
	total := e0 + e1
	return [2]float64{e0 / total, e1 / total}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
