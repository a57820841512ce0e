package classifier

import (
	"fmt"
	"math"

	"storyproc/internal/core"
)

// Model is one loaded language model: a single vectorizer+predictor stage, or
// two chained stages whose positive probabilities are multiplied.
type Model struct {
	Spec   core.ModelSpec
	stages []loadedStage
}

type loadedStage struct {
	vectorizer Vectorizer
	predictor  Predictor
}

// Chained reports whether this model multiplies two stage scores.
func (m *Model) Chained() bool {
	return len(m.stages) == 2
}

// Score classifies a batch of texts. Any NaN or out-of-range stage output
// fails the whole batch so a broken model cannot silently post garbage.
func (m *Model) Score(texts []string) ([]core.Scores, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	stagePositives := make([][]float64, len(m.stages))
	for si, stage := range m.stages {
		rows, err := stage.vectorizer.Transform(texts)
		if err != nil {
			return nil, err
		}
		probs, err := stage.predictor.PredictProba(rows)
		if err != nil {
			return nil, err
		}

		positives := make([]float64, len(texts))
		for i, p := range probs {
			score := p[1]
			if math.IsNaN(score) || score < 0 || score > 1 {
				return nil, fmt.Errorf("%w: model %d stage %d produced score %v",
					core.ErrModel, m.Spec.ID, si+1, score)
			}
			positives[i] = score
		}
		stagePositives[si] = positives
	}

	scores := make([]core.Scores, len(texts))
	for i := range texts {
		s := core.Scores{
			Model1:   stagePositives[0][i],
			Combined: stagePositives[0][i],
		}
		if len(m.stages) == 2 {
			s.Model2 = stagePositives[1][i]
			s.Combined = s.Model1 * s.Model2
		}
		scores[i] = s
	}
	return scores, nil
}
