// Package sampler - picks the label entries that feed the multi-label classification loss.
//
// Action Unit label matrices are sparse: almost every (region, class) entry is
// absent. Training on every entry collapses the classifier to predicting
// "absent" everywhere, so each call keeps all ground-truth positives and a
// ratio-bounded random sample of negatives, preferring the classifier's own
// false positives (hard negatives) before easy true negatives.
package sampler

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/au-rcnn/common"
)

// Index addresses one (region, class) entry of a score or label matrix.
type Index struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Config holds the sampler parameters.
type Config struct {
	// NegPosRatio is the number of negatives drawn per ground-truth positive.
	NegPosRatio int `json:"neg_pos_ratio" yaml:"neg_pos_ratio"`
}

// DefaultConfig returns a 3:1 negative to positive ratio.
func DefaultConfig() Config {
	return Config{NegPosRatio: 3}
}

// Validate checks the ratio.
func (c Config) Validate() error {
	if c.NegPosRatio < 0 {
		return errors.Errorf("neg_pos_ratio must not be negative, got %d", c.NegPosRatio)
	}
	return nil
}

// Selection holds the index sets chosen by SelectTrainingIndices.
type Selection struct {
	// Loss is the ground-truth positives followed by the sampled negatives.
	Loss []Index
	// Accuracy is the union of ground-truth and predicted positives, row-major.
	Accuracy []Index
	// Positives are the nonzero label entries.
	Positives []Index
	// Negatives are the sampled negative entries.
	Negatives []Index
	// NegativeTarget is NegPosRatio * max(1, len(Positives)).
	NegativeTarget int
	// FalsePositives is the number of predicted positives with a zero label.
	FalsePositives int
}

// SelectTrainingIndices chooses the entries used for the loss and for the accuracy metric.
//
// An entry is predicted positive when its score is above zero (sigmoid > 0.5)
// and ground-truth positive when its label is nonzero. Note that the ignore
// label (-1) is nonzero and therefore counts as a ground-truth positive here;
// the loss and accuracy functions skip it later.
//
// Arguments:
//   - src: Random source for the negative draw.
//   - scores: (R, L) logits.
//   - labels: (R, L) labels aligned with scores.
//   - negPosRatio: Negatives drawn per ground-truth positive.
//
// Returns:
//   - The loss and accuracy index sets.
//   - ErrInvalidInputShape on misaligned inputs, ErrSamplingExhaustion when the
//     true-negative pool cannot cover the remaining negatives.
func SelectTrainingIndices(src rand.Source, scores [][]float32, labels [][]int32, negPosRatio int) (*Selection, error) {
	cols, err := checkAligned(scores, labels)
	if err != nil {
		return nil, err
	}
	if negPosRatio < 0 {
		return nil, errors.Errorf("neg_pos_ratio must not be negative, got %d", negPosRatio)
	}

	sel := &Selection{}
	var falsePos, trueNeg []int
	for r := range labels {
		for c := 0; c < cols; c++ {
			gtPos := labels[r][c] != 0
			predPos := scores[r][c] > 0
			switch {
			case gtPos:
				sel.Positives = append(sel.Positives, Index{r, c})
			case predPos:
				falsePos = append(falsePos, r*cols+c)
			default:
				trueNeg = append(trueNeg, r*cols+c)
			}
			if gtPos || predPos {
				sel.Accuracy = append(sel.Accuracy, Index{r, c})
			}
		}
	}
	sel.FalsePositives = len(falsePos)
	sel.NegativeTarget = negPosRatio * max(1, len(sel.Positives))

	var negatives []int
	if len(falsePos) >= sel.NegativeTarget {
		negatives, err = common.Choose(src, falsePos, sel.NegativeTarget)
		if err != nil {
			return nil, errors.Wrap(err, "false positive draw failed")
		}
	} else {
		rest, err := common.Choose(src, trueNeg, sel.NegativeTarget-len(falsePos))
		if err != nil {
			return nil, errors.Wrapf(err, "%d false positives leave %d negatives to fill",
				len(falsePos), sel.NegativeTarget-len(falsePos))
		}
		negatives = append(append(negatives, falsePos...), rest...)
	}

	sel.Negatives = make([]Index, len(negatives))
	for i, flat := range negatives {
		sel.Negatives[i] = Index{Row: flat / cols, Col: flat % cols}
	}
	sel.Loss = make([]Index, 0, len(sel.Positives)+len(sel.Negatives))
	sel.Loss = append(sel.Loss, sel.Positives...)
	sel.Loss = append(sel.Loss, sel.Negatives...)

	if len(sel.Accuracy) == 0 {
		sel.Accuracy = append([]Index(nil), sel.Positives...)
	}
	return sel, nil
}

// SelectTrainingIndicesDense is SelectTrainingIndices over (R, L) float32 scores and int32 labels.
func SelectTrainingIndicesDense(src rand.Source, scores, labels *tensor.Dense, negPosRatio int) (*Selection, error) {
	s, err := common.MatrixFromDense(scores)
	if err != nil {
		return nil, err
	}
	l, err := common.LabelsFromDense(labels)
	if err != nil {
		return nil, err
	}
	return SelectTrainingIndices(src, s, l, negPosRatio)
}

func checkAligned(scores [][]float32, labels [][]int32) (int, error) {
	if len(scores) != len(labels) {
		return 0, errors.Wrapf(common.ErrInvalidInputShape, "%d score rows but %d label rows", len(scores), len(labels))
	}
	if len(labels) == 0 {
		return 0, errors.Wrap(common.ErrInvalidInputShape, "empty score matrix")
	}
	cols := len(labels[0])
	for r := range labels {
		if len(labels[r]) != cols || len(scores[r]) != cols {
			return 0, errors.Wrapf(common.ErrInvalidInputShape,
				"row %d has %d scores and %d labels, expected %d", r, len(scores[r]), len(labels[r]), cols)
		}
	}
	return cols, nil
}
