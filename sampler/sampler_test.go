package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/au-rcnn/common"
)

func filled(rows, cols int, v float32) [][]float32 {
	out := make([][]float32, rows)
	for r := range out {
		out[r] = make([]float32, cols)
		for c := range out[r] {
			out[r][c] = v
		}
	}
	return out
}

func zeros(rows, cols int) [][]int32 {
	out := make([][]int32, rows)
	for r := range out {
		out[r] = make([]int32, cols)
	}
	return out
}

func indexSet(idx []Index) map[Index]bool {
	out := make(map[Index]bool, len(idx))
	for _, i := range idx {
		out[i] = true
	}
	return out
}

func TestSelect_ScenarioC_NoPositives(t *testing.T) {
	scores := filled(4, 5, -1)
	labels := zeros(4, 5)

	sel, err := SelectTrainingIndices(rand.NewSource(1), scores, labels, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, sel.NegativeTarget)
	assert.Empty(t, sel.Positives)
	assert.Len(t, sel.Loss, 3)
	assert.Len(t, indexSet(sel.Loss), 3, "negatives are drawn without replacement")
	// Nothing predicted, nothing labelled.
	assert.Empty(t, sel.Accuracy)
}

func TestSelect_ScenarioD_FillsFromTrueNegatives(t *testing.T) {
	scores := filled(3, 4, -2)
	labels := zeros(3, 4)
	labels[0][0] = 1
	scores[1][1] = 0.7
	scores[2][2] = 3.1

	sel, err := SelectTrainingIndices(rand.NewSource(4), scores, labels, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, sel.NegativeTarget)
	assert.Equal(t, 2, sel.FalsePositives)
	assert.Len(t, sel.Negatives, 5)
	assert.Len(t, sel.Loss, 1+5)

	neg := indexSet(sel.Negatives)
	assert.True(t, neg[Index{1, 1}])
	assert.True(t, neg[Index{2, 2}])
	assert.False(t, neg[Index{0, 0}])
	for i := range neg {
		assert.Zero(t, labels[i.Row][i.Col])
	}
}

func TestSelect_HardNegativesOnly(t *testing.T) {
	scores := filled(2, 6, 1)
	labels := zeros(2, 6)
	labels[0][0] = 1
	labels[1][3] = 1

	sel, err := SelectTrainingIndices(rand.NewSource(8), scores, labels, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, sel.FalsePositives)
	assert.Equal(t, 6, sel.NegativeTarget)
	for _, i := range sel.Negatives {
		assert.Zero(t, labels[i.Row][i.Col])
		assert.Greater(t, scores[i.Row][i.Col], float32(0))
	}
	// Every entry is predicted positive, so accuracy covers the whole matrix.
	assert.Len(t, sel.Accuracy, 12)
}

func TestSelect_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	for trial := 0; trial < 30; trial++ {
		rows, cols := 4+trial%5, 12
		scores := make([][]float32, rows)
		labels := zeros(rows, cols)
		for r := range scores {
			scores[r] = make([]float32, cols)
			for c := range scores[r] {
				scores[r][c] = rng.Float32()*4 - 3
				if rng.Float32() < 0.05 {
					labels[r][c] = 1
				}
			}
		}

		sel, err := SelectTrainingIndices(rand.NewSource(uint64(trial)), scores, labels, 3)
		require.NoError(t, err)

		pos := indexSet(sel.Positives)
		neg := indexSet(sel.Negatives)
		for _, i := range sel.Loss {
			assert.True(t, pos[i] || neg[i])
		}
		assert.Len(t, sel.Loss, len(sel.Positives)+sel.NegativeTarget)

		acc := indexSet(sel.Accuracy)
		for i := range pos {
			assert.True(t, acc[i], "accuracy set must contain every positive")
		}
	}
}

// The ignore label (-1) is nonzero, so it is treated as a ground-truth positive
// when building the false-positive set and the loss set.
func TestSelect_IgnoreLabelCountsAsPositive(t *testing.T) {
	scores := [][]float32{{2, -1, -1, -1}, {-1, -1, -1, -1}}
	labels := [][]int32{{-1, 0, 0, 0}, {0, 0, 0, 0}}

	sel, err := SelectTrainingIndices(rand.NewSource(2), scores, labels, 1)
	require.NoError(t, err)
	assert.Equal(t, []Index{{0, 0}}, sel.Positives)
	assert.Zero(t, sel.FalsePositives)
	assert.Contains(t, sel.Loss, Index{0, 0})
	assert.Len(t, sel.Loss, 2)
}

func TestSelect_Exhaustion(t *testing.T) {
	scores := [][]float32{{-1, -1}}
	labels := [][]int32{{1, 0}}

	_, err := SelectTrainingIndices(rand.NewSource(1), scores, labels, 3)
	assert.ErrorIs(t, err, common.ErrSamplingExhaustion)
}

func TestSelect_ZeroRatio(t *testing.T) {
	scores := [][]float32{{1, -1}}
	labels := [][]int32{{1, 0}}

	sel, err := SelectTrainingIndices(rand.NewSource(1), scores, labels, 0)
	require.NoError(t, err)
	assert.Empty(t, sel.Negatives)
	assert.Equal(t, []Index{{0, 0}}, sel.Loss)
}

func TestSelect_ShapeErrors(t *testing.T) {
	_, err := SelectTrainingIndices(rand.NewSource(1), filled(2, 3, 0), zeros(3, 3), 3)
	assert.ErrorIs(t, err, common.ErrInvalidInputShape)

	_, err = SelectTrainingIndices(rand.NewSource(1), [][]float32{{0, 0}, {0}}, zeros(2, 2), 3)
	assert.ErrorIs(t, err, common.ErrInvalidInputShape)

	_, err = SelectTrainingIndices(rand.NewSource(1), nil, nil, 3)
	assert.ErrorIs(t, err, common.ErrInvalidInputShape)

	_, err = SelectTrainingIndices(rand.NewSource(1), filled(1, 1, 0), zeros(1, 1), -1)
	assert.Error(t, err)
}

func TestSelect_Deterministic(t *testing.T) {
	scores := filled(6, 6, -1)
	labels := zeros(6, 6)
	labels[2][3] = 1

	a, err := SelectTrainingIndices(rand.NewSource(99), scores, labels, 4)
	require.NoError(t, err)
	b, err := SelectTrainingIndices(rand.NewSource(99), scores, labels, 4)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSelectDense(t *testing.T) {
	scores := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, -1, -1, -1}))
	labels := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]int32{1, 0, 0, 0}))

	sel, err := SelectTrainingIndicesDense(rand.NewSource(1), scores, labels, 2)
	require.NoError(t, err)
	assert.Len(t, sel.Loss, 3)
}
