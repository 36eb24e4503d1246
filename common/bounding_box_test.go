package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIoU_Correctness validates the IoU implementation against known test cases.
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		r1       Region
		r2       Region
		expected float32
	}{
		{"Identical boxes", Region{0, 0, 10, 10}, Region{0, 0, 10, 10}, 1.0},
		{"No overlap", Region{0, 0, 100, 100}, Region{200, 200, 300, 300}, 0.0},
		{"Touching edges", Region{0, 0, 100, 100}, Region{0, 100, 100, 200}, 0.0},
		{"Quarter overlap", Region{0, 0, 10, 10}, Region{5, 5, 15, 15}, 25.0 / 175.0},
		{"One inside other", Region{0, 0, 100, 100}, Region{25, 25, 75, 75}, 0.25},
		{"Identical segments", Region{3, 9}, Region{3, 9}, 1.0},
		{"Half segment", Region{0, 10}, Region{5, 15}, 5.0 / 15.0},
		{"Disjoint segments", Region{0, 4}, Region{5, 9}, 0.0},
		{"Degenerate boxes", Region{1, 1, 1, 1}, Region{1, 1, 1, 1}, 0.0},
		{"Identical zero-length segments", Region{4, 4}, Region{4, 4}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.r1.IoU(tt.r2)
			assert.InDelta(t, tt.expected, result, 1e-5)

			// IoU(A, B) should equal IoU(B, A)
			assert.InDelta(t, result, tt.r2.IoU(tt.r1), 1e-6)
			assert.GreaterOrEqual(t, result, float32(0))
			assert.LessOrEqual(t, result, float32(1))
		})
	}
}

func TestIoUMatrixAndArgMax(t *testing.T) {
	candidates := []Region{{0, 0, 10, 10}, {5, 5, 15, 15}, {50, 50, 60, 60}}
	gt := []Region{{0, 0, 10, 10}, {5, 5, 15, 15}}

	m := IoUMatrix(candidates, gt)
	require.Len(t, m, 3)
	for _, row := range m {
		require.Len(t, row, 2)
	}

	idx, val := ArgMax(m)
	assert.Equal(t, []int{0, 1, 0}, idx)
	assert.InDelta(t, 1.0, val[0], 1e-6)
	assert.InDelta(t, 1.0, val[1], 1e-6)
	assert.InDelta(t, 0.0, val[2], 1e-6)
}

func TestValidateRegions(t *testing.T) {
	dim, err := ValidateRegions([]Region{{0, 1}, {2, 3}})
	require.NoError(t, err)
	assert.Equal(t, SegmentDim, dim)

	_, err = ValidateRegions([]Region{{0, 0, 1, 1}, {2, 3}})
	assert.ErrorIs(t, err, ErrInvalidInputShape)

	_, err = ValidateRegions([]Region{{0, 0, 1}})
	assert.ErrorIs(t, err, ErrInvalidInputShape)

	_, err = ValidateRegions([]Region{{5, 0, 1, 1}})
	assert.ErrorIs(t, err, ErrInvalidRegion)

	dim, err = ValidateRegions(nil)
	require.NoError(t, err)
	assert.Zero(t, dim)
}

func TestClip(t *testing.T) {
	regions := []Region{{-5, -5, 600, 600}, {10, 20, 30, 40}}
	Clip(regions, 512, 256)
	assert.Equal(t, Region{0, 0, 512, 256}, regions[0])
	assert.Equal(t, Region{10, 20, 30, 40}, regions[1])
}

func TestPadding(t *testing.T) {
	regions := []Region{{0, 0, 1, 1}, PadRegion(4), PadRegion(4)}
	assert.Equal(t, 1, ValidCount(regions))
	assert.True(t, IsPaddingRegion(regions[2]))
	assert.False(t, IsPaddingRegion(Region{-99, 0, -99, -99}))
	assert.True(t, IsPaddingLabel(PadLabel(3)))
	assert.False(t, IsPaddingLabel([]int32{-99, 1}))
}

func TestBatchError(t *testing.T) {
	err := error(&BatchError{BatchIndex: 3, Err: ErrInvalidGroundTruth})
	assert.ErrorIs(t, err, ErrInvalidGroundTruth)
	idx, ok := BatchIndexOf(err)
	assert.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = BatchIndexOf(ErrSamplingExhaustion)
	assert.False(t, ok)
}
