package trainer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/nvr-ai/au-rcnn/common"
	"github.com/nvr-ai/au-rcnn/config"
	"github.com/nvr-ai/au-rcnn/dataset"
	"github.com/nvr-ai/au-rcnn/profiler"
	"github.com/nvr-ai/au-rcnn/targets"
)

// firstColumnHead predicts the first label column for every region.
var firstColumnHead = HeadFunc(func(rois []common.Region, _ []int) ([][]float32, error) {
	out := make([][]float32, len(rois))
	for i := range out {
		out[i] = []float32{2, -1, -1}
	}
	return out, nil
})

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Targets.NSample = 4
	cfg.Targets.PosRatio = 0.5
	cfg.Sampler.NegPosRatio = 1
	return cfg
}

func testBatch() *targets.Batch {
	pad := common.PadRegion(common.BoxDim)
	return &targets.Batch{
		Rois: []common.Region{
			{0, 0, 10, 10}, {5, 5, 15, 15},
			{20, 20, 40, 40}, {60, 60, 80, 80}, {21, 21, 41, 41},
		},
		RoiIndices: []int{0, 0, 1, 1, 1},
		GTRegions: [][]common.Region{
			{{0, 0, 10, 10}, pad},
			{{20, 20, 40, 40}, {60, 60, 80, 80}},
		},
		GTLabels: [][][]int32{
			{{1, 0, 0}, common.PadLabel(3)},
			{{0, 1, 0}, {0, 0, 1}},
		},
	}
}

func newChain(t *testing.T, head Head, opts ...Option) *Chain {
	t.Helper()
	c, err := NewChain(testConfig(), head, opts...)
	require.NoError(t, err)
	return c
}

func TestNewChain_Errors(t *testing.T) {
	_, err := NewChain(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Targets.NSample = 0
	_, err = NewChain(cfg, firstColumnHead)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Sampler.NegPosRatio = -2
	_, err = NewChain(cfg, firstColumnHead)
	assert.Error(t, err)
}

func TestNewChain_RejectsSingleLabelMode(t *testing.T) {
	cfg := testConfig()
	cfg.Targets.LabelMode = targets.LabelModeSingle
	require.NoError(t, cfg.Validate())

	_, err := NewChain(cfg, firstColumnHead)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label mode")
}

func TestStep(t *testing.T) {
	p := profiler.New(profiler.Options{})
	c := newChain(t, firstColumnHead, WithProfiler(p))

	res, err := c.Step(rand.NewSource(1), testBatch())
	require.NoError(t, err)

	// Item 0: two positives and one background region. Item 1: two positives,
	// no background in [0, 0.5).
	assert.Equal(t, 5, res.NumSamples)
	assert.Equal(t, 4, res.NumPositive)
	assert.Len(t, res.Selection.Positives, 4)
	assert.Equal(t, 3, res.Selection.FalsePositives)
	assert.Equal(t, 8, res.LossEntries)

	assert.Greater(t, res.Loss, float32(0))
	assert.GreaterOrEqual(t, res.Accuracy, float32(0))
	assert.LessOrEqual(t, res.Accuracy, float32(1))

	inLoss := make(map[[2]int]bool)
	for _, i := range res.Selection.Loss {
		inLoss[[2]int{i.Row, i.Col}] = true
	}
	for r := range res.Grad {
		for c := range res.Grad[r] {
			if !inLoss[[2]int{r, c}] {
				assert.Zero(t, res.Grad[r][c])
			} else {
				assert.NotZero(t, res.Grad[r][c])
			}
		}
	}

	s := p.Snapshot()
	names := make([]string, 0, len(s.Timings))
	for _, op := range s.Timings {
		names = append(names, op.Name)
	}
	assert.Equal(t, []string{"assign", "head", "loss", "sample", "step"}, names)
}

func TestStep_ReportColumns(t *testing.T) {
	cfg := testConfig()
	cfg.Trainer.ReportColumns = []int{1}
	c, err := NewChain(cfg, firstColumnHead)
	require.NoError(t, err)

	res, err := c.Step(rand.NewSource(1), testBatch())
	require.NoError(t, err)
	// Column 1 is never predicted, so every reported entry is a miss.
	assert.Zero(t, res.Accuracy)
}

func TestStep_Errors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	c := newChain(t, firstColumnHead, WithLogger(logger))

	batch := testBatch()
	batch.GTRegions[1] = []common.Region{common.PadRegion(4), common.PadRegion(4)}
	_, err := c.Step(rand.NewSource(1), batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInvalidGroundTruth)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, 1, hook.LastEntry().Data["batch_index"])

	short := newChain(t, HeadFunc(func(rois []common.Region, _ []int) ([][]float32, error) {
		return make([][]float32, len(rois)-1), nil
	}))
	_, err = short.Step(rand.NewSource(1), testBatch())
	assert.ErrorIs(t, err, common.ErrInvalidInputShape)

	boom := errors.New("boom")
	failing := newChain(t, HeadFunc(func([]common.Region, []int) ([][]float32, error) { return nil, boom }))
	_, err = failing.Step(rand.NewSource(1), testBatch())
	assert.ErrorIs(t, err, boom)
}

func TestRun_MatchesSequentialSteps(t *testing.T) {
	c := newChain(t, firstColumnHead)
	batches := []*targets.Batch{testBatch(), testBatch(), testBatch()}

	results, err := c.Run(context.Background(), batches, 10, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, batch := range batches {
		want, err := c.Step(rand.NewSource(10+uint64(i)), batch)
		require.NoError(t, err)
		assert.Equal(t, want.Loss, results[i].Loss)
		assert.Equal(t, want.Selection, results[i].Selection)
	}
}

func TestRun_Errors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := newChain(t, firstColumnHead, WithLogger(logger))

	bad := testBatch()
	bad.RoiIndices = bad.RoiIndices[:1]
	_, err := c.Run(context.Background(), []*targets.Batch{testBatch(), bad}, 0, 1)
	assert.ErrorIs(t, err, common.ErrInvalidInputShape)

	_, err = c.Run(context.Background(), nil, 0, 0)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Run(ctx, []*targets.Batch{testBatch()}, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollate(t *testing.T) {
	au := dataset.AUConfig{BoxNum: 2, ImageWidth: 100, ImageHeight: 100}
	batch, err := Collate(au,
		[]common.Region{{0, 0, 50, 50}},
		[]int{0},
		[]dataset.Example{
			{Regions: []common.Region{{0, 0, 50, 50}}, Labels: [][]int32{{1}}},
			{Regions: []common.Region{{0, 0, 50, 50}, {50, 50, 100, 100}, {0, 0, 60, 60}}, Labels: [][]int32{{0}, {1}, {1}}},
		})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, batch.ValidCount)
	assert.Equal(t, 2, batch.Size())
	assert.Equal(t, common.Region{0, 0, 50, 50}, batch.GTRegions[0][1])

	_, err = Collate(au, nil, nil, []dataset.Example{{}})
	idx, ok := common.BatchIndexOf(err)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}
