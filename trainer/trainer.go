// Package trainer - one AU R-CNN training step over a padded batch, and a bounded concurrent runner.
package trainer

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/au-rcnn/common"
	"github.com/nvr-ai/au-rcnn/config"
	"github.com/nvr-ai/au-rcnn/dataset"
	"github.com/nvr-ai/au-rcnn/loss"
	"github.com/nvr-ai/au-rcnn/profiler"
	"github.com/nvr-ai/au-rcnn/sampler"
	"github.com/nvr-ai/au-rcnn/targets"
)

// Head is the region classifier: it scores every sampled region for every
// label column. Backbone, RoI pooling and weights live behind it.
type Head interface {
	Forward(rois []common.Region, roiIndices []int) ([][]float32, error)
}

// HeadFunc adapts a function to Head.
type HeadFunc func(rois []common.Region, roiIndices []int) ([][]float32, error)

// Forward calls f.
func (f HeadFunc) Forward(rois []common.Region, roiIndices []int) ([][]float32, error) {
	return f(rois, roiIndices)
}

// StepResult is the outcome of one training step.
type StepResult struct {
	Loss     float32 `json:"loss"`
	Accuracy float32 `json:"accuracy"`
	// Grad is d(Loss)/d(score) aligned with Scores; entries outside the loss
	// index set are zero.
	Grad   [][]float32 `json:"-"`
	Scores [][]float32 `json:"-"`
	// Targets holds the sampled regions, their batch indices, regression
	// targets and labels.
	Targets     *targets.Result    `json:"-"`
	Selection   *sampler.Selection `json:"-"`
	NumSamples  int                `json:"num_samples"`
	NumPositive int                `json:"num_positive"`
	LossEntries int                `json:"loss_entries"`
}

// Chain wires the assigner, the head, the sampler and the loss together.
type Chain struct {
	assigner      *targets.Assigner
	head          Head
	negPosRatio   int
	reportColumns []int
	profiler      *profiler.Profiler
	logger        log.FieldLogger
}

// Option configures a Chain.
type Option func(*Chain)

// WithProfiler records step timings and metrics.
func WithProfiler(p *profiler.Profiler) Option {
	return func(c *Chain) { c.profiler = p }
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l log.FieldLogger) Option {
	return func(c *Chain) { c.logger = l }
}

// NewChain builds a Chain from a validated configuration.
//
// Arguments:
//   - cfg: Target, normalization, sampler and trainer parameters.
//   - head: The region classifier.
//
// Returns:
//   - The chain, or an error when cfg is invalid, asks for single-label
//     targets, or head is nil.
func NewChain(cfg *config.Config, head Head, opts ...Option) (*Chain, error) {
	if head == nil {
		return nil, errors.New("trainer: nil head")
	}
	if err := cfg.Sampler.Validate(); err != nil {
		return nil, errors.Wrap(err, "trainer")
	}
	// The sampler and the sigmoid loss need 0/1 label matrices.
	if cfg.Targets.LabelMode != targets.LabelModeMulti {
		return nil, errors.Errorf("trainer: label mode %q is not supported, the chain needs %q labels",
			cfg.Targets.LabelMode, targets.LabelModeMulti)
	}
	a, err := targets.NewAssigner(cfg.Targets, cfg.Normalization)
	if err != nil {
		return nil, errors.Wrap(err, "trainer")
	}
	c := &Chain{
		assigner:      a,
		head:          head,
		negPosRatio:   cfg.Sampler.NegPosRatio,
		reportColumns: cfg.Trainer.ReportColumns,
		logger:        log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chain) time(name string) func() {
	if c.profiler == nil {
		return func() {}
	}
	return c.profiler.StartOperation(name)
}

// Step runs one training step.
//
// The batch goes through the assigner, the sampled regions are scored by the
// head, the sampler picks the label entries, and the loss and accuracy are
// computed over them. Any error aborts the step; errors tied to a batch item
// are logged with its index.
//
// Arguments:
//   - src: Random source shared by the assigner and the sampler draws.
//   - batch: Proposals and padded ground truth.
func (c *Chain) Step(src rand.Source, batch *targets.Batch) (*StepResult, error) {
	defer c.time("step")()

	stop := c.time("assign")
	assigned, err := c.assigner.Assign(src, batch)
	stop()
	if err != nil {
		if item, ok := common.BatchIndexOf(err); ok {
			c.logger.WithField("batch_index", item).WithError(err).Error("target assignment failed")
		}
		return nil, errors.Wrap(err, "assign")
	}

	stop = c.time("head")
	scores, err := c.head.Forward(assigned.Regions, assigned.BatchIndices)
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "head forward")
	}
	if len(scores) != assigned.Len() {
		return nil, errors.Wrapf(common.ErrInvalidInputShape, "head returned %d rows for %d regions", len(scores), assigned.Len())
	}

	stop = c.time("sample")
	sel, err := sampler.SelectTrainingIndices(src, scores, assigned.Labels, c.negPosRatio)
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "select training indices")
	}

	x, t, err := loss.Gather(scores, assigned.Labels, sel.Loss)
	if err != nil {
		return nil, err
	}
	stop = c.time("loss")
	lossRes, err := loss.SigmoidCrossEntropy(x, t)
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "loss")
	}

	accIdx := c.reportIndices(sel.Accuracy)
	ax, at, err := loss.Gather(scores, assigned.Labels, accIdx)
	if err != nil {
		return nil, err
	}
	acc, err := loss.BinaryAccuracy(ax, at)
	if err != nil {
		return nil, errors.Wrap(err, "accuracy")
	}

	grad := make([][]float32, len(scores))
	for r := range grad {
		grad[r] = make([]float32, len(scores[r]))
	}
	for k, i := range sel.Loss {
		grad[i.Row][i.Col] += lossRes.Grad[k]
	}

	res := &StepResult{
		Loss:        lossRes.Loss,
		Accuracy:    acc,
		Grad:        grad,
		Scores:      scores,
		Targets:     assigned,
		Selection:   sel,
		NumSamples:  assigned.Len(),
		LossEntries: len(sel.Loss),
	}
	for _, n := range assigned.NumPositive {
		res.NumPositive += n
	}

	if c.profiler != nil {
		c.profiler.RecordMetric("loss", float64(res.Loss))
		c.profiler.RecordMetric("accuracy", float64(res.Accuracy))
		c.profiler.RecordMetric("samples", float64(res.NumSamples))
		c.profiler.RecordMetric("false_positives", float64(sel.FalsePositives))
	}
	c.logger.WithFields(log.Fields{
		"loss":        res.Loss,
		"accuracy":    res.Accuracy,
		"samples":     res.NumSamples,
		"positives":   res.NumPositive,
		"loss_labels": res.LossEntries,
	}).Debug("step")
	return res, nil
}

// reportIndices keeps the accuracy entries whose column is reported.
func (c *Chain) reportIndices(idx []sampler.Index) []sampler.Index {
	if len(c.reportColumns) == 0 {
		return idx
	}
	keep := make(map[int]bool, len(c.reportColumns))
	for _, col := range c.reportColumns {
		keep[col] = true
	}
	out := make([]sampler.Index, 0, len(idx))
	for _, i := range idx {
		if keep[i.Col] {
			out = append(out, i)
		}
	}
	return out
}

// Run performs one Step per batch on at most workers goroutines. Batch i draws
// from rand.NewSource(seed + i), so results do not depend on scheduling.
//
// Returns:
//   - One result per batch, in input order. The first error cancels the
//     remaining batches.
func (c *Chain) Run(ctx context.Context, batches []*targets.Batch, seed uint64, workers int) ([]*StepResult, error) {
	if workers <= 0 {
		return nil, errors.Errorf("trainer: workers must be positive, got %d", workers)
	}
	results := make([]*StepResult, len(batches))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := c.Step(rand.NewSource(seed+uint64(i)), batch)
			if err != nil {
				c.logger.WithField("batch", i).WithError(err).Warn("step failed")
				return errors.Wrapf(err, "batch %d", i)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Collate fits every example to the configured box count and pads the batch.
//
// Examples with the wrong number of boxes are logged and fitted with
// dataset.FitBoxCount before collation.
func Collate(au dataset.AUConfig, rois []common.Region, roiIndices []int, examples []dataset.Example) (*targets.Batch, error) {
	fitted := make([]dataset.Example, len(examples))
	for i, ex := range examples {
		boxes, labels, changed, err := dataset.FitBoxCount(ex.Regions, ex.Labels, au.BoxNum, au.ImageArea())
		if err != nil {
			return nil, &common.BatchError{BatchIndex: i, Err: err}
		}
		if changed {
			log.WithFields(log.Fields{"batch_index": i, "boxes": len(ex.Regions), "want": au.BoxNum}).
				Warn("refitted ground-truth box count")
		}
		fitted[i] = dataset.Example{Regions: boxes, Labels: labels}
	}
	collated, err := dataset.Collate(fitted)
	if err != nil {
		return nil, err
	}
	return &targets.Batch{
		Rois:       rois,
		RoiIndices: roiIndices,
		GTRegions:  collated.Regions,
		GTLabels:   collated.Labels,
		ValidCount: collated.ValidCount,
	}, nil
}
