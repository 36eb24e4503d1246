package targets

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/nvr-ai/au-rcnn/common"
)

// Assigner matches region proposals to ground truth and samples a fixed-size
// foreground/background subset for training the region head.
//
// An Assigner holds only configuration. It is safe for concurrent use as long
// as every call receives its own random source.
type Assigner struct {
	config Config
	norm   common.Normalization
}

// NewAssigner creates an Assigner.
//
// Arguments:
//   - config: Sampling parameters.
//   - norm: Mean and std applied to encoded regression targets. Its length fixes
//     the region dimension the Assigner accepts.
//
// Returns:
//   - A configured Assigner, or an error when either argument is invalid.
func NewAssigner(config Config, norm common.Normalization) (*Assigner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid assigner config")
	}
	dim := len(norm.Mean)
	if dim != common.SegmentDim && dim != common.BoxDim {
		return nil, errors.Wrapf(common.ErrInvalidInputShape, "normalization length %d matches no region type", dim)
	}
	if err := norm.Validate(dim); err != nil {
		return nil, errors.Wrap(err, "invalid normalization")
	}
	return &Assigner{config: config, norm: norm}, nil
}

// Config returns the sampling parameters.
func (a *Assigner) Config() Config {
	return a.config
}

// PositivesPerItem returns round(NSample * PosRatio), rounding halves to even.
func (a *Assigner) PositivesPerItem() int {
	return int(math.RoundToEven(float64(a.config.NSample) * float64(a.config.PosRatio)))
}

// ItemResult holds the samples drawn for one batch item. Positives come first.
type ItemResult struct {
	// Regions are the sampled regions, drawn from proposals plus ground truth.
	Regions []common.Region
	// Targets are the normalized regression targets towards the assigned ground truth.
	Targets [][]float32
	// Labels are the per-sample labels. Rows past NumPositive are all zero.
	Labels [][]int32
	// GTIndex is the assigned (argmax IoU) ground-truth row of every sample.
	GTIndex []int
	// MaxIoU is the IoU with the assigned ground truth.
	MaxIoU []float32
	// NumPositive is the number of leading foreground samples.
	NumPositive int
}

// Len returns the number of samples.
func (r *ItemResult) Len() int {
	return len(r.Regions)
}

// AssignItem samples training targets for a single batch item.
//
// The ground-truth regions are appended to the proposal pool so that every
// ground truth is itself a guaranteed positive. Each pooled region is matched
// to the ground truth of highest IoU; regions at or above PosIoUThresh are
// foreground, regions in [NegIoUThreshLo, NegIoUThreshHi) that are not
// foreground are background, and everything else is dropped.
//
// Arguments:
//   - src: Random source for the foreground and background draws.
//   - rois: Proposals of this item.
//   - gt: Valid ground-truth regions of this item, padding already removed.
//   - labels: One label row per ground-truth region.
//
// Returns:
//   - The sampled regions with their targets and labels.
//   - ErrInvalidGroundTruth when gt is empty, ErrInvalidInputShape on mismatched inputs.
func (a *Assigner) AssignItem(src rand.Source, rois, gt []common.Region, labels [][]int32) (*ItemResult, error) {
	if len(gt) == 0 {
		return nil, errors.Wrap(common.ErrInvalidGroundTruth, "no valid ground-truth regions")
	}
	if len(labels) != len(gt) {
		return nil, errors.Wrapf(common.ErrInvalidInputShape, "%d label rows for %d ground-truth regions", len(labels), len(gt))
	}
	width, err := a.labelWidth(labels)
	if err != nil {
		return nil, err
	}

	pool := make([]common.Region, 0, len(rois)+len(gt))
	pool = append(pool, rois...)
	pool = append(pool, gt...)
	dim, err := common.ValidateRegions(pool)
	if err != nil {
		return nil, err
	}
	if dim != len(a.norm.Mean) {
		return nil, errors.Wrapf(common.ErrInvalidInputShape, "regions of length %d, normalization of length %d", dim, len(a.norm.Mean))
	}

	assignment, maxIoU := common.ArgMax(common.IoUMatrix(pool, gt))

	var posPool, negPool []int
	for i, iou := range maxIoU {
		switch {
		case iou >= a.config.PosIoUThresh:
			posPool = append(posPool, i)
		case iou >= a.config.NegIoUThreshLo && iou < a.config.NegIoUThreshHi:
			negPool = append(negPool, i)
		}
	}

	numPos := min(a.PositivesPerItem(), len(posPool))
	pos, err := common.Choose(src, posPool, numPos)
	if err != nil {
		return nil, errors.Wrap(err, "foreground draw failed")
	}
	numNeg := min(a.config.NSample-numPos, len(negPool))
	neg, err := common.Choose(src, negPool, numNeg)
	if err != nil {
		return nil, errors.Wrap(err, "background draw failed")
	}

	keep := append(pos, neg...)
	result := &ItemResult{
		Regions:     make([]common.Region, len(keep)),
		Targets:     make([][]float32, len(keep)),
		Labels:      make([][]int32, len(keep)),
		GTIndex:     make([]int, len(keep)),
		MaxIoU:      make([]float32, len(keep)),
		NumPositive: numPos,
	}
	for k, i := range keep {
		g := assignment[i]
		region := append(common.Region(nil), pool[i]...)
		result.Regions[k] = region
		result.GTIndex[k] = g
		result.MaxIoU[k] = maxIoU[i]
		result.Targets[k] = a.norm.Normalize(common.Encode(region, gt[g]))
		if k < numPos {
			result.Labels[k] = a.foregroundLabel(labels[g])
		} else {
			result.Labels[k] = make([]int32, width)
		}
	}
	return result, nil
}

func (a *Assigner) labelWidth(labels [][]int32) (int, error) {
	width := len(labels[0])
	if a.config.LabelMode == LabelModeSingle && width != 1 {
		return 0, errors.Wrapf(common.ErrInvalidInputShape, "single-label mode expects one class per row, got %d", width)
	}
	if width == 0 {
		return 0, errors.Wrap(common.ErrInvalidInputShape, "empty label row")
	}
	for i, row := range labels {
		if len(row) != width {
			return 0, errors.Wrapf(common.ErrInvalidInputShape, "label row %d has %d entries, expected %d", i, len(row), width)
		}
	}
	return width, nil
}

func (a *Assigner) foregroundLabel(gt []int32) []int32 {
	if a.config.LabelMode == LabelModeSingle {
		return []int32{gt[0] + 1}
	}
	return append([]int32(nil), gt...)
}
