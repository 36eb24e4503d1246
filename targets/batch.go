package targets

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"

	"github.com/nvr-ai/au-rcnn/common"
)

// Batch is a mini-batch of proposals with padded per-item ground truth.
type Batch struct {
	// Rois are the proposals of every item.
	Rois []common.Region `json:"rois"`
	// RoiIndices tags each proposal with its batch item.
	RoiIndices []int `json:"roi_indices"`
	// GTRegions is (B, R', D), padded with common.PaddingValue rows.
	GTRegions [][]common.Region `json:"gt_regions"`
	// GTLabels is (B, R', L), padded the same way.
	GTLabels [][][]int32 `json:"gt_labels"`
	// ValidCount is the number of leading valid rows per item. When nil it is
	// derived by stripping padding rows.
	ValidCount []int `json:"valid_count,omitempty"`
}

// Size returns the number of batch items.
func (b *Batch) Size() int {
	return len(b.GTRegions)
}

// Result is the concatenation of every item's samples along the sample axis.
type Result struct {
	Regions      []common.Region `json:"regions"`
	BatchIndices []int           `json:"batch_indices"`
	Targets      [][]float32     `json:"targets"`
	Labels       [][]int32       `json:"labels"`
	// NumPositive and NumSamples are per batch item.
	NumPositive []int `json:"num_positive"`
	NumSamples  []int `json:"num_samples"`
}

// Len returns the total number of samples.
func (r *Result) Len() int {
	return len(r.Regions)
}

// Split returns the ground truth of one item with the padding removed.
func (b *Batch) Split(item int) ([]common.Region, [][]int32, error) {
	regions := b.GTRegions[item]
	labels := b.GTLabels[item]

	valid := common.ValidCount(regions)
	if b.ValidCount != nil {
		valid = b.ValidCount[item]
	}
	if valid < 0 || valid > len(regions) || valid > len(labels) {
		return nil, nil, errors.Wrapf(common.ErrInvalidInputShape,
			"valid count %d exceeds %d regions / %d labels", valid, len(regions), len(labels))
	}
	for i := 0; i < valid; i++ {
		if common.IsPaddingRegion(regions[i]) || common.IsPaddingLabel(labels[i]) {
			return nil, nil, errors.Wrapf(common.ErrInvalidInputShape, "row %d is padding but lies inside the valid count %d", i, valid)
		}
	}
	return regions[:valid], labels[:valid], nil
}

// RoisOf returns the proposals tagged with the given batch item.
func (b *Batch) RoisOf(item int) []common.Region {
	var out []common.Region
	for i, idx := range b.RoiIndices {
		if idx == item {
			out = append(out, b.Rois[i])
		}
	}
	return out
}

func (b *Batch) validate() error {
	if len(b.GTRegions) != len(b.GTLabels) {
		return errors.Wrapf(common.ErrInvalidInputShape, "%d ground-truth region sets but %d label sets", len(b.GTRegions), len(b.GTLabels))
	}
	if len(b.Rois) != len(b.RoiIndices) {
		return errors.Wrapf(common.ErrInvalidInputShape, "%d proposals but %d batch indices", len(b.Rois), len(b.RoiIndices))
	}
	if b.ValidCount != nil && len(b.ValidCount) != len(b.GTRegions) {
		return errors.Wrapf(common.ErrInvalidInputShape, "%d valid counts for %d batch items", len(b.ValidCount), len(b.GTRegions))
	}
	for i, idx := range b.RoiIndices {
		if idx < 0 || idx >= len(b.GTRegions) {
			return errors.Wrapf(common.ErrInvalidInputShape, "proposal %d has batch index %d outside [0, %d)", i, idx, len(b.GTRegions))
		}
	}
	return nil
}

// Assign runs AssignItem on every batch item and concatenates the results.
//
// Items are processed independently; a failing item aborts the whole batch and
// the returned error carries its index (see common.BatchIndexOf).
//
// Arguments:
//   - src: Random source shared by the sequential per-item draws.
//   - batch: Proposals and padded ground truth.
//
// Returns:
//   - The concatenated samples, or the first item error.
func (a *Assigner) Assign(src rand.Source, batch *Batch) (*Result, error) {
	if err := batch.validate(); err != nil {
		return nil, err
	}
	out := &Result{
		NumPositive: make([]int, batch.Size()),
		NumSamples:  make([]int, batch.Size()),
	}
	for item := 0; item < batch.Size(); item++ {
		gt, labels, err := batch.Split(item)
		if err != nil {
			return nil, &common.BatchError{BatchIndex: item, Err: err}
		}
		res, err := a.AssignItem(src, batch.RoisOf(item), gt, labels)
		if err != nil {
			return nil, &common.BatchError{BatchIndex: item, Err: err}
		}
		out.Regions = append(out.Regions, res.Regions...)
		out.Targets = append(out.Targets, res.Targets...)
		out.Labels = append(out.Labels, res.Labels...)
		for range res.Regions {
			out.BatchIndices = append(out.BatchIndices, item)
		}
		out.NumPositive[item] = res.NumPositive
		out.NumSamples[item] = res.Len()
	}
	return out, nil
}

// DenseResult is a Result packed into tensors.
type DenseResult struct {
	Rois       *tensor.Dense // (S, D) float32
	RoiIndices *tensor.Dense // (S,) int32
	Targets    *tensor.Dense // (S, D) float32
	Labels     *tensor.Dense // (S, L) int32
}

// AssignDense is Assign over tensors.
//
// Arguments:
//   - rois: (R, D) float32 proposals.
//   - roiIndices: (R,) int or int32 batch indices.
//   - gtRegions: (B, R', D) float32 padded ground truth.
//   - gtLabels: (B, R', L) int32 padded labels.
//   - validCount: Valid rows per item, or nil to strip padding.
func (a *Assigner) AssignDense(src rand.Source, rois, roiIndices, gtRegions, gtLabels *tensor.Dense, validCount []int) (*DenseResult, error) {
	batch := &Batch{ValidCount: validCount}
	var err error
	if batch.Rois, err = common.RegionsFromDense(rois); err != nil {
		return nil, err
	}
	if batch.RoiIndices, err = common.IndicesFromDense(roiIndices); err != nil {
		return nil, err
	}
	gt, err := native.Tensor3F32(gtRegions)
	if err != nil {
		return nil, errors.Wrap(err, "ground-truth regions must be a (B, R', D) float32 tensor")
	}
	for _, item := range gt {
		regions := make([]common.Region, len(item))
		for i, row := range item {
			regions[i] = append(common.Region(nil), row...)
		}
		batch.GTRegions = append(batch.GTRegions, regions)
	}
	labels, err := native.Tensor3I32(gtLabels)
	if err != nil {
		return nil, errors.Wrap(err, "ground-truth labels must be a (B, R', L) int32 tensor")
	}
	for _, item := range labels {
		rows := make([][]int32, len(item))
		for i, row := range item {
			rows[i] = append([]int32(nil), row...)
		}
		batch.GTLabels = append(batch.GTLabels, rows)
	}

	res, err := a.Assign(src, batch)
	if err != nil {
		return nil, err
	}
	out := &DenseResult{}
	if out.Rois, err = common.RegionsToDense(res.Regions); err != nil {
		return nil, err
	}
	if out.RoiIndices, err = common.IndicesToDense(res.BatchIndices); err != nil {
		return nil, err
	}
	if out.Targets, err = common.MatrixToDense(res.Targets); err != nil {
		return nil, err
	}
	if out.Labels, err = common.LabelsToDense(res.Labels); err != nil {
		return nil, err
	}
	return out, nil
}
