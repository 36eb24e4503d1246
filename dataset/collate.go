package dataset

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/au-rcnn/common"
)

// MinBoxAreaRatio is the fraction of the image below which a box is dropped
// when an example has too many boxes.
const MinBoxAreaRatio = 0.01

// FitBoxCount resizes one example's ground truth to exactly want rows.
//
// Too many rows first loses every box smaller than MinBoxAreaRatio of the
// image. Too few rows are padded by repeating the first row at the front.
// Whatever is still over is cut from the tail.
//
// Arguments:
//   - boxes: Ground-truth boxes.
//   - labels: Label rows aligned with boxes.
//   - want: Target row count.
//   - imageArea: Image area in pixels.
//
// Returns:
//   - New slices of exactly want rows, and whether anything changed.
func FitBoxCount(boxes []common.Region, labels [][]int32, want int, imageArea float32) ([]common.Region, [][]int32, bool, error) {
	if len(boxes) != len(labels) {
		return nil, nil, false, errors.Wrapf(common.ErrInvalidInputShape, "%d boxes but %d label rows", len(boxes), len(labels))
	}
	if len(boxes) == 0 {
		return nil, nil, false, errors.Wrap(common.ErrInvalidGroundTruth, "nothing to fit")
	}
	if want <= 0 {
		return nil, nil, false, errors.Errorf("box count must be positive, got %d", want)
	}
	if len(boxes) == want {
		return boxes, labels, false, nil
	}

	outBoxes := append([]common.Region(nil), boxes...)
	outLabels := append([][]int32(nil), labels...)

	if len(outBoxes) > want && imageArea > 0 {
		keptBoxes, keptLabels := outBoxes[:0:0], outLabels[:0:0]
		for i, box := range outBoxes {
			if box.Area()/imageArea < MinBoxAreaRatio {
				continue
			}
			keptBoxes = append(keptBoxes, box)
			keptLabels = append(keptLabels, outLabels[i])
		}
		if len(keptBoxes) > 0 {
			outBoxes, outLabels = keptBoxes, keptLabels
		}
	}

	if n := want - len(outBoxes); n > 0 {
		padBoxes := make([]common.Region, n, want)
		padLabels := make([][]int32, n, want)
		for i := range padBoxes {
			padBoxes[i] = append(common.Region(nil), outBoxes[0]...)
			padLabels[i] = append([]int32(nil), outLabels[0]...)
		}
		outBoxes = append(padBoxes, outBoxes...)
		outLabels = append(padLabels, outLabels...)
	}
	return outBoxes[:want], outLabels[:want], true, nil
}

// Example is one item's ground truth before collation.
type Example struct {
	Regions []common.Region `json:"regions"`
	Labels  [][]int32       `json:"labels"`
}

// Collated is a batch of examples padded to a common row count.
type Collated struct {
	// Regions is (B, R', D), padded with PaddingValue.
	Regions [][]common.Region `json:"regions"`
	// Labels is (B, R', L), padded with PaddingValue.
	Labels [][][]int32 `json:"labels"`
	// ValidCount is the number of real rows of each item.
	ValidCount []int `json:"valid_count"`
}

// Collate pads examples to the longest one.
//
// Returns:
//   - The padded batch, or ErrInvalidInputShape when examples disagree on the
//     region dimension or label width.
func Collate(examples []Example) (*Collated, error) {
	if len(examples) == 0 {
		return nil, errors.Wrap(common.ErrInvalidInputShape, "empty batch")
	}
	dim, width, rows := -1, -1, 0
	for i, ex := range examples {
		if len(ex.Regions) != len(ex.Labels) {
			return nil, errors.Wrapf(common.ErrInvalidInputShape,
				"example %d has %d regions but %d label rows", i, len(ex.Regions), len(ex.Labels))
		}
		for r := range ex.Regions {
			if dim < 0 {
				dim, width = len(ex.Regions[r]), len(ex.Labels[r])
			}
			if len(ex.Regions[r]) != dim || len(ex.Labels[r]) != width {
				return nil, errors.Wrapf(common.ErrInvalidInputShape,
					"example %d row %d is %dx%d, expected %dx%d", i, r, len(ex.Regions[r]), len(ex.Labels[r]), dim, width)
			}
		}
		rows = max(rows, len(ex.Regions))
	}
	if dim < 0 {
		return nil, errors.Wrap(common.ErrInvalidInputShape, "no example has a region")
	}

	out := &Collated{
		Regions:    make([][]common.Region, len(examples)),
		Labels:     make([][][]int32, len(examples)),
		ValidCount: make([]int, len(examples)),
	}
	for i, ex := range examples {
		out.ValidCount[i] = len(ex.Regions)
		out.Regions[i] = make([]common.Region, rows)
		out.Labels[i] = make([][]int32, rows)
		for r := 0; r < rows; r++ {
			if r < len(ex.Regions) {
				out.Regions[i][r] = append(common.Region(nil), ex.Regions[r]...)
				out.Labels[i][r] = append([]int32(nil), ex.Labels[r]...)
				continue
			}
			out.Regions[i][r] = common.PadRegion(dim)
			out.Labels[i][r] = common.PadLabel(width)
		}
	}
	return out, nil
}
