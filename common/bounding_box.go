// Package common - region geometry shared by the target assigner and the dataset collate.
package common

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

const (
	// SegmentDim is the length of a temporal segment (start, end).
	SegmentDim = 2
	// BoxDim is the length of a box (ymin, xmin, ymax, xmax).
	BoxDim = 4
)

// Region is a 1-D segment or a 2-D box.
//
// The first half of the values holds the lower corner and the second half the
// upper corner, one entry per axis. Boxes therefore use (ymin, xmin, ymax, xmax)
// and segments use (start, end).
type Region []float32

// Axes returns the number of axes the region spans.
func (r Region) Axes() int {
	return len(r) / 2
}

// Size returns the extent of the region along the given axis.
func (r Region) Size(axis int) float32 {
	return r[axis+r.Axes()] - r[axis]
}

// Center returns the midpoint of the region along the given axis.
func (r Region) Center(axis int) float32 {
	return r[axis] + 0.5*r.Size(axis)
}

// Area returns the length of a segment or the area of a box. Inverted regions have zero area.
func (r Region) Area() float32 {
	area := float32(1)
	for axis := 0; axis < r.Axes(); axis++ {
		area *= math32.Max(r.Size(axis), 0)
	}
	return area
}

func (r Region) String() string {
	if r.Axes() == 1 {
		return fmt.Sprintf("Segment (%.2f, %.2f)", r[0], r[1])
	}
	return fmt.Sprintf("Box (%.2f, %.2f), (%.2f, %.2f)", r[0], r[1], r[2], r[3])
}

// Intersection calculates the overlap between two regions of the same dimension.
//
// Arguments:
//   - other: The region to intersect with.
//
// Returns:
//   - The overlapping length (segments) or area (boxes). Zero when disjoint.
func (r Region) Intersection(other Region) float32 {
	k := r.Axes()
	inter := float32(1)
	for axis := 0; axis < k; axis++ {
		lo := math32.Max(r[axis], other[axis])
		hi := math32.Min(r[axis+k], other[axis+k])
		if hi <= lo {
			return 0
		}
		inter *= hi - lo
	}
	return inter
}

// IoU calculates the Intersection over Union between two regions.
//
// Union follows inclusion-exclusion: Area(A) + Area(B) - Intersection(A, B).
// A zero union (two degenerate regions) yields 0 rather than NaN.
//
// Arguments:
//   - other: The other region to compare against.
//
// Returns:
//   - The IoU value in [0, 1].
//
// Two zero-area regions have no union, so their IoU is 0 even when identical.
//
// @example
// a := Region{0, 0, 10, 10}
// b := Region{5, 5, 15, 15}
// iou := a.IoU(b) // 25 / 175 ≈ 0.142857
func (r Region) IoU(other Region) float32 {
	inter := r.Intersection(other)
	if inter <= 0 {
		return 0
	}
	union := r.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return math32.Min(inter/union, 1)
}

// IoUMatrix computes the dense (len(a) x len(b)) IoU matrix between two region sets.
func IoUMatrix(a, b []Region) [][]float32 {
	out := make([][]float32, len(a))
	for i := range a {
		row := make([]float32, len(b))
		for j := range b {
			row[j] = a[i].IoU(b[j])
		}
		out[i] = row
	}
	return out
}

// ArgMax returns the column index and value of the largest entry in each row.
// Ties resolve to the lowest column.
func ArgMax(m [][]float32) ([]int, []float32) {
	idx := make([]int, len(m))
	val := make([]float32, len(m))
	for i, row := range m {
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		idx[i] = best
		if len(row) > 0 {
			val[i] = row[best]
		}
	}
	return idx, val
}

// ValidateRegions checks that every region has the same supported dimension and
// is not inverted.
//
// Returns:
//   - The shared dimension (SegmentDim or BoxDim), 0 for an empty set.
//   - ErrInvalidInputShape on mixed or unsupported lengths, ErrInvalidRegion on inverted regions.
func ValidateRegions(regions []Region) (int, error) {
	if len(regions) == 0 {
		return 0, nil
	}
	dim := len(regions[0])
	if dim != SegmentDim && dim != BoxDim {
		return 0, errors.Wrapf(ErrInvalidInputShape, "region length %d is neither %d nor %d", dim, SegmentDim, BoxDim)
	}
	for i, r := range regions {
		if len(r) != dim {
			return 0, errors.Wrapf(ErrInvalidInputShape, "region %d has length %d, expected %d", i, len(r), dim)
		}
		for axis := 0; axis < r.Axes(); axis++ {
			if r.Size(axis) < 0 {
				return 0, errors.Wrapf(ErrInvalidRegion, "region %d is inverted: %v", i, r)
			}
		}
	}
	return dim, nil
}

// Clip clamps every box coordinate into [0, height] x [0, width] in place, the
// way proposals are clipped before region pooling.
func Clip(regions []Region, height, width float32) {
	for _, r := range regions {
		if len(r) != BoxDim {
			continue
		}
		r[0] = math32.Min(math32.Max(r[0], 0), height)
		r[2] = math32.Min(math32.Max(r[2], 0), height)
		r[1] = math32.Min(math32.Max(r[1], 0), width)
		r[3] = math32.Min(math32.Max(r[3], 0), width)
	}
}
