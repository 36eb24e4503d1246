package common

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// eps is the float32 machine epsilon. Sizes are clamped to it so degenerate
// regions give finite offsets.
const eps float32 = 1.1920929e-07

// Encode computes the offsets and scales that move src onto dst.
//
// For each axis the first half of the result holds the center shift relative to
// the source size and the second half holds the log size ratio. Boxes produce
// (dy, dx, dh, dw) and segments produce (dx, dw).
//
// Arguments:
//   - src: The region being regressed (a sampled proposal).
//   - dst: The target region (its assigned ground truth).
//
// Returns:
//   - The encoded location, same length as src.
func Encode(src, dst Region) []float32 {
	k := src.Axes()
	loc := make([]float32, len(src))
	for axis := 0; axis < k; axis++ {
		size := math32.Max(src.Size(axis), eps)
		dstSize := math32.Max(dst.Size(axis), eps)
		loc[axis] = (dst.Center(axis) - src.Center(axis)) / size
		loc[axis+k] = math32.Log(dstSize / size)
	}
	return loc
}

// Decode applies encoded offsets to src and returns the resulting region. It is the inverse of Encode.
func Decode(src Region, loc []float32) Region {
	k := src.Axes()
	out := make(Region, len(src))
	for axis := 0; axis < k; axis++ {
		size := src.Size(axis)
		center := loc[axis]*size + src.Center(axis)
		half := 0.5 * math32.Exp(loc[axis+k]) * size
		out[axis] = center - half
		out[axis+k] = center + half
	}
	return out
}

// Normalization holds per-coordinate statistics for encoded regression targets.
type Normalization struct {
	Mean []float32 `json:"mean" yaml:"mean"`
	Std  []float32 `json:"std" yaml:"std"`
}

// DefaultSegmentNormalization returns the statistics used for temporal segments.
func DefaultSegmentNormalization() Normalization {
	return Normalization{Mean: []float32{0, 0}, Std: []float32{0.1, 0.2}}
}

// DefaultBoxNormalization returns the statistics used for boxes.
func DefaultBoxNormalization() Normalization {
	return Normalization{Mean: []float32{0, 0, 0, 0}, Std: []float32{0.1, 0.1, 0.2, 0.2}}
}

// Validate checks the statistics against the region dimension.
func (n Normalization) Validate(dim int) error {
	if len(n.Mean) != dim || len(n.Std) != dim {
		return errors.Wrapf(ErrInvalidInputShape,
			"normalization has %d means and %d stds for regions of length %d", len(n.Mean), len(n.Std), dim)
	}
	for i, s := range n.Std {
		if s == 0 {
			return errors.Errorf("normalization std[%d] is zero", i)
		}
	}
	return nil
}

// Normalize returns (loc - mean) / std element-wise.
func (n Normalization) Normalize(loc []float32) []float32 {
	out := make([]float32, len(loc))
	for i, v := range loc {
		out[i] = (v - n.Mean[i]) / n.Std[i]
	}
	return out
}

// Denormalize returns loc * std + mean element-wise.
func (n Normalization) Denormalize(loc []float32) []float32 {
	out := make([]float32, len(loc))
	for i, v := range loc {
		out[i] = v*n.Std[i] + n.Mean[i]
	}
	return out
}
