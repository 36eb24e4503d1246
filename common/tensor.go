package common

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
)

// RegionsFromDense copies a (R, D) float32 tensor into a region set.
func RegionsFromDense(t *tensor.Dense) ([]Region, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}
	rows, err := native.MatrixF32(t)
	if err != nil {
		return nil, errors.Wrap(err, "regions must be a float32 matrix")
	}
	out := make([]Region, len(rows))
	for i, row := range rows {
		out[i] = append(Region(nil), row...)
	}
	return out, nil
}

// RegionsToDense packs a region set into a (R, D) float32 tensor.
//
// Returns:
//   - ErrInvalidInputShape for an empty set or mixed region lengths.
func RegionsToDense(regions []Region) (*tensor.Dense, error) {
	if len(regions) == 0 {
		return nil, errors.Wrap(ErrInvalidInputShape, "cannot pack an empty region set")
	}
	rows := make([][]float32, len(regions))
	for i, r := range regions {
		rows[i] = r
	}
	return MatrixToDense(rows)
}

// MatrixToDense packs equal-length float32 rows into a (R, C) tensor.
func MatrixToDense(rows [][]float32) (*tensor.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.Wrap(ErrInvalidInputShape, "cannot pack an empty matrix")
	}
	cols := len(rows[0])
	backing := make([]float32, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, errors.Wrapf(ErrInvalidInputShape, "row %d has %d columns, expected %d", i, len(row), cols)
		}
		backing = append(backing, row...)
	}
	return tensor.New(tensor.WithShape(len(rows), cols), tensor.WithBacking(backing)), nil
}

// MatrixFromDense copies a (R, C) float32 tensor into rows.
func MatrixFromDense(t *tensor.Dense) ([][]float32, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}
	rows, err := native.MatrixF32(t)
	if err != nil {
		return nil, errors.Wrap(err, "expected a float32 matrix")
	}
	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = append([]float32(nil), row...)
	}
	return out, nil
}

// LabelsFromDense copies a (R, L) int32 tensor into label rows.
func LabelsFromDense(t *tensor.Dense) ([][]int32, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}
	rows, err := native.MatrixI32(t)
	if err != nil {
		return nil, errors.Wrap(err, "labels must be an int32 matrix")
	}
	out := make([][]int32, len(rows))
	for i, row := range rows {
		out[i] = append([]int32(nil), row...)
	}
	return out, nil
}

// LabelsToDense packs equal-length label rows into a (R, L) int32 tensor.
func LabelsToDense(labels [][]int32) (*tensor.Dense, error) {
	if len(labels) == 0 || len(labels[0]) == 0 {
		return nil, errors.Wrap(ErrInvalidInputShape, "cannot pack an empty label set")
	}
	cols := len(labels[0])
	backing := make([]int32, 0, len(labels)*cols)
	for i, row := range labels {
		if len(row) != cols {
			return nil, errors.Wrapf(ErrInvalidInputShape, "label row %d has %d entries, expected %d", i, len(row), cols)
		}
		backing = append(backing, row...)
	}
	return tensor.New(tensor.WithShape(len(labels), cols), tensor.WithBacking(backing)), nil
}

// IndicesFromDense reads a vector of batch indices stored as int or int32.
func IndicesFromDense(t *tensor.Dense) ([]int, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}
	if t.Dims() != 1 {
		return nil, errors.Wrapf(ErrInvalidInputShape, "batch indices must be a vector, got shape %v", t.Shape())
	}
	switch data := t.Data().(type) {
	case []int:
		return append([]int(nil), data...), nil
	case []int32:
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported batch index dtype %v", t.Dtype())
	}
}

// IndicesToDense packs batch indices into an int32 vector.
func IndicesToDense(indices []int) (*tensor.Dense, error) {
	if len(indices) == 0 {
		return nil, errors.Wrap(ErrInvalidInputShape, "cannot pack an empty index vector")
	}
	backing := make([]int32, len(indices))
	for i, v := range indices {
		backing[i] = int32(v)
	}
	return tensor.New(tensor.WithShape(len(indices)), tensor.WithBacking(backing)), nil
}

// IoUMatrixDense computes the IoU matrix between two (R, D) float32 tensors.
func IoUMatrixDense(a, b *tensor.Dense) (*tensor.Dense, error) {
	ra, err := RegionsFromDense(a)
	if err != nil {
		return nil, err
	}
	rb, err := RegionsFromDense(b)
	if err != nil {
		return nil, err
	}
	da, err := ValidateRegions(ra)
	if err != nil {
		return nil, err
	}
	db, err := ValidateRegions(rb)
	if err != nil {
		return nil, err
	}
	if da != db {
		return nil, errors.Wrapf(ErrInvalidInputShape, "region lengths differ: %d vs %d", da, db)
	}
	return MatrixToDense(IoUMatrix(ra, rb))
}
