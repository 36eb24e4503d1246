package common

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Choose draws n distinct entries of pool uniformly at random, without replacement.
//
// Every call takes its own random source so that concurrent callers never share
// state and a fixed seed reproduces the same draw.
//
// Arguments:
//   - src: The random source. Must not be nil.
//   - pool: The candidates to draw from.
//   - n: The number of entries to draw.
//
// Returns:
//   - The drawn entries in draw order.
//   - ErrSamplingExhaustion when n exceeds len(pool).
func Choose(src rand.Source, pool []int, n int) ([]int, error) {
	if n < 0 {
		return nil, errors.Errorf("cannot draw %d samples", n)
	}
	if n > len(pool) {
		return nil, errors.Wrapf(ErrSamplingExhaustion, "requested %d samples from a pool of %d", n, len(pool))
	}
	if n == 0 {
		return []int{}, nil
	}
	if src == nil {
		return nil, errors.New("random source is nil")
	}
	picks := make([]int, n)
	sampleuv.WithoutReplacement(picks, len(pool), src)
	out := make([]int, n)
	for i, k := range picks {
		out[i] = pool[k]
	}
	return out, nil
}
