// Package loss - multi-label classification loss and accuracy over sampled label entries.
package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/au-rcnn/common"
	"github.com/nvr-ai/au-rcnn/sampler"
)

// IgnoreLabel marks entries excluded from both the loss and the accuracy.
const IgnoreLabel = -1

// Gather flattens the entries addressed by idx.
//
// Returns:
//   - The gathered scores and labels, in idx order.
//   - ErrInvalidInputShape when an index falls outside either matrix.
func Gather(scores [][]float32, labels [][]int32, idx []sampler.Index) ([]float32, []int32, error) {
	x := make([]float32, len(idx))
	t := make([]int32, len(idx))
	for k, i := range idx {
		if i.Row < 0 || i.Row >= len(scores) || i.Row >= len(labels) ||
			i.Col < 0 || i.Col >= len(scores[i.Row]) || i.Col >= len(labels[i.Row]) {
			return nil, nil, errors.Wrapf(common.ErrInvalidInputShape, "index (%d, %d) out of range", i.Row, i.Col)
		}
		x[k] = scores[i.Row][i.Col]
		t[k] = labels[i.Row][i.Col]
	}
	return x, t, nil
}

// Result is the value and gradient of the loss.
type Result struct {
	// Loss is the mean over non-ignored entries.
	Loss float32
	// Grad is d(Loss)/d(x), zero at ignored entries.
	Grad []float32
	// Count is the number of non-ignored entries.
	Count int
}

// SigmoidCrossEntropy computes the mean binary cross-entropy between logits and
// 0/1 labels, skipping entries labelled IgnoreLabel.
//
// The per-entry loss uses the overflow-safe form
//
//	max(x, 0) - x*t + log(1 + exp(-|x|))
//
// and is built as a gorgonia expression graph so the gradient with respect to
// the logits comes from reverse-mode autodiff.
//
// Arguments:
//   - x: Logits.
//   - t: Labels aligned with x. Values other than 0, 1 and IgnoreLabel are rejected.
//
// Returns:
//   - The loss, its gradient and the number of contributing entries. All
//     entries ignored yields a zero loss and a zero gradient.
func SigmoidCrossEntropy(x []float32, t []int32) (*Result, error) {
	if len(x) != len(t) {
		return nil, errors.Wrapf(common.ErrInvalidInputShape, "%d logits but %d labels", len(x), len(t))
	}
	target := make([]float32, len(t))
	weight := make([]float32, len(t))
	count := 0
	for i, v := range t {
		switch v {
		case IgnoreLabel:
		case 0, 1:
			target[i] = float32(v)
			weight[i] = 1
			count++
		default:
			return nil, errors.Errorf("label %d at entry %d is not binary", v, i)
		}
	}
	if count == 0 {
		return &Result{Grad: make([]float32, len(x))}, nil
	}
	for i := range weight {
		weight[i] /= float32(count)
	}

	// relu(x) = x*r and |x| = x*s with r, s fixed at the current logits, so the
	// graph only needs elementwise products and the softplus tail.
	coef := make([]float32, len(x))
	sign := make([]float32, len(x))
	for i, v := range x {
		coef[i], sign[i] = -target[i], -1
		if v >= 0 {
			coef[i]++
			sign[i] = 1
		}
	}

	g := G.NewGraph()
	logits := vector(g, "logits", append([]float32(nil), x...))
	cost, err := crossEntropy(logits,
		vector(g, "coef", coef),
		vector(g, "sign", sign),
		vector(g, "weights", weight))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build loss graph")
	}
	if _, err := G.Grad(cost, logits); err != nil {
		return nil, errors.Wrap(err, "failed to differentiate loss")
	}

	var costVal G.Value
	G.Read(cost, &costVal)

	vm := G.NewTapeMachine(g, G.BindDualValues(logits))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "failed to evaluate loss")
	}

	gradVal, err := logits.Grad()
	if err != nil {
		return nil, errors.Wrap(err, "missing logit gradient")
	}
	grad := append([]float32(nil), gradVal.Data().([]float32)...)

	return &Result{
		Loss:  costVal.Data().(float32),
		Grad:  grad,
		Count: count,
	}, nil
}

func vector(g *G.ExprGraph, name string, data []float32) *G.Node {
	return G.NewVector(g, tensor.Float32,
		G.WithShape(len(data)),
		G.WithName(name),
		G.WithValue(tensor.New(tensor.WithShape(len(data)), tensor.WithBacking(data))),
	)
}

// crossEntropy builds sum(w * (x*coef + log1p(exp(-(x*sign))))).
func crossEntropy(x, coef, sign, w *G.Node) (*G.Node, error) {
	linear, err := G.HadamardProd(x, coef)
	if err != nil {
		return nil, err
	}
	abs, err := G.HadamardProd(x, sign)
	if err != nil {
		return nil, err
	}
	negAbs, err := G.Neg(abs)
	if err != nil {
		return nil, err
	}
	exp, err := G.Exp(negAbs)
	if err != nil {
		return nil, err
	}
	softplus, err := G.Log1p(exp)
	if err != nil {
		return nil, err
	}
	perEntry, err := G.Add(linear, softplus)
	if err != nil {
		return nil, err
	}
	weighted, err := G.HadamardProd(perEntry, w)
	if err != nil {
		return nil, err
	}
	return G.Sum(weighted)
}

// BinaryAccuracy returns the fraction of non-ignored entries where (x > 0) agrees with (t == 1).
//
// Returns:
//   - The accuracy, or 0 when every entry is ignored.
func BinaryAccuracy(x []float32, t []int32) (float32, error) {
	if len(x) != len(t) {
		return 0, errors.Wrapf(common.ErrInvalidInputShape, "%d logits but %d labels", len(x), len(t))
	}
	correct, count := 0, 0
	for i, v := range t {
		if v == IgnoreLabel {
			continue
		}
		count++
		if (x[i] > 0) == (v == 1) {
			correct++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return float32(correct) / float32(count), nil
}

// PredictLabels thresholds logits at zero, the same as a sigmoid at 0.5.
func PredictLabels(scores [][]float32) [][]int32 {
	out := make([][]int32, len(scores))
	for r, row := range scores {
		out[r] = make([]int32, len(row))
		for c, v := range row {
			if v > 0 {
				out[r][c] = 1
			}
		}
	}
	return out
}

// Sigmoid returns the probabilities of a score row.
func Sigmoid(row []float32) []float32 {
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = 1 / (1 + math32.Exp(-v))
	}
	return out
}
