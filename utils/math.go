package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ColVectorSoftmax applies a numerically stable softmax to an (r x 1) vector.
func ColVectorSoftmax(v *mat.Dense) *mat.Dense {
	r, c := v.Dims()
	if c != 1 {
		panic("ColVectorSoftmax expects a (r x 1) column vector")
	}
	out := mat.NewDense(r, 1, nil)
	// stability: subtract max
	mx := v.At(0, 0)
	for i := 1; i < r; i++ {
		if v.At(i, 0) > mx {
			mx = v.At(i, 0)
		}
	}
	sum := 0.0
	for i := 0; i < r; i++ {
		e := math.Exp(v.At(i, 0) - mx)
		out.Set(i, 0, e)
		sum += e
	}
	out.Scale(1/sum, out)
	return out
}

// CrossEntropyWithIndex returns -log softmax(logits)[gold] and its gradient
// with respect to the logits (softmax - onehot).
func CrossEntropyWithIndex(logits *mat.Dense, gold int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if c != 1 {
		panic("CrossEntropyWithIndex expects (r x 1) logits vector")
	}
	prob := ColVectorSoftmax(logits)
	if gold < 0 || gold >= r {
		gold = 0
	}
	loss := -math.Log(prob.At(gold, 0) + 1e-12)
	grad := mat.DenseCopyOf(prob)
	grad.Set(gold, 0, grad.At(gold, 0)-1.0)
	return loss, grad
}

// ArgMax of an (r x 1) column.
func ArgMax(v *mat.Dense) int {
	r, _ := v.Dims()
	col := make([]float64, r)
	mat.Col(col, 0, v)
	return floats.MaxIdx(col)
}
