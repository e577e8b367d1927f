package utils

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RandomArray draws size values uniformly from ±1/sqrt(v). The caller owns rng
// so every rank can reproduce the same initialisation from a shared seed.
func RandomArray(rng *rand.Rand, size int, v float64) []float64 {
	lo := -1.0 / math.Sqrt(v+1e-12)
	hi := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := range out {
		out[i] = lo + (hi-lo)*rng.Float64()
	}
	return out
}

func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

// NumElements is the total length of ms when flattened.
func NumElements(ms []*mat.Dense) int {
	n := 0
	for _, m := range ms {
		r, c := m.Dims()
		n += r * c
	}
	return n
}

// Flatten concatenates the row-major contents of ms into one vector, the wire
// format for collectives and checkpoints.
func Flatten(ms []*mat.Dense) []float64 {
	out := make([]float64, 0, NumElements(ms))
	for _, m := range ms {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			out = append(out, m.RawRowView(i)[:c]...)
		}
	}
	return out
}

// Unflatten copies v back into ms. len(v) must equal NumElements(ms).
func Unflatten(v []float64, ms []*mat.Dense) error {
	if n := NumElements(ms); n != len(v) {
		return fmt.Errorf("unflatten: have %d values for %d elements", len(v), n)
	}
	off := 0
	for _, m := range ms {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			copy(m.RawRowView(i)[:c], v[off:off+c])
			off += c
		}
	}
	return nil
}

// GlobalNorm is the L2 norm of all gradients taken together.
func GlobalNorm(grads []float64) float64 {
	return floats.Norm(grads, 2)
}

// ClipGradNorm rescales grads in place so their global L2 norm is exactly
// maxNorm when it exceeds maxNorm. It never scales up, and maxNorm <= 0
// disables clipping. The pre-clip norm is returned.
func ClipGradNorm(maxNorm float64, grads []float64) float64 {
	gn := GlobalNorm(grads)
	if maxNorm <= 0 || gn <= maxNorm || gn == 0 || math.IsInf(gn, 0) || math.IsNaN(gn) {
		return gn
	}
	floats.Scale(maxNorm/gn, grads)
	return gn
}

// AllFinite reports whether v holds no NaN or ±Inf.
func AllFinite(v []float64) bool {
	if floats.HasNaN(v) {
		return false
	}
	for _, x := range v {
		if math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
