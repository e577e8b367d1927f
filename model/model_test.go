package model

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/MLMPretrain/batch"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()

	param.Set(i, j, w0-eps)
	lm := forward()

	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

// testBatch has two rows over a 12-token vocabulary: the second row is padded
// and predicts position 1.
func testBatch() *batch.Batch {
	return &batch.Batch{
		Inputs:  [][]int{{1, 4, 7, 4, 9, 2}, {1, 4, 6, 2, 0, 0}},
		Targets: [][]int{{1, 5, 7, 8, 9, 2}, {1, 11, 6, 2, 0, 0}},
		Predict: [][]bool{{false, true, false, true, true, false}, {false, true, false, false, false, false}},
		Pad:     [][]bool{{false, false, false, false, false, false}, {false, false, false, false, true, true}},
	}
}

func TestEmbeddingMLMGradCheck(t *testing.T) {
	m := NewEmbeddingMLM(12, 6, 7)
	// non-trivial affine parameters so their gradients are exercised
	for i := 0; i < m.D; i++ {
		m.Norm.Gamma.Set(i, 0, 1+0.1*float64(i))
		m.Norm.Beta.Set(i, 0, 0.05*float64(i))
	}
	b := testBatch()

	forward := func() float64 {
		out, err := m.Evaluate(b)
		if err != nil {
			t.Fatal(err)
		}
		return out.Loss()
	}

	out, grads, err := m.ForwardBackward(b, 1)
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 4 {
		t.Fatalf("count = %d, want 4", out.Count)
	}

	names := []string{"E", "Bias", "Gamma", "Beta"}
	// E column 4 is both a masked input and context, 11 only an output target
	cells := [][][2]int{{{0, 4}, {3, 11}, {2, 7}, {5, 1}}, {{5, 0}, {11, 0}, {3, 0}}, {{0, 0}, {4, 0}}, {{1, 0}, {5, 0}}}
	for p, param := range m.Parameters() {
		for _, c := range cells[p] {
			finiteDiffCheck(t, names[p], param, grads[p], forward, c[0], c[1])
		}
	}
}

func TestLossScaleScalesGradients(t *testing.T) {
	m := NewEmbeddingMLM(12, 4, 1)
	_, g1, err := m.ForwardBackward(testBatch(), 1)
	if err != nil {
		t.Fatal(err)
	}
	o8, g8, err := m.ForwardBackward(testBatch(), 8)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(o8.LossSum) || o8.LossSum <= 0 {
		t.Fatalf("reported loss must stay unscaled, got %v", o8.LossSum)
	}
	for p := range g1 {
		var want mat.Dense
		want.Scale(8, g1[p])
		if !mat.EqualApprox(&want, g8[p], 1e-9) {
			t.Fatalf("param %d gradient not scaled by the loss scale", p)
		}
	}
}

func TestIdenticalSeedIdenticalInit(t *testing.T) {
	a, err := New(EmbeddingMLMName, 30, 8, 42)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := New(EmbeddingMLMName, 30, 8, 42)
	for p := range a.Parameters() {
		if !mat.Equal(a.Parameters()[p], b.Parameters()[p]) {
			t.Fatalf("param %d differs for equal seeds", p)
		}
	}
	if _, err := New("nope", 30, 8, 1); err == nil {
		t.Fatal("unknown model accepted")
	}
}

func TestNoPredictionsNoGradient(t *testing.T) {
	m := NewEmbeddingMLM(12, 4, 1)
	b := testBatch()
	for r := range b.Predict {
		for i := range b.Predict[r] {
			b.Predict[r][i] = false
		}
	}
	out, grads, err := m.ForwardBackward(b, 1)
	if err != nil || out.Count != 0 {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	for _, g := range grads {
		if mat.Norm(g, 1) != 0 {
			t.Fatal("gradient without predictions")
		}
	}
}

func TestOutOfVocabularyRejected(t *testing.T) {
	m := NewEmbeddingMLM(12, 4, 1)
	b := testBatch()
	b.Inputs[0][2] = 12
	if _, _, err := m.ForwardBackward(b, 1); err == nil {
		t.Fatal("id 12 accepted in a vocabulary of 12")
	}
}
