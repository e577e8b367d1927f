package optimizations

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestScheduleEndpoints(t *testing.T) {
	for _, style := range []string{"linear", "cosine"} {
		s, err := NewSchedule(1e-3, 2, 4, 20, style)
		if err != nil {
			t.Fatal(err)
		}
		if s.LR(0) != 0 {
			t.Fatalf("%s: LR(0) = %v", style, s.LR(0))
		}
		if got := s.LR(4); math.Abs(got-2e-3) > 1e-15 {
			t.Fatalf("%s: LR(warmup) = %v, want peak*multiplier", style, got)
		}
		if got := s.LR(20); math.Abs(got) > 1e-15 {
			t.Fatalf("%s: LR(total) = %v, want 0", style, got)
		}
		for step := 1; step < 4; step++ {
			if s.LR(step) < s.LR(step-1) {
				t.Fatalf("%s: warmup not non-decreasing at %d", style, step)
			}
		}
		for step := 5; step <= 25; step++ {
			if s.LR(step) > s.LR(step-1) {
				t.Fatalf("%s: decay not non-increasing at %d", style, step)
			}
			if s.LR(step) < 0 {
				t.Fatalf("%s: negative LR at %d", style, step)
			}
		}
	}
}

func TestScheduleOtherStyles(t *testing.T) {
	c, _ := NewSchedule(1, 1, 2, 10, "constant")
	if c.LR(9) != 1 {
		t.Fatalf("constant LR(9) = %v", c.LR(9))
	}
	inv, _ := NewSchedule(1, 1, 4, 100, "inverse_sqrt")
	if math.Abs(inv.LR(16)-0.5) > 1e-12 {
		t.Fatalf("inverse_sqrt LR(16) = %v", inv.LR(16))
	}
	if _, err := NewSchedule(1, 1, 2, 10, "exponential"); err == nil {
		t.Fatal("expected unknown style error")
	}
	if _, err := NewSchedule(1, 1, 11, 10, "linear"); err == nil {
		t.Fatal("expected warmup > total error")
	}
}

func TestScheduleAdvance(t *testing.T) {
	s, _ := NewSchedule(1, 1, 2, 10, "linear")
	if s.Next() != s.LR(1) {
		t.Fatal("Next before any advance should be LR(1)")
	}
	s.Advance()
	s.Advance()
	st := s.State()
	r, _ := NewSchedule(1, 1, 2, 10, "linear")
	if err := r.LoadState(st); err != nil {
		t.Fatal(err)
	}
	if r.Next() != s.Next() || r.Next() != s.LR(3) {
		t.Fatalf("restored schedule diverged: %v vs %v", r.Next(), s.Next())
	}
}

func TestAdamWDecoupledDecay(t *testing.T) {
	// Zero gradient: Adam's moment term vanishes, so only the decoupled decay
	// moves the parameter: p -= lr*wd*p.
	cfg := AdamConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.1}
	opt, err := New("adamw", cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := mat.NewDense(1, 2, []float64{1, -2})
	g := mat.NewDense(1, 2, nil)
	if err := opt.Step([]*mat.Dense{p}, []*mat.Dense{g}, 0.5); err != nil {
		t.Fatal(err)
	}
	if math.Abs(p.At(0, 0)-0.95) > 1e-12 || math.Abs(p.At(0, 1)+1.9) > 1e-12 {
		t.Fatalf("decoupled decay wrong: %v", mat.Formatted(p))
	}
	st := opt.State()
	for i := range st.M {
		if st.M[i] != 0 || st.V[i] != 0 {
			t.Fatalf("weight decay leaked into the moments: %+v", st)
		}
	}

	// Classic Adam folds decay into the gradient, so the moments see it.
	l2, _ := New("adam", cfg)
	q := mat.NewDense(1, 2, []float64{1, -2})
	if err := l2.Step([]*mat.Dense{q}, []*mat.Dense{mat.NewDense(1, 2, nil)}, 0.5); err != nil {
		t.Fatal(err)
	}
	if l2.State().M[0] == 0 {
		t.Fatal("adam should accumulate the L2 term in its moments")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	cfg := AdamConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	a, _ := New("adamw", cfg)
	b, _ := New("adamw", cfg)
	pa := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	pb := mat.DenseCopyOf(pa)
	g := mat.NewDense(2, 2, []float64{0.1, -0.2, 0.3, -0.4})

	if err := a.Step([]*mat.Dense{pa}, []*mat.Dense{g}, 0.01); err != nil {
		t.Fatal(err)
	}
	pb.Copy(pa)
	if err := b.LoadState(a.State()); err != nil {
		t.Fatal(err)
	}
	if b.State().T != 1 || len(b.State().M) != 4 {
		t.Fatalf("state lost before first step: %+v", b.State())
	}
	a.Step([]*mat.Dense{pa}, []*mat.Dense{g}, 0.01)
	b.Step([]*mat.Dense{pb}, []*mat.Dense{g}, 0.01)
	if !mat.Equal(pa, pb) {
		t.Fatalf("restored optimizer diverged:\n%v\n%v", mat.Formatted(pa), mat.Formatted(pb))
	}
	if err := b.LoadState(OptimizerState{Name: "sgd"}); err == nil {
		t.Fatal("expected name mismatch error")
	}
}

func TestSGDStep(t *testing.T) {
	opt, _ := New("sgd", AdamConfig{})
	p := mat.NewDense(1, 1, []float64{1})
	opt.Step([]*mat.Dense{p}, []*mat.Dense{mat.NewDense(1, 1, []float64{2})}, 0.1)
	if math.Abs(p.At(0, 0)-0.8) > 1e-12 {
		t.Fatalf("sgd step = %v", p.At(0, 0))
	}
}

func TestLossScalerMonotonicity(t *testing.T) {
	s := NewLossScaler(true, 1024, 3, 1, 1, 100)
	pattern := []bool{false, true, false, false, false, false, true, true, false, false, false}
	for i, overflow := range pattern {
		before := s.Scale()
		if err := s.Update(overflow); err != nil {
			t.Fatal(err)
		}
		after := s.Scale()
		if overflow && after > before {
			t.Fatalf("step %d: scale grew on overflow (%v -> %v)", i, before, after)
		}
		if !overflow && after < before {
			t.Fatalf("step %d: scale shrank on a clean step (%v -> %v)", i, before, after)
		}
	}
	if got := s.State().TotalSkipped; got != 3 {
		t.Fatalf("skipped = %d, want 3", got)
	}
}

func TestLossScalerHalvesDoublesAndFloors(t *testing.T) {
	s := NewLossScaler(true, 8, 2, 2, 1, 100)
	s.Update(true)
	if s.Scale() != 4 {
		t.Fatalf("after overflow scale = %v, want 4", s.Scale())
	}
	s.Update(true)
	s.Update(true)
	if s.Scale() != 2 {
		t.Fatalf("scale = %v, want floor 2", s.Scale())
	}
	s.Update(false)
	s.Update(false)
	if s.Scale() != 4 {
		t.Fatalf("scale = %v after window, want 4", s.Scale())
	}

	h := NewLossScaler(true, 8, 100, 1, 2, 100)
	h.Update(true)
	if h.Scale() != 8 {
		t.Fatalf("hysteresis 2: first overflow changed scale to %v", h.Scale())
	}
	h.Update(true)
	if h.Scale() != 4 {
		t.Fatalf("hysteresis 2: second overflow scale = %v, want 4", h.Scale())
	}
}

func TestLossScalerEscalates(t *testing.T) {
	s := NewLossScaler(true, 16, 10, 1, 1, 2)
	if err := s.Update(true); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(true); err != nil {
		t.Fatal(err)
	}
	err := s.Update(true)
	if _, ok := err.(*PrecisionOverflowError); !ok {
		t.Fatalf("expected PrecisionOverflowError, got %v", err)
	}
}

func TestLossScalerDisabled(t *testing.T) {
	s := NewLossScaler(false, 65536, 1, 1, 1, 10)
	if s.Scale() != 1 {
		t.Fatal("disabled scaler must not scale")
	}
	s.Update(true)
	s.Update(false)
	if s.Scale() != 1 {
		t.Fatalf("disabled scaler moved to %v", s.Scale())
	}
	g := []float64{4, 8}
	s.Unscale(g)
	if g[0] != 4 {
		t.Fatal("unscale with scale 1 changed gradients")
	}
}

func TestHalfRound(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{1, 1},
		{halfMax, halfMax},
		{65519, halfMax},
		{70000, math.Inf(1)},
		{-70000, math.Inf(-1)},
		{1e-8, 0},
		{-1e-8, math.Copysign(0, -1)},
		{0x1p-24, 0x1p-24},
		{0x1p-25, 0},               // tie rounds to even zero
		{3 * 0x1p-25, 2 * 0x1p-24}, // tie rounds to even
		{1e-6, 17 * 0x1p-24},       // 1e-6 / 2^-24 = 16.78
		{halfMinNormal, halfMinNormal},
		{halfMinNormal - 0x1p-24, halfMinNormal - 0x1p-24},
		{1 + 1.0/4096, 1},
		{1 + 2.0/2048, 1 + 2.0/2048},
		{1 + 3.0/2048, 1 + 4.0/2048},
	}
	for _, tc := range cases {
		if got := HalfRound(tc.in); got != tc.want {
			t.Fatalf("HalfRound(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	v := []float64{1, 1e5}
	if !ToHalf(v) || !math.IsInf(v[1], 1) {
		t.Fatalf("ToHalf overflow not reported: %v", v)
	}
}
