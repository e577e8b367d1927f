package optimizations

import (
	"fmt"
	"math"

	"github.com/golang/glog"
)

// PrecisionOverflowError is returned once more than MaxSkipped consecutive
// steps produced non-finite gradients. The run cannot recover from it.
type PrecisionOverflowError struct {
	Consecutive int
	Scale       float64
}

func (e *PrecisionOverflowError) Error() string {
	return fmt.Sprintf("precision: %d consecutive overflowed steps (loss scale %g)", e.Consecutive, e.Scale)
}

// LossScaler implements dynamic loss scaling. When disabled the scale stays at
// 1 and overflowed steps are still skipped and counted.
type LossScaler struct {
	Enabled    bool
	Window     int     // clean steps before the scale doubles
	MinScale   float64 // floor for halving
	Hysteresis int     // consecutive overflows before the scale halves
	MaxSkipped int     // consecutive overflows tolerated

	state ScalerState
}

// ScalerState is what a checkpoint needs to resume scaling exactly.
type ScalerState struct {
	Scale          float64
	CleanSteps     int // since the last overflow or scale change
	HysteresisLeft int
	Consecutive    int // current run of overflowed steps
	TotalSkipped   int
}

func NewLossScaler(enabled bool, initial float64, window int, minScale float64, hysteresis, maxSkipped int) *LossScaler {
	if !enabled {
		initial = 1
	}
	return &LossScaler{
		Enabled:    enabled,
		Window:     window,
		MinScale:   minScale,
		Hysteresis: hysteresis,
		MaxSkipped: maxSkipped,
		state:      ScalerState{Scale: initial, HysteresisLeft: hysteresis},
	}
}

func (s *LossScaler) Scale() float64 { return s.state.Scale }

// Unscale divides gradients by the current scale in place.
func (s *LossScaler) Unscale(grads []float64) {
	if s.state.Scale == 1 {
		return
	}
	inv := 1 / s.state.Scale
	for i := range grads {
		grads[i] *= inv
	}
}

// Update records the outcome of one step. On overflow the scale never grows;
// on a clean step it never shrinks. It returns a PrecisionOverflowError when
// the run of consecutive overflows exceeds MaxSkipped.
func (s *LossScaler) Update(overflow bool) error {
	st := &s.state
	if !overflow {
		st.Consecutive = 0
		st.HysteresisLeft = s.Hysteresis
		st.CleanSteps++
		if s.Enabled && st.CleanSteps >= s.Window {
			st.Scale *= 2
			st.CleanSteps = 0
			glog.V(1).Infof("loss scale raised to %g", st.Scale)
		}
		return nil
	}

	st.Consecutive++
	st.TotalSkipped++
	st.CleanSteps = 0
	if s.Enabled {
		st.HysteresisLeft--
		if st.HysteresisLeft <= 0 {
			st.Scale = math.Max(st.Scale/2, s.MinScale)
			st.HysteresisLeft = s.Hysteresis
		}
	}
	if st.Consecutive > s.MaxSkipped {
		return &PrecisionOverflowError{Consecutive: st.Consecutive, Scale: st.Scale}
	}
	return nil
}

func (s *LossScaler) State() ScalerState { return s.state }

func (s *LossScaler) LoadState(st ScalerState) error {
	if st.Scale <= 0 || math.IsInf(st.Scale, 0) || math.IsNaN(st.Scale) {
		return fmt.Errorf("loss scale %g is not a positive finite number", st.Scale)
	}
	s.state = st
	return nil
}

const (
	halfMax       = 65504.0
	halfOverflow  = 65520.0         // rounds to +Inf under round-to-nearest-even
	halfMinNormal = 6.103515625e-05 // 2^-14
	halfSubnormal = 0x1p-24         // spacing below halfMinNormal
)

// HalfRound rounds x to the nearest value representable in IEEE half
// precision. Magnitudes that overflow become ±Inf. Below the smallest normal
// values land on the subnormal grid of 2^-24, so anything under 2^-25 becomes
// signed zero.
func HalfRound(x float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsInf(x, 0):
		return x
	case math.Abs(x) >= halfOverflow:
		return math.Copysign(math.Inf(1), x)
	case math.Abs(x) < halfMinNormal:
		return math.Copysign(math.RoundToEven(x/halfSubnormal)*halfSubnormal, x)
	}
	frac, exp := math.Frexp(x)
	// 11 significant bits: the implicit one plus 10 stored mantissa bits.
	return math.Ldexp(math.RoundToEven(frac*2048)/2048, exp)
}

// ToHalf rounds v in place to half precision and reports whether any element
// overflowed to infinity.
func ToHalf(v []float64) bool {
	overflow := false
	for i, x := range v {
		h := HalfRound(x)
		if math.IsInf(h, 0) && !math.IsInf(x, 0) {
			overflow = true
		}
		v[i] = h
	}
	return overflow
}
