package optimizations

import (
	"fmt"
	"math"
)

// Schedule maps an optimizer step to a learning rate: linear warmup from 0 to
// Peak over Warmup steps, then a decay that reaches its floor at Total.
type Schedule struct {
	Peak       float64
	Multiplier float64
	Warmup     int
	Total      int
	Style      string // linear | cosine | inverse_sqrt | constant

	// Step counts scheduler advances. It moves only on applied updates, so a
	// skipped fp16 step leaves the learning rate where it was.
	Step int
}

func NewSchedule(peak, multiplier float64, warmup, total int, style string) (*Schedule, error) {
	switch style {
	case "linear", "cosine", "inverse_sqrt", "constant":
	default:
		return nil, fmt.Errorf("unknown decay style %q", style)
	}
	if warmup < 0 || warmup > total {
		return nil, fmt.Errorf("warmup %d outside [0, %d]", warmup, total)
	}
	return &Schedule{Peak: peak, Multiplier: multiplier, Warmup: warmup, Total: total, Style: style}, nil
}

// LR is the learning rate at step. It is 0 at step 0, exactly Peak*Multiplier
// at the end of warmup, non-increasing afterwards and never negative.
func (s *Schedule) LR(step int) float64 {
	if step <= 0 {
		return 0
	}
	peak := s.Peak * s.Multiplier
	if s.Warmup > 0 && step < s.Warmup {
		return peak * float64(step) / float64(s.Warmup)
	}
	span := s.Total - s.Warmup
	x := 1.0
	if span > 0 {
		x = float64(step-s.Warmup) / float64(span)
	}
	x = math.Max(0, math.Min(1, x))

	var lr float64
	switch s.Style {
	case "cosine":
		lr = peak * 0.5 * (1 + math.Cos(math.Pi*x))
	case "inverse_sqrt":
		lr = peak * math.Sqrt(float64(max(s.Warmup, 1))/float64(max(step, 1)))
	case "constant":
		lr = peak
	default:
		lr = peak * (1 - x)
	}
	return math.Max(0, lr)
}

// Next is the rate for the update about to be applied.
func (s *Schedule) Next() float64 { return s.LR(s.Step + 1) }

// Advance records one applied update.
func (s *Schedule) Advance() { s.Step++ }

type ScheduleState struct {
	Step int
}

func (s *Schedule) State() ScheduleState { return ScheduleState{Step: s.Step} }

func (s *Schedule) LoadState(st ScheduleState) error {
	if st.Step < 0 {
		return fmt.Errorf("scheduler step %d < 0", st.Step)
	}
	s.Step = st.Step
	return nil
}
