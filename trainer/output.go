package trainer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// StepStats describes one finished step for the output functions.
type StepStats struct {
	Epoch     int
	Step      int
	LR        float64
	Loss      float64 // mean masked-token loss over all ranks
	Accuracy  float64
	GradNorm  float64 // before clipping
	LossScale float64
	Skipped   bool
	Tokens    int // predicted positions over all ranks
}

// OutputFunc renders a progress line every output_time steps.
type OutputFunc func(StepStats) string

var outputFunctions = map[string]OutputFunc{
	"basic": basicOutput,
	"ppl": func(s StepStats) string {
		return fmt.Sprintf("%s ppl %.2f", basicOutput(s), math.Exp(s.Loss))
	},
	"acc": func(s StepStats) string {
		return fmt.Sprintf("%s acc %.4f", basicOutput(s), s.Accuracy)
	},
}

func basicOutput(s StepStats) string {
	line := fmt.Sprintf("epoch %d step %d | lr %.3e | loss %.4f | grad norm %.3f | loss scale %g | tokens %d",
		s.Epoch, s.Step, s.LR, s.Loss, s.GradNorm, s.LossScale, s.Tokens)
	if s.Skipped {
		line += " | skipped"
	}
	return line
}

// LookupOutput returns the output function registered under name.
func LookupOutput(name string) (OutputFunc, error) {
	f, ok := outputFunctions[name]
	if !ok {
		names := make([]string, 0, len(outputFunctions))
		for n := range outputFunctions {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown output function %q (have %v)", name, names)
	}
	return f, nil
}

// accuracyPlot draws a crude vertical bar chart of values (0..1), one column
// per evaluation.
func accuracyPlot(values []float64) string {
	const height = 10 // number of text rows
	if len(values) == 0 {
		return "no evaluations to plot"
	}
	var sb strings.Builder
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		for _, v := range values {
			if v >= threshold {
				sb.WriteString("█")
			} else {
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Repeat("─", len(values)))
	sb.WriteString("\n")
	for i := range values {
		if i%5 == 0 {
			sb.WriteString(strconv.Itoa(i % 10))
		} else {
			sb.WriteString(" ")
		}
	}
	return sb.String()
}
