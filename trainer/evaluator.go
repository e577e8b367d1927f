package trainer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/manningwu07/MLMPretrain/IO"
	"github.com/manningwu07/MLMPretrain/batch"
	"github.com/manningwu07/MLMPretrain/distributed"
	"github.com/manningwu07/MLMPretrain/model"
)

// evalSeedOffset keeps validation masks apart from every training epoch's.
const evalSeedOffset = 0x5eed

// EvalResult is one pass over the validation set, totalled over all ranks.
type EvalResult struct {
	Step       int
	Loss       float64
	Accuracy   float64
	Perplexity float64
	Count      int
}

// Evaluator runs held-out validation. Masks are drawn from a fixed seed so
// that every evaluation of the same parameters gives the same number.
type Evaluator struct {
	src   *IO.Source
	model model.Model
	pg    *distributed.ProcessGroup
	opts  batch.Options
	depth int
}

func NewEvaluator(src *IO.Source, m model.Model, pg *distributed.ProcessGroup, opts batch.Options, depth int) *Evaluator {
	opts.KeepPartial = true
	opts.Stream = uint64(pg.Rank)
	return &Evaluator{src: src, model: m, pg: pg, opts: opts, depth: depth}
}

// Run iterates this rank's share of the validation set exactly once and
// all-reduces the count and correct totals, then the loss sum. ctx bounds only the data
// reading; the final collective runs regardless so that ranks stay in step.
func (e *Evaluator) Run(ctx context.Context, step int) (EvalResult, error) {
	stream, err := e.src.Epoch(ctx, 0)
	if err != nil {
		return EvalResult{}, err
	}
	defer stream.Close()
	loader := batch.NewLoader(ctx, batch.NewBatcher(stream, e.opts), e.depth)
	defer loader.Close()

	var total model.Output
	var lerr error
	for {
		b, err := loader.Next()
		if err == batch.ErrEndOfEpoch {
			break
		}
		if err != nil {
			lerr = errors.Wrap(err, "validation data")
			break
		}
		out, err := e.model.Evaluate(b)
		if err != nil {
			lerr = err
			break
		}
		total.Add(out)
	}

	// the failure flag travels with the counts so a local error fails every rank
	work := context.WithoutCancel(ctx)
	failed := 0
	if lerr != nil {
		failed = 1
	}
	counts := []int{total.Count, total.Correct, failed}
	if err := distributed.AllReduceInts(work, e.pg, counts); err != nil {
		return EvalResult{}, err
	}
	loss := []float64{total.LossSum}
	if err := e.pg.AllReduceSum(work, loss); err != nil {
		return EvalResult{}, err
	}
	if lerr != nil {
		return EvalResult{}, lerr
	}
	if counts[2] > 0 {
		return EvalResult{}, errors.New("validation failed on another rank")
	}
	total = model.Output{LossSum: loss[0], Count: counts[0], Correct: counts[1]}
	return EvalResult{
		Step:       step,
		Loss:       total.Loss(),
		Accuracy:   total.Accuracy(),
		Perplexity: total.Perplexity(),
		Count:      total.Count,
	}, nil
}
