// Package batch groups samples into fixed-shape batches and applies
// masked-language-model corruption.
package batch

import (
	"context"
	stderrors "errors"
	"io"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/manningwu07/MLMPretrain/IO"
)

// ErrEndOfEpoch signals that the stream cannot fill another batch. It is a
// control signal, not a failure.
var ErrEndOfEpoch = stderrors.New("end of epoch")

// Batch holds Rows samples of exactly MaxLen tokens each.
type Batch struct {
	Inputs  [][]int  // token ids after masking
	Targets [][]int  // original token ids
	Predict [][]bool // positions selected for prediction
	Pad     [][]bool // padding positions
}

func (b *Batch) Rows() int { return len(b.Inputs) }

// NumPredicted counts the selected positions.
func (b *Batch) NumPredicted() int {
	n := 0
	for _, row := range b.Predict {
		for _, p := range row {
			if p {
				n++
			}
		}
	}
	return n
}

// Samples is the source a Batcher draws from; *IO.Stream satisfies it.
type Samples interface {
	Next() (IO.Sample, error)
}

type Options struct {
	BatchSize   int
	MaxLen      int
	MLMProb     float64
	VocabSize   int
	KeepPartial bool // emit a short final batch instead of dropping it
	Seed        uint64
	Stream      uint64 // second PCG word, e.g. rank or epoch
}

// Batcher is single-consumer.
type Batcher struct {
	src  Samples
	opts Options
	rng  *rand.Rand
	sel  distuv.Bernoulli
	done bool
}

func NewBatcher(src Samples, opts Options) *Batcher {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Stream))
	return &Batcher{
		src:  src,
		opts: opts,
		rng:  rng,
		sel:  distuv.Bernoulli{P: opts.MLMProb, Src: rng},
	}
}

// Next blocks until BatchSize samples are available. When the stream ends
// it returns ErrEndOfEpoch, after first emitting any short batch if
// KeepPartial is set.
func (b *Batcher) Next() (*Batch, error) {
	if b.done {
		return nil, ErrEndOfEpoch
	}
	out := &Batch{}
	for out.Rows() < b.opts.BatchSize {
		s, err := b.src.Next()
		if err == io.EOF {
			b.done = true
			if b.opts.KeepPartial && out.Rows() > 0 {
				return out, nil
			}
			return nil, ErrEndOfEpoch
		}
		if err != nil {
			return nil, errors.Wrap(err, "next sample")
		}
		b.addRow(out, s.Tokens)
	}
	return out, nil
}

// addRow truncates or pads tokens to MaxLen and masks the result.
func (b *Batcher) addRow(out *Batch, tokens []int) {
	n := b.opts.MaxLen
	target := make([]int, n)
	pad := make([]bool, n)
	copy(target, tokens[:min(len(tokens), n)])
	for i := len(tokens); i < n; i++ {
		target[i] = IO.PadID
		pad[i] = true
	}
	input, predict := b.Mask(target, pad)
	out.Inputs = append(out.Inputs, input)
	out.Targets = append(out.Targets, target)
	out.Predict = append(out.Predict, predict)
	out.Pad = append(out.Pad, pad)
}

// Mask selects each eligible position (not padding, <bos> or <eos>)
// independently with probability MLMProb. A selected token becomes <mask>
// 80% of the time, a random id 10% and stays unchanged 10%.
func (b *Batcher) Mask(target []int, pad []bool) ([]int, []bool) {
	input := append([]int(nil), target...)
	predict := make([]bool, len(target))
	for i, id := range target {
		if pad[i] || id == IO.PadID || id == IO.BosID || id == IO.EosID {
			continue
		}
		if b.sel.Rand() == 0 {
			continue
		}
		predict[i] = true
		switch r := b.rng.Float64(); {
		case r < 0.8:
			input[i] = IO.MaskID
		case r < 0.9 && b.opts.VocabSize > IO.NumSpecial:
			input[i] = IO.NumSpecial + b.rng.IntN(b.opts.VocabSize-IO.NumSpecial)
		}
	}
	return input, predict
}

// Loader runs a Batcher on a background goroutine and keeps up to depth
// batches ready.
type Loader struct {
	ch     chan loaded
	cancel context.CancelFunc
	done   chan struct{}
}

type loaded struct {
	b   *Batch
	err error
}

func NewLoader(ctx context.Context, b *Batcher, depth int) *Loader {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Loader{ch: make(chan loaded, depth), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		defer close(l.ch)
		for {
			bt, err := b.Next()
			select {
			case l.ch <- loaded{bt, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return l
}

// Next returns the next batch, ErrEndOfEpoch, or the error that stopped the
// producer.
func (l *Loader) Next() (*Batch, error) {
	r, ok := <-l.ch
	if !ok {
		return nil, ErrEndOfEpoch
	}
	return r.b, r.err
}

// Close stops the producer and waits for it.
func (l *Loader) Close() {
	l.cancel()
	<-l.done
}
