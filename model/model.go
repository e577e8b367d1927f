// Package model holds the networks the trainer can pretrain. A model only
// computes: it returns gradients and never updates its own parameters.
package model

import (
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/MLMPretrain/batch"
)

// Output accumulates masked-token statistics.
type Output struct {
	LossSum float64 // summed cross entropy over predicted positions
	Count   int     // predicted positions
	Correct int     // predicted positions whose argmax is the target
}

func (o *Output) Add(x Output) {
	o.LossSum += x.LossSum
	o.Count += x.Count
	o.Correct += x.Correct
}

// Loss is the mean cross entropy, or 0 without predictions.
func (o Output) Loss() float64 {
	if o.Count == 0 {
		return 0
	}
	return o.LossSum / float64(o.Count)
}

func (o Output) Accuracy() float64 {
	if o.Count == 0 {
		return 0
	}
	return float64(o.Correct) / float64(o.Count)
}

func (o Output) Perplexity() float64 { return math.Exp(o.Loss()) }

type Model interface {
	Name() string
	// Parameters are the live matrices the optimizer updates in place. The
	// order is fixed for the life of the model.
	Parameters() []*mat.Dense
	// ForwardBackward returns the batch statistics and the gradients of
	// lossScale times the mean masked-token loss, one per parameter.
	ForwardBackward(b *batch.Batch, lossScale float64) (Output, []*mat.Dense, error)
	Evaluate(b *batch.Batch) (Output, error)
}

// Factory builds a model. Equal arguments must give bit-identical
// parameters so that every rank starts from the same point.
type Factory func(vocabSize, dModel int, seed int64) (Model, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("model: Register called twice for " + name)
	}
	registry[name] = f
}

func Lookup(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists the registered models.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func New(name string, vocabSize, dModel int, seed int64) (Model, error) {
	f, ok := Lookup(name)
	if !ok {
		return nil, errors.Errorf("model: unknown model %q (have %v)", name, Names())
	}
	if vocabSize <= 0 || dModel <= 0 {
		return nil, errors.Errorf("model: %s needs positive vocab and width, got %d and %d", name, vocabSize, dModel)
	}
	return f(vocabSize, dModel, seed)
}
