package optimizations

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/MLMPretrain/utils"
)

// Optimizer applies one update to params from grads. params and grads are
// parallel slices of equally shaped matrices. Updates happen in place.
type Optimizer interface {
	Name() string
	Step(params, grads []*mat.Dense, lr float64) error
	State() OptimizerState
	LoadState(OptimizerState) error
}

// OptimizerState is the serializable part of an optimizer: the step counter
// used for bias correction and the flattened moment estimates.
type OptimizerState struct {
	Name string
	T    int
	M, V []float64
}

type AdamConfig struct {
	Beta1, Beta2, Eps float64
	WeightDecay       float64
}

// New builds the optimizer named by the train.optimizer option.
func New(name string, cfg AdamConfig) (Optimizer, error) {
	switch name {
	case "adamw":
		return &Adam{AdamConfig: cfg, decoupled: true}, nil
	case "adam":
		return &Adam{AdamConfig: cfg}, nil
	case "sgd":
		return &SGD{WeightDecay: cfg.WeightDecay}, nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", name)
}

// Adam is Adam with bias correction. With decoupled set it is AdamW: weight
// decay shrinks the parameter directly and never enters the moments.
// Otherwise decay is the classic L2 term folded into the gradient.
type Adam struct {
	AdamConfig
	decoupled bool

	t    int
	m, v []*mat.Dense

	// restored moments waiting for the parameter shapes
	pendingM, pendingV []float64
}

func (a *Adam) Name() string {
	if a.decoupled {
		return "adamw"
	}
	return "adam"
}

func (a *Adam) Step(params, grads []*mat.Dense, lr float64) error {
	if len(params) != len(grads) {
		return fmt.Errorf("%s: %d params, %d grads", a.Name(), len(params), len(grads))
	}
	if err := a.Bind(params); err != nil {
		return err
	}
	if a.m == nil {
		a.m = make([]*mat.Dense, len(params))
		a.v = make([]*mat.Dense, len(params))
		for i, p := range params {
			a.m[i] = utils.ZerosLike(p)
			a.v[i] = utils.ZerosLike(p)
		}
	}
	a.t++
	for i := range params {
		g := grads[i]
		if !a.decoupled && a.WeightDecay != 0 {
			g = mat.DenseCopyOf(g)
			g.Add(g, scaled(a.WeightDecay, params[i]))
		}
		wd := 0.0
		if a.decoupled {
			wd = a.WeightDecay
		}
		AdamUpdateInPlace(params[i], g, a.m[i], a.v[i], a.t, lr, a.Beta1, a.Beta2, a.Eps, wd)
	}
	return nil
}

func (a *Adam) State() OptimizerState {
	st := OptimizerState{Name: a.Name(), T: a.t}
	switch {
	case a.m != nil:
		st.M = utils.Flatten(a.m)
		st.V = utils.Flatten(a.v)
	case a.pendingM != nil:
		st.M = append([]float64(nil), a.pendingM...)
		st.V = append([]float64(nil), a.pendingV...)
	}
	return st
}

// LoadState restores moments saved by State. Shapes are taken from the
// parameters on the next Step, so the moments are kept flat until then.
func (a *Adam) LoadState(st OptimizerState) error {
	if st.Name != a.Name() {
		return fmt.Errorf("optimizer state is for %q, running %q", st.Name, a.Name())
	}
	a.t = st.T
	a.m, a.v = nil, nil
	a.pendingM, a.pendingV = st.M, st.V
	return nil
}

// Bind attaches restored moments to the parameter shapes. Step calls it
// before the first update after LoadState.
func (a *Adam) Bind(params []*mat.Dense) error {
	if a.pendingM == nil {
		return nil
	}
	m := make([]*mat.Dense, len(params))
	v := make([]*mat.Dense, len(params))
	for i, p := range params {
		m[i] = utils.ZerosLike(p)
		v[i] = utils.ZerosLike(p)
	}
	if err := utils.Unflatten(a.pendingM, m); err != nil {
		return fmt.Errorf("first moment: %w", err)
	}
	if err := utils.Unflatten(a.pendingV, v); err != nil {
		return fmt.Errorf("second moment: %w", err)
	}
	a.m, a.v = m, v
	a.pendingM, a.pendingV = nil, nil
	return nil
}

// AdamUpdateInPlace applies
//
//	p -= lr * (mhat/(sqrt(vhat)+eps) + wd*p)
//
// with bias correction at step t (1-based).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			update := (mij*c1)/(math.Sqrt(vij*c2)+eps) + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// SGD is plain gradient descent with decoupled weight decay.
type SGD struct {
	WeightDecay float64
	t           int
}

func (s *SGD) Name() string { return "sgd" }

func (s *SGD) Step(params, grads []*mat.Dense, lr float64) error {
	if len(params) != len(grads) {
		return fmt.Errorf("sgd: %d params, %d grads", len(params), len(grads))
	}
	s.t++
	for i, p := range params {
		if s.WeightDecay != 0 {
			p.Scale(1-lr*s.WeightDecay, p)
		}
		p.Add(p, scaled(-lr, grads[i]))
	}
	return nil
}

func (s *SGD) State() OptimizerState { return OptimizerState{Name: "sgd", T: s.t} }

func (s *SGD) LoadState(st OptimizerState) error {
	if st.Name != "sgd" {
		return fmt.Errorf("optimizer state is for %q, running %q", st.Name, "sgd")
	}
	s.t = st.T
	return nil
}

func scaled(f float64, a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(f, a)
	return out
}
