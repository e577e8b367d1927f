package model

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/MLMPretrain/batch"
	"github.com/manningwu07/MLMPretrain/utils"
)

const EmbeddingMLMName = "embedding-mlm"

func init() {
	Register(EmbeddingMLMName, func(vocabSize, dModel int, seed int64) (Model, error) {
		return NewEmbeddingMLM(vocabSize, dModel, seed), nil
	})
}

// EmbeddingMLM predicts a masked token from its own (corrupted) embedding
// plus the mean embedding of the row:
//
//	z_t = E[:, x_t] + mean_s E[:, x_s]   (s over non-pad positions)
//	h_t = LayerNorm(z_t)
//	logits_t = Eᵀ h_t + b
//
// The embedding E is tied between input and output.
type EmbeddingMLM struct {
	V, D int
	E    *mat.Dense // (d x V)
	Bias *mat.Dense // (V x 1)
	Norm *LayerNorm
}

func NewEmbeddingMLM(vocabSize, dModel int, seed int64) *EmbeddingMLM {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6d6c6d))
	return &EmbeddingMLM{
		V:    vocabSize,
		D:    dModel,
		E:    mat.NewDense(dModel, vocabSize, utils.RandomArray(rng, dModel*vocabSize, float64(dModel))),
		Bias: mat.NewDense(vocabSize, 1, nil),
		Norm: NewLayerNorm(dModel, 1e-5),
	}
}

func (m *EmbeddingMLM) Name() string { return EmbeddingMLMName }

func (m *EmbeddingMLM) Parameters() []*mat.Dense {
	return []*mat.Dense{m.E, m.Bias, m.Norm.Gamma, m.Norm.Beta}
}

// rowInput is the pre-norm input of one row, restricted to its predicted
// positions.
type rowInput struct {
	Z   *mat.Dense // (d x len(pos))
	pos []int      // predicted positions
	ctx []int      // ids of non-pad positions
}

func (m *EmbeddingMLM) encodeRow(input []int, pad, predict []bool) (*rowInput, error) {
	ri := &rowInput{}
	for t, id := range input {
		if id < 0 || id >= m.V {
			return nil, errors.Errorf("%s: token id %d outside vocabulary of %d", m.Name(), id, m.V)
		}
		if !pad[t] {
			ri.ctx = append(ri.ctx, id)
		}
		if predict[t] {
			ri.pos = append(ri.pos, t)
		}
	}
	if len(ri.pos) == 0 {
		return nil, nil
	}
	c := make([]float64, m.D)
	for _, id := range ri.ctx {
		for i := range c {
			c[i] += m.E.At(i, id)
		}
	}
	for i := range c {
		c[i] /= float64(len(ri.ctx))
	}
	ri.Z = mat.NewDense(m.D, len(ri.pos), nil)
	for k, t := range ri.pos {
		id := input[t]
		for i := 0; i < m.D; i++ {
			ri.Z.Set(i, k, m.E.At(i, id)+c[i])
		}
	}
	return ri, nil
}

func (m *EmbeddingMLM) logits(h mat.Vector) *mat.Dense {
	out := mat.NewDense(m.V, 1, nil)
	out.Mul(m.E.T(), h)
	out.Add(out, m.Bias)
	return out
}

func (m *EmbeddingMLM) Evaluate(b *batch.Batch) (Output, error) {
	var out Output
	for r := range b.Inputs {
		ri, err := m.encodeRow(b.Inputs[r], b.Pad[r], b.Predict[r])
		if err != nil {
			return Output{}, err
		}
		if ri == nil {
			continue
		}
		H := m.Norm.Forward(ri.Z)
		for k, t := range ri.pos {
			logits := m.logits(H.ColView(k))
			gold := b.Targets[r][t]
			loss, _ := utils.CrossEntropyWithIndex(logits, gold)
			out.LossSum += loss
			out.Count++
			if utils.ArgMax(logits) == gold {
				out.Correct++
			}
		}
	}
	return out, nil
}

func (m *EmbeddingMLM) ForwardBackward(b *batch.Batch, lossScale float64) (Output, []*mat.Dense, error) {
	dE := utils.ZerosLike(m.E)
	dB := utils.ZerosLike(m.Bias)
	dGamma := utils.ZerosLike(m.Norm.Gamma)
	dBeta := utils.ZerosLike(m.Norm.Beta)
	grads := []*mat.Dense{dE, dB, dGamma, dBeta}

	var out Output
	total := b.NumPredicted()
	if total == 0 {
		return out, grads, nil
	}
	scale := lossScale / float64(total)

	for r := range b.Inputs {
		ri, err := m.encodeRow(b.Inputs[r], b.Pad[r], b.Predict[r])
		if err != nil {
			return Output{}, nil, err
		}
		if ri == nil {
			continue
		}
		H := m.Norm.Forward(ri.Z)
		dH := mat.NewDense(m.D, len(ri.pos), nil)
		for k, t := range ri.pos {
			h := H.ColView(k)
			logits := m.logits(h)
			gold := b.Targets[r][t]
			loss, g := utils.CrossEntropyWithIndex(logits, gold)
			out.LossSum += loss
			out.Count++
			if utils.ArgMax(logits) == gold {
				out.Correct++
			}
			g.Scale(scale, g)
			dB.Add(dB, g)

			// output path: dE += h gᵀ, dh = E g
			var outer mat.Dense
			outer.Outer(1, h, g.ColView(0))
			dE.Add(dE, &outer)
			var dh mat.VecDense
			dh.MulVec(m.E, g.ColView(0))
			for i := 0; i < m.D; i++ {
				dH.Set(i, k, dh.AtVec(i))
			}
		}

		dZ, dG, dBe := m.Norm.BackwardGradsOnly(dH)
		dGamma.Add(dGamma, dG)
		dBeta.Add(dBeta, dBe)

		// input path: each z_k reads its own embedding and the row mean
		dc := make([]float64, m.D)
		for k, t := range ri.pos {
			id := b.Inputs[r][t]
			for i := 0; i < m.D; i++ {
				v := dZ.At(i, k)
				dE.Set(i, id, dE.At(i, id)+v)
				dc[i] += v
			}
		}
		inv := 1 / float64(len(ri.ctx))
		for _, id := range ri.ctx {
			for i := 0; i < m.D; i++ {
				dE.Set(i, id, dE.At(i, id)+dc[i]*inv)
			}
		}
	}
	return out, grads, nil
}
