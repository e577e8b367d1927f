// Package trainer drives data-parallel masked-LM pretraining. Every rank runs
// the same step loop in lockstep; the only cross-rank traffic is the vote
// that opens each step, the gradient all-reduce, the validation totals and
// checkpoint acknowledgements.
package trainer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/MLMPretrain/IO"
	"github.com/manningwu07/MLMPretrain/batch"
	"github.com/manningwu07/MLMPretrain/checkpoint"
	"github.com/manningwu07/MLMPretrain/distributed"
	"github.com/manningwu07/MLMPretrain/model"
	"github.com/manningwu07/MLMPretrain/optimizations"
	"github.com/manningwu07/MLMPretrain/params"
	"github.com/manningwu07/MLMPretrain/utils"
)

type Phase int32

const (
	Idle Phase = iota
	Running
	Evaluating
	Checkpointing
	Completed
	Stopped // external stop honoured at a step boundary
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Evaluating:
		return "evaluating"
	case Checkpointing:
		return "checkpointing"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Result summarises a run.
type Result struct {
	Phase       Phase
	Progress    checkpoint.ProgressState
	Evaluations []EvalResult
	Checkpoints []string
}

// Trainer owns one rank's model, optimizer state and progress. It is not safe
// for concurrent use, except Phase.
type Trainer struct {
	cfg *params.RunConfig
	pg  *distributed.ProcessGroup

	model  model.Model
	params []*mat.Dense
	grads  []*mat.Dense
	opt    optimizations.Optimizer
	sched  *optimizations.Schedule
	scaler *optimizations.LossScaler

	train  *IO.Source
	eval   *Evaluator
	ckpt   *checkpoint.Manager
	output OutputFunc

	progress  checkpoint.ProgressState
	phase     atomic.Int32
	lastSaved int
	result    Result

	afterStep func(step int)
}

// New wires a trainer for pg's rank. cfg must already be validated.
func New(cfg *params.RunConfig, pg *distributed.ProcessGroup) (*Trainer, error) {
	tc, dc := cfg.Train, cfg.Data

	var tok IO.Tokenizer
	if dc.TrainFormatterType == "text" || dc.ValidFormatterType == "text" {
		var err error
		if tok, err = IO.LoadTokenizer(dc.TokenizerType, dc.TokenizerPath); err != nil {
			return nil, errors.Wrap(err, "load tokenizer")
		}
	}
	trainFmt, err := IO.NewFormatter(IO.FormatOptions{Kind: dc.TrainFormatterType, MaxLen: tc.MaxLen, VocabSize: cfg.Model.VocabSize, Tokenizer: tok})
	if err != nil {
		return nil, errors.Wrap(err, "train formatter")
	}
	validFmt, err := IO.NewFormatter(IO.FormatOptions{Kind: dc.ValidFormatterType, MaxLen: tc.MaxLen, VocabSize: cfg.Model.VocabSize, Tokenizer: tok})
	if err != nil {
		return nil, errors.Wrap(err, "valid formatter")
	}
	trainSrc, err := IO.Open(IO.SourceOptions{
		Kind: dc.TrainDatasetType, Root: dc.TrainData, Files: dc.TrainFiles,
		ReaderNum: tc.ReaderNum, Shuffle: tc.Shuffle, Seed: tc.Seed,
		Rank: pg.Rank, WorldSize: pg.WorldSize, Formatter: trainFmt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "train data")
	}
	validSrc, err := IO.Open(IO.SourceOptions{
		Kind: dc.ValidDatasetType, Root: dc.ValidData, Files: dc.ValidFiles,
		ReaderNum: cfg.Eval.ReaderNum, Seed: tc.Seed,
		Rank: pg.Rank, WorldSize: pg.WorldSize, Formatter: validFmt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "valid data")
	}
	glog.V(1).Infof("rank %d: %d training shard(s), %d validation shard(s)", pg.Rank, trainSrc.NumFiles(), validSrc.NumFiles())

	m, err := model.New(cfg.Model.ModelName, cfg.Model.VocabSize, cfg.Model.DModel, tc.Seed)
	if err != nil {
		return nil, err
	}
	opt, err := optimizations.New(tc.Optimizer, optimizations.AdamConfig{
		Beta1: tc.AdamBeta1, Beta2: tc.AdamBeta2, Eps: tc.AdamEps, WeightDecay: tc.WeightDecay,
	})
	if err != nil {
		return nil, err
	}
	sched, err := optimizations.NewSchedule(tc.LearningRate, tc.LRMultiplier, tc.WarmupSteps, tc.TrainingSteps, tc.DecayStyle)
	if err != nil {
		return nil, err
	}
	out, err := LookupOutput(cfg.Output.OutputFunction)
	if err != nil {
		return nil, err
	}

	ps := m.Parameters()
	grads := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		grads[i] = utils.ZerosLike(p)
	}
	return &Trainer{
		cfg:    cfg,
		pg:     pg,
		model:  m,
		params: ps,
		grads:  grads,
		opt:    opt,
		sched:  sched,
		scaler: optimizations.NewLossScaler(tc.FP16, tc.LossScale, tc.LossScaleWindow, tc.MinLossScale, tc.Hysteresis, tc.MaxSkippedSteps),
		train:  trainSrc,
		eval: NewEvaluator(validSrc, m, pg, batch.Options{
			BatchSize: cfg.Eval.BatchSize, MaxLen: tc.MaxLen, MLMProb: tc.MLMProb,
			VocabSize: cfg.Model.VocabSize, Seed: uint64(tc.Seed) + evalSeedOffset,
		}, cfg.Eval.ReaderNum),
		ckpt:      checkpoint.NewManager(cfg.Output.ModelPath, cfg.Output.ModelName, cfg.Output.KeepLast, pg),
		output:    out,
		lastSaved: -1,
	}, nil
}

func (t *Trainer) Phase() Phase { return Phase(t.phase.Load()) }

func (t *Trainer) setPhase(p Phase) {
	if old := Phase(t.phase.Swap(int32(p))); old != p {
		glog.V(1).Infof("rank %d: %s -> %s", t.pg.Rank, old, p)
	}
}

// Model exposes the trained parameters.
func (t *Trainer) Model() model.Model { return t.model }

// Run trains until training_steps, until the data runs out after the
// configured number of epochs, or until ctx is cancelled. Cancellation is
// honoured at the next step boundary: the run checkpoints and ends Stopped.
// Any error leaves the trainer Failed.
func (t *Trainer) Run(ctx context.Context) (res *Result, err error) {
	// collectives and I/O must finish even after a stop request
	work := context.WithoutCancel(ctx)
	t.setPhase(Running)
	defer func() {
		if err != nil {
			t.setPhase(Failed)
			glog.Errorf("rank %d: training failed at step %d: %v", t.pg.Rank, t.progress.GlobalStep, err)
		}
		t.result.Phase = t.Phase()
		t.result.Progress = t.snapshot()
		res = &t.result
	}()

	if t.cfg.Train.Resume {
		if err := t.resume(work); err != nil {
			return nil, err
		}
	} else if err := t.requireFreshDir(work); err != nil {
		return nil, err
	}
	total := t.cfg.Train.TrainingSteps
	if t.pg.Rank == 0 {
		glog.Infof("training %s for %d steps on %d rank(s), starting at step %d",
			t.model.Name(), total, t.pg.WorldSize, t.progress.GlobalStep)
	}
	for t.progress.GlobalStep < total {
		if t.progress.Epoch >= t.cfg.Train.Epoch {
			glog.Warningf("training data exhausted after %d epoch(s) at step %d of %d",
				t.progress.Epoch, t.progress.GlobalStep, total)
			break
		}
		stopped, err := t.runEpoch(ctx, work)
		if err != nil {
			return nil, err
		}
		if stopped {
			if t.lastSaved != t.progress.GlobalStep {
				if err := t.saveCheckpoint(work); err != nil {
					return nil, err
				}
			}
			glog.Infof("rank %d: stopped at step %d", t.pg.Rank, t.progress.GlobalStep)
			t.setPhase(Stopped)
			return nil, nil
		}
	}
	if t.lastSaved != t.progress.GlobalStep {
		if err := t.saveCheckpoint(work); err != nil {
			return nil, err
		}
	}
	t.setPhase(Completed)
	if t.pg.Rank == 0 {
		glog.Infof("training completed at step %d (%d skipped)", t.progress.GlobalStep, t.progress.SkippedSteps)
		if len(t.result.Evaluations) > 0 {
			accs := make([]float64, len(t.result.Evaluations))
			for i, e := range t.result.Evaluations {
				accs[i] = e.Accuracy
			}
			glog.Infof("validation accuracy by evaluation:\n%s", accuracyPlot(accs))
		}
	}
	return nil, nil
}

// runEpoch runs steps of the current epoch until the step budget is spent,
// any rank runs out of data or any rank saw a stop request.
func (t *Trainer) runEpoch(ctx, work context.Context) (stopped bool, err error) {
	tc := t.cfg.Train
	epoch := t.progress.Epoch
	stream, err := t.train.Epoch(work, epoch)
	if err != nil {
		return false, err
	}
	defer stream.Close()
	loader := batch.NewLoader(work, batch.NewBatcher(stream, batch.Options{
		BatchSize: tc.BatchSize, MaxLen: tc.MaxLen, MLMProb: tc.MLMProb, VocabSize: t.cfg.Model.VocabSize,
		Seed: uint64(tc.Seed), Stream: uint64(epoch)<<32 | uint64(t.pg.Rank),
	}), tc.ReaderNum)
	defer loader.Close()

	// a resumed epoch replays the batches it already consumed so that the
	// masking generator ends up where it was
	for i := 0; i < t.progress.EpochBatches; i++ {
		if _, err := loader.Next(); err != nil {
			return false, errors.Wrapf(err, "replaying batch %d of epoch %d", i, epoch)
		}
	}
	if t.progress.EpochBatches > 0 {
		glog.V(1).Infof("rank %d: skipped %d consumed batches of epoch %d", t.pg.Rank, t.progress.EpochBatches, epoch)
	}

	for t.progress.GlobalStep < tc.TrainingSteps {
		mbs, missing, derr := draw(loader, tc.StepSize)
		vote := []int{0, 0, 0} // missing data, stop requested, data error
		if missing {
			vote[0] = 1
		}
		if ctx.Err() != nil {
			vote[1] = 1
		}
		if derr != nil {
			vote[2] = 1
		}
		if err := distributed.AllReduceInts(work, t.pg, vote); err != nil {
			return false, err
		}
		switch {
		case derr != nil:
			return false, derr
		case vote[2] > 0:
			return false, errors.New("another rank failed reading training data")
		case vote[1] > 0:
			return true, nil
		case vote[0] > 0:
			return false, t.endEpoch(work)
		}

		t.progress.EpochBatches += len(mbs)
		stats, err := t.step(work, mbs)
		if err != nil {
			return false, err
		}
		step := t.progress.GlobalStep
		if t.pg.Rank == 0 && step%t.cfg.Output.OutputTime == 0 {
			glog.Info(t.output(stats))
		}
		if t.afterStep != nil {
			t.afterStep(step)
		}
		if tc.ValidMode == params.ValidModeStep {
			if step%tc.StepEpoch == 0 {
				if err := t.evaluate(work); err != nil {
					return false, err
				}
			}
			if step%t.cfg.Output.TestTime == 0 {
				if err := t.saveCheckpoint(work); err != nil {
					return false, err
				}
			}
		}
	}
	return false, nil
}

// endEpoch moves progress to the next epoch and runs the per-epoch
// evaluation and checkpoint in epoch mode.
func (t *Trainer) endEpoch(work context.Context) error {
	t.progress.Epoch++
	t.progress.EpochBatches = 0
	if t.pg.Rank == 0 {
		glog.Infof("epoch %d finished at step %d", t.progress.Epoch-1, t.progress.GlobalStep)
	}
	if t.cfg.Train.ValidMode != params.ValidModeEpoch {
		return nil
	}
	if err := t.evaluate(work); err != nil {
		return err
	}
	if t.progress.Epoch%t.cfg.Output.TestTime == 0 {
		return t.saveCheckpoint(work)
	}
	return nil
}

func draw(l *batch.Loader, n int) ([]*batch.Batch, bool, error) {
	mbs := make([]*batch.Batch, 0, n)
	for len(mbs) < n {
		b, err := l.Next()
		if err == batch.ErrEndOfEpoch {
			return mbs, true, nil
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "training data")
		}
		mbs = append(mbs, b)
	}
	return mbs, false, nil
}

// step runs one optimizer step over mbs. Gradients of the micro-batches are
// summed locally, then averaged over ranks together with the loss totals;
// every decision after the all-reduce is taken on identical numbers on every
// rank.
func (t *Trainer) step(work context.Context, mbs []*batch.Batch) (StepStats, error) {
	tc := t.cfg.Train
	n := utils.NumElements(t.params)
	vec := make([]float64, n+3)
	scale := t.scaler.Scale()
	for _, mb := range mbs {
		out, grads, err := t.model.ForwardBackward(mb, scale)
		if err != nil {
			return StepStats{}, err
		}
		g := utils.Flatten(grads)
		if tc.FP16 {
			optimizations.ToHalf(g)
		}
		floats.Add(vec[:n], g)
		vec[n] += out.LossSum
		vec[n+1] += float64(out.Count)
		vec[n+2] += float64(out.Correct)
	}
	if err := t.pg.AllReduceMean(work, vec); err != nil {
		return StepStats{}, err
	}
	world := float64(t.pg.WorldSize)
	totals := model.Output{
		LossSum: vec[n] * world,
		Count:   int(math.Round(vec[n+1] * world)),
		Correct: int(math.Round(vec[n+2] * world)),
	}

	grads := vec[:n]
	t.scaler.Unscale(grads)
	overflow := !utils.AllFinite(grads)
	if err := t.scaler.Update(overflow); err != nil {
		return StepStats{}, err
	}
	stats := StepStats{
		Epoch:     t.progress.Epoch,
		LR:        t.sched.Next(),
		Loss:      totals.Loss(),
		Accuracy:  totals.Accuracy(),
		LossScale: scale,
		Skipped:   overflow,
		Tokens:    totals.Count,
	}
	if overflow {
		t.progress.SkippedSteps++
		if t.pg.Rank == 0 {
			glog.Warningf("step %d: non-finite gradients, skipping update (loss scale now %g)",
				t.progress.GlobalStep+1, t.scaler.Scale())
		}
	} else {
		stats.GradNorm = utils.ClipGradNorm(tc.MaxGradNorm, grads)
		if err := utils.Unflatten(grads, t.grads); err != nil {
			return StepStats{}, err
		}
		if err := t.opt.Step(t.params, t.grads, stats.LR); err != nil {
			return StepStats{}, err
		}
		t.sched.Advance()
	}
	t.progress.GlobalStep++
	stats.Step = t.progress.GlobalStep
	glog.V(1).Infof("rank %d: step %d loss %.4f lr %.3e", t.pg.Rank, stats.Step, stats.Loss, stats.LR)
	return stats, nil
}

func (t *Trainer) evaluate(work context.Context) error {
	t.setPhase(Evaluating)
	defer t.setPhase(Running)
	start := time.Now()
	r, err := t.eval.Run(work, t.progress.GlobalStep)
	if err != nil {
		return err
	}
	t.result.Evaluations = append(t.result.Evaluations, r)
	if t.pg.Rank == 0 {
		glog.Infof("validation at step %d: loss %.4f ppl %.2f acc %.4f over %d tokens (%v)",
			r.Step, r.Loss, r.Perplexity, r.Accuracy, r.Count, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// snapshot is the progress with the current optimizer, scheduler and loss
// scaler state folded in.
func (t *Trainer) snapshot() checkpoint.ProgressState {
	p := t.progress
	p.Optimizer = t.opt.State()
	p.Scheduler = t.sched.State()
	p.Scaler = t.scaler.State()
	return p
}

func (t *Trainer) saveCheckpoint(work context.Context) error {
	t.setPhase(Checkpointing)
	defer t.setPhase(Running)
	path, err := t.ckpt.Save(work, &checkpoint.State{
		ModelName: t.model.Name(),
		Params:    utils.Flatten(t.params),
		Progress:  t.snapshot(),
		Time:      time.Now(),
	})
	if err != nil {
		return err
	}
	t.lastSaved = t.progress.GlobalStep
	t.result.Checkpoints = append(t.result.Checkpoints, path)
	return nil
}

// requireFreshDir fails every rank when a run that does not resume would
// write into a directory already holding checkpoints. Mixing two runs there
// would let a later resume pick up the other run's newest file.
func (t *Trainer) requireFreshDir(work context.Context) error {
	found := []float64{0}
	var lerr error
	if t.pg.Rank == 0 {
		es, err := t.ckpt.List()
		switch {
		case err != nil:
			lerr, found[0] = err, 1
		case len(es) > 0:
			found[0] = 1
			lerr = &checkpoint.CheckpointIOError{Op: "start", Path: t.ckpt.Dir, Err: errors.Errorf(
				"holds %d checkpoint(s) up to step %d; set resume = true or pick another model_name", len(es), es[len(es)-1].Step)}
		}
	}
	if err := t.pg.Broadcast(work, found, 0); err != nil {
		return err
	}
	if lerr != nil {
		return lerr
	}
	if found[0] > 0 {
		return &checkpoint.CheckpointIOError{Op: "start", Path: t.ckpt.Dir, Err: errors.New("rank 0 found checkpoints of an earlier run")}
	}
	return nil
}

// resume restores the newest checkpoint. Every rank loads it and the ranks
// confirm through rank 0 that they found the same step.
func (t *Trainer) resume(work context.Context) error {
	const (
		none   = -1
		broken = -2
	)
	local := float64(none)
	var (
		st   *checkpoint.State
		lerr error
	)
	e, ok, err := t.ckpt.Latest()
	switch {
	case err != nil:
		lerr, local = err, broken
	case ok:
		if st, lerr = checkpoint.Load(e.Path); lerr != nil {
			local = broken
		} else {
			local = float64(st.Progress.GlobalStep)
		}
	}

	leader := []float64{local}
	if err := t.pg.Broadcast(work, leader, 0); err != nil {
		return err
	}
	disagree := []float64{0}
	if local != leader[0] {
		disagree[0] = 1
	}
	if err := t.pg.AllReduceSum(work, disagree); err != nil {
		return err
	}
	switch {
	case lerr != nil:
		return lerr
	case leader[0] == broken:
		return errors.New("rank 0 could not read its checkpoint")
	case disagree[0] > 0:
		return &distributed.DistributedError{Op: "resume", Rank: t.pg.Rank, Reason: fmt.Sprintf(
			"ranks disagree on the checkpoint to resume (rank 0 step %v, this rank %v)", leader[0], local)}
	case leader[0] == none:
		if t.pg.Rank == 0 {
			glog.Infof("no checkpoint under %s, starting fresh", t.ckpt.Dir)
		}
		return nil
	}

	if st.ModelName != t.model.Name() {
		return errors.Errorf("checkpoint %s holds model %q, configured %q", e.Path, st.ModelName, t.model.Name())
	}
	if err := utils.Unflatten(st.Params, t.params); err != nil {
		return errors.Wrapf(err, "checkpoint %s", e.Path)
	}
	if err := t.opt.LoadState(st.Progress.Optimizer); err != nil {
		return errors.Wrapf(err, "checkpoint %s", e.Path)
	}
	if err := t.sched.LoadState(st.Progress.Scheduler); err != nil {
		return errors.Wrapf(err, "checkpoint %s", e.Path)
	}
	if err := t.scaler.LoadState(st.Progress.Scaler); err != nil {
		return errors.Wrapf(err, "checkpoint %s", e.Path)
	}
	t.progress = st.Progress
	t.lastSaved = t.progress.GlobalStep
	if t.pg.Rank == 0 {
		glog.Infof("resumed from %s at epoch %d step %d", e.Path, t.progress.Epoch, t.progress.GlobalStep)
	}
	return nil
}
