package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/manningwu07/MLMPretrain/IO"
	"github.com/manningwu07/MLMPretrain/batch"
	"github.com/manningwu07/MLMPretrain/checkpoint"
	"github.com/manningwu07/MLMPretrain/distributed"
	"github.com/manningwu07/MLMPretrain/params"
	"github.com/manningwu07/MLMPretrain/utils"
)

const testINI = `
[train]
epoch = 1
batch_size = 4
shuffle = true
reader_num = 2
optimizer = adamw
learning_rate = 1e-2
weight_decay = 0.01
step_size = 1
lr_multiplier = 1
max_len = 16
mlm_prob = 0.15
warmup_steps = 2
training_steps = 10
max_grad_norm = 1.0
fp16 = true
loss_scale = 1024
valid_mode = step
step_epoch = 5
resume = false

[eval]
batch_size = 4
shuffle = false
reader_num = 1

[distributed]
use = false
backend = local

[data]
train_dataset_type = jsonl
train_formatter_type = tokenized
train_data = %[1]s/data
train_files = train-0.jsonl, train-1.jsonl
valid_dataset_type = jsonl
valid_formatter_type = tokenized
valid_data = %[1]s/data
valid_files = valid.jsonl

[model]
model_name = embedding-mlm
vocab_size = 40
d_model = 8

[output]
output_time = 1
test_time = 5
model_path = %[1]s/ckpt
model_name = run
output_function = ppl
`

// writeData writes two training shards of 24 records each and a validation
// shard of 6, all single documents over ids [5, 40).
func writeData(t *testing.T, dir string) {
	t.Helper()
	root := filepath.Join(dir, "data")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(name string, n, salt int) {
		w, err := IO.CreateShard("jsonl", filepath.Join(root, name))
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < n; j++ {
			toks := []int32{IO.BosID}
			for k := 0; k < 10; k++ {
				toks = append(toks, int32(IO.NumSpecial+(j*7+k*3+salt)%35))
			}
			if err := w.Write(IO.Record{Tokens: append(toks, IO.EosID)}); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	write("train-0.jsonl", 24, 0)
	write("train-1.jsonl", 24, 11)
	write("valid.jsonl", 6, 5)
}

func testConfig(t *testing.T, dir string) *params.RunConfig {
	t.Helper()
	cfg, err := params.Parse([]byte(fmt.Sprintf(testINI, dir)))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func singleGroup(t *testing.T) *distributed.ProcessGroup {
	t.Helper()
	pg, err := distributed.Init(context.Background(), distributed.Options{Backend: "local", WorldSize: 1, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pg.Close() })
	return pg
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	cfg := testConfig(t, dir)

	tr, err := New(cfg, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Phase() != Idle {
		t.Fatalf("new trainer in phase %s", tr.Phase())
	}
	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != Completed || tr.Phase() != Completed {
		t.Fatalf("phase = %s", res.Phase)
	}
	if res.Progress.GlobalStep != 10 {
		t.Fatalf("global step = %d, want 10", res.Progress.GlobalStep)
	}
	if len(res.Evaluations) != 2 || res.Evaluations[0].Step != 5 || res.Evaluations[1].Step != 10 {
		t.Fatalf("evaluations = %+v, want steps 5 and 10", res.Evaluations)
	}
	files, _ := filepath.Glob(filepath.Join(cfg.Output.ModelPath, "*", "*.ckpt"))
	if len(files) < 1 {
		t.Fatal("no checkpoint under model_path")
	}
	if len(res.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %v, want steps 5 and 10 only", res.Checkpoints)
	}
	if !utils.AllFinite(utils.Flatten(tr.Model().Parameters())) {
		t.Fatal("parameters went non-finite")
	}
}

func TestEpochModeAndDataExhaustion(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	cfg := testConfig(t, dir)
	cfg.Train.Epoch = 2
	cfg.Train.TrainingSteps = 100
	cfg.Train.ValidMode = params.ValidModeEpoch
	cfg.Output.TestTime = 1

	tr, err := New(cfg, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// 48 samples in batches of 4 per epoch
	if res.Phase != Completed || res.Progress.GlobalStep != 24 || res.Progress.Epoch != 2 {
		t.Fatalf("phase %s step %d epoch %d", res.Phase, res.Progress.GlobalStep, res.Progress.Epoch)
	}
	if len(res.Evaluations) != 2 {
		t.Fatalf("%d evaluations, want one per epoch", len(res.Evaluations))
	}
	if len(res.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %v, want one per epoch", res.Checkpoints)
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)

	// uninterrupted reference run
	ref := testConfig(t, dir)
	ref.Output.ModelPath = filepath.Join(dir, "ref")
	a, err := New(ref, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// the same run stopped after step 6 and resumed
	cfg := testConfig(t, dir)
	b, err := New(cfg, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.afterStep = func(step int) {
		if step == 6 {
			cancel()
		}
	}
	res, err := b.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != Stopped || res.Progress.GlobalStep != 6 {
		t.Fatalf("stopped run: phase %s step %d", res.Phase, res.Progress.GlobalStep)
	}

	cfg = testConfig(t, dir)
	cfg.Train.Resume = true
	c, err := New(cfg, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	// loading and running zero steps reproduces the persisted progress
	latest, ok, err := c.ckpt.Latest()
	if err != nil || !ok {
		t.Fatalf("no checkpoint after stop: %v", err)
	}
	saved, err := checkpoint.Load(latest.Path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.snapshot(); !reflect.DeepEqual(got, saved.Progress) {
		t.Fatalf("progress after load %+v, persisted %+v", got, saved.Progress)
	}
	res, err = c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != Completed || res.Progress.GlobalStep != 10 {
		t.Fatalf("resumed run: phase %s step %d", res.Phase, res.Progress.GlobalStep)
	}

	want := utils.Flatten(a.Model().Parameters())
	got := utils.Flatten(c.Model().Parameters())
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("param %d: resumed %v, uninterrupted %v", i, got[i], want[i])
		}
	}
	if sa, sc := a.opt.State(), c.opt.State(); sa.T != sc.T {
		t.Fatalf("optimizer step %d vs %d", sc.T, sa.T)
	}
}

func TestOverflowSkipsUpdates(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	cfg := testConfig(t, dir)
	// every scaled gradient overflows half precision
	cfg.Train.LossScale = 1 << 30

	tr, err := New(cfg, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	before := utils.Flatten(tr.Model().Parameters())
	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p := res.Progress
	if res.Phase != Completed || p.GlobalStep != 10 || p.SkippedSteps != 10 {
		t.Fatalf("phase %s step %d skipped %d, want completed with 10 of 10 skipped", res.Phase, p.GlobalStep, p.SkippedSteps)
	}
	if p.Optimizer.T != 0 || p.Scheduler.Step != 0 {
		t.Fatalf("optimizer step %d scheduler step %d, want both untouched", p.Optimizer.T, p.Scheduler.Step)
	}
	if p.Scaler.Scale != 1<<20 {
		t.Fatalf("loss scale %g, want 2^30 halved ten times", p.Scaler.Scale)
	}
	after := utils.Flatten(tr.Model().Parameters())
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("param %d changed by a skipped step", i)
		}
	}
}

func TestAccumulationEndsEpochEarlier(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	cfg := testConfig(t, dir)
	cfg.Train.StepSize = 2

	tr, err := New(cfg, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// 12 micro-batches in the only epoch, two per step
	p := res.Progress
	if res.Phase != Completed || p.GlobalStep != 6 || p.Epoch != 1 {
		t.Fatalf("phase %s step %d epoch %d, want completed at step 6 after one epoch", res.Phase, p.GlobalStep, p.Epoch)
	}
	if p.Optimizer.T+p.SkippedSteps != 6 {
		t.Fatalf("optimizer step %d + skipped %d, want 6", p.Optimizer.T, p.SkippedSteps)
	}
}

// row builds a one-row batch over ids with the given positions masked.
func row(ids []int, predict ...int) *batch.Batch {
	in := append([]int(nil), ids...)
	pr := make([]bool, len(ids))
	for _, i := range predict {
		pr[i] = true
		in[i] = IO.MaskID
	}
	return &batch.Batch{
		Inputs:  [][]int{in},
		Targets: [][]int{append([]int(nil), ids...)},
		Predict: [][]bool{pr},
		Pad:     [][]bool{make([]bool, len(ids))},
	}
}

func TestAccumulatedGradientIsSum(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	cfg := testConfig(t, dir)
	cfg.Train.StepSize = 2
	cfg.Train.FP16 = false
	cfg.Train.MaxGradNorm = 0

	tr, err := New(cfg, singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	b1 := row([]int{IO.BosID, 7, 12, 30, 9, IO.EosID}, 2, 4)
	b2 := row([]int{IO.BosID, 21, 5, 39, IO.EosID}, 1)

	o1, g1, err := tr.model.ForwardBackward(b1, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := utils.Flatten(g1)
	o2, g2, err := tr.model.ForwardBackward(b2, 1)
	if err != nil {
		t.Fatal(err)
	}
	floats.Add(want, utils.Flatten(g2))

	stats, err := tr.step(context.Background(), []*batch.Batch{b1, b2})
	if err != nil {
		t.Fatal(err)
	}
	got := utils.Flatten(tr.grads)
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("grad %d: accumulated %v, sum of micro-batches %v", i, got[i], want[i])
		}
	}
	if stats.Tokens != o1.Count+o2.Count {
		t.Fatalf("tokens %d, want %d", stats.Tokens, o1.Count+o2.Count)
	}
	if wantLoss := (o1.LossSum + o2.LossSum) / float64(o1.Count+o2.Count); math.Abs(stats.Loss-wantLoss) > 1e-12 {
		t.Fatalf("loss %v, want %v", stats.Loss, wantLoss)
	}
	if tr.progress.GlobalStep != 1 || tr.opt.State().T != 1 {
		t.Fatalf("one accumulated step moved global step to %d, optimizer to %d", tr.progress.GlobalStep, tr.opt.State().T)
	}
}

func TestFreshRunRefusesUsedDirectory(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	first, err := New(testConfig(t, dir), singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	again, err := New(testConfig(t, dir), singleGroup(t))
	if err != nil {
		t.Fatal(err)
	}
	_, err = again.Run(context.Background())
	var ce *checkpoint.CheckpointIOError
	if !errors.As(err, &ce) {
		t.Fatalf("want CheckpointIOError for a used directory, got %v", err)
	}
	if again.Phase() != Failed || again.progress.GlobalStep != 0 {
		t.Fatalf("phase %s step %d, want failed before any step", again.Phase(), again.progress.GlobalStep)
	}
}

func TestRanksStayIdentical(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	const world = 2
	cluster := distributed.NewLocalCluster(world, 5*time.Second, 30*time.Second)

	cfgs := make([]*params.RunConfig, world)
	for r := range cfgs {
		cfgs[r] = testConfig(t, dir)
		cfgs[r].Distributed.Use = true
		cfgs[r].Distributed.WorldSize = world
		cfgs[r].Distributed.Rank = r
		cfgs[r].Train.TrainingSteps = 5
	}

	trainers := make([]*Trainer, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			pg, err := cluster.Join(context.Background(), r)
			if err != nil {
				errs[r] = err
				return
			}
			defer pg.Close()
			tr, err := New(cfgs[r], pg)
			if err != nil {
				errs[r] = err
				return
			}
			trainers[r] = tr
			_, errs[r] = tr.Run(context.Background())
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
	p0 := utils.Flatten(trainers[0].Model().Parameters())
	p1 := utils.Flatten(trainers[1].Model().Parameters())
	for i := range p0 {
		if p0[i] != p1[i] {
			t.Fatalf("ranks diverged at parameter %d: %v vs %v", i, p0[i], p1[i])
		}
	}
	if trainers[0].Phase() != Completed || trainers[1].Phase() != Completed {
		t.Fatal("both ranks should complete")
	}
}

func TestMissingShardFailsBeforeTraining(t *testing.T) {
	dir := t.TempDir()
	writeData(t, dir)
	cfg := testConfig(t, dir)
	cfg.Data.TrainFiles = append(cfg.Data.TrainFiles, "missing.jsonl")
	_, err := New(cfg, singleGroup(t))
	var de *IO.DataError
	if !errors.As(err, &de) {
		t.Fatalf("want DataError, got %v", err)
	}
}

func TestOutputFunctions(t *testing.T) {
	s := StepStats{Epoch: 0, Step: 3, LR: 1e-3, Loss: 2, Accuracy: 0.25, LossScale: 1024, Skipped: true}
	for name, want := range map[string]string{"basic": "skipped", "ppl": "ppl 7.39", "acc": "acc 0.2500"} {
		f, err := LookupOutput(name)
		if err != nil {
			t.Fatal(err)
		}
		if line := f(s); !strings.Contains(line, want) || !strings.Contains(line, "step 3") {
			t.Fatalf("%s output %q lacks %q", name, line, want)
		}
	}
	if _, err := LookupOutput("nope"); err == nil {
		t.Fatal("unknown output function accepted")
	}
	if p := accuracyPlot([]float64{0.5, 1}); strings.Count(p, "\n") != 11 {
		t.Fatalf("plot has unexpected shape:\n%s", p)
	}
}
