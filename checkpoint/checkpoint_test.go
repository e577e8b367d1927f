package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/manningwu07/MLMPretrain/distributed"
	"github.com/manningwu07/MLMPretrain/optimizations"
)

func sampleState(step int) *State {
	return &State{
		ModelName: "embedding-mlm",
		Params:    []float64{0.5, -1.25, 3},
		Progress: ProgressState{
			Epoch: 1, GlobalStep: step, EpochBatches: 7, SkippedSteps: 2,
			Optimizer: optimizations.OptimizerState{Name: "adamw", T: step, M: []float64{1, 2, 3}, V: []float64{4, 5, 6}},
			Scheduler: optimizations.ScheduleState{Step: step},
			Scaler:    optimizations.ScalerState{Scale: 1024, CleanSteps: 3},
		},
		Time: time.Unix(1700000000, 0).UTC(),
	}
}

func TestSaveLoadLatest(t *testing.T) {
	m := NewManager(t.TempDir(), "run", 0, nil)
	if _, ok, err := m.Latest(); ok || err != nil {
		t.Fatalf("empty dir: ok=%v err=%v", ok, err)
	}
	for _, step := range []int{5, 10} {
		if _, err := m.Save(context.Background(), sampleState(step)); err != nil {
			t.Fatal(err)
		}
	}
	e, ok, err := m.Latest()
	if err != nil || !ok || e.Step != 10 || e.Path != m.PathFor(10) {
		t.Fatalf("latest = %+v ok=%v err=%v", e, ok, err)
	}
	st, err := Load(e.Path)
	if err != nil {
		t.Fatal(err)
	}
	want := sampleState(10)
	if !st.Time.Equal(want.Time) {
		t.Fatalf("time %v, want %v", st.Time, want.Time)
	}
	st.Time = want.Time
	if !reflect.DeepEqual(st, want) {
		t.Fatalf("round trip changed state:\n%+v\n%+v", st, want)
	}
	// no temporary files are left behind
	des, _ := os.ReadDir(m.Dir)
	if len(des) != 2 {
		t.Fatalf("directory has %d entries, want 2", len(des))
	}
}

func TestSaveNeverReplacesExisting(t *testing.T) {
	m := NewManager(t.TempDir(), "run", 0, nil)
	first := sampleState(5)
	if _, err := m.Save(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	second := sampleState(5)
	second.ModelName = "other"
	second.Params = []float64{2}
	_, err := m.Save(context.Background(), second)
	var ce *CheckpointIOError
	if !errors.As(err, &ce) || ce.Path != m.PathFor(5) {
		t.Fatalf("second save of step 5: want CheckpointIOError, got %v", err)
	}
	st, err := Load(m.PathFor(5))
	if err != nil {
		t.Fatal(err)
	}
	if st.ModelName != first.ModelName || !reflect.DeepEqual(st.Params, first.Params) {
		t.Fatalf("checkpoint was replaced: model %q params %v", st.ModelName, st.Params)
	}
	// the failed save leaves no temporary file behind
	if des, _ := os.ReadDir(m.Dir); len(des) != 1 {
		t.Fatalf("directory has %d entries, want 1", len(des))
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	m := NewManager(t.TempDir(), "run", 2, nil)
	for _, step := range []int{1, 2, 3, 4} {
		if _, err := m.Save(context.Background(), sampleState(step)); err != nil {
			t.Fatal(err)
		}
	}
	es, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(es) != 2 || es[0].Step != 3 || es[1].Step != 4 {
		t.Fatalf("after pruning: %+v", es)
	}
}

func TestLoadCorrupt(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.ckpt")
	os.WriteFile(p, []byte("not gob"), 0o644)
	_, err := Load(p)
	var ce *CheckpointIOError
	if !errors.As(err, &ce) || ce.Op != "decode" {
		t.Fatalf("want decode CheckpointIOError, got %v", err)
	}
}

func TestFailedSaveFailsEveryRank(t *testing.T) {
	root := t.TempDir()
	// a regular file where the run directory should be
	os.WriteFile(filepath.Join(root, "run"), nil, 0o644)

	c := distributed.NewLocalCluster(2, 5*time.Second, 5*time.Second)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			pg, err := c.Join(context.Background(), r)
			if err != nil {
				errs[r] = err
				return
			}
			_, errs[r] = NewManager(root, "run", 0, pg).Save(context.Background(), sampleState(1))
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		var ce *CheckpointIOError
		if !errors.As(err, &ce) {
			t.Fatalf("rank %d: want CheckpointIOError, got %v", r, err)
		}
	}
}

func TestSaveAcknowledgedOnEveryRank(t *testing.T) {
	root := t.TempDir()
	c := distributed.NewLocalCluster(3, 5*time.Second, 5*time.Second)
	paths := make([]string, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			pg, err := c.Join(context.Background(), r)
			if err != nil {
				errs[r] = err
				return
			}
			paths[r], errs[r] = NewManager(root, "run", 0, pg).Save(context.Background(), sampleState(4))
		}(r)
	}
	wg.Wait()
	for r := range errs {
		if errs[r] != nil {
			t.Fatalf("rank %d: %v", r, errs[r])
		}
		if paths[r] != paths[0] {
			t.Fatalf("rank %d reports %s, rank 0 %s", r, paths[r], paths[0])
		}
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Fatal(err)
	}
}
