// Package checkpoint persists training progress. Rank 0 is the only writer;
// every rank learns the outcome of a save through a broadcast acknowledgement.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/manningwu07/MLMPretrain/distributed"
	"github.com/manningwu07/MLMPretrain/optimizations"
)

// ProgressState is everything besides the weights that a resumed run needs
// to continue exactly where the saved one stopped.
type ProgressState struct {
	Epoch        int // zero-based pass currently in progress
	GlobalStep   int // step boundaries passed, overflow-skipped steps included
	EpochBatches int // micro-batches consumed in the current epoch
	SkippedSteps int // overflow-skipped steps over the whole run
	Optimizer    optimizations.OptimizerState
	Scheduler    optimizations.ScheduleState
	Scaler       optimizations.ScalerState
}

// State is one checkpoint file.
type State struct {
	ModelName string
	Params    []float64 // parameters flattened in Model.Parameters order
	Progress  ProgressState
	Time      time.Time
}

// CheckpointIOError is a failed checkpoint read or write. On a failed save
// every rank returns one.
type CheckpointIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

// Manager owns the checkpoint directory of one run.
type Manager struct {
	Dir      string // model_path/model_name
	Name     string
	KeepLast int // 0 keeps everything

	pg *distributed.ProcessGroup // nil for a single process
}

func NewManager(modelPath, name string, keepLast int, pg *distributed.ProcessGroup) *Manager {
	return &Manager{Dir: filepath.Join(modelPath, name), Name: name, KeepLast: keepLast, pg: pg}
}

const ext = ".ckpt"

// PathFor is the file a checkpoint of step is saved to.
func (m *Manager) PathFor(step int) string {
	return filepath.Join(m.Dir, fmt.Sprintf("%s-step%08d%s", m.Name, step, ext))
}

func (m *Manager) writer() bool { return m.pg == nil || m.pg.Rank == 0 }

// Save writes st for st.Progress.GlobalStep and waits for rank 0's
// acknowledgement. The file appears atomically under its final name and an
// existing checkpoint of the same step is never replaced.
func (m *Manager) Save(ctx context.Context, st *State) (string, error) {
	path := m.PathFor(st.Progress.GlobalStep)
	var werr error
	if m.writer() {
		werr = m.write(path, st)
		if werr == nil {
			glog.Infof("saved checkpoint %s", path)
			if err := m.prune(); err != nil {
				glog.Warningf("pruning checkpoints: %v", err)
			}
		}
	}
	if m.pg != nil && m.pg.WorldSize > 1 {
		ack := []float64{0}
		if m.writer() && werr == nil {
			ack[0] = 1
		}
		if err := m.pg.Broadcast(ctx, ack, 0); err != nil {
			return "", errors.Wrap(err, "checkpoint acknowledgement")
		}
		if ack[0] != 1 && werr == nil {
			werr = &CheckpointIOError{Op: "save", Path: path, Err: errors.New("rank 0 failed to write the checkpoint")}
		}
	}
	if werr != nil {
		return "", werr
	}
	return path, nil
}

func (m *Manager) write(path string, st *State) error {
	fail := func(op string, err error) error {
		return &CheckpointIOError{Op: op, Path: path, Err: err}
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fail("mkdir", err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fail("encode", err)
	}
	tmp, err := os.CreateTemp(m.Dir, "."+m.Name+"-*.tmp")
	if err != nil {
		return fail("create", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close", err)
	}
	// a link never replaces an existing file, so a written checkpoint stays as it is
	if err := os.Link(tmp.Name(), path); err != nil {
		if os.IsExist(err) {
			return fail("link", errors.New("a checkpoint for this step already exists"))
		}
		return fail("link", err)
	}
	d, err := os.Open(m.Dir)
	if err != nil {
		return fail("sync dir", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fail("sync dir", err)
	}
	return nil
}

// Entry is one checkpoint on disk.
type Entry struct {
	Step int
	Path string
}

// List returns the checkpoints in the directory, oldest step first. A
// missing directory is an empty list.
func (m *Manager) List() ([]Entry, error) {
	des, err := os.ReadDir(m.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &CheckpointIOError{Op: "list", Path: m.Dir, Err: err}
	}
	prefix := m.Name + "-step"
	var out []Entry
	for _, de := range des {
		n := de.Name()
		if de.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ext) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(n, prefix), ext))
		if err != nil {
			continue
		}
		out = append(out, Entry{Step: step, Path: filepath.Join(m.Dir, n)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Latest returns the newest checkpoint, or ok=false if there is none.
func (m *Manager) Latest() (Entry, bool, error) {
	es, err := m.List()
	if err != nil || len(es) == 0 {
		return Entry{}, false, err
	}
	return es[len(es)-1], true, nil
}

func Load(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &CheckpointIOError{Op: "read", Path: path, Err: err}
	}
	st := &State{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(st); err != nil {
		return nil, &CheckpointIOError{Op: "decode", Path: path, Err: err}
	}
	return st, nil
}

// prune removes all but the newest KeepLast checkpoints.
func (m *Manager) prune() error {
	if m.KeepLast <= 0 {
		return nil
	}
	es, err := m.List()
	if err != nil {
		return err
	}
	for len(es) > m.KeepLast {
		if err := os.Remove(es[0].Path); err != nil {
			return err
		}
		glog.V(1).Infof("removed old checkpoint %s", es[0].Path)
		es = es[1:]
	}
	return nil
}
