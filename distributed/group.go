// Package distributed coordinates cooperating training ranks. The primitives
// follow MPI: a process group starts with Init, exchanges data through
// AllReduce/Broadcast/Barrier in lockstep and ends with Close.
package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// transport carries one collective contribution to the hub.
type transport interface {
	submit(ctx context.Context, rank int, seq uint64, kind opKind, src int, data []float64, timeout time.Duration) ([]float64, error)
	close() error
}

type Options struct {
	Backend           string // local | grpc
	Rank              int
	WorldSize         int
	Addr              string        // grpc: rank 0's listen/dial address
	Timeout           time.Duration // rendezvous
	CollectiveTimeout time.Duration
}

// ProcessGroup is one rank's handle on the group. Its collectives must be
// called by every rank in the same order; a group is not safe for
// concurrent use.
type ProcessGroup struct {
	Rank      int
	WorldSize int
	Backend   string

	t                 transport
	seq               uint64
	collectiveTimeout time.Duration
}

// Init joins the process group described by opts and blocks until every rank
// has arrived or opts.Timeout passes. A world size of 1 on the local backend
// needs no peers.
func Init(ctx context.Context, opts Options) (*ProcessGroup, error) {
	if opts.WorldSize <= 0 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, &DistributedError{Op: "init", Rank: opts.Rank, Reason: fmt.Sprintf("invalid rank %d for world size %d", opts.Rank, opts.WorldSize)}
	}
	var (
		t   transport
		err error
	)
	switch opts.Backend {
	case "local":
		if opts.WorldSize != 1 {
			return nil, &DistributedError{Op: "init", Rank: opts.Rank, Reason: "the local backend spans one process; start ranks with NewLocalCluster"}
		}
		t = &localTransport{hub: NewHub(1)}
	case "grpc":
		t, err = dialGRPC(opts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &DistributedError{Op: "init", Rank: opts.Rank, Reason: fmt.Sprintf("unknown backend %q", opts.Backend)}
	}
	pg := newGroup(opts, t)
	if err := pg.join(ctx, opts.Timeout); err != nil {
		t.close()
		return nil, err
	}
	glog.Infof("rank %d joined %s process group of %d", pg.Rank, pg.Backend, pg.WorldSize)
	return pg, nil
}

func newGroup(opts Options, t transport) *ProcessGroup {
	ct := opts.CollectiveTimeout
	if ct <= 0 {
		ct = 10 * time.Minute
	}
	return &ProcessGroup{Rank: opts.Rank, WorldSize: opts.WorldSize, Backend: opts.Backend, t: t, collectiveTimeout: ct}
}

func (pg *ProcessGroup) join(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Minute
	}
	_, err := pg.do(ctx, opJoin, 0, []float64{float64(pg.WorldSize)}, timeout)
	return err
}

func (pg *ProcessGroup) do(ctx context.Context, kind opKind, src int, data []float64, timeout time.Duration) ([]float64, error) {
	pg.seq++
	glog.V(3).Infof("rank %d: %s #%d (%d values)", pg.Rank, kind, pg.seq, len(data))
	return pg.t.submit(ctx, pg.Rank, pg.seq, kind, src, data, timeout)
}

// AllReduceSum replaces v with the element-wise sum over all ranks.
func (pg *ProcessGroup) AllReduceSum(ctx context.Context, v []float64) error {
	out, err := pg.do(ctx, opSum, 0, v, pg.collectiveTimeout)
	if err != nil {
		return err
	}
	copy(v, out)
	return nil
}

// AllReduceMean replaces v with the element-wise mean over all ranks.
func (pg *ProcessGroup) AllReduceMean(ctx context.Context, v []float64) error {
	if err := pg.AllReduceSum(ctx, v); err != nil {
		return err
	}
	if pg.WorldSize > 1 {
		floats.Scale(1/float64(pg.WorldSize), v)
	}
	return nil
}

// Broadcast replaces v on every rank with src's v.
func (pg *ProcessGroup) Broadcast(ctx context.Context, v []float64, src int) error {
	out, err := pg.do(ctx, opBroadcast, src, v, pg.collectiveTimeout)
	if err != nil {
		return err
	}
	copy(v, out)
	return nil
}

// Barrier returns once every rank has reached it.
func (pg *ProcessGroup) Barrier(ctx context.Context) error {
	_, err := pg.do(ctx, opBarrier, 0, []float64{}, pg.collectiveTimeout)
	return err
}

// Close releases the transport. Rank 0 of a grpc group stops serving once
// in-flight collectives have drained.
func (pg *ProcessGroup) Close() error {
	return pg.t.close()
}

// AllReduceInts sums integer counters across ranks. Counts stay exact as
// long as they fit in a float64 mantissa.
func AllReduceInts[T constraints.Integer](ctx context.Context, pg *ProcessGroup, v []T) error {
	buf := make([]float64, len(v))
	for i, x := range v {
		buf[i] = float64(x)
	}
	if err := pg.AllReduceSum(ctx, buf); err != nil {
		return err
	}
	for i, x := range buf {
		v[i] = T(x)
	}
	return nil
}

// LocalCluster runs WorldSize ranks inside one process, one goroutine each,
// around a shared hub.
type LocalCluster struct {
	hub  *Hub
	opts Options
}

func NewLocalCluster(n int, timeout, collectiveTimeout time.Duration) *LocalCluster {
	return &LocalCluster{hub: NewHub(n), opts: Options{
		Backend: "local", WorldSize: n, Timeout: timeout, CollectiveTimeout: collectiveTimeout,
	}}
}

// Join is Init for one goroutine rank of the cluster.
func (c *LocalCluster) Join(ctx context.Context, rank int) (*ProcessGroup, error) {
	if rank < 0 || rank >= c.opts.WorldSize {
		return nil, &DistributedError{Op: "init", Rank: rank, Reason: fmt.Sprintf("invalid rank for world size %d", c.opts.WorldSize)}
	}
	opts := c.opts
	opts.Rank = rank
	pg := newGroup(opts, &localTransport{hub: c.hub})
	if err := pg.join(ctx, opts.Timeout); err != nil {
		return nil, err
	}
	return pg, nil
}

// Abort fails every rank of the cluster with err.
func (c *LocalCluster) Abort(rank int, err error) {
	c.hub.Fail(&DistributedError{Op: "abort", Rank: rank, Reason: err.Error()})
}

type localTransport struct {
	hub *Hub
}

func (l *localTransport) submit(ctx context.Context, rank int, seq uint64, kind opKind, src int, data []float64, timeout time.Duration) ([]float64, error) {
	return l.hub.Submit(ctx, rank, seq, kind, src, data, timeout)
}

func (l *localTransport) close() error { return nil }
