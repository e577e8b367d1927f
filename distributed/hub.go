package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
)

type opKind uint8

const (
	opJoin opKind = iota
	opSum
	opBroadcast
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opJoin:
		return "join"
	case opSum:
		return "all-reduce"
	case opBroadcast:
		return "broadcast"
	case opBarrier:
		return "barrier"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// DistributedError is a failed rendezvous or collective. Once a hub fails,
// every rank's pending and future operations return the same error.
type DistributedError struct {
	Op     string
	Rank   int
	Reason string
}

func (e *DistributedError) Error() string {
	return fmt.Sprintf("distributed: rank %d: %s: %s", e.Rank, e.Op, e.Reason)
}

// round is one collective in flight, keyed by sequence number. Ranks fan in
// their contributions; the last arrival reduces and fans the result out by
// closing done.
type round struct {
	kind    opKind
	size    int
	src     int
	contrib [][]float64
	arrived int
	done    chan struct{}
	result  []float64
	err     error
}

// Hub matches the collectives of WorldSize ranks. Every backend funnels into
// one hub: in process for local, behind rank 0's server for grpc.
type Hub struct {
	world int

	mu     sync.Mutex
	rounds map[uint64]*round
	failed error
}

func NewHub(world int) *Hub {
	return &Hub{world: world, rounds: make(map[uint64]*round)}
}

// Submit contributes data from rank to collective seq and blocks until every
// rank has contributed, the timeout passes or ctx ends. Any failure fails the
// whole hub.
func (h *Hub) Submit(ctx context.Context, rank int, seq uint64, kind opKind, src int, data []float64, timeout time.Duration) ([]float64, error) {
	h.mu.Lock()
	if h.failed != nil {
		h.mu.Unlock()
		return nil, h.failed
	}
	if rank < 0 || rank >= h.world {
		err := &DistributedError{Op: kind.String(), Rank: rank, Reason: fmt.Sprintf("rank outside world of %d", h.world)}
		h.failLocked(err)
		h.mu.Unlock()
		return nil, err
	}
	if kind == opBroadcast && (src < 0 || src >= h.world) {
		err := &DistributedError{Op: kind.String(), Rank: rank, Reason: fmt.Sprintf("source rank %d outside world of %d", src, h.world)}
		h.failLocked(err)
		h.mu.Unlock()
		return nil, err
	}
	if kind == opJoin && (len(data) != 1 || int(data[0]) != h.world) {
		err := &DistributedError{Op: "join", Rank: rank, Reason: fmt.Sprintf("world size %v disagrees with %d", data, h.world)}
		h.failLocked(err)
		h.mu.Unlock()
		return nil, err
	}
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{kind: kind, size: len(data), src: src, contrib: make([][]float64, h.world), done: make(chan struct{})}
		h.rounds[seq] = r
	}
	if r.kind != kind || r.size != len(data) || r.src != src {
		err := &DistributedError{Op: kind.String(), Rank: rank, Reason: fmt.Sprintf(
			"collective %d mismatch: %s of %d values from %d, rank sent %s of %d from %d",
			seq, r.kind, r.size, r.src, kind, len(data), src)}
		h.failLocked(err)
		h.mu.Unlock()
		return nil, err
	}
	if r.contrib[rank] != nil {
		err := &DistributedError{Op: kind.String(), Rank: rank, Reason: fmt.Sprintf("collective %d submitted twice", seq)}
		h.failLocked(err)
		h.mu.Unlock()
		return nil, err
	}
	r.contrib[rank] = append(make([]float64, 0, len(data)), data...)
	r.arrived++
	if r.arrived == h.world {
		r.result = reduce(r)
		delete(h.rounds, seq)
		close(r.done)
	}
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		h.abandon(r, &DistributedError{Op: kind.String(), Rank: rank, Reason: fmt.Sprintf(
			"collective %d timed out after %v", seq, timeout)})
	case <-ctx.Done():
		h.abandon(r, &DistributedError{Op: kind.String(), Rank: rank, Reason: "abandoned: " + ctx.Err().Error()})
	}
	if r.err != nil {
		return nil, r.err
	}
	return append([]float64(nil), r.result...), nil
}

// abandon fails the hub unless r completed in the meantime, then waits for r
// to be released either way.
func (h *Hub) abandon(r *round, err *DistributedError) {
	h.mu.Lock()
	select {
	case <-r.done:
	default:
		err.Reason += fmt.Sprintf(" (%d of %d ranks arrived)", r.arrived, h.world)
		h.failLocked(err)
	}
	h.mu.Unlock()
	<-r.done
}

// reduce computes the round result. Sums run in rank order so every rank
// receives bit-identical values.
func reduce(r *round) []float64 {
	switch r.kind {
	case opSum:
		out := make([]float64, r.size)
		for _, c := range r.contrib {
			floats.Add(out, c)
		}
		return out
	case opBroadcast:
		return r.contrib[r.src]
	}
	return nil
}

func (h *Hub) failLocked(err error) {
	if h.failed != nil {
		return
	}
	glog.Errorf("collective hub failed: %v", err)
	h.failed = err
	for seq, r := range h.rounds {
		r.err = err
		close(r.done)
		delete(h.rounds, seq)
	}
}

// Fail fails the hub from outside a collective, e.g. when a rank dies before
// it reaches one. Pending and future operations of every rank return err.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failLocked(err)
}

// Err reports the error that failed the hub, if any.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}
