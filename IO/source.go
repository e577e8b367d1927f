package IO

import (
	"context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"
)

// SourceOptions describes one dataset: a root path, shard names under it and
// how this rank should read them.
type SourceOptions struct {
	Kind      string // dataset type
	Root      string
	Files     []string
	ReaderNum int
	Shuffle   bool
	Seed      int64
	Rank      int
	WorldSize int
	Formatter Formatter
}

// Source is a restartable dataset. Every call to Epoch starts a fresh,
// finite pass over this rank's share of the records.
type Source struct {
	opts  SourceOptions
	paths []string
}

// Open checks that every shard exists.
func Open(opts SourceOptions) (*Source, error) {
	if len(opts.Files) == 0 {
		return nil, fileError(opts.Root, "no shard files configured")
	}
	if opts.Formatter == nil {
		return nil, errors.New("source: nil formatter")
	}
	if opts.ReaderNum <= 0 {
		opts.ReaderNum = 1
	}
	if opts.WorldSize <= 0 {
		opts.WorldSize = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.Errorf("source: rank %d outside world of %d", opts.Rank, opts.WorldSize)
	}
	paths := make([]string, len(opts.Files))
	for i, name := range opts.Files {
		paths[i] = filepath.Join(opts.Root, name)
		for _, p := range shardPaths(opts.Kind, paths[i]) {
			if _, err := os.Stat(p); err != nil {
				return nil, fileError(p, "shard not readable: %v", err)
			}
		}
	}
	return &Source{opts: opts, paths: paths}, nil
}

func (s *Source) NumFiles() int { return len(s.paths) }

// ownedBy reports whether record j of file f belongs to rank. Offsetting by
// the file index spreads short shards across ranks instead of always handing
// record 0 to rank 0.
func ownedBy[T constraints.Integer](j, f, rank, world T) bool {
	return (j+f)%world == rank
}

type result struct {
	sample Sample
	err    error
}

type feed struct {
	file int
	ch   chan result
}

// Stream is one pass over the dataset. It is not safe for concurrent use.
type Stream struct {
	src    *Source
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	rng    *rand.Rand

	order []int // file indices still to open
	open  []*feed
	err   error
}

// Epoch starts pass number epoch. With shuffling the file order and the
// interleaving between open files are drawn from a generator seeded by
// (seed, epoch), so a pass is reproducible.
func (s *Source) Epoch(ctx context.Context, epoch int) (*Stream, error) {
	order := make([]int, len(s.paths))
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewPCG(uint64(s.opts.Seed), uint64(epoch)))
	if s.opts.Shuffle {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	st := &Stream{src: s, ctx: gctx, cancel: cancel, g: g, rng: rng, order: order}
	st.fill()
	return st, nil
}

// fill keeps ReaderNum shard readers running.
func (st *Stream) fill() {
	for len(st.open) < st.src.opts.ReaderNum && len(st.order) > 0 {
		f := &feed{file: st.order[0], ch: make(chan result, 16)}
		st.order = st.order[1:]
		st.open = append(st.open, f)
		st.g.Go(func() error { return st.read(f) })
	}
}

func (st *Stream) read(f *feed) error {
	defer close(f.ch)
	opts := st.src.opts
	path := st.src.paths[f.file]
	send := func(r result) bool {
		select {
		case f.ch <- r:
			return true
		case <-st.ctx.Done():
			return false
		}
	}
	sr, err := OpenShard(opts.Kind, path)
	if err != nil {
		send(result{err: asDataError(path, -1, err)})
		return nil
	}
	defer sr.Close()
	for j := 0; ; j++ {
		rec, err := sr.Next()
		if err == io.EOF {
			glog.V(2).Infof("rank %d: finished shard %s after %d records", opts.Rank, path, j)
			return nil
		}
		if err != nil {
			send(result{err: asDataError(path, j, err)})
			return nil
		}
		if !ownedBy(j, f.file, opts.Rank, opts.WorldSize) {
			continue
		}
		sample, err := opts.Formatter.Format(path, j, rec)
		if !send(result{sample: sample, err: err}) || err != nil {
			return nil
		}
	}
}

// Next returns the next sample of this rank's share, or io.EOF once every
// shard is drained. Without shuffling files are drained in configured order;
// with shuffling each sample comes from an open file picked at random.
func (st *Stream) Next() (Sample, error) {
	if st.err != nil {
		return Sample{}, st.err
	}
	for {
		if err := st.ctx.Err(); err != nil {
			st.err = err
			return Sample{}, err
		}
		st.fill()
		if len(st.open) == 0 {
			return Sample{}, io.EOF
		}
		i := 0
		if st.src.opts.Shuffle && len(st.open) > 1 {
			i = st.rng.IntN(len(st.open))
		}
		var (
			r  result
			ok bool
		)
		select {
		case r, ok = <-st.open[i].ch:
		case <-st.ctx.Done():
			st.err = st.ctx.Err()
			return Sample{}, st.err
		}
		if !ok {
			st.open = append(st.open[:i], st.open[i+1:]...)
			continue
		}
		if r.err != nil {
			st.err = r.err
			return Sample{}, r.err
		}
		return r.sample, nil
	}
}

// Close stops the shard readers and waits for them to exit.
func (st *Stream) Close() error {
	st.cancel()
	return st.g.Wait()
}
