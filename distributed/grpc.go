package distributed

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// SubmitRequest is one rank's contribution to a collective.
type SubmitRequest struct {
	Rank          int
	Seq           uint64
	Kind          uint8
	Src           int
	Data          []float64
	TimeoutMillis int64
}

type SubmitReply struct {
	Data []float64
}

// gobCodec carries float64 payloads bit-exactly, NaN and ±Inf included.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }

// collectiveServer implements the server API for the Collective service. It
// is hosted by rank 0 and fronts the group's hub.
type collectiveServer struct {
	hub *Hub
}

type collectiveService interface {
	Submit(context.Context, *SubmitRequest) (*SubmitReply, error)
}

func (s *collectiveServer) Submit(ctx context.Context, in *SubmitRequest) (*SubmitReply, error) {
	timeout := time.Duration(in.TimeoutMillis) * time.Millisecond
	out, err := s.hub.Submit(ctx, in.Rank, in.Seq, opKind(in.Kind), in.Src, in.Data, timeout)
	if err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return &SubmitReply{Data: out}, nil
}

const submitMethod = "/pretrain.Collective/Submit"

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveService).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(collectiveService).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: "pretrain.Collective",
	HandlerType: (*collectiveService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collective",
}

type grpcTransport struct {
	conn   *grpc.ClientConn
	server *grpc.Server // rank 0 only
}

// dialGRPC starts rank 0's server when this is rank 0 and connects to it.
// Rank 0 talks to its own server like every other rank.
func dialGRPC(opts Options) (*grpcTransport, error) {
	t := &grpcTransport{}
	if opts.Rank == 0 {
		lis, err := net.Listen("tcp", opts.Addr)
		if err != nil {
			return nil, &DistributedError{Op: "init", Rank: 0, Reason: "listen: " + err.Error()}
		}
		t.server = grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
		t.server.RegisterService(&collectiveServiceDesc, &collectiveServer{hub: NewHub(opts.WorldSize)})
		go func() {
			if err := t.server.Serve(lis); err != nil {
				glog.Errorf("collective server stopped: %v", err)
			}
		}()
		glog.Infof("collective server listening on %s for %d ranks", lis.Addr(), opts.WorldSize)
	}
	conn, err := grpc.NewClient(opts.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{}), grpc.WaitForReady(true)),
	)
	if err != nil {
		if t.server != nil {
			t.server.Stop()
		}
		return nil, &DistributedError{Op: "init", Rank: opts.Rank, Reason: "dial: " + err.Error()}
	}
	t.conn = conn
	return t, nil
}

func (t *grpcTransport) submit(ctx context.Context, rank int, seq uint64, kind opKind, src int, data []float64, timeout time.Duration) ([]float64, error) {
	// the hub enforces the timeout; the extra slack only bounds a dead server
	ctx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
	defer cancel()
	in := &SubmitRequest{Rank: rank, Seq: seq, Kind: uint8(kind), Src: src, Data: data, TimeoutMillis: timeout.Milliseconds()}
	out := new(SubmitReply)
	if err := t.conn.Invoke(ctx, submitMethod, in, out); err != nil {
		reason := err.Error()
		if st, ok := status.FromError(err); ok {
			reason = st.Message()
		}
		return nil, &DistributedError{Op: kind.String(), Rank: rank, Reason: reason}
	}
	if len(out.Data) != len(data) && kind != opBarrier && kind != opJoin {
		return nil, &DistributedError{Op: kind.String(), Rank: rank, Reason: "reply length mismatch"}
	}
	return out.Data, nil
}

func (t *grpcTransport) close() error {
	err := t.conn.Close()
	if t.server != nil {
		t.server.GracefulStop()
	}
	return errors.Wrap(err, "close collective connection")
}
