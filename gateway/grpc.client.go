package gateway

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/plan-systems/plan-gateway/bufs"
	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/slab"
)

// GrpcClient is a Conn to a remote GrpcServer.
//
// Ctx organization:
// [grpc client]
//     [sub]
//     ...
type GrpcClient struct {
	ctx.Context

	target string
	cc     *grpc.ClientConn
}

// GrpcDialer returns a Dialer that connects to the given grpc target (e.g. "127.0.0.1:4444").
//
// Unless opts says otherwise, connections are plaintext.
func GrpcDialer(target string, opts ...grpc.DialOption) Dialer {
	return func(dialCtx context.Context) (Conn, error) {
		return DialGrpc(dialCtx, target, opts...)
	}
}

// DialGrpc connects to the given target, blocking until the connection is ready, fails, or dialCtx is done.
func DialGrpc(dialCtx context.Context, target string, opts ...grpc.DialOption) (*GrpcClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(bufs.MaxCBORSize),
			grpc.MaxCallSendMsgSize(bufs.MaxCBORSize),
		),
	}, opts...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, ErrCode_TransportFailed.Wrap(err)
	}

	if err = awaitReady(dialCtx, cc); err != nil {
		cc.Close()
		return nil, err
	}

	client := &GrpcClient{
		target: target,
		cc:     cc,
	}
	err = client.CtxStart(
		func() error {
			client.SetLogLabelf("grpc client %s", target)
			client.Info(1, "connected")
			return nil
		},
		nil,
		nil,
		func() {
			client.cc.Close()
			client.Info(1, "disconnected")
		},
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func awaitReady(dialCtx context.Context, cc *grpc.ClientConn) error {
	cc.Connect()
	for {
		state := cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return ErrCode_TransportFailed.ErrWithMsgf("connection to %s failed (%v)", cc.Target(), state)
		}
		if !cc.WaitForStateChange(dialCtx, state) {
			return dialCtx.Err()
		}
	}
}

// Close -- see interface Conn
func (client *GrpcClient) Close() error {
	client.CtxStop("closed", nil)
	client.CtxWait()
	return nil
}

// Publish -- see interface Gateway
func (client *GrpcClient) Publish(ctx context.Context, payload []byte) (uint64, error) {
	resp := &PublishResp{}
	if err := client.cc.Invoke(ctx, methodPublish, &PublishReq{Payload: payload}, resp); err != nil {
		return 0, fromStatus(err)
	}
	return resp.Seq, nil
}

// Status -- see interface Gateway
func (client *GrpcClient) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := client.cc.Invoke(ctx, methodStatus, &StatusReq{}, &st); err != nil {
		return Status{}, fromStatus(err)
	}
	return st, nil
}

// GetSlab -- see interface Gateway
func (client *GrpcClient) GetSlab(ctx context.Context, seq uint64) (*slab.Slab, error) {
	s := &slab.Slab{}
	if err := client.cc.Invoke(ctx, methodGetSlab, &GetSlabReq{Seq: seq}, s); err != nil {
		return nil, fromStatus(err)
	}
	if err := s.Verify(); err != nil {
		return nil, ErrCode_TransportFailed.Wrap(err)
	}
	return s, nil
}

// Subscribe -- see interface Gateway
//
// Errors that the broker returns when the subscription is opened (e.g. SnapshotRequired) are returned here.
func (client *GrpcClient) Subscribe(ctx context.Context, fromSeq uint64) (SlabSub, error) {
	if !client.CtxRunning() {
		return nil, ErrCode_TransportFailed.ErrWithMsg("client closed")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.openStream(streamCtx, fromSeq)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &grpcSub{
		callerCtx: ctx,
		stream:    stream,
		outbox:    make(chan *slab.Slab),
	}
	err = sub.CtxStart(
		func() error {
			sub.SetLogLabelf("grpc sub from %d", fromSeq)
			sub.CtxGo(sub.recvLoop)
			return nil
		},
		cancel,
		nil,
		nil,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	client.CtxAddChild(sub)

	return sub, nil
}

func (client *GrpcClient) openStream(streamCtx context.Context, fromSeq uint64) (grpc.ClientStream, error) {
	stream, err := client.cc.NewStream(streamCtx, &gatewayServiceDesc.Streams[0], methodSubscribe)
	if err != nil {
		return nil, fromStatus(err)
	}
	if err = stream.SendMsg(&SubscribeReq{FromSeq: fromSeq}); err != nil {
		return nil, fromStatus(err)
	}
	if err = stream.CloseSend(); err != nil {
		return nil, fromStatus(err)
	}

	// The server only sends headers once the subscription is accepted; a refusal is a trailers-only response.
	md, err := stream.Header()
	if err != nil {
		return nil, fromStatus(err)
	}
	if len(md.Get(headerSubscribed)) == 0 {
		err = stream.RecvMsg(&slab.Slab{})
		if err == nil || err == io.EOF {
			return nil, ErrCode_TransportFailed.ErrWithMsg("subscribe stream ended without a reply")
		}
		return nil, fromStatus(err)
	}

	return stream, nil
}

// grpcSub is the client side of a Gateway/Subscribe stream.
type grpcSub struct {
	ctx.Context

	callerCtx context.Context
	stream    grpc.ClientStream
	outbox    chan *slab.Slab

	closed atomic.Bool
	errMu  sync.Mutex
	err    error
}

func (sub *grpcSub) recvLoop() {
	var err error

	for err == nil {
		s := &slab.Slab{}
		if err = sub.stream.RecvMsg(s); err != nil {
			if err == io.EOF {
				err = ErrCode_TransportFailed.ErrWithMsg("subscribe stream ended")
			} else {
				err = fromStatus(err)
			}
			break
		}
		if err = s.Verify(); err != nil {
			err = ErrCode_TransportFailed.Wrap(err)
			break
		}

		select {
		case sub.outbox <- s:
		case <-sub.CtxStopping():
			err = context.Canceled
		}
	}

	// Ended by the subscriber
	if sub.closed.Load() || sub.callerCtx.Err() != nil {
		err = nil
	} else if err == context.Canceled {
		err = ErrCode_TransportFailed.ErrWithMsg("connection closed")
	}

	sub.errMu.Lock()
	sub.err = err
	sub.errMu.Unlock()

	close(sub.outbox)
	sub.CtxStop("stream ended", nil)
}

// Outbox -- see interface SlabSub
func (sub *grpcSub) Outbox() <-chan *slab.Slab {
	return sub.outbox
}

// Err -- see interface SlabSub
func (sub *grpcSub) Err() error {
	sub.errMu.Lock()
	defer sub.errMu.Unlock()
	return sub.err
}

// Close -- see interface SlabSub
func (sub *grpcSub) Close() {
	sub.closed.Store(true)
	sub.CtxStop("sub closed", nil)
	sub.CtxWait()
}
