package gateway

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	grpc_codes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/plan-systems/plan-gateway/bufs"
	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/slab"
)

// GrpcServer serves a Gateway (usually a Broker) to remote sessions.
type GrpcServer struct {
	ctx.Context

	// Listener, if set, is served instead of listening on listenNetwork/listenAddr.
	Listener net.Listener

	gw            Gateway
	server        *grpc.Server
	listenNetwork string
	listenAddr    string
}

// NewGrpcServer creates a new GrpcServer
func NewGrpcServer(gw Gateway, listenNetwork string, listenAddr string) *GrpcServer {
	return &GrpcServer{
		gw:            gw,
		listenNetwork: listenNetwork,
		listenAddr:    listenAddr,
	}
}

// Start starts serving.
func (srv *GrpcServer) Start() error {
	return srv.CtxStart(
		func() error { // on startup
			srv.SetLogLabel("grpc")

			lis := srv.Listener
			if lis == nil {
				var err error
				srv.Infof(0, "starting grpc service on \x1b[1;32m%v %v\x1b[0m", srv.listenNetwork, srv.listenAddr)
				if lis, err = net.Listen(srv.listenNetwork, srv.listenAddr); err != nil {
					return errors.Errorf("failed to listen: %v", err)
				}
			}

			srv.server = grpc.NewServer(
				grpc.StreamInterceptor(srv.StreamServerInterceptor()),
				grpc.UnaryInterceptor(srv.UnaryServerInterceptor()),
				grpc.MaxRecvMsgSize(bufs.MaxCBORSize),
				grpc.MaxSendMsgSize(bufs.MaxCBORSize),
			)
			srv.server.RegisterService(&gatewayServiceDesc, srv)

			go func() {
				if err := srv.server.Serve(lis); err != nil {
					srv.Warnf("grpc serve exited: %v", err)
				}
			}()

			return nil
		},
		func() {
			srv.Info(0, "initiating graceful stop")

			// This closes the net.Listener as well.
			go srv.server.GracefulStop()
		},
		nil,
		func() {
			// Subscribe streams exit on CtxStopping(), so this completes once in-flight unary calls do.
			srv.server.GracefulStop()
			srv.Info(0, "graceful stop complete")
		},
	)
}

func (srv *GrpcServer) publish(ctx context.Context, req *PublishReq) (*PublishResp, error) {
	seq, err := srv.gw.Publish(ctx, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PublishResp{
		Seq: seq,
	}, nil
}

func (srv *GrpcServer) status(ctx context.Context, req *StatusReq) (*Status, error) {
	st, err := srv.gw.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &st, nil
}

func (srv *GrpcServer) getSlab(ctx context.Context, req *GetSlabReq) (*slab.Slab, error) {
	s, err := srv.gw.GetSlab(ctx, req.Seq)
	if err != nil {
		return nil, toStatus(err)
	}
	return s, nil
}

func (srv *GrpcServer) subscribe(req *SubscribeReq, stream grpc.ServerStream) error {
	sub, err := srv.gw.Subscribe(stream.Context(), req.FromSeq)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	// Tells the client the subscribe was accepted (vs a trailers-only error response)
	if err = stream.SendHeader(metadata.Pairs(headerSubscribed, fmt.Sprint(req.FromSeq))); err != nil {
		return err
	}

	outbox := sub.Outbox()
	for {
		select {
		case s, ok := <-outbox:
			if !ok {
				return toStatus(sub.Err())
			}
			if err = stream.SendMsg(s); err != nil {
				return err
			}
		case <-srv.CtxStopping():
			return status.Error(grpc_codes.Unavailable, "gateway shutting down")
		}
	}
}

// UnaryServerInterceptor is a debugging helper
func (srv *GrpcServer) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		srv.Infof(2, "[rpc server] %v", info.FullMethod)

		x, err := handler(ctx, req)
		if err != nil {
			srv.Infof(1, "[rpc server] %v: %v", info.FullMethod, err)
		}
		return x, err
	}
}

// StreamServerInterceptor is a debugging helper
func (srv *GrpcServer) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(server interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		srv.Infof(2, "[rpc server] %v", info.FullMethod)
		err := handler(server, stream)
		if err != nil {
			srv.Infof(1, "[rpc server] %v: %v", info.FullMethod, err)
		}
		return err
	}
}
