package gateway

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	grpc_codes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/plan-systems/plan-gateway/slab"
)

// PublishReq is sent to Gateway/Publish
type PublishReq struct {
	Payload []byte `cbor:"1,keyasint"`
}

// PublishResp is returned from Gateway/Publish
type PublishResp struct {
	Seq uint64 `cbor:"1,keyasint"`
}

// SubscribeReq opens a Gateway/Subscribe stream of slabs
type SubscribeReq struct {
	FromSeq uint64 `cbor:"1,keyasint,omitempty"`
}

// StatusReq is sent to Gateway/Status
type StatusReq struct{}

// GetSlabReq is sent to Gateway/GetSlab
type GetSlabReq struct {
	Seq uint64 `cbor:"1,keyasint"`
}

const (
	serviceName      = "gateway.Gateway"
	methodPublish    = "/gateway.Gateway/Publish"
	methodSubscribe  = "/gateway.Gateway/Subscribe"
	methodStatus     = "/gateway.Gateway/Status"
	methodGetSlab    = "/gateway.Gateway/GetSlab"
	headerSubscribed = "gateway-subscribed"
)

// gatewayServer is what a grpc server registers to serve the gateway service.
type gatewayServer interface {
	publish(ctx context.Context, req *PublishReq) (*PublishResp, error)
	subscribe(req *SubscribeReq, stream grpc.ServerStream) error
	status(ctx context.Context, req *StatusReq) (*Status, error)
	getSlab(ctx context.Context, req *GetSlabReq) (*slab.Slab, error)
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*gatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(PublishReq)
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(gatewayServer).publish(ctx, req.(*PublishReq))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublish}, handler)
			},
		},
		{
			MethodName: "Status",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(StatusReq)
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(gatewayServer).status(ctx, req.(*StatusReq))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}, handler)
			},
		},
		{
			MethodName: "GetSlab",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(GetSlabReq)
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(gatewayServer).getSlab(ctx, req.(*GetSlabReq))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSlab}, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(SubscribeReq)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(gatewayServer).subscribe(in, stream)
			},
		},
	},
}

var errCodeToGrpc = map[ErrCode]grpc_codes.Code{
	ErrCode_SnapshotRequired: grpc_codes.OutOfRange,
	ErrCode_InvalidCursor:    grpc_codes.InvalidArgument,
	ErrCode_SlabNotFound:     grpc_codes.NotFound,
	ErrCode_SubLagged:        grpc_codes.DataLoss,
	ErrCode_AppendFailed:     grpc_codes.Aborted,
	ErrCode_BrokerStopped:    grpc_codes.Unavailable,
}

// toStatus converts a Broker error into a grpc status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(grpc_codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(grpc_codes.DeadlineExceeded, err.Error())
	}
	if gerr, ok := err.(*Err); ok {
		if code, mapped := errCodeToGrpc[gerr.Code]; mapped {
			return status.Error(code, gerr.Msg)
		}
	}
	return status.Error(grpc_codes.Internal, err.Error())
}

// fromStatus converts a grpc status error back into a gateway error.
//
// Anything that isn't a Broker error (including a broker going away) becomes TransportFailed, which is retryable.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return ErrCode_TransportFailed.Wrap(err)
	}
	switch st.Code() {
	case grpc_codes.Canceled:
		return context.Canceled
	case grpc_codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case grpc_codes.Unavailable:
		return ErrCode_TransportFailed.ErrWithMsg(st.Message())
	}
	for code, grpcCode := range errCodeToGrpc {
		if grpcCode == st.Code() {
			return code.ErrWithMsg(st.Message())
		}
	}
	return ErrCode_TransportFailed.ErrWithMsgf("%v: %s", st.Code(), st.Message())
}
