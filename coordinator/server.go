package coordinator

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TEENet-io/liquidsend/agreement"
)

// Register serves impl on s under the coordinator service name. It is
// used to expose the simulated coordinator to wallets in other processes.
func Register(s *grpc.Server, impl agreement.CoordinatorClient) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*agreement.CoordinatorClient)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodGetInfo, Handler: getInfoHandler},
		{MethodName: MethodRequestHtlcCosign, Handler: cosignHandler},
		{MethodName: MethodInitiatePayment, Handler: initiateHandler},
		{MethodName: MethodCheckPayment, Handler: checkHandler},
		{MethodName: MethodRequestHtlcRevocation, Handler: revocationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "liquidsend/coordinator",
}

func requestId(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(requestIdKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

func serverError(ctx context.Context, method string, err error) error {
	logger.WithFields(logger.Fields{
		"method":     method,
		"request_id": requestId(ctx),
	}).Errorf("coordinator call failed: %v", err)
	return status.Error(codes.Unavailable, err.Error())
}

// unary adapts a typed call to the grpc handler signature.
func unary[Req any](
	method string,
	call func(impl agreement.CoordinatorClient, ctx context.Context, req *Req) (interface{}, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		handler := func(ctx context.Context, r interface{}) (interface{}, error) {
			reply, err := call(srv.(agreement.CoordinatorClient), ctx, r.(*Req))
			if err != nil {
				return nil, serverError(ctx, method, err)
			}
			return reply, nil
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, req, info, handler)
	}
}

var getInfoHandler = unary(MethodGetInfo,
	func(impl agreement.CoordinatorClient, ctx context.Context, _ *getInfoRequest) (interface{}, error) {
		return impl.GetInfo(ctx)
	})

var cosignHandler = unary(MethodRequestHtlcCosign,
	func(impl agreement.CoordinatorClient, ctx context.Context, req *agreement.HtlcCosignRequest) (interface{}, error) {
		resp, err := impl.RequestHtlcCosign(ctx, req)
		if err != nil {
			return nil, err
		}
		return newCosignReply(resp), nil
	})

var initiateHandler = unary(MethodInitiatePayment,
	func(impl agreement.CoordinatorClient, ctx context.Context, req *agreement.InitiatePaymentRequest) (interface{}, error) {
		resp, err := impl.InitiatePayment(ctx, req)
		if err != nil {
			return nil, err
		}
		return newInitiateReply(resp), nil
	})

var checkHandler = unary(MethodCheckPayment,
	func(impl agreement.CoordinatorClient, ctx context.Context, req *agreement.CheckPaymentRequest) (interface{}, error) {
		resp, err := impl.CheckPayment(ctx, req)
		if err != nil {
			return nil, err
		}
		return newCheckReply(resp), nil
	})

var revocationHandler = unary(MethodRequestHtlcRevocation,
	func(impl agreement.CoordinatorClient, ctx context.Context, req *agreement.HtlcRevocationRequest) (interface{}, error) {
		resp, err := impl.RequestHtlcRevocation(ctx, req)
		if err != nil {
			return nil, err
		}
		return newRevocationReply(resp), nil
	})
