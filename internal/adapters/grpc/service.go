package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"

	"tourflow/internal/saga"
)

const (
	SagaServiceName = "tourflow.v1.SagaService"
	startSagaMethod = "/" + SagaServiceName + "/StartSaga"
	getSagaMethod   = "/" + SagaServiceName + "/GetSaga"
	sagaServiceMeta = "tourflow/saga_service"
)

type StartSagaRequest struct {
	ProductID     string `json:"productId"`
	Quantity      int    `json:"quantity"`
	PaymentMethod string `json:"paymentMethod"`
}

type StartSagaResponse struct {
	OrderID string      `json:"orderId"`
	SagaID  string      `json:"sagaId"`
	Status  saga.Status `json:"status"`
}

type GetSagaRequest struct {
	SagaID string `json:"sagaId"`
}

type GetSagaResponse struct {
	Order saga.Order        `json:"order"`
	Steps []saga.StepRecord `json:"steps"`
}

// SagaServiceServer is the server API for the saga service.
type SagaServiceServer interface {
	StartSaga(context.Context, *StartSagaRequest) (*StartSagaResponse, error)
	GetSaga(context.Context, *GetSagaRequest) (*GetSagaResponse, error)
}

// RegisterSagaServiceServer registers srv on s.
func RegisterSagaServiceServer(s grpcpkg.ServiceRegistrar, srv SagaServiceServer) {
	s.RegisterService(&SagaServiceDesc, srv)
}

var SagaServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: SagaServiceName,
	HandlerType: (*SagaServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "StartSaga", Handler: startSagaHandler},
		{MethodName: "GetSaga", Handler: getSagaHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: sagaServiceMeta,
}

func startSagaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(StartSagaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SagaServiceServer).StartSaga(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: startSagaMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SagaServiceServer).StartSaga(ctx, req.(*StartSagaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSagaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(GetSagaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SagaServiceServer).GetSaga(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: getSagaMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SagaServiceServer).GetSaga(ctx, req.(*GetSagaRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// SagaClient calls the saga service over a client connection.
type SagaClient struct {
	cc grpcpkg.ClientConnInterface
}

func NewSagaClient(cc grpcpkg.ClientConnInterface) *SagaClient {
	return &SagaClient{cc: cc}
}

func (c *SagaClient) StartSaga(ctx context.Context, in *StartSagaRequest, opts ...grpcpkg.CallOption) (*StartSagaResponse, error) {
	out := new(StartSagaResponse)
	opts = append([]grpcpkg.CallOption{grpcpkg.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, startSagaMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SagaClient) GetSaga(ctx context.Context, in *GetSagaRequest, opts ...grpcpkg.CallOption) (*GetSagaResponse, error) {
	out := new(GetSagaResponse)
	opts = append([]grpcpkg.CallOption{grpcpkg.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, getSagaMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
