package grpc

import (
	"context"
	"errors"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tourflow/internal/auth"
	"tourflow/internal/saga"
)

// SagaService defines the orchestrator behavior needed by the gRPC adapter.
type SagaService interface {
	Start(ctx context.Context, req saga.StartRequest) (saga.StartResult, error)
	State(ctx context.Context, sagaID string) (saga.State, error)
}

// SagaServer adapts SagaService to gRPC.
type SagaServer struct {
	service SagaService
}

func NewSagaServer(svc SagaService) *SagaServer {
	return &SagaServer{service: svc}
}

// StartSaga starts a purchase on behalf of the authenticated caller.
func (s *SagaServer) StartSaga(ctx context.Context, req *StartSagaRequest) (*StartSagaResponse, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing principal")
	}
	result, err := s.service.Start(ctx, saga.StartRequest{
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		PaymentMethod: req.PaymentMethod,
		UserID:        principal.Subject,
	})
	if err != nil {
		return nil, mapSagaError(err)
	}
	return &StartSagaResponse{OrderID: result.OrderID, SagaID: result.SagaID, Status: result.Status}, nil
}

func (s *SagaServer) GetSaga(ctx context.Context, req *GetSagaRequest) (*GetSagaResponse, error) {
	if req.SagaID == "" {
		return nil, status.Error(codes.InvalidArgument, "sagaId is required")
	}
	state, err := s.service.State(ctx, req.SagaID)
	if err != nil {
		return nil, mapSagaError(err)
	}
	return &GetSagaResponse{Order: state.Order, Steps: state.Steps}, nil
}

func mapSagaError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, saga.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, saga.ErrSagaNotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

type principalKey struct{}

// PrincipalFromContext returns the caller set by AuthUnaryInterceptor.
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// AuthUnaryInterceptor verifies the bearer token in the "authorization"
// metadata of saga service calls. Other services pass through.
func AuthUnaryInterceptor(v auth.Verifier) grpcpkg.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpcpkg.UnaryServerInfo, handler grpcpkg.UnaryHandler) (any, error) {
		if info.FullMethod != startSagaMethod && info.FullMethod != getSagaMethod {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		principal, err := v.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(context.WithValue(ctx, principalKey{}, principal), req)
	}
}
