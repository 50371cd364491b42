package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"tourflow/internal/auth"
	"tourflow/internal/saga"
)

func TestSagaServerImplementsSagaServiceServer(t *testing.T) {
	var _ SagaServiceServer = (*SagaServer)(nil)
}

type spySagaService struct {
	started []saga.StartRequest
	result  saga.StartResult
	state   saga.State
	err     error
}

func (s *spySagaService) Start(ctx context.Context, req saga.StartRequest) (saga.StartResult, error) {
	s.started = append(s.started, req)
	return s.result, s.err
}

func (s *spySagaService) State(ctx context.Context, sagaID string) (saga.State, error) {
	return s.state, s.err
}

type stubVerifier struct{}

func (stubVerifier) Verify(token string) (auth.Principal, error) {
	if token != "good" {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return auth.Principal{Subject: "user-1"}, nil
}

func bufDialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.Dial()
	}
}

func startBufServer(t *testing.T, svc SagaService) *SagaClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	s := grpcpkg.NewServer(grpcpkg.UnaryInterceptor(AuthUnaryInterceptor(stubVerifier{})))
	RegisterSagaServiceServer(s, NewSagaServer(svc))
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(func() {
		s.Stop()
		_ = lis.Close()
	})

	conn, err := grpcpkg.NewClient(
		"passthrough:///bufnet",
		grpcpkg.WithContextDialer(bufDialer(lis)),
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Fatalf("close conn: %v", err)
		}
	})
	return NewSagaClient(conn)
}

func withToken(token string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
}

func TestStartSagaOverBufconn(t *testing.T) {
	t.Parallel()

	svc := &spySagaService{result: saga.StartResult{OrderID: "o-1", SagaID: "s-1", Status: saga.StatusStarted}}
	client := startBufServer(t, svc)

	resp, err := client.StartSaga(withToken("good"), &StartSagaRequest{ProductID: "tour-1", Quantity: 2, PaymentMethod: "PAYPAL"})
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	if resp.SagaID != "s-1" || resp.OrderID != "o-1" || resp.Status != saga.StatusStarted {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(svc.started) != 1 {
		t.Fatalf("expected one start, got %d", len(svc.started))
	}
	got := svc.started[0]
	if got.UserID != "user-1" || got.ProductID != "tour-1" || got.Quantity != 2 || got.PaymentMethod != "PAYPAL" {
		t.Fatalf("unexpected start request: %+v", got)
	}
}

func TestStartSagaRequiresToken(t *testing.T) {
	t.Parallel()

	svc := &spySagaService{}
	client := startBufServer(t, svc)

	_, err := client.StartSaga(context.Background(), &StartSagaRequest{ProductID: "tour-1", Quantity: 1, PaymentMethod: "PAYPAL"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	_, err = client.StartSaga(withToken("bad"), &StartSagaRequest{ProductID: "tour-1", Quantity: 1, PaymentMethod: "PAYPAL"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated for bad token, got %v", err)
	}
	if len(svc.started) != 0 {
		t.Fatalf("service should not be called without a valid token")
	}
}

func TestGetSagaOverBufconn(t *testing.T) {
	t.Parallel()

	svc := &spySagaService{state: saga.State{
		Order: saga.Order{SagaID: "s-1", Status: saga.StatusCancelled},
		Steps: []saga.StepRecord{{SagaID: "s-1", Step: saga.StepCompensation, Outcome: saga.OutcomeCompleted, Error: string(saga.ReasonPaymentRejected)}},
	}}
	client := startBufServer(t, svc)

	resp, err := client.GetSaga(withToken("good"), &GetSagaRequest{SagaID: "s-1"})
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if resp.Order.Status != saga.StatusCancelled || len(resp.Steps) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Steps[0].Error != string(saga.ReasonPaymentRejected) {
		t.Fatalf("unexpected step: %+v", resp.Steps[0])
	}
}

func TestGetSagaNotFound(t *testing.T) {
	t.Parallel()

	client := startBufServer(t, &spySagaService{err: saga.ErrSagaNotFound})

	_, err := client.GetSaga(withToken("good"), &GetSagaRequest{SagaID: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMapSagaError(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{saga.ErrInvalidRequest, codes.InvalidArgument},
		{saga.ErrSagaNotFound, codes.NotFound},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(mapSagaError(tc.err)); got != tc.want {
			t.Fatalf("mapSagaError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestGetSagaRequiresID(t *testing.T) {
	server := NewSagaServer(&spySagaService{})
	if _, err := server.GetSaga(context.Background(), &GetSagaRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestStartSagaWithoutPrincipal(t *testing.T) {
	server := NewSagaServer(&spySagaService{})
	if _, err := server.StartSaga(context.Background(), &StartSagaRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}
