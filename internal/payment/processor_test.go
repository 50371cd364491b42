package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type staticPrices map[string]float64

func (s staticPrices) UnitPrice(ctx context.Context, productID string) (float64, error) {
	price, ok := s[productID]
	if !ok {
		return 0, errors.New("unknown product")
	}
	return price, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(approve bool) (*Processor, *MemoryTransactions) {
	store := NewMemoryTransactions()
	n := 0
	p := NewProcessor(store, staticPrices{"tour-1": 150}, FixedDecision(approve),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("tx-%d", n)
		}),
	)
	return p, store
}

func TestProcessor_ApprovesAndPricesByQuantity(t *testing.T) {
	p, _ := newTestProcessor(true)

	tx, err := p.Process(context.Background(), ProcessRequest{SagaID: "saga-1", ProductID: "tour-1", Quantity: 2, Method: "PAYPAL"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if tx.Status != StatusApproved || tx.Amount != 300 || tx.ID != "tx-1" || tx.ExternalRef != "SIM-tx-1" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
}

func TestProcessor_RejectionIsRecorded(t *testing.T) {
	p, store := newTestProcessor(false)

	tx, err := p.Process(context.Background(), ProcessRequest{SagaID: "saga-1", ProductID: "tour-1", Quantity: 1, Method: "TRANSFERENCIA"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if tx.Status != StatusRejected {
		t.Fatalf("expected RECHAZADA, got %s", tx.Status)
	}
	stored, err := store.FindBySaga(context.Background(), "saga-1")
	if err != nil || stored.Status != StatusRejected {
		t.Fatalf("rejection not stored: %+v %v", stored, err)
	}
}

func TestProcessor_ValidationFailuresRecordNothing(t *testing.T) {
	cases := []struct {
		name string
		req  ProcessRequest
		want error
	}{
		{name: "unknown method", req: ProcessRequest{SagaID: "saga-1", ProductID: "tour-1", Quantity: 1, Method: "BITCOIN"}, want: ErrInvalidMethod},
		{name: "zero quantity", req: ProcessRequest{SagaID: "saga-1", ProductID: "tour-1", Quantity: 0, Method: "PAYPAL"}},
		{name: "unknown product", req: ProcessRequest{SagaID: "saga-1", ProductID: "tour-9", Quantity: 1, Method: "PAYPAL"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, store := newTestProcessor(true)
			_, err := p.Process(context.Background(), tc.req)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if _, err := store.FindBySaga(context.Background(), "saga-1"); !errors.Is(err, ErrTransactionNotFound) {
				t.Fatalf("validation failure must not record, got %v", err)
			}
		})
	}
}

func TestProcessor_RedeliveryReportsRecordedOutcome(t *testing.T) {
	p, _ := newTestProcessor(true)
	req := ProcessRequest{SagaID: "saga-1", ProductID: "tour-1", Quantity: 1, Method: "PAYPAL"}

	first, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	p.decision = FixedDecision(false)
	second, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ID != first.ID || second.Status != StatusApproved {
		t.Fatalf("redelivery produced a new outcome: %+v", second)
	}
}

func TestProcessor_ReverseOnlyOnce(t *testing.T) {
	p, store := newTestProcessor(true)
	ctx := context.Background()

	if reversed, err := p.Reverse(ctx, "saga-1"); err != nil || reversed {
		t.Fatalf("reverse without transaction should be a no-op: %v %v", reversed, err)
	}
	if _, err := p.Process(ctx, ProcessRequest{SagaID: "saga-1", ProductID: "tour-1", Quantity: 1, Method: "PAYPAL"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reversed, err := p.Reverse(ctx, "saga-1"); err != nil || !reversed {
		t.Fatalf("first reverse: %v %v", reversed, err)
	}
	if reversed, err := p.Reverse(ctx, "saga-1"); err != nil || reversed {
		t.Fatalf("second reverse must be a no-op: %v %v", reversed, err)
	}
	tx, _ := store.FindBySaga(ctx, "saga-1")
	if tx.Status != StatusReversed {
		t.Fatalf("expected REVERTIDA, got %s", tx.Status)
	}
}

func TestProcessor_ReverseSkipsRejected(t *testing.T) {
	p, _ := newTestProcessor(false)
	ctx := context.Background()
	if _, err := p.Process(ctx, ProcessRequest{SagaID: "saga-1", ProductID: "tour-1", Quantity: 1, Method: "PAYPAL"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if reversed, _ := p.Reverse(ctx, "saga-1"); reversed {
		t.Fatalf("rejected transaction reversed")
	}
}

func TestRandomDecision_Bounds(t *testing.T) {
	always := NewRandomDecision(1.5, 7)
	never := NewRandomDecision(-1, 7)
	for i := 0; i < 100; i++ {
		if !always.Approve(10, "PAYPAL") {
			t.Fatalf("rate 1 declined")
		}
		if never.Approve(10, "PAYPAL") {
			t.Fatalf("rate 0 approved")
		}
	}
}

func TestRandomDecision_RoughRate(t *testing.T) {
	d := NewRandomDecision(0.8, 42)
	approved := 0
	const n = 5000
	for i := 0; i < n; i++ {
		if d.Approve(1, "PAYPAL") {
			approved++
		}
	}
	rate := float64(approved) / n
	if rate < 0.75 || rate > 0.85 {
		t.Fatalf("approval rate %.3f outside expected band", rate)
	}
}
