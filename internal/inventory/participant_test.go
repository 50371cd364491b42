package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tourflow/internal/bus"
)

type replyRecorder struct {
	mu      sync.Mutex
	replies []bus.Response
	err     error
}

func (r *replyRecorder) Publish(ctx context.Context, queue, key string, body []byte) error {
	if r.err != nil {
		return r.err
	}
	if queue != bus.QueueResponses {
		return errors.New("reply published to " + queue)
	}
	resp, err := bus.DecodeResponse(body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, resp)
	return nil
}

func (r *replyRecorder) all() []bus.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Response(nil), r.replies...)
}

// failingLedger returns err from every mutation.
type failingLedger struct {
	*MemoryLedger
	err error
}

func (l failingLedger) Release(ctx context.Context, sagaID string) (bool, error) {
	return false, l.err
}

func (l failingLedger) Reserve(ctx context.Context, sagaID, productID string, qty int, expiresAt time.Time) (Reservation, error) {
	return Reservation{}, l.err
}

func newTestParticipant(t *testing.T, ledger Ledger) (*Participant, *replyRecorder) {
	t.Helper()
	rec := &replyRecorder{}
	p := NewParticipant(ledger, rec, zerolog.Nop(),
		WithHoldWindow(10*time.Minute),
		WithParticipantClock(func() time.Time { return baseTime }),
	)
	return p, rec
}

func reserveCommand(saga string, qty int) bus.Command {
	return bus.Command{
		SagaID: saga,
		Event:  bus.EventReserveInventory,
		Payload: bus.Payload{
			OrderID:   "order-" + saga,
			ProductID: "tour-1",
			Quantity:  qty,
		},
	}
}

func TestParticipant_ReserveRepliesWithExpiry(t *testing.T) {
	ledger := seededLedger(t, 5)
	p, rec := newTestParticipant(t, ledger)

	if err := p.HandleCommand(context.Background(), reserveCommand("saga-1", 2)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	replies := rec.all()
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(replies))
	}
	r := replies[0]
	if !r.Success || r.Event != bus.EventInventoryReserved || r.Service != bus.ServiceInventory {
		t.Fatalf("unexpected reply %+v", r)
	}
	if r.Payload.ExpiresAt == nil || !r.Payload.ExpiresAt.Equal(baseTime.Add(10*time.Minute)) {
		t.Fatalf("unexpected expiry %v", r.Payload.ExpiresAt)
	}
	if r.Payload.OrderID != "order-saga-1" {
		t.Fatalf("order id not echoed: %+v", r.Payload)
	}
}

func TestParticipant_ReserveFailureReplies(t *testing.T) {
	cases := []struct {
		name   string
		ledger func(t *testing.T) Ledger
		qty    int
	}{
		{name: "insufficient stock", ledger: func(t *testing.T) Ledger { return seededLedger(t, 1) }, qty: 3},
		{name: "ledger error", ledger: func(t *testing.T) Ledger {
			return failingLedger{MemoryLedger: seededLedger(t, 5), err: errors.New("db down")}
		}, qty: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, rec := newTestParticipant(t, tc.ledger(t))
			if err := p.HandleCommand(context.Background(), reserveCommand("saga-1", tc.qty)); err != nil {
				t.Fatalf("handle: %v", err)
			}
			replies := rec.all()
			if len(replies) != 1 || replies[0].Success || replies[0].Error == "" {
				t.Fatalf("expected one failure reply, got %+v", replies)
			}
		})
	}
}

func TestParticipant_ReserveAfterExpiryReportsFailure(t *testing.T) {
	ledger := seededLedger(t, 5)
	p, rec := newTestParticipant(t, ledger)
	ctx := context.Background()

	if err := p.HandleCommand(ctx, reserveCommand("saga-1", 2)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := ledger.ExpireDue(ctx, baseTime.Add(time.Hour), 10); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := p.HandleCommand(ctx, reserveCommand("saga-1", 2)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	replies := rec.all()
	if len(replies) != 2 || replies[1].Success {
		t.Fatalf("expected failure on stale redelivery, got %+v", replies)
	}
	if got := stockOf(t, ledger, "tour-1"); got != 5 {
		t.Fatalf("expected stock 5, got %d", got)
	}
}

func TestParticipant_ReleaseSendsNoReply(t *testing.T) {
	ledger := seededLedger(t, 5)
	p, rec := newTestParticipant(t, ledger)
	ctx := context.Background()
	_ = p.HandleCommand(ctx, reserveCommand("saga-1", 2))

	release := bus.Command{SagaID: "saga-1", Event: bus.EventReleaseInventory}
	for i := 0; i < 2; i++ {
		if err := p.HandleCommand(ctx, release); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if got := len(rec.all()); got != 1 {
		t.Fatalf("release must not reply, got %d replies", got)
	}
	if got := stockOf(t, ledger, "tour-1"); got != 5 {
		t.Fatalf("expected stock 5, got %d", got)
	}
}

func TestParticipant_ReleaseErrorAsksForRedelivery(t *testing.T) {
	ledger := failingLedger{MemoryLedger: seededLedger(t, 5), err: errors.New("db down")}
	p, _ := newTestParticipant(t, ledger)
	err := p.HandleCommand(context.Background(), bus.Command{SagaID: "saga-1", Event: bus.EventReleaseInventory})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestParticipant_Confirm(t *testing.T) {
	ledger := seededLedger(t, 5)
	p, rec := newTestParticipant(t, ledger)
	ctx := context.Background()
	_ = p.HandleCommand(ctx, reserveCommand("saga-1", 2))

	confirm := bus.Command{SagaID: "saga-1", Event: bus.EventConfirmOrder, Payload: bus.Payload{Amount: 240}}
	if err := p.HandleCommand(ctx, confirm); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	confirm.SagaID = "saga-missing"
	if err := p.HandleCommand(ctx, confirm); err != nil {
		t.Fatalf("confirm missing: %v", err)
	}

	replies := rec.all()
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(replies))
	}
	if !replies[1].Success || replies[1].Event != bus.EventOrderConfirmed || replies[1].Payload.Amount != 240 {
		t.Fatalf("unexpected confirm reply %+v", replies[1])
	}
	if replies[2].Success {
		t.Fatalf("confirm without reservation should fail: %+v", replies[2])
	}
	res, _ := ledger.Reservation(ctx, "saga-1")
	if res.Status != ReservationConfirmed {
		t.Fatalf("expected CONFIRMADA, got %s", res.Status)
	}
}

func TestParticipant_ReplyFailureIsReturned(t *testing.T) {
	ledger := seededLedger(t, 5)
	p, rec := newTestParticipant(t, ledger)
	rec.err = errors.New("broker unavailable")
	if err := p.HandleCommand(context.Background(), reserveCommand("saga-1", 1)); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestParticipant_HandleDeliveryDropsGarbage(t *testing.T) {
	p, rec := newTestParticipant(t, seededLedger(t, 5))
	if err := p.HandleDelivery(context.Background(), bus.Delivery{ID: "1", Body: []byte("{")}); err != nil {
		t.Fatalf("garbage should be dropped, got %v", err)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("no reply expected")
	}
}
