package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is a Ledger held in process memory. A single mutex plays the
// part of the product row lock.
type MemoryLedger struct {
	mu           sync.Mutex
	products     map[string]Product
	reservations map[string]Reservation
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		products:     make(map[string]Product),
		reservations: make(map[string]Reservation),
	}
}

func (l *MemoryLedger) UpsertProduct(ctx context.Context, p Product) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.products[p.ID]; ok {
		existing.Price = p.Price
		l.products[p.ID] = existing
		return nil
	}
	l.products[p.ID] = p
	return nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, sagaID, productID string, qty int, expiresAt time.Time) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	product, ok := l.products[productID]
	if !ok {
		return Reservation{}, ErrProductNotFound
	}
	if existing, ok := l.reservations[sagaID]; ok {
		return existing, nil
	}
	if product.AvailableStock < qty {
		return Reservation{}, ErrInsufficientStock
	}
	product.AvailableStock -= qty
	l.products[productID] = product
	res := Reservation{
		SagaID:    sagaID,
		ProductID: productID,
		Quantity:  qty,
		ExpiresAt: expiresAt,
		Status:    ReservationActive,
	}
	l.reservations[sagaID] = res
	return res, nil
}

func (l *MemoryLedger) Release(ctx context.Context, sagaID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restore(sagaID, ReservationReleased), nil
}

func (l *MemoryLedger) Confirm(ctx context.Context, sagaID string) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[sagaID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	switch res.Status {
	case ReservationConfirmed:
		return res, nil
	case ReservationActive:
		res.Status = ReservationConfirmed
		l.reservations[sagaID] = res
		return res, nil
	}
	return res, ErrReservationNotActive
}

func (l *MemoryLedger) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []Reservation
	for _, res := range l.reservations {
		if res.Status == ReservationActive && res.ExpiresAt.Before(now) {
			due = append(due, res)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	expired := 0
	for _, res := range due {
		if l.restore(res.SagaID, ReservationExpired) {
			expired++
		}
	}
	return expired, nil
}

// restore moves an ACTIVA reservation to status and gives its stock back.
// Callers hold l.mu.
func (l *MemoryLedger) restore(sagaID string, status ReservationStatus) bool {
	res, ok := l.reservations[sagaID]
	if !ok || res.Status != ReservationActive {
		return false
	}
	product := l.products[res.ProductID]
	product.AvailableStock += res.Quantity
	l.products[res.ProductID] = product
	res.Status = status
	l.reservations[sagaID] = res
	return true
}

func (l *MemoryLedger) Product(ctx context.Context, productID string) (Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (l *MemoryLedger) Reservation(ctx context.Context, sagaID string) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[sagaID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}
