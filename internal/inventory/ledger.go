package inventory

import (
	"context"
	"errors"
	"time"
)

// DefaultHoldWindow is how long a reservation holds stock before the sweep
// may reclaim it.
const DefaultHoldWindow = 10 * time.Minute

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVA"
	ReservationReleased  ReservationStatus = "LIBERADA"
	ReservationExpired   ReservationStatus = "EXPIRADA"
	ReservationConfirmed ReservationStatus = "CONFIRMADA"
)

type Product struct {
	ID             string  `json:"id"`
	AvailableStock int     `json:"availableStock"`
	Price          float64 `json:"price"`
}

type Reservation struct {
	SagaID    string            `json:"sagaId"`
	ProductID string            `json:"productId"`
	Quantity  int               `json:"quantity"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Status    ReservationStatus `json:"status"`
}

var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrProductNotFound      = errors.New("product not found")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationNotActive = errors.New("reservation no longer active")
)

// Ledger owns product stock and the reservations held against it. Every
// mutation locks the product row before touching the reservation, and every
// restore is guarded by the reservation still being ACTIVA, so stock is
// returned at most once whichever of release and expiry gets there first.
type Ledger interface {
	// Reserve holds qty units for sagaID until expiresAt. A saga that already
	// has a reservation gets it back unchanged.
	Reserve(ctx context.Context, sagaID, productID string, qty int, expiresAt time.Time) (Reservation, error)
	// Release returns an ACTIVA reservation's stock. It reports false when
	// there was nothing to release.
	Release(ctx context.Context, sagaID string) (bool, error)
	// Confirm turns an ACTIVA reservation into a sale.
	Confirm(ctx context.Context, sagaID string) (Reservation, error)
	// ExpireDue reclaims up to limit ACTIVA reservations whose hold ended
	// before now, one transaction each.
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
	Product(ctx context.Context, productID string) (Product, error)
	Reservation(ctx context.Context, sagaID string) (Reservation, error)
	UpsertProduct(ctx context.Context, p Product) error
}
