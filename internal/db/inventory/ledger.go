package inventorydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tourflow/internal/inventory"
)

// PostgresLedger keeps stock in productos and holds in reservas. Mutations
// take the product row lock first, then update the reservation under a status
// guard.
type PostgresLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// NewPostgresLedgerWithSchema initializes the schema then returns the ledger.
func NewPostgresLedgerWithSchema(ctx context.Context, db *sql.DB) (*PostgresLedger, error) {
	ledger := NewPostgresLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates inventory tables if they do not exist.
func (l *PostgresLedger) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS productos (
			id TEXT PRIMARY KEY,
			stock_disponible INTEGER NOT NULL CHECK (stock_disponible >= 0),
			precio DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS reservas (
			saga_id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES productos(id),
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			expires_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS reservas_activas_expires_idx ON reservas (expires_at) WHERE status = 'ACTIVA'`,
	}

	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertProduct inserts a product or refreshes its price. Stock of an existing
// row is left alone; active reservations are already subtracted from it.
func (l *PostgresLedger) UpsertProduct(ctx context.Context, p inventory.Product) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO productos (id, stock_disponible, precio, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET precio = EXCLUDED.precio, updated_at = EXCLUDED.updated_at`,
		p.ID, p.AvailableStock, p.Price, l.now(),
	)
	return err
}

func (l *PostgresLedger) Reserve(ctx context.Context, sagaID, productID string, qty int, expiresAt time.Time) (res inventory.Reservation, err error) {
	if qty <= 0 {
		return inventory.Reservation{}, inventory.ErrInvalidQuantity
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return inventory.Reservation{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stock, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return inventory.Reservation{}, err
	}

	existing, err := getReservation(ctx, tx, sagaID)
	switch {
	case err == nil:
		return existing, tx.Commit()
	case !errors.Is(err, inventory.ErrReservationNotFound):
		return inventory.Reservation{}, err
	}

	if stock < qty {
		return inventory.Reservation{}, inventory.ErrInsufficientStock
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE productos SET stock_disponible = stock_disponible - $2, updated_at = $3 WHERE id = $1`,
		productID, qty, l.now(),
	); err != nil {
		return inventory.Reservation{}, fmt.Errorf("decrement stock: %w", err)
	}

	res = inventory.Reservation{
		SagaID:    sagaID,
		ProductID: productID,
		Quantity:  qty,
		ExpiresAt: expiresAt,
		Status:    inventory.ReservationActive,
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO reservas (saga_id, product_id, quantity, expires_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		res.SagaID, res.ProductID, res.Quantity, res.ExpiresAt, string(res.Status),
	); err != nil {
		return inventory.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return inventory.Reservation{}, err
	}
	return res, nil
}

func (l *PostgresLedger) Release(ctx context.Context, sagaID string) (bool, error) {
	return l.restore(ctx, sagaID, inventory.ReservationReleased, time.Time{})
}

// ExpireDue picks a batch of overdue holds and restores each in its own
// transaction. A hold released in between is skipped by the status guard.
func (l *PostgresLedger) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT saga_id FROM reservas
		WHERE status = 'ACTIVA' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return 0, err
	}
	var due []string
	for rows.Next() {
		var sagaID string
		if err := rows.Scan(&sagaID); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, sagaID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, sagaID := range due {
		ok, err := l.restore(ctx, sagaID, inventory.ReservationExpired, now)
		if err != nil {
			return expired, fmt.Errorf("expire reservation %s: %w", sagaID, err)
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// restore moves an ACTIVA reservation to status and returns its quantity to
// the product. A non-zero dueBefore also requires the hold to have ended.
func (l *PostgresLedger) restore(ctx context.Context, sagaID string, status inventory.ReservationStatus, dueBefore time.Time) (restored bool, err error) {
	var productID string
	err = l.db.QueryRowContext(ctx, `
		SELECT product_id FROM reservas WHERE saga_id = $1 AND status = 'ACTIVA'`,
		sagaID,
	).Scan(&productID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !restored {
			_ = tx.Rollback()
		}
	}()

	if _, err = lockProduct(ctx, tx, productID); err != nil {
		return false, err
	}

	var due any
	if !dueBefore.IsZero() {
		due = dueBefore
	}
	var qty int
	err = tx.QueryRowContext(ctx, `
		UPDATE reservas SET status = $2, updated_at = $3
		WHERE saga_id = $1 AND status = 'ACTIVA' AND ($4::timestamptz IS NULL OR expires_at < $4)
		RETURNING quantity`,
		sagaID, string(status), l.now(), due,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE productos SET stock_disponible = stock_disponible + $2, updated_at = $3 WHERE id = $1`,
		productID, qty, l.now(),
	); err != nil {
		return false, fmt.Errorf("restore stock: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *PostgresLedger) Confirm(ctx context.Context, sagaID string) (inventory.Reservation, error) {
	row := l.db.QueryRowContext(ctx, `
		UPDATE reservas SET status = 'CONFIRMADA', updated_at = $2
		WHERE saga_id = $1 AND status = 'ACTIVA'
		RETURNING `+reservationColumns,
		sagaID, l.now(),
	)
	res, err := scanReservation(row)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return inventory.Reservation{}, err
	}

	res, err = getReservation(ctx, l.db, sagaID)
	if err != nil {
		return inventory.Reservation{}, err
	}
	if res.Status == inventory.ReservationConfirmed {
		return res, nil
	}
	return res, inventory.ErrReservationNotActive
}

func (l *PostgresLedger) Product(ctx context.Context, productID string) (inventory.Product, error) {
	var p inventory.Product
	err := l.db.QueryRowContext(ctx, `
		SELECT id, stock_disponible, precio FROM productos WHERE id = $1`,
		productID,
	).Scan(&p.ID, &p.AvailableStock, &p.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return p, err
}

func (l *PostgresLedger) Reservation(ctx context.Context, sagaID string) (inventory.Reservation, error) {
	return getReservation(ctx, l.db, sagaID)
}

const reservationColumns = `saga_id, product_id, quantity, expires_at, status`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lockProduct(ctx context.Context, tx *sql.Tx, productID string) (int, error) {
	var stock int
	err := tx.QueryRowContext(ctx, `
		SELECT stock_disponible FROM productos WHERE id = $1 FOR UPDATE`,
		productID,
	).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, inventory.ErrProductNotFound
	}
	return stock, err
}

func getReservation(ctx context.Context, q queryRower, sagaID string) (inventory.Reservation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservas WHERE saga_id = $1`, sagaID)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Reservation{}, inventory.ErrReservationNotFound
	}
	return res, err
}

func scanReservation(row *sql.Row) (inventory.Reservation, error) {
	var res inventory.Reservation
	var status string
	if err := row.Scan(&res.SagaID, &res.ProductID, &res.Quantity, &res.ExpiresAt, &status); err != nil {
		return inventory.Reservation{}, err
	}
	res.Status = inventory.ReservationStatus(status)
	return res, nil
}
