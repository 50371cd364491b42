package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tourflow/internal/saga"
)

// SagaStore persists orders and the saga_estados step log in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			saga_id TEXT UNIQUE NOT NULL,
			user_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			payment_method TEXT NOT NULL,
			total_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS saga_estados (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL REFERENCES orders(saga_id),
			step TEXT NOT NULL,
			outcome TEXT NOT NULL,
			payload JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS saga_estados_saga_id_idx ON saga_estados (saga_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts the order and its first step in one transaction.
func (s *SagaStore) Create(ctx context.Context, order saga.Order, first saga.StepRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, saga_id, user_id, product_id, quantity, payment_method, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (saga_id) DO NOTHING`,
		order.ID, order.SagaID, order.UserID, order.ProductID, order.Quantity, order.PaymentMethod,
		order.TotalAmount, string(order.Status), order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = saga.ErrDuplicateSaga
		return err
	}

	if err = insertStep(ctx, tx, order.SagaID, first); err != nil {
		return err
	}
	return tx.Commit()
}

// Advance performs the status compare-and-set and appends the step in the
// same transaction. A row whose status is not in t.From is left untouched.
func (s *SagaStore) Advance(ctx context.Context, sagaID string, t saga.Transition) (order saga.Order, applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saga.Order{}, false, err
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	var amount sql.NullFloat64
	if t.TotalAmount != nil {
		amount = sql.NullFloat64{Float64: *t.TotalAmount, Valid: true}
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $2, total_amount = COALESCE($3, total_amount), updated_at = $4
		WHERE saga_id = $1 AND status = ANY(string_to_array($5, ','))
		RETURNING `+orderColumns,
		sagaID, string(t.To), amount, t.At, joinStatuses(t.From),
	)
	order, err = scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		order, err = getOrder(ctx, tx, sagaID)
		return order, false, err
	}
	if err != nil {
		return saga.Order{}, false, err
	}

	if err = insertStep(ctx, tx, sagaID, t.Step); err != nil {
		return saga.Order{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return saga.Order{}, false, err
	}
	return order, true, nil
}

// Get returns the order and its steps in insertion order.
func (s *SagaStore) Get(ctx context.Context, sagaID string) (saga.Order, []saga.StepRecord, error) {
	order, err := getOrder(ctx, s.db, sagaID)
	if err != nil {
		return saga.Order{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, step, outcome, created_at, payload, error
		FROM saga_estados
		WHERE saga_id = $1
		ORDER BY id`,
		sagaID,
	)
	if err != nil {
		return saga.Order{}, nil, err
	}
	defer rows.Close()

	steps := []saga.StepRecord{}
	for rows.Next() {
		var (
			step, outcome string
			payload       []byte
			stepErr       sql.NullString
			rec           saga.StepRecord
		)
		if err := rows.Scan(&rec.SagaID, &step, &outcome, &rec.Timestamp, &payload, &stepErr); err != nil {
			return saga.Order{}, nil, err
		}
		rec.Step = saga.Step(step)
		rec.Outcome = saga.Outcome(outcome)
		if len(payload) > 0 {
			rec.Payload = payload
		}
		rec.Error = stepErr.String
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return saga.Order{}, nil, err
	}
	return order, steps, nil
}

const orderColumns = `id, saga_id, user_id, product_id, quantity, payment_method, total_amount, status, created_at, updated_at`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOrder(ctx context.Context, q queryRower, sagaID string) (saga.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE saga_id = $1`, sagaID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Order{}, saga.ErrSagaNotFound
	}
	return order, err
}

func scanOrder(row *sql.Row) (saga.Order, error) {
	var order saga.Order
	var status string
	err := row.Scan(&order.ID, &order.SagaID, &order.UserID, &order.ProductID, &order.Quantity,
		&order.PaymentMethod, &order.TotalAmount, &status, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return saga.Order{}, err
	}
	order.Status = saga.Status(status)
	return order, nil
}

func insertStep(ctx context.Context, tx *sql.Tx, sagaID string, step saga.StepRecord) error {
	var payload any
	if len(step.Payload) > 0 {
		payload = string(step.Payload)
	}
	var stepErr any
	if step.Error != "" {
		stepErr = step.Error
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO saga_estados (saga_id, step, outcome, payload, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sagaID, string(step.Step), string(step.Outcome), payload, stepErr, step.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert step %s: %w", step.Step, err)
	}
	return nil
}

func joinStatuses(statuses []saga.Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
