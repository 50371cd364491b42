package paymentsdb

import (
	"context"
	"database/sql"
	"errors"

	"tourflow/internal/payment"
)

// PostgresTransactions persists payment transactions in Postgres.
type PostgresTransactions struct {
	db *sql.DB
}

// NewPostgresTransactions constructs a TransactionStore backed by Postgres.
func NewPostgresTransactions(db *sql.DB) *PostgresTransactions {
	return &PostgresTransactions{db: db}
}

// NewPostgresTransactionsWithSchema initializes the schema then returns the store.
func NewPostgresTransactionsWithSchema(ctx context.Context, db *sql.DB) (*PostgresTransactions, error) {
	store := NewPostgresTransactions(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the transacciones table if it does not exist.
func (p *PostgresTransactions) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transacciones (
			id TEXT PRIMARY KEY,
			saga_id TEXT UNIQUE NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			reversed_at TIMESTAMPTZ
		)
	`)
	return err
}

func (p *PostgresTransactions) Record(ctx context.Context, tx payment.Transaction) (payment.Transaction, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO transacciones (id, saga_id, amount, method, status, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (saga_id) DO NOTHING`,
		tx.ID, tx.SagaID, tx.Amount, tx.Method, string(tx.Status), tx.ExternalRef, tx.CreatedAt,
	)
	if err != nil {
		return payment.Transaction{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return payment.Transaction{}, false, err
	}
	if affected > 0 {
		return tx, true, nil
	}

	existing, err := p.FindBySaga(ctx, tx.SagaID)
	if err != nil {
		return payment.Transaction{}, false, err
	}
	return existing, false, nil
}

func (p *PostgresTransactions) Reverse(ctx context.Context, sagaID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transacciones SET status = 'REVERTIDA', reversed_at = NOW()
		WHERE saga_id = $1 AND status = 'APROBADA'`,
		sagaID,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *PostgresTransactions) FindBySaga(ctx context.Context, sagaID string) (payment.Transaction, error) {
	var (
		tx     payment.Transaction
		status string
		ref    sql.NullString
	)
	row := p.db.QueryRowContext(ctx, `
		SELECT id, saga_id, amount, method, status, external_ref, created_at
		FROM transacciones WHERE saga_id = $1`,
		sagaID,
	)
	switch err := row.Scan(&tx.ID, &tx.SagaID, &tx.Amount, &tx.Method, &status, &ref, &tx.CreatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return payment.Transaction{}, payment.ErrTransactionNotFound
	case err != nil:
		return payment.Transaction{}, err
	}
	tx.Status = payment.Status(status)
	tx.ExternalRef = ref.String
	return tx, nil
}
