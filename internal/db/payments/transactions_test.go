package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"tourflow/internal/payment"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var (
	createdAt  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	txColumns  = []string{"id", "saga_id", "amount", "method", "status", "external_ref", "created_at"}
	approvedTx = payment.Transaction{
		ID: "tx-1", SagaID: "saga-1", Amount: 300, Method: "PAYPAL",
		Status: payment.StatusApproved, ExternalRef: "SIM-tx-1", CreatedAt: createdAt,
	}
)

func TestPostgresTransactions_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS transacciones").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewPostgresTransactionsWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestPostgresTransactions_RecordInserts(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO transacciones").
		WithArgs("tx-1", "saga-1", 300.0, "PAYPAL", "APROBADA", "SIM-tx-1", createdAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	stored, created, err := NewPostgresTransactions(db).Record(context.Background(), approvedTx)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !created || stored.ID != "tx-1" {
		t.Fatalf("unexpected result %+v created=%v", stored, created)
	}
}

func TestPostgresTransactions_RecordReturnsExisting(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO transacciones").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, saga_id, amount, method, status, external_ref, created_at").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(txColumns).AddRow("tx-0", "saga-1", 300.0, "PAYPAL", "RECHAZADA", "SIM-tx-0", createdAt))
	mock.ExpectClose()

	retry := approvedTx
	retry.ID = "tx-2"
	stored, created, err := NewPostgresTransactions(db).Record(context.Background(), retry)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if created || stored.ID != "tx-0" || stored.Status != payment.StatusRejected {
		t.Fatalf("expected the recorded outcome, got %+v created=%v", stored, created)
	}
}

func TestPostgresTransactions_Reverse(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE transacciones SET status = 'REVERTIDA'").
		WithArgs("saga-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transacciones SET status = 'REVERTIDA'").
		WithArgs("saga-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewPostgresTransactions(db)
	if reversed, err := store.Reverse(context.Background(), "saga-1"); err != nil || !reversed {
		t.Fatalf("first reverse: %v %v", reversed, err)
	}
	if reversed, err := store.Reverse(context.Background(), "saga-1"); err != nil || reversed {
		t.Fatalf("second reverse must be a no-op: %v %v", reversed, err)
	}
}

func TestPostgresTransactions_FindBySagaMissing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("FROM transacciones WHERE saga_id").
		WithArgs("saga-9").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	_, err := NewPostgresTransactions(db).FindBySaga(context.Background(), "saga-9")
	if !errors.Is(err, payment.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresTransactions_ExecError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO transacciones").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectClose()

	if _, _, err := NewPostgresTransactions(db).Record(context.Background(), approvedTx); err == nil {
		t.Fatalf("expected error")
	}
}
