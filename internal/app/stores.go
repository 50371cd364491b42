package app

import (
	"context"
	"database/sql"

	"tourflow/internal/catalog"
	inventorydb "tourflow/internal/db/inventory"
	ordersdb "tourflow/internal/db/orders"
	paymentsdb "tourflow/internal/db/payments"
	"tourflow/internal/inventory"
	"tourflow/internal/payment"
	"tourflow/internal/saga"
)

// Stores holds the persistence each role owns. Fields for disabled roles may
// be nil.
type Stores struct {
	Sagas        saga.Store
	Ledger       inventory.Ledger
	Transactions payment.TransactionStore
	Prices       payment.PriceLookup
}

// MemoryStores builds in-process stores seeded with products. Prices are read
// from the seeded products.
func MemoryStores(ctx context.Context, products []inventory.Product) (Stores, error) {
	ledger := inventory.NewMemoryLedger()
	prices := catalog.StaticSource{}
	for _, p := range products {
		if err := ledger.UpsertProduct(ctx, p); err != nil {
			return Stores{}, err
		}
		prices[p.ID] = p.Price
	}
	return Stores{
		Sagas:        saga.NewMemoryStore(),
		Ledger:       ledger,
		Transactions: payment.NewMemoryTransactions(),
		Prices:       prices,
	}, nil
}

// PostgresStores creates the schema for every enabled role and returns
// Postgres-backed stores.
func PostgresStores(ctx context.Context, db *sql.DB, roles Roles) (Stores, error) {
	var s Stores
	if roles.Orchestrator {
		store, err := ordersdb.NewSagaStoreWithSchema(ctx, db)
		if err != nil {
			return Stores{}, err
		}
		s.Sagas = store
	}
	if roles.Inventory || roles.Payment {
		// The catalog reads prices from the inventory product table.
		ledger, err := inventorydb.NewPostgresLedgerWithSchema(ctx, db)
		if err != nil {
			return Stores{}, err
		}
		s.Ledger = ledger
		s.Prices = catalog.NewSQLSource(db)
	}
	if roles.Payment {
		txs, err := paymentsdb.NewPostgresTransactionsWithSchema(ctx, db)
		if err != nil {
			return Stores{}, err
		}
		s.Transactions = txs
	}
	return s, nil
}
