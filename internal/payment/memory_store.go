package payment

import (
	"context"
	"sync"
)

// MemoryTransactions is an in-process TransactionStore.
type MemoryTransactions struct {
	mu     sync.Mutex
	bySaga map[string]Transaction
}

func NewMemoryTransactions() *MemoryTransactions {
	return &MemoryTransactions{bySaga: make(map[string]Transaction)}
}

func (m *MemoryTransactions) Record(ctx context.Context, tx Transaction) (Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.bySaga[tx.SagaID]; ok {
		return existing, false, nil
	}
	m.bySaga[tx.SagaID] = tx
	return tx, true, nil
}

func (m *MemoryTransactions) Reverse(ctx context.Context, sagaID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.bySaga[sagaID]
	if !ok || tx.Status != StatusApproved {
		return false, nil
	}
	tx.Status = StatusReversed
	m.bySaga[sagaID] = tx
	return true, nil
}

func (m *MemoryTransactions) FindBySaga(ctx context.Context, sagaID string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.bySaga[sagaID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}
