package saga

import (
	"context"
	"sync"
)

// MemoryStore keeps orders and step logs in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	steps  map[string][]StepRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]Order),
		steps:  make(map[string][]StepRecord),
	}
}

func (s *MemoryStore) Create(ctx context.Context, order Order, first StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.SagaID]; ok {
		return ErrDuplicateSaga
	}
	s.orders[order.SagaID] = order
	first.SagaID = order.SagaID
	s.steps[order.SagaID] = []StepRecord{first}
	return nil
}

func (s *MemoryStore) Advance(ctx context.Context, sagaID string, t Transition) (Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[sagaID]
	if !ok {
		return Order{}, false, ErrSagaNotFound
	}
	if !containsStatus(t.From, order.Status) {
		return order, false, nil
	}
	order.Status = t.To
	order.UpdatedAt = t.At
	if t.TotalAmount != nil {
		order.TotalAmount = *t.TotalAmount
	}
	s.orders[sagaID] = order
	step := t.Step
	step.SagaID = sagaID
	s.steps[sagaID] = append(s.steps[sagaID], step)
	return order, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, sagaID string) (Order, []StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[sagaID]
	if !ok {
		return Order{}, nil, ErrSagaNotFound
	}
	return order, append([]StepRecord(nil), s.steps[sagaID]...), nil
}

func containsStatus(set []Status, s Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
