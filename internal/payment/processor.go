package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tourflow/internal/observability"
)

type ProcessRequest struct {
	SagaID    string
	ProductID string
	Quantity  int
	Method    string
}

type ProcessorOption func(*Processor)

// WithMethods replaces the accepted payment methods.
func WithMethods(methods []string) ProcessorOption {
	return func(p *Processor) {
		if len(methods) == 0 {
			return
		}
		p.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			p.methods[m] = struct{}{}
		}
	}
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func WithIDGenerator(newID func() string) ProcessorOption {
	return func(p *Processor) { p.newID = newID }
}

func WithMetrics(m *observability.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// Processor charges and reverses saga payments against a simulated gateway.
type Processor struct {
	store    TransactionStore
	prices   PriceLookup
	decision Decision
	methods  map[string]struct{}
	metrics  *observability.Metrics
	now      func() time.Time
	newID    func() string
}

func NewProcessor(store TransactionStore, prices PriceLookup, decision Decision, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    store,
		prices:   prices,
		decision: decision,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	WithMethods(DefaultMethods)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process charges a saga once. A saga that already has a transaction gets the
// recorded one back; validation failures record nothing.
func (p *Processor) Process(ctx context.Context, req ProcessRequest) (Transaction, error) {
	if existing, err := p.store.FindBySaga(ctx, req.SagaID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, err
	}

	if _, ok := p.methods[req.Method]; !ok {
		return Transaction{}, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if req.Quantity <= 0 {
		return Transaction{}, ErrInvalidQuantity
	}
	unit, err := p.prices.UnitPrice(ctx, req.ProductID)
	if err != nil {
		return Transaction{}, fmt.Errorf("price for %s: %w", req.ProductID, err)
	}
	amount := unit * float64(req.Quantity)

	id := p.newID()
	tx := Transaction{
		ID:          id,
		SagaID:      req.SagaID,
		Amount:      amount,
		Method:      req.Method,
		Status:      StatusRejected,
		ExternalRef: "SIM-" + id,
		CreatedAt:   p.now(),
	}
	if p.decision.Approve(amount, req.Method) {
		tx.Status = StatusApproved
	}

	stored, created, err := p.store.Record(ctx, tx)
	if err != nil {
		return Transaction{}, fmt.Errorf("record transaction: %w", err)
	}
	if created {
		p.metrics.PaymentRecorded(string(stored.Status))
	}
	return stored, nil
}

// Reverse refunds the saga's approved transaction, if any.
func (p *Processor) Reverse(ctx context.Context, sagaID string) (bool, error) {
	reversed, err := p.store.Reverse(ctx, sagaID)
	if err != nil {
		return false, err
	}
	if reversed {
		p.metrics.PaymentRecorded(string(StatusReversed))
	}
	return reversed, nil
}
