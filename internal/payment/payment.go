package payment

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

type Status string

const (
	StatusPending  Status = "PENDIENTE"
	StatusApproved Status = "APROBADA"
	StatusRejected Status = "RECHAZADA"
	StatusReversed Status = "REVERTIDA"
)

// DefaultMethods is the payment method allow-list.
var DefaultMethods = []string{"TARJETA_CREDITO", "TARJETA_DEBITO", "PAYPAL", "TRANSFERENCIA"}

var (
	ErrInvalidMethod       = errors.New("payment method not accepted")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPaymentRejected     = errors.New("payment rejected")
)

type Transaction struct {
	ID          string    `json:"id"`
	SagaID      string    `json:"sagaId"`
	Amount      float64   `json:"amount"`
	Method      string    `json:"method"`
	Status      Status    `json:"status"`
	ExternalRef string    `json:"externalRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TransactionStore keeps one transaction per saga.
type TransactionStore interface {
	// Record stores tx unless the saga already has a transaction, in which
	// case the stored one is returned with created=false.
	Record(ctx context.Context, tx Transaction) (stored Transaction, created bool, err error)
	// Reverse moves the saga's APROBADA transaction to REVERTIDA. It reports
	// false when there is none.
	Reverse(ctx context.Context, sagaID string) (bool, error)
	FindBySaga(ctx context.Context, sagaID string) (Transaction, error)
}

// PriceLookup resolves the unit price of a product.
type PriceLookup interface {
	UnitPrice(ctx context.Context, productID string) (float64, error)
}

// Decision approves or declines an otherwise valid charge.
type Decision interface {
	Approve(amount float64, method string) bool
}

// FixedDecision always returns the same answer.
type FixedDecision bool

func (d FixedDecision) Approve(float64, string) bool { return bool(d) }

// RandomDecision approves with probability SuccessRate.
type RandomDecision struct {
	mu          sync.Mutex
	rng         *rand.Rand
	successRate float64
}

func NewRandomDecision(successRate float64, seed uint64) *RandomDecision {
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	return &RandomDecision{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		successRate: successRate,
	}
}

func (d *RandomDecision) Approve(float64, string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < d.successRate
}
