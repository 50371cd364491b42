package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status captures the current state of a purchase saga.
type Status string

const (
	StatusStarted           Status = "INICIADA"
	StatusInventoryReserved Status = "INVENTARIO_RESERVADO"
	StatusPaymentProcessed  Status = "PAGO_PROCESADO"
	StatusCompleted         Status = "COMPLETADA"
	StatusCompensating      Status = "COMPENSANDO"
	StatusCancelled         Status = "CANCELADA"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Step names an entry in the saga log.
type Step string

const (
	StepCreateOrder      Step = "CREAR_PEDIDO"
	StepReserveInventory Step = "RESERVAR_INVENTARIO"
	StepProcessPayment   Step = "PROCESAR_PAGO"
	StepConfirmOrder     Step = "CONFIRMAR_PEDIDO"
	StepCompensation     Step = "COMPENSACION"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETADO"
	OutcomeFailed    Outcome = "FALLIDO"
)

// Reason explains why a saga was compensated. It is written to the error
// field of the COMPENSACION step.
type Reason string

const (
	ReasonInventoryUnavailable Reason = "INVENTARIO_NO_DISPONIBLE"
	ReasonPaymentRejected      Reason = "PAGO_RECHAZADO"
	ReasonConfirmationFailed   Reason = "CONFIRMACION_FALLIDA"
	ReasonInternalError        Reason = "ERROR_INTERNO"
)

// Order is the orchestrator-owned record of one purchase.
type Order struct {
	ID            string    `json:"id"`
	SagaID        string    `json:"sagaId"`
	UserID        string    `json:"userId"`
	ProductID     string    `json:"productId"`
	Quantity      int       `json:"quantity"`
	PaymentMethod string    `json:"paymentMethod"`
	TotalAmount   float64   `json:"totalAmount"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// StepRecord is one immutable entry of the saga log.
type StepRecord struct {
	SagaID    string          `json:"sagaId"`
	Step      Step            `json:"step"`
	Outcome   Outcome         `json:"outcome"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Transition is a guarded status change. It applies only while the order is
// in one of From, and Step is appended in the same unit of work.
type Transition struct {
	From        []Status
	To          Status
	TotalAmount *float64
	At          time.Time
	Step        StepRecord
}

// Store persists orders and their step logs.
type Store interface {
	Create(ctx context.Context, order Order, first StepRecord) error
	// Advance applies t if the current status allows it. It returns the order
	// as it stands afterwards and whether t was applied.
	Advance(ctx context.Context, sagaID string, t Transition) (Order, bool, error)
	Get(ctx context.Context, sagaID string) (Order, []StepRecord, error)
}

var (
	ErrSagaNotFound   = errors.New("saga not found")
	ErrDuplicateSaga  = errors.New("saga already exists")
	ErrInvalidRequest = errors.New("invalid saga request")
)

var predecessors = map[Status][]Status{
	StatusInventoryReserved: {StatusStarted},
	StatusPaymentProcessed:  {StatusInventoryReserved},
	StatusCompleted:         {StatusPaymentProcessed},
	StatusCompensating:      {StatusStarted, StatusInventoryReserved, StatusPaymentProcessed},
	StatusCancelled:         {StatusCompensating},
}

// Predecessors lists the statuses a saga may move to `to` from.
func Predecessors(to Status) []Status {
	return append([]Status(nil), predecessors[to]...)
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}
