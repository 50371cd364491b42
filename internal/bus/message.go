package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names a saga command or participant response on the wire.
type Event string

// Commands, orchestrator to participants.
const (
	EventReserveInventory  Event = "RESERVAR_INVENTARIO"
	EventReleaseInventory  Event = "LIBERAR_INVENTARIO"
	EventProcessPayment    Event = "PROCESAR_PAGO"
	EventCompensatePayment Event = "COMPENSAR_PAGO"
	EventConfirmOrder      Event = "CONFIRMAR_PEDIDO"
)

// Responses, participants to orchestrator.
const (
	EventInventoryReserved Event = "INVENTARIO_RESERVADO"
	EventPaymentProcessed  Event = "PAGO_PROCESADO"
	EventOrderConfirmed    Event = "PEDIDO_CONFIRMADO"
)

const (
	QueueInventoryCommands = "saga.inventario.comandos"
	QueuePaymentCommands   = "saga.pagos.comandos"
	QueueResponses         = "saga.respuestas"
)

// Participant names carried in Response.Service.
const (
	ServiceInventory = "inventario"
	ServicePayment   = "pagos"
)

var (
	ErrUnknownEvent   = errors.New("unknown saga event")
	ErrInvalidMessage = errors.New("invalid saga message")
)

// Payload carries the fields any saga message may need. Unused fields are
// omitted on the wire.
type Payload struct {
	OrderID       string     `json:"orderId,omitempty"`
	ProductID     string     `json:"productId,omitempty"`
	Quantity      int        `json:"quantity,omitempty"`
	PaymentMethod string     `json:"paymentMethod,omitempty"`
	Amount        float64    `json:"amount,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

type Command struct {
	SagaID    string    `json:"sagaId"`
	Event     Event     `json:"evento"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type Response struct {
	SagaID    string    `json:"sagaId"`
	Event     Event     `json:"evento"`
	Success   bool      `json:"success"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"servicio"`
	Error     string    `json:"error,omitempty"`
}

// CommandQueue returns the queue owned by the participant that executes e.
func CommandQueue(e Event) (string, error) {
	switch e {
	case EventReserveInventory, EventReleaseInventory, EventConfirmOrder:
		return QueueInventoryCommands, nil
	case EventProcessPayment, EventCompensatePayment:
		return QueuePaymentCommands, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, e)
	}
}

func IsResponse(e Event) bool {
	switch e {
	case EventInventoryReserved, EventPaymentProcessed, EventOrderConfirmed:
		return true
	}
	return false
}

// SendCommand stamps, encodes and routes a command keyed by its saga id.
func SendCommand(ctx context.Context, p Publisher, cmd Command) error {
	queue, err := CommandQueue(cmd.Event)
	if err != nil {
		return err
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return p.Publish(ctx, queue, cmd.SagaID, body)
}

// SendResponse stamps, encodes and publishes a response keyed by its saga id.
func SendResponse(ctx context.Context, p Publisher, resp Response) error {
	if !IsResponse(resp.Event) {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, resp.Event)
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return p.Publish(ctx, QueueResponses, resp.SagaID, body)
}

func DecodeCommand(body []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if cmd.SagaID == "" || cmd.Event == "" {
		return cmd, fmt.Errorf("%w: sagaId and evento are required", ErrInvalidMessage)
	}
	return cmd, nil
}

func DecodeResponse(body []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if resp.SagaID == "" || resp.Event == "" {
		return resp, fmt.Errorf("%w: sagaId and evento are required", ErrInvalidMessage)
	}
	return resp, nil
}
