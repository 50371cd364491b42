package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tourflow/internal/bus"
	"tourflow/internal/observability"
)

// Notifier is told about every applied status change.
type Notifier interface {
	SagaUpdated(order Order)
}

type StartRequest struct {
	ProductID     string
	Quantity      int
	PaymentMethod string
	UserID        string
}

type StartResult struct {
	OrderID string `json:"orderId"`
	SagaID  string `json:"sagaId"`
	Status  Status `json:"status"`
}

// State is the read model returned for a saga query.
type State struct {
	Order Order        `json:"order"`
	Steps []StepRecord `json:"steps"`
}

type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// Orchestrator drives each saga through reservation, payment and
// confirmation, and into compensation on any failure.
type Orchestrator struct {
	store    Store
	pub      bus.Publisher
	log      zerolog.Logger
	metrics  *observability.Metrics
	notifier Notifier
	now      func() time.Time
	newID    func() string

	wg      sync.WaitGroup
	pending atomic.Int64
}

func NewOrchestrator(store Store, pub bus.Publisher, log zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store: store,
		pub:   pub,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (r StartRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.ProductID) == "" {
		missing = append(missing, "productId")
	}
	if r.Quantity <= 0 {
		missing = append(missing, "quantity")
	}
	if strings.TrimSpace(r.PaymentMethod) == "" {
		missing = append(missing, "paymentMethod")
	}
	if strings.TrimSpace(r.UserID) == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Start records a new order in INICIADA and returns at once. The reservation
// command is published in the background; if that fails the saga is
// compensated.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := req.validate(); err != nil {
		return StartResult{}, err
	}

	now := o.now()
	order := Order{
		ID:            o.newID(),
		SagaID:        o.newID(),
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusStarted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	payload := bus.Payload{
		OrderID:       order.ID,
		ProductID:     order.ProductID,
		Quantity:      order.Quantity,
		PaymentMethod: order.PaymentMethod,
	}
	first := StepRecord{
		SagaID:    order.SagaID,
		Step:      StepCreateOrder,
		Outcome:   OutcomeCompleted,
		Timestamp: now,
		Payload:   encodePayload(payload),
	}
	if err := o.store.Create(ctx, order, first); err != nil {
		return StartResult{}, fmt.Errorf("create order: %w", err)
	}
	o.metrics.SagaTransition(string(StatusStarted))
	o.notify(order)
	o.log.Info().Str("sagaId", order.SagaID).Str("orderId", order.ID).Str("productId", order.ProductID).Int("quantity", order.Quantity).Msg("saga started")

	o.wg.Add(1)
	o.pending.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.pending.Add(-1)
		ectx := context.WithoutCancel(ctx)
		if err := o.emit(ectx, order.SagaID, bus.EventReserveInventory, payload); err != nil {
			o.log.Error().Err(err).Str("sagaId", order.SagaID).Msg("reservation command not published")
			if cerr := o.compensate(ectx, order.SagaID, StepReserveInventory, ReasonInternalError, err.Error()); cerr != nil {
				o.log.Error().Err(cerr).Str("sagaId", order.SagaID).Msg("compensation not recorded")
			}
		}
	}()

	return StartResult{OrderID: order.ID, SagaID: order.SagaID, Status: order.Status}, nil
}

// Pending reports background publishes started by Start that have not finished.
func (o *Orchestrator) Pending() int64 {
	return o.pending.Load()
}

// Wait blocks until background publishes started by Start have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// HandleDelivery decodes a bus delivery and routes it. Malformed messages are
// acknowledged and dropped.
func (o *Orchestrator) HandleDelivery(ctx context.Context, d bus.Delivery) error {
	resp, err := bus.DecodeResponse(d.Body)
	if err != nil {
		o.log.Warn().Err(err).Str("id", d.ID).Msg("dropping undecodable response")
		return nil
	}
	return o.HandleResponse(ctx, resp)
}

// HandleResponse applies one participant response. Failures while applying it
// turn into compensation with ERROR_INTERNO; an error is returned only when
// even that could not be recorded, so the bus redelivers the response.
func (o *Orchestrator) HandleResponse(ctx context.Context, resp bus.Response) error {
	span := o.metrics.Start("saga.HandleResponse")
	log := o.log.With().Str("sagaId", resp.SagaID).Str("evento", string(resp.Event)).Bool("success", resp.Success).Logger()

	err := o.route(ctx, resp)
	switch {
	case err == nil:
		span.End(nil)
		return nil
	case errors.Is(err, ErrSagaNotFound):
		log.Warn().Msg("response for unknown saga ignored")
		span.End(nil)
		return nil
	case errors.Is(err, bus.ErrUnknownEvent):
		log.Warn().Err(err).Msg("response ignored")
		span.End(nil)
		return nil
	}

	log.Error().Err(err).Msg("response handling failed, compensating")
	if cerr := o.compensate(ctx, resp.SagaID, stepFor(resp.Event), ReasonInternalError, err.Error()); cerr != nil {
		span.End(cerr)
		return fmt.Errorf("compensate saga %s: %w", resp.SagaID, cerr)
	}
	span.End(err)
	return nil
}

func (o *Orchestrator) route(ctx context.Context, resp bus.Response) error {
	id := resp.SagaID
	switch resp.Event {
	case bus.EventInventoryReserved:
		if !resp.Success {
			return o.compensate(ctx, id, StepReserveInventory, ReasonInventoryUnavailable, resp.Error)
		}
		order, applied, err := o.advance(ctx, id, Transition{
			To:   StatusInventoryReserved,
			Step: StepRecord{Step: StepReserveInventory, Outcome: OutcomeCompleted, Payload: encodePayload(resp.Payload)},
		})
		if err != nil || !applied {
			return err
		}
		return o.emit(ctx, id, bus.EventProcessPayment, bus.Payload{
			OrderID:       order.ID,
			ProductID:     order.ProductID,
			Quantity:      order.Quantity,
			PaymentMethod: order.PaymentMethod,
		})

	case bus.EventPaymentProcessed:
		if !resp.Success {
			return o.compensate(ctx, id, StepProcessPayment, ReasonPaymentRejected, resp.Error)
		}
		amount := resp.Payload.Amount
		order, applied, err := o.advance(ctx, id, Transition{
			To:          StatusPaymentProcessed,
			TotalAmount: &amount,
			Step:        StepRecord{Step: StepProcessPayment, Outcome: OutcomeCompleted, Payload: encodePayload(resp.Payload)},
		})
		if err != nil || !applied {
			return err
		}
		return o.emit(ctx, id, bus.EventConfirmOrder, bus.Payload{
			OrderID:   order.ID,
			ProductID: order.ProductID,
			Quantity:  order.Quantity,
			Amount:    order.TotalAmount,
		})

	case bus.EventOrderConfirmed:
		if !resp.Success {
			return o.compensate(ctx, id, StepConfirmOrder, ReasonConfirmationFailed, resp.Error)
		}
		_, _, err := o.advance(ctx, id, Transition{
			To:   StatusCompleted,
			Step: StepRecord{Step: StepConfirmOrder, Outcome: OutcomeCompleted, Payload: encodePayload(resp.Payload)},
		})
		return err
	}
	return fmt.Errorf("%w: %s", bus.ErrUnknownEvent, resp.Event)
}

// compensate moves the saga to COMPENSANDO, asks both participants to undo
// their step without waiting for them, then closes the saga as CANCELADA.
// A saga found already in COMPENSANDO is resumed from the publish stage.
func (o *Orchestrator) compensate(ctx context.Context, sagaID string, failed Step, reason Reason, detail string) error {
	if detail == "" {
		detail = string(reason)
	}
	order, applied, err := o.advance(ctx, sagaID, Transition{
		To:   StatusCompensating,
		Step: StepRecord{Step: failed, Outcome: OutcomeFailed, Error: detail},
	})
	if err != nil {
		return err
	}
	if !applied && order.Status != StatusCompensating {
		o.log.Info().Str("sagaId", sagaID).Str("status", string(order.Status)).Str("reason", string(reason)).Msg("compensation skipped")
		return nil
	}

	payload := bus.Payload{OrderID: order.ID, ProductID: order.ProductID, Quantity: order.Quantity, Reason: string(reason)}
	for _, event := range []bus.Event{bus.EventCompensatePayment, bus.EventReleaseInventory} {
		if err := o.emit(ctx, sagaID, event, payload); err != nil {
			o.log.Error().Err(err).Str("sagaId", sagaID).Str("evento", string(event)).Msg("compensation command not published")
		}
	}

	_, _, err = o.advance(ctx, sagaID, Transition{
		To:   StatusCancelled,
		Step: StepRecord{Step: StepCompensation, Outcome: OutcomeCompleted, Error: string(reason)},
	})
	return err
}

func (o *Orchestrator) advance(ctx context.Context, sagaID string, t Transition) (Order, bool, error) {
	now := o.now()
	if t.From == nil {
		t.From = Predecessors(t.To)
	}
	t.At = now
	t.Step.SagaID = sagaID
	t.Step.Timestamp = now

	order, applied, err := o.store.Advance(ctx, sagaID, t)
	if err != nil {
		return order, false, fmt.Errorf("advance to %s: %w", t.To, err)
	}
	if !applied {
		o.log.Info().Str("sagaId", sagaID).Str("status", string(order.Status)).Str("target", string(t.To)).Msg("transition already applied or not allowed, ignoring")
		return order, false, nil
	}
	o.metrics.SagaTransition(string(t.To))
	o.notify(order)
	o.log.Info().Str("sagaId", sagaID).Str("status", string(t.To)).Str("step", string(t.Step.Step)).Str("outcome", string(t.Step.Outcome)).Msg("saga advanced")
	return order, true, nil
}

func (o *Orchestrator) emit(ctx context.Context, sagaID string, event bus.Event, payload bus.Payload) error {
	return bus.SendCommand(ctx, o.pub, bus.Command{
		SagaID:    sagaID,
		Event:     event,
		Payload:   payload,
		Timestamp: o.now(),
	})
}

// State returns the order and its full step log.
func (o *Orchestrator) State(ctx context.Context, sagaID string) (State, error) {
	order, steps, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return State{}, err
	}
	if steps == nil {
		steps = []StepRecord{}
	}
	return State{Order: order, Steps: steps}, nil
}

func (o *Orchestrator) notify(order Order) {
	if o.notifier != nil {
		o.notifier.SagaUpdated(order)
	}
}

func stepFor(event bus.Event) Step {
	switch event {
	case bus.EventInventoryReserved:
		return StepReserveInventory
	case bus.EventPaymentProcessed:
		return StepProcessPayment
	case bus.EventOrderConfirmed:
		return StepConfirmOrder
	}
	return Step(event)
}

func encodePayload(p bus.Payload) json.RawMessage {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return raw
}
