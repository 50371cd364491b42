package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tourflow/internal/bus"
	"tourflow/internal/observability"
)

type ParticipantOption func(*Participant)

func WithHoldWindow(d time.Duration) ParticipantOption {
	return func(p *Participant) {
		if d > 0 {
			p.hold = d
		}
	}
}

func WithParticipantClock(now func() time.Time) ParticipantOption {
	return func(p *Participant) { p.now = now }
}

func WithParticipantMetrics(m *observability.Metrics) ParticipantOption {
	return func(p *Participant) { p.metrics = m }
}

// Participant executes inventory commands from the saga orchestrator.
type Participant struct {
	ledger  Ledger
	pub     bus.Publisher
	log     zerolog.Logger
	metrics *observability.Metrics
	hold    time.Duration
	now     func() time.Time
}

func NewParticipant(ledger Ledger, pub bus.Publisher, log zerolog.Logger, opts ...ParticipantOption) *Participant {
	p := &Participant{
		ledger: ledger,
		pub:    pub,
		log:    log,
		hold:   DefaultHoldWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleDelivery is the bus.Handler for the inventory command queue.
func (p *Participant) HandleDelivery(ctx context.Context, d bus.Delivery) error {
	cmd, err := bus.DecodeCommand(d.Body)
	if err != nil {
		p.log.Warn().Err(err).Str("id", d.ID).Msg("dropping undecodable command")
		return nil
	}
	return p.HandleCommand(ctx, cmd)
}

// HandleCommand runs one command. A returned error means the command should be
// delivered again.
func (p *Participant) HandleCommand(ctx context.Context, cmd bus.Command) error {
	log := p.log.With().Str("sagaId", cmd.SagaID).Str("evento", string(cmd.Event)).Logger()
	switch cmd.Event {
	case bus.EventReserveInventory:
		return p.reserve(ctx, log, cmd)
	case bus.EventReleaseInventory:
		return p.release(ctx, log, cmd)
	case bus.EventConfirmOrder:
		return p.confirm(ctx, log, cmd)
	}
	log.Warn().Msg("command not handled by inventory")
	return nil
}

func (p *Participant) reserve(ctx context.Context, log zerolog.Logger, cmd bus.Command) error {
	span := p.metrics.Start("inventory.Reserve")
	expiresAt := p.now().Add(p.hold)
	res, err := p.ledger.Reserve(ctx, cmd.SagaID, cmd.Payload.ProductID, cmd.Payload.Quantity, expiresAt)
	span.End(err)

	resp := bus.Response{
		SagaID:  cmd.SagaID,
		Event:   bus.EventInventoryReserved,
		Service: bus.ServiceInventory,
		Payload: bus.Payload{
			OrderID:   cmd.Payload.OrderID,
			ProductID: cmd.Payload.ProductID,
			Quantity:  cmd.Payload.Quantity,
		},
	}
	switch {
	case err != nil:
		p.metrics.Reservation("reserve", outcomeFor(err))
		log.Warn().Err(err).Str("productId", cmd.Payload.ProductID).Int("quantity", cmd.Payload.Quantity).Msg("reservation refused")
		resp.Error = err.Error()
	case res.Status != ReservationActive:
		// A redelivered reserve for a saga whose hold already ended.
		p.metrics.Reservation("reserve", "stale")
		log.Warn().Str("status", string(res.Status)).Msg("reservation exists but is no longer active")
		resp.Error = fmt.Sprintf("%s: %s", ErrReservationNotActive, res.Status)
	default:
		p.metrics.Reservation("reserve", "ok")
		resp.Success = true
		resp.Payload.ExpiresAt = &res.ExpiresAt
		log.Info().Str("productId", res.ProductID).Int("quantity", res.Quantity).Time("expiresAt", res.ExpiresAt).Msg("stock reserved")
	}
	return p.reply(ctx, resp)
}

func (p *Participant) release(ctx context.Context, log zerolog.Logger, cmd bus.Command) error {
	released, err := p.ledger.Release(ctx, cmd.SagaID)
	if err != nil {
		p.metrics.Reservation("release", "error")
		log.Error().Err(err).Msg("release failed")
		return fmt.Errorf("release saga %s: %w", cmd.SagaID, err)
	}
	if !released {
		p.metrics.Reservation("release", "noop")
		log.Info().Msg("nothing to release")
		return nil
	}
	p.metrics.Reservation("release", "ok")
	log.Info().Str("reason", cmd.Payload.Reason).Msg("reservation released")
	return nil
}

func (p *Participant) confirm(ctx context.Context, log zerolog.Logger, cmd bus.Command) error {
	res, err := p.ledger.Confirm(ctx, cmd.SagaID)
	resp := bus.Response{
		SagaID:  cmd.SagaID,
		Event:   bus.EventOrderConfirmed,
		Service: bus.ServiceInventory,
		Payload: bus.Payload{
			OrderID:   cmd.Payload.OrderID,
			ProductID: cmd.Payload.ProductID,
			Quantity:  cmd.Payload.Quantity,
			Amount:    cmd.Payload.Amount,
		},
	}
	if err != nil {
		p.metrics.Reservation("confirm", outcomeFor(err))
		log.Warn().Err(err).Str("status", string(res.Status)).Msg("confirmation refused")
		resp.Error = err.Error()
	} else {
		p.metrics.Reservation("confirm", "ok")
		resp.Success = true
		log.Info().Msg("reservation confirmed")
	}
	return p.reply(ctx, resp)
}

func (p *Participant) reply(ctx context.Context, resp bus.Response) error {
	if err := bus.SendResponse(ctx, p.pub, resp); err != nil {
		return fmt.Errorf("reply %s for saga %s: %w", resp.Event, resp.SagaID, err)
	}
	return nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrReservationNotFound):
		return "not_found"
	case errors.Is(err, ErrReservationNotActive):
		return "not_active"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid"
	}
	return "error"
}
