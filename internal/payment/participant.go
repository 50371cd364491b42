package payment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tourflow/internal/bus"
	"tourflow/internal/observability"
)

// Participant executes payment commands from the saga orchestrator.
type Participant struct {
	processor *Processor
	pub       bus.Publisher
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewParticipant(processor *Processor, pub bus.Publisher, log zerolog.Logger, metrics *observability.Metrics) *Participant {
	return &Participant{processor: processor, pub: pub, log: log, metrics: metrics}
}

func (p *Participant) HandleDelivery(ctx context.Context, d bus.Delivery) error {
	cmd, err := bus.DecodeCommand(d.Body)
	if err != nil {
		p.log.Warn().Err(err).Str("id", d.ID).Msg("dropping undecodable command")
		return nil
	}
	return p.HandleCommand(ctx, cmd)
}

func (p *Participant) HandleCommand(ctx context.Context, cmd bus.Command) error {
	log := p.log.With().Str("sagaId", cmd.SagaID).Str("evento", string(cmd.Event)).Logger()
	switch cmd.Event {
	case bus.EventProcessPayment:
		return p.process(ctx, log, cmd)
	case bus.EventCompensatePayment:
		reversed, err := p.processor.Reverse(ctx, cmd.SagaID)
		if err != nil {
			log.Error().Err(err).Msg("reversal failed")
			return fmt.Errorf("reverse saga %s: %w", cmd.SagaID, err)
		}
		log.Info().Bool("reversed", reversed).Str("reason", cmd.Payload.Reason).Msg("payment compensated")
		return nil
	}
	log.Warn().Msg("command not handled by payments")
	return nil
}

func (p *Participant) process(ctx context.Context, log zerolog.Logger, cmd bus.Command) error {
	span := p.metrics.Start("payment.Process")
	tx, err := p.processor.Process(ctx, ProcessRequest{
		SagaID:    cmd.SagaID,
		ProductID: cmd.Payload.ProductID,
		Quantity:  cmd.Payload.Quantity,
		Method:    cmd.Payload.PaymentMethod,
	})
	span.End(err)

	resp := bus.Response{
		SagaID:  cmd.SagaID,
		Event:   bus.EventPaymentProcessed,
		Service: bus.ServicePayment,
		Payload: bus.Payload{
			OrderID:       cmd.Payload.OrderID,
			ProductID:     cmd.Payload.ProductID,
			Quantity:      cmd.Payload.Quantity,
			PaymentMethod: cmd.Payload.PaymentMethod,
		},
	}
	switch {
	case err != nil:
		log.Warn().Err(err).Str("method", cmd.Payload.PaymentMethod).Msg("payment not processed")
		resp.Error = err.Error()
	default:
		resp.Payload.Amount = tx.Amount
		resp.Payload.TransactionID = tx.ID
		resp.Success = tx.Status == StatusApproved
		if !resp.Success {
			resp.Error = fmt.Sprintf("%s: %s", ErrPaymentRejected, tx.Status)
		}
		log.Info().Str("transactionId", tx.ID).Str("status", string(tx.Status)).Float64("amount", tx.Amount).Msg("payment processed")
	}

	if err := bus.SendResponse(ctx, p.pub, resp); err != nil {
		return fmt.Errorf("reply %s for saga %s: %w", resp.Event, resp.SagaID, err)
	}
	return nil
}
