package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tourflow/internal/observability"
)

const (
	DefaultSweepSchedule = "@every 30s"
	DefaultSweepBatch    = 100
)

// Sweeper expires reservations whose hold window has passed.
type Sweeper struct {
	ledger   Ledger
	log      zerolog.Logger
	metrics  *observability.Metrics
	schedule cron.Schedule
	batch    int
	now      func() time.Time
}

type SweeperConfig struct {
	Schedule string
	Batch    int
	Metrics  *observability.Metrics
	Now      func() time.Time
}

func NewSweeper(ledger Ledger, log zerolog.Logger, cfg SweeperConfig) (*Sweeper, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		ledger:   ledger,
		log:      log,
		metrics:  cfg.Metrics,
		schedule: schedule,
		batch:    batch,
		now:      now,
	}, nil
}

// RunOnce expires due reservations until a batch comes back short.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.ledger.ExpireDue(ctx, s.now(), s.batch)
		total += n
		s.metrics.ReservationsExpired(n)
		if err != nil {
			return total, err
		}
		if n < s.batch || ctx.Err() != nil {
			return total, nil
		}
	}
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error().Err(err).Int("expired", n).Msg("reservation sweep failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("expired", n).Msg("expired reservations released")
		}
	}))
	c.Start()
	s.log.Info().Int("batch", s.batch).Msg("reservation sweeper started")

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}
