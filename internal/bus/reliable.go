package bus

import (
	"context"
	"errors"

	"tourflow/internal/reliability"
)

// ReliablePublisher retries publishes through a reliability guard.
type ReliablePublisher struct {
	base  Publisher
	guard reliability.Guard
}

// NewReliablePublisher wraps base. Unless the guard brings its own classifier,
// a closed bus is treated as final so shutdown does not sit in backoff.
func NewReliablePublisher(base Publisher, guard reliability.Guard) *ReliablePublisher {
	if guard.Retry.ShouldRetry == nil {
		guard.Retry.ShouldRetry = retryablePublish
	}
	return &ReliablePublisher{base: base, guard: guard}
}

func retryablePublish(err error) bool {
	return !errors.Is(err, ErrClosed) && reliability.Retryable(err)
}

func (p *ReliablePublisher) Publish(ctx context.Context, queue, key string, body []byte) error {
	return p.guard.Do(ctx, func() error {
		return p.base.Publish(ctx, queue, key, body)
	})
}
