package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tourflow/internal/observability"
)

type MemoryOptions struct {
	QueueSize       int
	Workers         int
	MaxDeliveries   int
	RedeliveryDelay time.Duration
}

// MemoryBus is an in-process bus backed by bounded channels. It keeps the
// ack/redeliver contract of the durable backends but loses messages on exit.
type MemoryBus struct {
	opts    MemoryOptions
	log     zerolog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	queues map[string]chan Delivery
	dead   map[string][]Delivery
	seq    atomic.Int64
	done   chan struct{}
	closed bool
}

func NewMemoryBus(opts MemoryOptions, log zerolog.Logger, metrics *observability.Metrics) *MemoryBus {
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.MaxDeliveries < 1 {
		opts.MaxDeliveries = 5
	}
	return &MemoryBus{
		opts:    opts,
		log:     log,
		metrics: metrics,
		queues:  make(map[string]chan Delivery),
		dead:    make(map[string][]Delivery),
		done:    make(chan struct{}),
	}
}

func (b *MemoryBus) queue(name string) (chan Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Delivery, b.opts.QueueSize)
		b.queues[name] = q
	}
	return q, nil
}

func (b *MemoryBus) Publish(ctx context.Context, queue, key string, body []byte) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	d := Delivery{
		ID:      strconv.FormatInt(b.seq.Add(1), 10),
		Queue:   queue,
		Key:     key,
		Body:    append([]byte(nil), body...),
		Attempt: 1,
	}
	select {
	case q <- d:
		b.metrics.MessagePublished(queue, nil)
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		b.metrics.MessagePublished(queue, ctx.Err())
		return ctx.Err()
	}
}

// Consume returns nil once ctx is cancelled and queued handlers have drained.
func (b *MemoryBus) Consume(ctx context.Context, queue string, h Handler) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	disp := NewDispatcher(b.opts.Workers, b.opts.QueueSize)
	defer disp.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case d := <-q:
			err := disp.Submit(ctx, d.Key, func(jctx context.Context) {
				herr := h(jctx, d)
				b.metrics.MessageHandled(queue, herr)
				if herr != nil {
					b.redeliver(q, d, herr)
				}
			})
			if err != nil {
				// Not accepted; put it back for the next consumer.
				b.requeue(q, d, 0)
				return nil
			}
		}
	}
}

func (b *MemoryBus) redeliver(q chan Delivery, d Delivery, cause error) {
	if d.Attempt >= b.opts.MaxDeliveries {
		b.mu.Lock()
		b.dead[d.Queue] = append(b.dead[d.Queue], d)
		b.mu.Unlock()
		b.metrics.MessageDeadLettered(d.Queue)
		b.log.Error().Err(cause).Str("queue", d.Queue).Str("key", d.Key).Int("attempt", d.Attempt).Msg("message moved to dead-letter queue")
		return
	}
	b.log.Warn().Err(cause).Str("queue", d.Queue).Str("key", d.Key).Int("attempt", d.Attempt).Msg("message will be redelivered")
	d.Attempt++
	b.requeue(q, d, b.opts.RedeliveryDelay)
}

func (b *MemoryBus) requeue(q chan Delivery, d Delivery, delay time.Duration) {
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-b.done:
				return
			}
		}
		select {
		case q <- d:
		case <-b.done:
		}
	}()
}

// DeadLetters returns the messages given up on for queue.
func (b *MemoryBus) DeadLetters(queue string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.dead[queue]...)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
