package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tourflow/internal/observability"
)

// RedisStreamsOptions configures the consumer-group behaviour.
type RedisStreamsOptions struct {
	Group                string
	Consumer             string
	BatchSize            int
	BlockTime            time.Duration
	ClaimMinIdle         time.Duration
	PendingCheckInterval time.Duration
	MaxDeliveries        int
	MaxLen               int64
	Workers              int
	QueueSize            int
}

var DefaultRedisStreamsOptions = RedisStreamsOptions{
	Group:                "tourflow",
	Consumer:             "tourflow-1",
	BatchSize:            16,
	BlockTime:            2 * time.Second,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 15 * time.Second,
	MaxDeliveries:        5,
	MaxLen:               100000,
	Workers:              8,
	QueueSize:            64,
}

const (
	fieldKey  = "key"
	fieldData = "data"
)

// RedisStreams maps each queue onto a Redis stream read through a consumer
// group. Entries stay pending until their handler succeeds; pending entries
// idle for ClaimMinIdle are reclaimed and redelivered, and entries delivered
// more than MaxDeliveries times move to "<queue>:dlq".
type RedisStreams struct {
	client  redis.Cmdable
	opts    RedisStreamsOptions
	log     zerolog.Logger
	metrics *observability.Metrics

	// ids currently being handled by this process; never reclaimed from under a worker.
	inflight sync.Map
}

func NewRedisStreams(client redis.Cmdable, opts RedisStreamsOptions, log zerolog.Logger, metrics *observability.Metrics) *RedisStreams {
	def := DefaultRedisStreamsOptions
	if opts.Group == "" {
		opts.Group = def.Group
	}
	if opts.Consumer == "" {
		opts.Consumer = def.Consumer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = def.BlockTime
	}
	if opts.ClaimMinIdle < 0 {
		opts.ClaimMinIdle = def.ClaimMinIdle
	}
	if opts.PendingCheckInterval <= 0 {
		opts.PendingCheckInterval = def.PendingCheckInterval
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = def.MaxDeliveries
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	return &RedisStreams{client: client, opts: opts, log: log, metrics: metrics}
}

func (r *RedisStreams) Publish(ctx context.Context, queue, key string, body []byte) error {
	args := &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{
			fieldKey:  key,
			fieldData: string(body),
		},
	}
	if r.opts.MaxLen > 0 {
		args.MaxLen = r.opts.MaxLen
		args.Approx = true
	}
	_, err := r.client.XAdd(ctx, args).Result()
	r.metrics.MessagePublished(queue, err)
	if err != nil {
		return fmt.Errorf("xadd %s: %w", queue, err)
	}
	return nil
}

func (r *RedisStreams) ensureGroup(ctx context.Context, queue string) error {
	err := r.client.XGroupCreateMkStream(ctx, queue, r.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", r.opts.Group, queue, err)
	}
	return nil
}

// Consume reads new entries for this consumer and periodically reclaims idle
// pending ones. It returns nil after ctx is cancelled and in-flight handlers
// have finished.
func (r *RedisStreams) Consume(ctx context.Context, queue string, h Handler) error {
	if err := r.ensureGroup(ctx, queue); err != nil {
		return err
	}

	disp := NewDispatcher(r.opts.Workers, r.opts.QueueSize)
	defer disp.Close()

	if err := r.processPending(ctx, queue, h, disp); err != nil && ctx.Err() == nil {
		return fmt.Errorf("process pending: %w", err)
	}

	pendingTicker := time.NewTicker(r.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pendingTicker.C:
			if err := r.processPending(ctx, queue, h, disp); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Str("queue", queue).Msg("process pending failed")
			}
		default:
		}

		results, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			Streams:  []string{queue, ">"},
			Count:    int64(r.opts.BatchSize),
			Block:    r.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xreadgroup %s: %w", queue, err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := r.dispatch(ctx, queue, m, 1, h, disp); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.log.Error().Err(err).Str("queue", queue).Str("id", m.ID).Msg("dispatch failed")
				}
			}
		}
	}
}

func (r *RedisStreams) dispatch(ctx context.Context, queue string, m redis.XMessage, attempt int, h Handler, disp *Dispatcher) error {
	data, ok := m.Values[fieldData].(string)
	if !ok {
		r.log.Warn().Str("queue", queue).Str("id", m.ID).Msg("dropping entry without data field")
		return r.client.XAck(ctx, queue, r.opts.Group, m.ID).Err()
	}
	key, _ := m.Values[fieldKey].(string)
	d := Delivery{ID: m.ID, Queue: queue, Key: key, Body: []byte(data), Attempt: attempt}

	if _, busy := r.inflight.LoadOrStore(m.ID, struct{}{}); busy {
		return nil
	}
	err := disp.Submit(ctx, key, func(jctx context.Context) {
		defer r.inflight.Delete(m.ID)
		herr := h(jctx, d)
		r.metrics.MessageHandled(queue, herr)
		if herr != nil {
			r.log.Warn().Err(herr).Str("queue", queue).Str("id", m.ID).Str("key", key).Int("attempt", attempt).Msg("handler failed, entry left pending")
			return
		}
		if aerr := r.client.XAck(jctx, queue, r.opts.Group, m.ID).Err(); aerr != nil {
			r.log.Error().Err(aerr).Str("queue", queue).Str("id", m.ID).Msg("ack failed")
		}
	})
	if err != nil {
		r.inflight.Delete(m.ID)
	}
	return err
}

func (r *RedisStreams) processPending(ctx context.Context, queue string, h Handler, disp *Dispatcher) error {
	start := "-"
	for {
		pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: queue,
			Group:  r.opts.Group,
			Start:  start,
			End:    "+",
			Count:  int64(r.opts.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending %s: %w", queue, err)
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]string, 0, len(pending))
		counts := make(map[string]int64, len(pending))
		for _, p := range pending {
			if p.Idle < r.opts.ClaimMinIdle {
				continue
			}
			if _, busy := r.inflight.Load(p.ID); busy {
				continue
			}
			ids = append(ids, p.ID)
			counts[p.ID] = p.RetryCount
		}

		if len(ids) > 0 {
			messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   queue,
				Group:    r.opts.Group,
				Consumer: r.opts.Consumer,
				MinIdle:  r.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim %s: %w", queue, err)
			}
			for _, m := range messages {
				delivered := counts[m.ID]
				if delivered >= int64(r.opts.MaxDeliveries) {
					if err := r.deadLetter(ctx, queue, m, delivered); err != nil {
						r.log.Error().Err(err).Str("queue", queue).Str("id", m.ID).Msg("dead-letter failed")
					}
					continue
				}
				if err := r.dispatch(ctx, queue, m, int(delivered)+1, h, disp); err != nil {
					return err
				}
			}
		}

		if len(pending) < r.opts.BatchSize {
			return nil
		}
		start = "(" + pending[len(pending)-1].ID
	}
}

func (r *RedisStreams) deadLetter(ctx context.Context, queue string, m redis.XMessage, delivered int64) error {
	_, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue + ":dlq",
		Values: map[string]interface{}{
			"stream":   queue,
			"msgId":    m.ID,
			"reason":   fmt.Sprintf("max deliveries exceeded: %d", delivered),
			fieldKey:   m.Values[fieldKey],
			fieldData:  m.Values[fieldData],
			"tsMs":     time.Now().UnixMilli(),
			"group":    r.opts.Group,
			"consumer": r.opts.Consumer,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	r.metrics.MessageDeadLettered(queue)
	r.log.Error().Str("queue", queue).Str("id", m.ID).Int64("deliveries", delivered).Msg("entry moved to dead-letter stream")
	return r.client.XAck(ctx, queue, r.opts.Group, m.ID).Err()
}

func (r *RedisStreams) Close() error {
	return nil
}
