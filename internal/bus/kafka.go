package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"tourflow/internal/observability"
)

type KafkaOptions struct {
	Brokers       []string
	GroupID       string
	MaxDeliveries int
	RetryBackoff  time.Duration
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka maps each queue onto a topic. Messages are keyed by saga id so a
// saga's messages share a partition. Offsets are committed only after the
// handler succeeds or the message has been requeued or copied to
// "<queue>.dlq".
type Kafka struct {
	opts      KafkaOptions
	writer    kafkaWriter
	newReader func(topic string) kafkaReader
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewKafka(opts KafkaOptions, log zerolog.Logger, metrics *observability.Metrics) *Kafka {
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{
		opts:   opts,
		writer: writer,
		newReader: func(topic string) kafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: opts.Brokers,
				Topic:   topic,
				GroupID: opts.GroupID,
			})
		},
		log:     log,
		metrics: metrics,
	}
}

func (k *Kafka) Publish(ctx context.Context, queue, key string, body []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: queue,
		Key:   []byte(key),
		Value: body,
	})
	k.metrics.MessagePublished(queue, err)
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", queue, err)
	}
	return nil
}

const (
	headerAttempt   = "attempt"
	headerNotBefore = "not-before"
	headerOrigin    = "origin"
)

// Consume handles one message at a time so offsets are committed in order.
// A failing message is written back to the tail of its topic with a bumped
// attempt header, so other sagas on the partition keep moving while it waits
// out RetryBackoff. After MaxDeliveries it goes to "<queue>.dlq". The source
// offset is committed only once the message was handled or handed off; on
// shutdown before that, it is left uncommitted for the next consumer.
func (k *Kafka) Consume(ctx context.Context, queue string, h Handler) error {
	reader := k.newReader(queue)
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Error().Err(err).Str("queue", queue).Msg("kafka fetch failed")
			if err := sleepCtx(ctx, k.opts.RetryBackoff); err != nil {
				return nil
			}
			continue
		}

		if err := k.handle(ctx, queue, msg, h); err != nil {
			k.log.Warn().Err(err).Str("queue", queue).Int64("offset", msg.Offset).Msg("message left uncommitted")
			return nil
		}
		if err := reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			k.log.Error().Err(err).Str("queue", queue).Int64("offset", msg.Offset).Msg("kafka commit failed")
		}
	}
}

// handle returns an error only when ctx ended before the message was
// handled or forwarded.
func (k *Kafka) handle(ctx context.Context, queue string, msg kafka.Message, h Handler) error {
	d, notBefore := kafkaDelivery(queue, msg)
	if wait := time.Until(notBefore); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	// Once started, the handler finishes even if shutdown begins.
	herr := h(context.WithoutCancel(ctx), d)
	k.metrics.MessageHandled(queue, herr)
	if herr == nil {
		return nil
	}
	k.log.Warn().Err(herr).Str("queue", queue).Str("key", d.Key).Int("attempt", d.Attempt).Msg("handler failed")

	if d.Attempt < k.opts.MaxDeliveries {
		notBefore := time.Now().Add(k.opts.RetryBackoff).UnixMilli()
		return k.forward(ctx, kafka.Message{
			Topic: queue,
			Key:   msg.Key,
			Value: msg.Value,
			Headers: []kafka.Header{
				{Key: headerOrigin, Value: []byte(d.ID)},
				{Key: headerAttempt, Value: []byte(strconv.Itoa(d.Attempt + 1))},
				{Key: headerNotBefore, Value: []byte(strconv.FormatInt(notBefore, 10))},
			},
		})
	}

	err := k.forward(ctx, kafka.Message{
		Topic: queue + ".dlq",
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(herr.Error())},
			{Key: "source-offset", Value: []byte(d.ID)},
			{Key: headerAttempt, Value: []byte(strconv.Itoa(d.Attempt))},
		},
	})
	if err != nil {
		return err
	}
	k.metrics.MessageDeadLettered(queue)
	return nil
}

// forward keeps writing msg until the broker takes it or ctx ends.
func (k *Kafka) forward(ctx context.Context, msg kafka.Message) error {
	for {
		err := k.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		k.log.Error().Err(err).Str("topic", msg.Topic).Msg("kafka forward failed")
		if err := sleepCtx(ctx, k.opts.RetryBackoff); err != nil {
			return err
		}
	}
}

// kafkaDelivery keeps the first delivery's partition-offset as the id across
// requeues so handlers can deduplicate on it.
func kafkaDelivery(queue string, msg kafka.Message) (Delivery, time.Time) {
	d := Delivery{
		ID:      fmt.Sprintf("%d-%d", msg.Partition, msg.Offset),
		Queue:   queue,
		Key:     string(msg.Key),
		Body:    msg.Value,
		Attempt: 1,
	}
	var notBefore time.Time
	for _, h := range msg.Headers {
		switch h.Key {
		case headerOrigin:
			d.ID = string(h.Value)
		case headerAttempt:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				d.Attempt = n
			}
		case headerNotBefore:
			if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				notBefore = time.UnixMilli(ms)
			}
		}
	}
	return d, notBefore
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
