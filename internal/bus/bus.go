package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a bus that has been closed.
var ErrClosed = errors.New("bus closed")

// Delivery is one attempt at handing a message to a handler.
type Delivery struct {
	ID      string
	Queue   string
	Key     string
	Body    []byte
	Attempt int
}

// Handler processes a delivery. A nil return acknowledges the message; any
// error leaves it eligible for redelivery.
type Handler func(ctx context.Context, d Delivery) error

type Publisher interface {
	Publish(ctx context.Context, queue, key string, body []byte) error
}

// Consumer delivers messages from queue to h until ctx is cancelled.
// Consume returns only after every in-flight handler has finished.
type Consumer interface {
	Consume(ctx context.Context, queue string, h Handler) error
}

type Bus interface {
	Publisher
	Consumer
	Close() error
}
