package bus

import (
	"context"
	"sync"

	"tourflow/internal/sharding"
)

type job struct {
	ctx context.Context
	run func(context.Context)
}

// Dispatcher runs jobs on a fixed set of workers. Jobs submitted with the same
// key always run on the same worker, in submission order.
type Dispatcher struct {
	queues []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{queues: make([]chan job, workers)}
	for i := range d.queues {
		q := make(chan job, queueSize)
		d.queues[i] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range q {
				j.run(j.ctx)
			}
		}()
	}
	return d
}

// Submit queues fn behind earlier jobs for the same key. It blocks while the
// worker's queue is full. fn receives a context that carries ctx's values but
// is not cancelled with it, so accepted work always runs to completion.
func (d *Dispatcher) Submit(ctx context.Context, key string, fn func(context.Context)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	q := d.queues[sharding.ShardFor(key, len(d.queues))]
	select {
	case q <- job{ctx: context.WithoutCancel(ctx), run: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
