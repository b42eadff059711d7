package backends

import (
	"context"
	"sync"
)

// DefaultQueue is the task queue used when none is configured.
const DefaultQueue = "flowgraph:tasks"

// Transport moves encoded tasks to workers and their replies back.
type Transport interface {
	// Dispatch enqueues a task payload on queue.
	Dispatch(ctx context.Context, queue string, payload []byte) error
	// Receive blocks until a task payload is available on queue.
	Receive(ctx context.Context, queue string) ([]byte, error)
	// Reply publishes the outcome of a task.
	Reply(ctx context.Context, taskID string, payload []byte) error
	// Await blocks until the outcome of a task is published.
	Await(ctx context.Context, taskID string) ([]byte, error)
}

// Loopback is an in-process Transport. Workers and executors sharing one
// Loopback behave like they would across a broker.
type Loopback struct {
	mu        sync.Mutex
	queues    map[string]chan []byte
	replies   map[string]chan []byte
	abandoned map[string]struct{}
	buffer    int
}

// NewLoopback creates a Loopback whose queues hold up to buffer payloads.
func NewLoopback(buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Loopback{
		queues:    make(map[string]chan []byte),
		replies:   make(map[string]chan []byte),
		abandoned: make(map[string]struct{}),
		buffer:    buffer,
	}
}

func (l *Loopback) queue(name string) chan []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[name]
	if !ok {
		q = make(chan []byte, l.buffer)
		l.queues[name] = q
	}
	return q
}

// reply returns the reply slot for a task, or nil if nobody waits for it
// any more.
func (l *Loopback) reply(taskID string) chan []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, gone := l.abandoned[taskID]; gone {
		return nil
	}
	r, ok := l.replies[taskID]
	if !ok {
		r = make(chan []byte, 1)
		l.replies[taskID] = r
	}
	return r
}

func (l *Loopback) Dispatch(ctx context.Context, queue string, payload []byte) error {
	select {
	case l.queue(queue) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Receive(ctx context.Context, queue string) ([]byte, error) {
	select {
	case payload := <-l.queue(queue):
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loopback) Reply(ctx context.Context, taskID string, payload []byte) error {
	r := l.reply(taskID)
	if r == nil {
		l.mu.Lock()
		delete(l.abandoned, taskID)
		l.mu.Unlock()
		return nil
	}
	select {
	case r <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Await(ctx context.Context, taskID string) ([]byte, error) {
	r := l.reply(taskID)
	select {
	case payload := <-r:
		l.mu.Lock()
		delete(l.replies, taskID)
		l.mu.Unlock()
		return payload, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.replies, taskID)
		l.abandoned[taskID] = struct{}{}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}
