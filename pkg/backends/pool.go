package backends

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
)

// Pool runs tasks on a bounded set of goroutines. One Pool may serve many
// concurrent executions; it cannot be reused after Close.
type Pool struct {
	mu         sync.Mutex
	pool       *pool.Pool
	maxWorkers int
	closed     bool
	// submitting counts Submit calls between the closed check and pool.Go.
	submitting sync.WaitGroup
	logger     *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool running at most maxWorkers tasks at once.
func NewPool(maxWorkers int, opts ...PoolOption) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	p := &Pool{
		pool:       pool.New().WithMaxGoroutines(maxWorkers),
		maxWorkers: maxWorkers,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit schedules task. It blocks while every worker is busy.
func (p *Pool) Submit(ctx context.Context, task *flowgraph.Task) (flowgraph.Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.submitting.Add(1)
	p.mu.Unlock()
	defer p.submitting.Done()

	taskCtx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)
	p.pool.Go(func() {
		defer cancel()
		f.complete(runLocal(taskCtx, task))
	})
	p.logger.Debug("task scheduled",
		zap.String("task_id", task.ID),
		zap.String("group", task.Group),
		zap.Stringer("branch", task.Branch))
	return f, nil
}

// Close waits for every scheduled task.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.submitting.Wait()
	p.pool.Wait()
	return nil
}
