// Package workers runs request handlers off the dispatch loop on a fixed set
// of goroutines fed by a bounded or unbounded queue.
package workers

import (
	"context"
	"sync"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"go.uber.org/zap"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024

	// Unbounded as a queue size makes Submit accept every task.
	Unbounded = -1
)

// Task is one unit of work. The context is cancelled only if Close gives up
// waiting for the queue to drain.
type Task func(ctx context.Context)

// Pool is a worker pool. Submit never blocks: with a bounded queue, a full
// queue is reported as pulsar.ErrQueueFull.
type Pool struct {
	logger   *zap.Logger
	workers  int
	capacity int // 0 when unbounded
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ready     *sync.Cond
	queue     []Task
	closed    bool
	closeOnce sync.Once
}

// NewPool creates a pool with the given number of workers and queue capacity.
// A queue size of Unbounded (or any negative value) never rejects; other
// non-positive values fall back to the defaults. Call Start before Submit.
//
// Example:
//
//	pool := workers.NewPool(8, 256, logger).Start()
//	defer pool.Close(ctx) // waits for queued tasks to finish
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	switch {
	case queueSize < 0:
		queueSize = 0
	case queueSize == 0:
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:   logger,
		workers:  workers,
		capacity: queueSize,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.ready = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines and returns the pool for chaining.
func (p *Pool) Start() *Pool {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// work runs queued tasks until the pool is closed and the queue is empty.
func (p *Pool) work() {
	defer p.wg.Done()

	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(task)
	}
}

func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.ready.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task, true
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker task panicked", zap.Any("panic", r))
		}
	}()
	task(p.ctx)
}

// Submit queues task and returns immediately.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return pulsar.ErrPoolClosed
	}
	if p.capacity > 0 && len(p.queue) >= p.capacity {
		return pulsar.ErrQueueFull
	}

	p.queue = append(p.queue, task)
	p.ready.Signal()
	return nil
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish. If ctx ends first, running tasks see their context cancelled and
// Close returns ctx.Err() without waiting further.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.ready.Broadcast()
	})

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool did not drain before shutdown deadline",
			zap.Int("queued", p.QueueSize()))
		p.cancel()
		return ctx.Err()
	}
}

// QueueSize returns the current number of queued tasks.
func (p *Pool) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// QueueCapacity returns the maximum capacity of the queue, or 0 when it is
// unbounded.
func (p *Pool) QueueCapacity() int {
	return p.capacity
}

// IsClosed returns true once Close has been called.
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
