// Package worker runs ingestion jobs on a bounded pool of goroutines, off the request path.
package worker

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"exam-results/internal/telemetry"
)

var (
	// ErrQueueFull is returned when every worker is busy and the queue has no room.
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("worker pool shut down")
)

// Task is one unit of background work. Its context is never cancelled by the pool.
type Task struct {
	ID  string
	Run func(ctx context.Context)
}

// Pool executes tasks with a fixed number of workers.
type Pool struct {
	workers int
	ch      chan Task
	wg      sync.WaitGroup
	once    sync.Once
	logger  *log.Entry

	mu     sync.Mutex
	closed bool
}

// Option configures a Pool.
type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan Task, n)
		}
	}
}

func WithLogger(l *log.Entry) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool starts the workers immediately.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		workers: 4,
		ch:      make(chan Task, 64),
		logger:  log.WithField("component", "worker"),
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				logger := p.logger.WithField("worker_id", workerID)
				logger.Debug("worker started")
				for task := range p.ch {
					telemetry.QueueDepthGauge.Set(float64(len(p.ch)))
					p.run(logger, task)
				}
				logger.Debug("worker stopped")
			}(i + 1)
		}
	})
}

func (p *Pool) run(logger *log.Entry, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(log.Fields{"task_id": task.ID, "panic": r}).Error("task panicked")
		}
	}()
	task.Run(context.Background())
}

// Enqueue hands task to a worker without blocking.
func (p *Pool) Enqueue(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- task:
		telemetry.QueueDepthGauge.Set(float64(len(p.ch)))
		return nil
	default:
		p.logger.WithField("task_id", task.ID).Warn("queue full, rejecting task")
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted before queue drained")
		return ctx.Err()
	case <-done:
		p.logger.Info("queue drained")
		return nil
	}
}
