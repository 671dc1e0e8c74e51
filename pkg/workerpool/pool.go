// Package workerpool provides a bounded worker pool for alert delivery.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when no queue slot is free
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("pool is shutting down")

// Task is a unit of work
type Task func(ctx context.Context) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts for a failing task
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for webhook fan-out
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx    context.Context
	name   string
	task   Task
	result chan error
}

// Pool runs submitted tasks on a fixed number of workers
type Pool struct {
	config Config
	logger *zap.Logger

	jobs chan *job
	wg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	completed int64
	failed    int64
	retried   int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Pool{
		config: cfg,
		logger: logger,
		jobs:   make(chan *job, cfg.QueueSize),
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task. The returned channel receives the task's final
// error (nil on success) exactly once.
func (p *Pool) Submit(ctx context.Context, name string, task Task) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	j := &job{ctx: ctx, name: name, task: task, result: make(chan error, 1)}
	select {
	case p.jobs <- j:
		return j.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Run submits every task and waits for all of them. The errors of failed
// tasks are joined.
func (p *Pool) Run(ctx context.Context, tasks map[string]Task) error {
	results := make(map[string]<-chan error, len(tasks))
	var errs []error
	for name, task := range tasks {
		ch, err := p.Submit(ctx, name, task)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		results[name] = ch
	}
	for name, ch := range results {
		select {
		case err := <-ch:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// Stop drains the queue and waits for workers up to the shutdown timeout
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		err := p.process(j)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task", j.name),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		j.result <- err
	}
}

func (p *Pool) process(j *job) error {
	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if cerr := j.ctx.Err(); cerr != nil {
			return cerr
		}
		if err = j.task(j.ctx); err == nil {
			return nil
		}
		if attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task", j.name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-j.ctx.Done():
			return j.ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
}

// Stats holds pool counters
type Stats struct {
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int
	Workers    int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Completed:  atomic.LoadInt64(&p.completed),
		Failed:     atomic.LoadInt64(&p.failed),
		Retried:    atomic.LoadInt64(&p.retried),
		QueueDepth: len(p.jobs),
		Workers:    p.config.Workers,
	}
}
