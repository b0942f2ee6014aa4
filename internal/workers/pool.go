// Package workers provides a bounded worker pool for candidate evaluations.
// One pool is shared by every concurrent search so the total number of
// running evaluations never exceeds NumWorkers.
package workers

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	busy    atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns one worker per CPU. Evaluations are CPU bound.
func DefaultPoolConfig(name string) *PoolConfig {
	numCPU := runtime.NumCPU()
	return &PoolConfig{
		Name:            name,
		NumWorkers:      numCPU,
		QueueSize:       numCPU * 4,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks pool performance
type PoolMetrics struct {
	mu sync.Mutex

	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	PanicRecovered int64

	// ring buffer of recent latencies
	latencies   []int64
	latencyIdx  int
	latencyFull bool

	startTime time.Time
}

// NewPoolMetrics creates a new metrics tracker
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies: make([]int64, 4096),
		startTime: time.Now(),
	}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.latencyIdx] = d.Nanoseconds()
	m.latencyIdx = (m.latencyIdx + 1) % len(m.latencies)
	if m.latencyIdx == 0 {
		m.latencyFull = true
	}
}

// P99Latency returns the 99th percentile of recent task latencies.
func (m *PoolMetrics) P99Latency() time.Duration {
	m.mu.Lock()
	filled := m.latencyIdx
	if m.latencyFull {
		filled = len(m.latencies)
	}
	sorted := make([]int64, filled)
	copy(sorted, m.latencies[:filled])
	m.mu.Unlock()

	if filled == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// Throughput returns completed tasks per second since the pool was created.
func (m *PoolMetrics) Throughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.TasksCompleted)) / elapsed
}

// Stats returns current metrics
func (m *PoolMetrics) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&m.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&m.TasksFailed),
		PanicRecovered: atomic.LoadInt64(&m.PanicRecovered),
		P99Latency:     m.P99Latency(),
		Throughput:     m.Throughput(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasksSubmitted"`
	TasksCompleted int64         `json:"tasksCompleted"`
	TasksFailed    int64         `json:"tasksFailed"`
	PanicRecovered int64         `json:"panicRecovered"`
	Busy           int64         `json:"busy"`
	P99Latency     time.Duration `json:"p99Latency"`
	Throughput     float64       `json:"throughput"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool. Call Start before submitting.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   NewPoolMetrics(),
	}
}

// Start initializes and starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("Starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(logger, task)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	start := time.Now()

	err := func() (err error) {
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&p.metrics.PanicRecovered, 1)
					logger.Error("Worker recovered from panic", zap.Any("panic", r))
					err = &PanicError{Recovered: r}
				}
			}()
		}
		return task.Execute()
	}()

	p.metrics.RecordLatency(time.Since(start))
	if err != nil {
		atomic.AddInt64(&p.metrics.TasksFailed, 1)
		logger.Debug("Task failed", zap.Error(err))
		return
	}
	atomic.AddInt64(&p.metrics.TasksCompleted, 1)
}

// Submit queues a task, blocking while the queue is full. It returns the
// context error if ctx ends first.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(ctx context.Context, fn func() error) error {
	return p.Submit(ctx, TaskFunc(fn))
}

// Stop gracefully shuts down the pool. Queued tasks that have not started
// are dropped.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("Stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.config.Name }

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.config.NumWorkers }

// QueueLength returns the current number of queued tasks
func (p *Pool) QueueLength() int {
	return len(p.taskQueue)
}

// Busy returns the number of workers executing a task.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	s := p.metrics.Stats()
	s.Busy = p.busy.Load()
	return s
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return "panic recovered"
}
