// Package task runs best-effort side effects off the request path.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/metrics"
)

const (
	DefaultWorkers = 8
	DefaultTimeout = 30 * time.Second
	queueFactor    = 16
)

// Func is a unit of background work.
type Func func(ctx context.Context) error

// Failure is a task error reported on the Errors channel.
type Failure struct {
	Name string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("task %s: %v", f.Name, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Runner executes tasks on a bounded pool of goroutines. Each task gets its
// own timeout and is detached from the submitter's cancellation. Failures are
// counted and published on Errors for the owner to report.
type Runner struct {
	queue    chan job
	errs     chan Failure
	errsOnce sync.Once
	timeout  time.Duration
	logger   *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type job struct {
	name string
	fn   Func
}

// NewRunner starts a runner with the given worker count and per-task timeout.
func NewRunner(workers int, timeout time.Duration, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		queue:   make(chan job, workers*queueFactor),
		errs:    make(chan Failure, workers*queueFactor),
		timeout: timeout,
		logger:  logger,
		base:    base,
		cancel:  cancel,
	}
	for range workers {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Go schedules fn under name. It reports false when the runner is stopped or
// the queue is full; the task is then skipped and counted as dropped.
func (r *Runner) Go(name string, fn Func) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.BackgroundTasks.WithLabelValues(name, "dropped").Inc()
		return false
	}
	select {
	case r.queue <- job{name: name, fn: fn}:
		return true
	default:
		metrics.BackgroundTasks.WithLabelValues(name, "dropped").Inc()
		r.logger.Warn("task queue full, dropping task", zap.String("task", name))
		return false
	}
}

// Errors returns the channel task failures are published on. It is closed
// once Stop has waited for the workers. Failures are discarded when the
// channel is full.
func (r *Runner) Errors() <-chan Failure {
	return r.errs
}

// Stop stops accepting tasks, waits for queued ones to finish or ctx to
// expire, and cancels whatever is still running.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.cancel()
	<-done
	r.errsOnce.Do(func() { close(r.errs) })
	return err
}

func (r *Runner) work() {
	defer r.wg.Done()
	for j := range r.queue {
		r.run(j)
	}
}

func (r *Runner) run(j job) {
	ctx, cancel := context.WithTimeout(r.base, r.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return j.fn(ctx)
	}()

	if err == nil {
		metrics.BackgroundTasks.WithLabelValues(j.name, "ok").Inc()
		return
	}
	metrics.BackgroundTasks.WithLabelValues(j.name, "error").Inc()
	select {
	case r.errs <- Failure{Name: j.name, Err: err}:
	default:
		r.logger.Warn("task failure not reported, error channel full",
			zap.String("task", j.name),
			zap.Error(err))
	}
}
