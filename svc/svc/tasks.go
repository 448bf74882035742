package svc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pastebin/metrics"
	"pastebin/svc/util"
)

const defaultTaskTimeout = 5 * time.Second

// Task is one unit of background work. Errors are logged, never returned
// to whoever submitted it.
type Task func(ctx context.Context) error

type queuedTask struct {
	name string
	fn   Task
}

// Dispatcher runs side effects off the request path on a fixed pool of
// workers fed by a bounded queue.
type Dispatcher struct {
	queue       chan queuedTask
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	timeout     time.Duration
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:       make(chan queuedTask, queueSize),
		timeout:     defaultTaskTimeout,
		shutdownCtx: ctx,
		shutdownFn:  cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit queues fn without blocking. It reports false when the queue is
// full or the dispatcher is shut down; the task is then dropped.
func (d *Dispatcher) Submit(name string, fn Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.TasksDropped.WithLabelValues(name).Inc()
		return false
	}
	select {
	case d.queue <- queuedTask{name: name, fn: fn}:
		return true
	default:
		metrics.TasksDropped.WithLabelValues(name).Inc()
		util.Warn().Str("task", name).Msg("task queue full, dropping")
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		d.run(t)
	}
}

func (d *Dispatcher) run(t queuedTask) {
	ctx, cancel := context.WithTimeout(d.shutdownCtx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskFailures.WithLabelValues(t.name).Inc()
			util.Error().Str("task", t.name).Str("panic", fmt.Sprint(r)).Msg("task panicked")
		}
	}()
	if err := t.fn(ctx); err != nil {
		metrics.TaskFailures.WithLabelValues(t.name).Inc()
		util.Warn().Err(err).Str("task", t.name).Msg("task failed")
	}
}

// Shutdown stops accepting tasks and lets workers drain the queue. Tasks
// still running after wait have their context cancelled, and workers that
// outlast a second wait are abandoned.
func (d *Dispatcher) Shutdown(wait time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		util.Warn().Int("pending", len(d.queue)).Msg("task workers didn't stop in time")
		d.shutdownFn()
		select {
		case <-done:
		case <-time.After(wait):
			util.Error().Msg("task workers ignored cancellation, abandoning them")
		}
	}
	d.shutdownFn()
}
