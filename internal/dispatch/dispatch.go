package dispatch

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Task is one unit of work run on a dispatcher worker. Tasks may block on
// hypervisor I/O, which is why the pool always has at least two workers.
type Task func()

// Dispatcher runs tasks on a fixed worker pool over an unbounded FIFO
// queue, so Submit never blocks the producer.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	stopped bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New starts workers goroutines. A non-positive count falls back to the
// host concurrency, never below two; an explicit count is honored as
// given, so a single-worker pool runs tasks strictly in order.
func New(workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.run()
	}
	return d
}

// Submit enqueues task without blocking. Enqueue order is FIFO per
// producer. It reports false once the dispatcher is stopped.
func (d *Dispatcher) Submit(task Task) bool {
	if task == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.queue = append(d.queue, task)
	d.cond.Signal()
	return true
}

// Timer is the handle for a delayed task.
type Timer struct {
	mu        sync.Mutex
	fired     bool
	cancelled bool
	t         *time.Timer
}

// SubmitAfter enqueues task once delay has elapsed. The returned handle
// can cancel the pending fire.
func (d *Dispatcher) SubmitAfter(delay time.Duration, task Task) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(delay, func() {
		tm.mu.Lock()
		if tm.cancelled {
			tm.mu.Unlock()
			return
		}
		tm.fired = true
		tm.mu.Unlock()
		d.Submit(task)
	})
	return tm
}

// Cancel aborts the pending fire and reports whether it was prevented.
// False means the task already fired; the fired/not-fired boundary is
// atomic, so a true return guarantees the task will never run.
func (tm *Timer) Cancel() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.fired {
		return false
	}
	if !tm.cancelled {
		tm.cancelled = true
		tm.t.Stop()
	}
	return true
}

// Stop drains the queue, joins the workers and returns. Subsequent calls
// are no-ops that still wait for the drain to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.invoke(task)
	}
}

// invoke isolates task panics so one bad task cannot take down a worker.
func (d *Dispatcher) invoke(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher task panicked", "panic", r)
		}
	}()
	task()
}
