package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nimbus-kvm-orchestrator/internal/dispatch"
	"nimbus-kvm-orchestrator/internal/model"
)

const (
	defaultCooldown   = 30 * time.Second
	defaultRetryDelay = 5 * time.Second
	maxRetries        = 3
)

// VMController is the slice of the manager the executor drives.
type VMController interface {
	ScaleCPU(ctx context.Context, name string, vcpus uint) error
	ScaleMemory(ctx context.Context, name string, mib uint64) error
	Migrate(ctx context.Context, name, destURI string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
}

type workItem struct {
	decision model.Decision
	attempt  int
}

// Executor drains decisions through a single worker, enforcing a
// per-VM execution cooldown so one noisy VM cannot thrash itself.
type Executor struct {
	ctrl       VMController
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	destURI    string
	cooldown   time.Duration
	retryDelay time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []workItem
	stopped bool
	lastRun map[string]time.Time
}

// ExecutorParams configures the executor. DestURI is the migration
// target used for Migrate decisions. Retries are re-queued through the
// dispatcher's delayed timer when one is wired.
type ExecutorParams struct {
	Controller VMController
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	DestURI    string
	Cooldown   time.Duration
	RetryDelay time.Duration
}

func NewExecutor(p ExecutorParams) *Executor {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Cooldown <= 0 {
		p.Cooldown = defaultCooldown
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = defaultRetryDelay
	}
	x := &Executor{
		ctrl:       p.Controller,
		dispatcher: p.Dispatcher,
		logger:     p.Logger,
		destURI:    p.DestURI,
		cooldown:   p.Cooldown,
		retryDelay: p.RetryDelay,
		lastRun:    map[string]time.Time{},
	}
	x.cond = sync.NewCond(&x.mu)
	return x
}

// Submit queues one decision. Non-actionable decisions and submissions
// after shutdown are dropped.
func (x *Executor) Submit(d model.Decision) {
	if !d.Actionable() {
		return
	}
	x.enqueue(workItem{decision: d})
}

func (x *Executor) enqueue(it workItem) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		x.logger.Warn("decision dropped, executor stopped", "vm", it.decision.VMName, "action", it.decision.Action)
		return
	}
	x.queue = append(x.queue, it)
	x.cond.Signal()
}

// Run drains the queue until ctx is cancelled.
func (x *Executor) Run(ctx context.Context) error {
	unhook := context.AfterFunc(ctx, func() {
		x.mu.Lock()
		x.stopped = true
		x.cond.Broadcast()
		x.mu.Unlock()
	})
	defer unhook()

	for {
		x.mu.Lock()
		for len(x.queue) == 0 && !x.stopped {
			x.cond.Wait()
		}
		if x.stopped {
			x.mu.Unlock()
			return ctx.Err()
		}
		it := x.queue[0]
		x.queue = x.queue[1:]
		x.mu.Unlock()

		x.execute(ctx, it)
	}
}

func (x *Executor) execute(ctx context.Context, it workItem) {
	d := it.decision

	// Retries continue an already-admitted execution; only fresh
	// decisions are subject to the cooldown.
	if it.attempt == 0 {
		x.mu.Lock()
		if last, ok := x.lastRun[d.VMName]; ok && time.Since(last) < x.cooldown {
			x.mu.Unlock()
			x.logger.Info("decision skipped by cooldown", "vm", d.VMName, "action", d.Action, "resource", d.Resource)
			return
		}
		x.lastRun[d.VMName] = time.Now()
		x.mu.Unlock()
	}

	err := x.dispatch(ctx, d)
	if err == nil {
		x.logger.Info("decision executed",
			"vm", d.VMName,
			"action", d.Action,
			"resource", d.Resource,
			"amount", d.Amount,
			"confidence", d.Confidence,
			"attempt", it.attempt)
		return
	}

	if it.attempt >= maxRetries {
		x.logger.Error("decision dropped after retries", "vm", d.VMName, "action", d.Action, "error", err)
		return
	}
	x.logger.Warn("decision failed, will retry", "vm", d.VMName, "action", d.Action, "attempt", it.attempt, "error", err)
	requeue := func() {
		x.enqueue(workItem{decision: d, attempt: it.attempt + 1})
	}
	if x.dispatcher != nil {
		x.dispatcher.SubmitAfter(x.retryDelay, requeue)
		return
	}
	time.AfterFunc(x.retryDelay, requeue)
}

func (x *Executor) dispatch(ctx context.Context, d model.Decision) error {
	switch d.Action {
	case model.ActionScaleUp, model.ActionScaleDown:
		switch d.Resource {
		case model.ResourceCPU:
			return x.ctrl.ScaleCPU(ctx, d.VMName, uint(d.Amount))
		case model.ResourceMemory:
			return x.ctrl.ScaleMemory(ctx, d.VMName, d.Amount)
		default:
			// No direct actuator for io/network budgets; the decision
			// still reached telemetry and history.
			x.logger.Info("advisory decision, no actuator", "vm", d.VMName, "resource", d.Resource, "amount", d.Amount)
			return nil
		}
	case model.ActionMigrate:
		if x.destURI == "" {
			return fmt.Errorf("no migration destination configured")
		}
		return x.ctrl.Migrate(ctx, d.VMName, x.destURI)
	case model.ActionSuspend:
		return x.ctrl.Pause(ctx, d.VMName)
	case model.ActionResume:
		return x.ctrl.Resume(ctx, d.VMName)
	case model.ActionMaintain:
		return nil
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}
