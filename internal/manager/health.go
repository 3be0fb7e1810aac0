package manager

import (
	"context"
	"sync"
	"time"

	"nimbus-kvm-orchestrator/internal/dispatch"
	"nimbus-kvm-orchestrator/internal/vm"
)

// HealthCheck is the cancellation handle for one VM's periodic state
// refresh. After Cancel returns, at most one already-queued tick can
// still run; the chain never re-arms.
type HealthCheck struct {
	mu      sync.Mutex
	stopped bool
	timer   *dispatch.Timer
}

// Cancel stops the re-arm chain.
func (h *HealthCheck) Cancel() {
	h.mu.Lock()
	h.stopped = true
	t := h.timer
	h.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// ScheduleHealthCheck refreshes the named VM's state every interval on
// the dispatcher. The chain stops on its own when the VM leaves the
// registry.
func (m *Manager) ScheduleHealthCheck(ctx context.Context, name string, interval time.Duration) *HealthCheck {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hc := &HealthCheck{}
	var arm func()
	arm = func() {
		hc.mu.Lock()
		defer hc.mu.Unlock()
		if hc.stopped {
			return
		}
		hc.timer = m.dispatcher.SubmitAfter(interval, func() {
			if m.healthTick(ctx, name) {
				arm()
			}
		})
	}
	arm()
	return hc
}

// healthTick refreshes one VM and reports whether the chain should
// keep running.
func (m *Manager) healthTick(ctx context.Context, name string) bool {
	m.mu.Lock()
	machine, err := m.lookup(name)
	m.mu.Unlock()
	if err != nil {
		return false
	}

	prev := machine.State()
	next, err := machine.Refresh(ctx)
	if err != nil {
		m.logger.Warn("health check refresh failed", "vm", name, "error", err)
		return true
	}
	if next != prev {
		m.logger.Info("vm state changed", "vm", name, "from", prev, "to", next)
	}
	if next == vm.StateCrashed {
		m.logger.Error("vm crashed", "vm", name)
	}
	if next == vm.StateUndefined {
		m.logger.Warn("vm disappeared from hypervisor", "vm", name)
		return false
	}
	return true
}
