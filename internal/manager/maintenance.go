package manager

import (
	"context"
	"time"

	"nimbus-kvm-orchestrator/internal/store"
	"nimbus-kvm-orchestrator/internal/vm"
)

// Maintain runs one reconciliation sweep: crashed guests are restarted
// and snapshots past the retention window are expired. retention <= 0
// disables expiry.
func (m *Manager) Maintain(ctx context.Context, retention time.Duration) {
	for _, name := range m.Names() {
		m.maintainVM(ctx, name, retention)
	}
}

func (m *Manager) maintainVM(ctx context.Context, name string, retention time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return
	}

	state, err := machine.Refresh(ctx)
	if err != nil {
		m.logger.Warn("maintenance refresh failed", "vm", name, "error", err)
		return
	}

	if state == vm.StateCrashed {
		m.logger.Warn("restarting crashed vm", "vm", name)
		if err := machine.Destroy(ctx); err != nil {
			m.logger.Error("crash cleanup failed", "vm", name, "error", err)
			return
		}
		if err := machine.Start(ctx); err != nil {
			m.logger.Error("crash restart failed", "vm", name, "error", err)
			return
		}
		m.logger.Info("crashed vm restarted", "vm", name)
	}

	if retention > 0 {
		m.expireSnapshots(ctx, machine, retention)
	}
}

func (m *Manager) expireSnapshots(ctx context.Context, machine *vm.VM, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	for _, snap := range machine.Snapshots() {
		if snap.CreatedAt.IsZero() || !snap.CreatedAt.Before(cutoff) {
			continue
		}
		if err := machine.SnapshotDelete(ctx, snap.Name); err != nil {
			m.logger.Warn("expire snapshot failed", "vm", machine.Name(), "snapshot", snap.Name, "error", err)
			continue
		}
		if err := m.store.Delete(store.SnapshotKey(machine.ID(), snap.Name)); err != nil {
			m.logger.Warn("drop snapshot record failed", "vm", machine.Name(), "snapshot", snap.Name, "error", err)
		}
		m.logger.Info("snapshot expired", "vm", machine.Name(), "snapshot", snap.Name)
	}
}
