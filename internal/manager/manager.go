// Package manager owns the VM registry: it drives deploys, lifecycle
// transitions, scaling, snapshots and migration against libvirt, and keeps
// the persisted pool and store in step with what the hypervisor holds.
package manager

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"nimbus-kvm-orchestrator/internal/dispatch"
	"nimbus-kvm-orchestrator/internal/domain"
	"nimbus-kvm-orchestrator/internal/libvirt"
	"nimbus-kvm-orchestrator/internal/pool"
	"nimbus-kvm-orchestrator/internal/store"
	"nimbus-kvm-orchestrator/internal/vm"
	"nimbus-kvm-orchestrator/internal/vmerr"
)

// Manager serialises every mutating VM operation behind one lock, the
// same way a single libvirt connection serialises RPC traffic. Reads go
// through VM views and never block on in-flight operations.
type Manager struct {
	mu         sync.Mutex
	session    *libvirt.Session
	store      store.Store
	pool       *pool.Pool
	builder    *domain.Builder
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	cgroupRoot     string
	imageDir       string
	stopWait       time.Duration
	migrateTimeout time.Duration
	autostart      bool

	vms      map[string]*vm.VM
	creating map[string]struct{}
	onForget []func(name string)
}

// Params wires the manager's collaborators.
type Params struct {
	Session        *libvirt.Session
	Store          store.Store
	Pool           *pool.Pool
	Builder        *domain.Builder
	Dispatcher     *dispatch.Dispatcher
	Logger         *slog.Logger
	CgroupRoot     string
	ImageDir       string
	StopWait       time.Duration
	MigrateTimeout time.Duration
	Autostart      bool
}

func New(p Params) *Manager {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := p.Builder
	if builder == nil {
		builder = domain.NewBuilder("")
	}
	return &Manager{
		session:        p.Session,
		store:          p.Store,
		pool:           p.Pool,
		builder:        builder,
		dispatcher:     p.Dispatcher,
		logger:         logger,
		cgroupRoot:     p.CgroupRoot,
		imageDir:       p.ImageDir,
		stopWait:       p.StopWait,
		migrateTimeout: p.MigrateTimeout,
		autostart:      p.Autostart,
		vms:            make(map[string]*vm.VM),
		creating:       make(map[string]struct{}),
	}
}

func (m *Manager) lookup(name string) (*vm.VM, error) {
	machine, ok := m.vms[name]
	if !ok {
		return nil, vmerr.Errorf(vmerr.KindDomainNotFound, "manager.lookup", name, "vm %q is not managed by this host", name)
	}
	return machine, nil
}

// FindByName returns the view of a managed or in-flight VM.
func (m *Manager) FindByName(name string) (vm.View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if machine, ok := m.vms[name]; ok {
		return machine.View(), true
	}
	if _, ok := m.creating[name]; ok {
		return vm.View{Name: name, State: vm.StateCreating}, true
	}
	return vm.View{}, false
}

// ListAll returns every managed VM plus in-flight deploys, sorted by
// name so output is stable.
func (m *Manager) ListAll() []vm.View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vm.View, 0, len(m.vms)+len(m.creating))
	for _, machine := range m.vms {
		out = append(out, machine.View())
	}
	for name := range m.creating {
		if _, ok := m.vms[name]; !ok {
			out = append(out, vm.View{Name: name, State: vm.StateCreating})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists managed VM names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.vms))
	for name := range m.vms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start boots a stopped VM.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.Start(ctx)
}

// Pause freezes a running VM.
func (m *Manager) Pause(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.Pause(ctx)
}

// Resume unfreezes a paused VM.
func (m *Manager) Resume(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.Resume(ctx)
}

// Shutdown asks the guest to stop and waits for it to quiesce.
func (m *Manager) Shutdown(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.Shutdown(ctx, m.stopWait)
}

// Destroy hard-stops the VM.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.Destroy(ctx)
}

// Reboot requests an in-guest restart.
func (m *Manager) Reboot(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.Reboot(ctx)
}

// Undefine removes the domain definition and every orchestrator record,
// leaving disk images in place.
func (m *Manager) Undefine(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := machine.Undefine(ctx); err != nil {
		return err
	}
	m.forgetLocked(machine)
	return nil
}

// Delete tears a VM down end to end: graceful shutdown with a destroy
// fallback, undefine, optional disk removal, then record cleanup.
func (m *Manager) Delete(ctx context.Context, name string, removeDisks bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}

	if machine.State().Active() {
		if err := machine.Shutdown(ctx, m.stopWait); err != nil {
			if !vmerr.Is(err, vmerr.KindOperationTimeout) {
				m.logger.Warn("graceful shutdown failed, destroying", "vm", name, "error", err)
			}
			if err := machine.Destroy(ctx); err != nil {
				return err
			}
		}
	}

	if err := machine.Undefine(ctx); err != nil {
		return err
	}

	if removeDisks {
		for _, p := range machine.DiskPaths() {
			if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
				m.logger.Warn("remove vm disk failed", "vm", name, "disk", p, "error", rmErr)
			}
		}
	}

	m.forgetLocked(machine)
	m.logger.Info("vm deleted", "vm", name, "disks_removed", removeDisks)
	return nil
}

// ScaleCPU resizes the vCPU allocation after an admission check against
// node capacity.
func (m *Manager) ScaleCPU(ctx context.Context, name string, vcpus uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	client, err := m.session.Client(ctx)
	if err != nil {
		return err
	}
	cfg := machine.Config()
	if _, err := m.checkAdmission(ctx, client, admissionInput{
		excludeVM:    name,
		requestVCPU:  uint64(vcpus),
		requestRAMMB: cfg.MemoryKiB / 1024,
	}); err != nil {
		return err
	}
	return machine.ScaleCPU(ctx, vcpus)
}

// ScaleMemory resizes the memory allocation to mib MiB after an
// admission check.
func (m *Manager) ScaleMemory(ctx context.Context, name string, mib uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	client, err := m.session.Client(ctx)
	if err != nil {
		return err
	}
	cfg := machine.Config()
	if _, err := m.checkAdmission(ctx, client, admissionInput{
		excludeVM:    name,
		requestVCPU:  uint64(cfg.VCPUs),
		requestRAMMB: mib,
	}); err != nil {
		return err
	}
	return machine.ScaleMemory(ctx, mib)
}

// Migrate pushes the VM to another host. On success the domain no
// longer exists here, so every local record is dropped.
func (m *Manager) Migrate(ctx context.Context, name, destURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := machine.Migrate(ctx, destURI, m.migrateTimeout); err != nil {
		return err
	}
	m.forgetLocked(machine)
	return nil
}

// AttachNIC hot-adds an interface.
func (m *Manager) AttachNIC(ctx context.Context, name string, nic domain.NICSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	if strings.TrimSpace(nic.MAC) == "" {
		mac, err := domain.NewMAC()
		if err != nil {
			return vmerr.E(vmerr.KindInternal, "manager.attach_nic", name, err)
		}
		nic.MAC = mac
	}
	return machine.AttachNIC(ctx, nic)
}

// DetachNIC removes the interface with nic's MAC.
func (m *Manager) DetachNIC(ctx context.Context, name string, nic domain.NICSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.DetachNIC(ctx, nic)
}

// SnapshotCreate captures a named snapshot and persists its record.
func (m *Manager) SnapshotCreate(ctx context.Context, name, snapName, description string) (vm.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return vm.Snapshot{}, err
	}
	snap, err := machine.SnapshotCreate(ctx, snapName, description)
	if err != nil {
		return vm.Snapshot{}, err
	}
	if err := m.persistSnapshot(machine.ID(), snap); err != nil {
		m.logger.Warn("persist snapshot failed", "vm", name, "snapshot", snap.Name, "error", err)
	}
	return snap, nil
}

// SnapshotRevert rolls the VM back to the named snapshot.
func (m *Manager) SnapshotRevert(ctx context.Context, name, snapName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	return machine.SnapshotRevert(ctx, snapName)
}

// SnapshotDelete removes the named snapshot and its record.
func (m *Manager) SnapshotDelete(ctx context.Context, name, snapName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := machine.SnapshotDelete(ctx, snapName); err != nil {
		return err
	}
	if err := m.store.Delete(store.SnapshotKey(machine.ID(), snapName)); err != nil {
		m.logger.Warn("drop snapshot record failed", "vm", name, "snapshot", snapName, "error", err)
	}
	return nil
}

// Snapshots lists the snapshot chain of a VM, oldest first.
func (m *Manager) Snapshots(name string) ([]vm.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return machine.Snapshots(), nil
}

// Refresh re-reads one VM's state from libvirt.
func (m *Manager) Refresh(ctx context.Context, name string) (vm.State, error) {
	m.mu.Lock()
	machine, err := m.lookup(name)
	m.mu.Unlock()
	if err != nil {
		return vm.StateUnknown, err
	}
	return machine.Refresh(ctx)
}

// OnForget registers a callback fired whenever a VM leaves the
// registry, so downstream caches can drop their per-VM state.
func (m *Manager) OnForget(fn func(name string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onForget = append(m.onForget, fn)
}

// forgetLocked drops every local trace of a VM that no longer exists on
// this host. Callers hold m.mu.
func (m *Manager) forgetLocked(machine *vm.VM) {
	name := machine.Name()
	if cg := machine.Cgroup(); cg != nil {
		cg.Release()
	}
	m.purgeRecords(machine.ID())
	delete(m.vms, name)
	for _, fn := range m.onForget {
		fn(name)
	}
}

// purgeRecords removes the pool entry and all per-VM children from the
// store. Failures are logged, never fatal: a stale record is repaired
// by the next startup reconciliation.
func (m *Manager) purgeRecords(id uint64) {
	it := m.store.NewIterator(store.VMChildPrefix(id))
	for it.Next() {
		if err := m.store.Delete(it.Key()); err != nil {
			m.logger.Warn("drop vm record failed", "key", it.Key(), "error", err)
		}
	}
	it.Release()
	if err := m.pool.Remove(id); err != nil && !vmerr.Is(err, vmerr.KindDomainNotFound) {
		m.logger.Warn("drop pool entry failed", "vm_id", id, "error", err)
	}
}
