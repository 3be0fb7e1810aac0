package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"nimbus-kvm-orchestrator/internal/cgroup"
	"nimbus-kvm-orchestrator/internal/domain"
	"nimbus-kvm-orchestrator/internal/libvirt"
	"nimbus-kvm-orchestrator/internal/model"
	"nimbus-kvm-orchestrator/internal/vmerr"
)

const (
	defaultStopWait    = 20 * time.Second
	defaultMigrateWait = 600 * time.Second
)

// libvirt virDomainDeviceModifyFlags values, applied to device attach and
// detach so the change lands in both the live domain and its config.
const (
	deviceModifyLive   = 1
	deviceModifyConfig = 2
)

// VM owns one libvirt domain handle, its cgroup, its declarative config
// and its lifecycle state. All mutating calls are serialised by the
// manager; the internal mutex only protects readers against writers.
type VM struct {
	mu        sync.Mutex
	session   *libvirt.Session
	logger    *slog.Logger
	id        uint64
	name      string
	uuid      string
	port      int
	dom       golibvirt.Domain
	cgroup    *cgroup.Controller
	config    domain.VMConfig
	limits    model.LimitTable
	state     State
	snapshots []Snapshot
}

// Params carries everything a VM owns at construction.
type Params struct {
	ID      uint64
	Name    string
	UUID    string
	Port    int
	Dom     golibvirt.Domain
	Session *libvirt.Session
	Cgroup  *cgroup.Controller
	Config  domain.VMConfig
	Limits  model.LimitTable
	State   State
	Logger  *slog.Logger
}

func New(p Params) *VM {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.State == "" {
		p.State = StateDefined
	}
	if p.Limits == nil {
		p.Limits = model.DefaultLimits(uint64(p.Config.VCPUs), p.Config.MemoryKiB/1024)
	}
	return &VM{
		session: p.Session,
		logger:  p.Logger,
		id:      p.ID,
		name:    p.Name,
		uuid:    p.UUID,
		port:    p.Port,
		dom:     p.Dom,
		cgroup:  p.Cgroup,
		config:  p.Config,
		limits:  p.Limits,
		state:   p.State,
	}
}

func (v *VM) ID() uint64   { return v.id }
func (v *VM) Name() string { return v.name }
func (v *VM) UUID() string { return v.uuid }
func (v *VM) Port() int    { return v.port }

// State returns the current lifecycle state.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Config returns a copy of the declarative config.
func (v *VM) Config() domain.VMConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	cfg := v.config
	cfg.Disks = append([]domain.DiskSpec(nil), v.config.Disks...)
	cfg.NICs = append([]domain.NICSpec(nil), v.config.NICs...)
	if v.config.Graphics != nil {
		g := *v.config.Graphics
		cfg.Graphics = &g
	}
	return cfg
}

// Limits returns a copy of the resource limit table.
func (v *VM) Limits() model.LimitTable {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limits.Clone()
}

// Cgroup exposes the controller for manager teardown.
func (v *VM) Cgroup() *cgroup.Controller { return v.cgroup }

// DiskPaths lists the backing files of every disk, for storage removal.
func (v *VM) DiskPaths() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.config.Disks))
	for _, d := range v.config.Disks {
		if strings.TrimSpace(d.SourcePath) != "" {
			out = append(out, d.SourcePath)
		}
	}
	return out
}

// View is the read-only projection handed to callers outside the manager.
type View struct {
	ID        uint64           `json:"id"`
	Name      string           `json:"name"`
	UUID      string           `json:"uuid"`
	State     State            `json:"state"`
	VCPUs     uint             `json:"vcpus"`
	MemoryKiB uint64           `json:"memory_kib"`
	Port      int              `json:"port,omitempty"`
	Limits    model.LimitTable `json:"limits,omitempty"`
}

func (v *VM) View() View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return View{
		ID:        v.id,
		Name:      v.name,
		UUID:      v.uuid,
		State:     v.state,
		VCPUs:     v.config.VCPUs,
		MemoryKiB: v.config.MemoryKiB,
		Port:      v.port,
		Limits:    v.limits.Clone(),
	}
}

func (v *VM) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *VM) snapshotHandle() (golibvirt.Domain, State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dom, v.state
}

// Start boots a defined or shutoff domain.
func (v *VM) Start(ctx context.Context) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.start", v.name, state, StateDefined, StateShutoff); err != nil {
		return err
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainCreate(dom); err != nil {
		return vmerr.FromLibvirt("vm.start", v.name, err)
	}
	v.setState(StateRunning)
	v.logger.Info("vm started", "vm", v.name)
	return nil
}

// Pause freezes a running guest.
func (v *VM) Pause(ctx context.Context) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.pause", v.name, state, StateRunning); err != nil {
		return err
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainSuspend(dom); err != nil {
		return vmerr.FromLibvirt("vm.pause", v.name, err)
	}
	v.setState(StatePaused)
	return nil
}

// Resume unfreezes a paused guest.
func (v *VM) Resume(ctx context.Context) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.resume", v.name, state, StatePaused); err != nil {
		return err
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainResume(dom); err != nil {
		return vmerr.FromLibvirt("vm.resume", v.name, err)
	}
	v.setState(StateRunning)
	return nil
}

// Shutdown asks the guest to power off and waits up to wait for it to
// quiesce. A timeout leaves the VM in ShuttingDown and reports the
// partial result; callers fall back to Destroy.
func (v *VM) Shutdown(ctx context.Context, wait time.Duration) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.shutdown", v.name, state, StateRunning, StatePaused); err != nil {
		return err
	}
	if wait <= 0 {
		wait = defaultStopWait
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainShutdown(dom); err != nil {
		return vmerr.FromLibvirt("vm.shutdown", v.name, err)
	}
	v.setState(StateShuttingDown)
	if !waitDomainStopped(ctx, client, dom, wait) {
		return vmerr.Errorf(vmerr.KindOperationTimeout, "vm.shutdown", v.name, "guest did not stop within %s", wait)
	}
	v.setState(StateShutoff)
	v.logger.Info("vm shut down", "vm", v.name)
	return nil
}

// Destroy hard-stops the domain. It always attempts the call regardless
// of recorded state, since it is the recovery path of last resort.
func (v *VM) Destroy(ctx context.Context) error {
	dom, _ := v.snapshotHandle()
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainDestroy(dom); err != nil {
		return vmerr.FromLibvirt("vm.destroy", v.name, err)
	}
	v.setState(StateShutoff)
	v.logger.Info("vm destroyed", "vm", v.name)
	return nil
}

// Reboot requests an in-guest restart; the domain stays Running.
func (v *VM) Reboot(ctx context.Context) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.reboot", v.name, state, StateRunning); err != nil {
		return err
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainReboot(dom, 0); err != nil {
		return vmerr.FromLibvirt("vm.reboot", v.name, err)
	}
	return nil
}

// Undefine removes the domain definition. Refused while the guest is
// active; managed save, snapshot and checkpoint metadata go with it.
func (v *VM) Undefine(ctx context.Context) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.undefine", v.name, state, StateDefined, StateShutoff, StateCrashed); err != nil {
		return err
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	undefFlags := golibvirt.DomainUndefineManagedSave |
		golibvirt.DomainUndefineSnapshotsMetadata |
		golibvirt.DomainUndefineCheckpointsMetadata
	if err := client.DomainUndefineFlags(dom, undefFlags); err != nil {
		if fallbackErr := client.DomainUndefine(dom); fallbackErr != nil {
			return vmerr.FromLibvirt("vm.undefine", v.name, err)
		}
	}
	v.setState(StateUndefined)
	v.logger.Info("vm undefined", "vm", v.name)
	return nil
}

// ScaleCPU resizes the vCPU allocation. The target must sit inside the
// CPU limit band; on success the cgroup quota is re-programmed and
// Limits().Current follows.
func (v *VM) ScaleCPU(ctx context.Context, vcpus uint) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.scale_cpu", v.name, state, StateRunning, StatePaused); err != nil {
		return err
	}
	v.mu.Lock()
	lim, ok := v.limits[model.ResourceCPU]
	v.mu.Unlock()
	if !ok || !lim.Allows(uint64(vcpus)) {
		return vmerr.Errorf(vmerr.KindConfigurationError, "vm.scale_cpu", v.name, "target %d outside [%d,%d]", vcpus, lim.Min, lim.Max)
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	flags := uint32(golibvirt.DomainVCPUConfig | golibvirt.DomainVCPULive)
	if err := client.DomainSetVcpusFlags(dom, uint32(vcpus), flags); err != nil {
		if cfgErr := client.DomainSetVcpusFlags(dom, uint32(vcpus), uint32(golibvirt.DomainVCPUConfig)); cfgErr != nil {
			return vmerr.FromLibvirt("vm.scale_cpu", v.name, err)
		}
	}
	if v.cgroup != nil {
		if err := v.cgroup.SetCPULimit(vcpus); err != nil {
			return err
		}
	}
	v.mu.Lock()
	lim.Current = uint64(vcpus)
	v.limits[model.ResourceCPU] = lim
	v.config.VCPUs = vcpus
	v.mu.Unlock()
	v.logger.Info("vm cpu scaled", "vm", v.name, "vcpus", vcpus)
	return nil
}

// ScaleMemory resizes the memory allocation to mib MiB, mirroring the
// change into memory.max.
func (v *VM) ScaleMemory(ctx context.Context, mib uint64) error {
	dom, state := v.snapshotHandle()
	if err := requireState("vm.scale_memory", v.name, state, StateRunning, StatePaused); err != nil {
		return err
	}
	v.mu.Lock()
	lim, ok := v.limits[model.ResourceMemory]
	v.mu.Unlock()
	if !ok || !lim.Allows(mib) {
		return vmerr.Errorf(vmerr.KindConfigurationError, "vm.scale_memory", v.name, "target %d MiB outside [%d,%d]", mib, lim.Min, lim.Max)
	}
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	memKiB := mib * 1024
	flags := uint32(golibvirt.DomainMemConfig | golibvirt.DomainMemLive)
	if err := client.DomainSetMemoryFlags(dom, memKiB, flags); err != nil {
		if cfgErr := client.DomainSetMemoryFlags(dom, memKiB, uint32(golibvirt.DomainMemConfig)); cfgErr != nil {
			return vmerr.FromLibvirt("vm.scale_memory", v.name, err)
		}
	}
	if v.cgroup != nil {
		if err := v.cgroup.SetMemoryLimit(mib * 1024 * 1024); err != nil {
			return err
		}
	}
	v.mu.Lock()
	lim.Current = mib
	v.limits[model.ResourceMemory] = lim
	v.config.MemoryKiB = memKiB
	v.mu.Unlock()
	v.logger.Info("vm memory scaled", "vm", v.name, "memory_mib", mib)
	return nil
}

// Migrate pushes the domain to destURI through virsh, live and with
// storage copy, undefining the source on success. Failure restores the
// local state to Running.
func (v *VM) Migrate(ctx context.Context, destURI string, timeout time.Duration) error {
	if strings.TrimSpace(destURI) == "" {
		return vmerr.Errorf(vmerr.KindConfigurationError, "vm.migrate", v.name, "destination uri is required")
	}
	_, state := v.snapshotHandle()
	if err := requireState("vm.migrate", v.name, state, StateRunning); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultMigrateWait
	}
	migrateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v.setState(StateMigrating)
	output, err := runVirshMigrate(migrateCtx, v.name, destURI)
	if err != nil {
		v.setState(StateRunning)
		if errors.Is(migrateCtx.Err(), context.DeadlineExceeded) {
			return vmerr.E(vmerr.KindOperationTimeout, "vm.migrate", v.name, err)
		}
		return vmerr.E(vmerr.KindInternal, "vm.migrate", v.name, err)
	}
	v.setState(StateUndefined)
	v.logger.Info("vm migrated", "vm", v.name, "destination", destURI, "output", output)
	return nil
}

// AttachNIC hot-adds an interface to both the live domain and its
// persistent config.
func (v *VM) AttachNIC(ctx context.Context, nic domain.NICSpec) error {
	frag, err := domain.InterfaceXML(nic)
	if err != nil {
		return err
	}
	dom, _ := v.snapshotHandle()
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainAttachDeviceFlags(dom, frag, deviceModifyConfig|deviceModifyLive); err != nil {
		return vmerr.FromLibvirt("vm.attach_nic", v.name, err)
	}
	v.mu.Lock()
	v.config.NICs = append(v.config.NICs, nic)
	v.mu.Unlock()
	return nil
}

// DetachNIC removes the interface matching nic's MAC.
func (v *VM) DetachNIC(ctx context.Context, nic domain.NICSpec) error {
	frag, err := domain.InterfaceXML(nic)
	if err != nil {
		return err
	}
	dom, _ := v.snapshotHandle()
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainDetachDeviceFlags(dom, frag, deviceModifyConfig|deviceModifyLive); err != nil {
		return vmerr.FromLibvirt("vm.detach_nic", v.name, err)
	}
	v.mu.Lock()
	kept := v.config.NICs[:0]
	for _, n := range v.config.NICs {
		if n.MAC != nic.MAC {
			kept = append(kept, n)
		}
	}
	v.config.NICs = kept
	v.mu.Unlock()
	return nil
}

// Refresh re-reads the domain state from libvirt and adopts it. An
// in-flight migration is never downgraded by a concurrent refresh.
func (v *VM) Refresh(ctx context.Context) (State, error) {
	dom, _ := v.snapshotHandle()
	client, err := v.session.Client(ctx)
	if err != nil {
		return v.State(), err
	}
	raw, _, _, _, _, err := client.DomainGetInfo(dom)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			v.setState(StateUndefined)
			return StateUndefined, nil
		}
		return v.State(), vmerr.FromLibvirt("vm.refresh", v.name, err)
	}
	next := FromLibvirt(raw)
	v.mu.Lock()
	if v.state != StateMigrating {
		v.state = next
	}
	next = v.state
	v.mu.Unlock()
	return next, nil
}

func waitDomainStopped(ctx context.Context, client *golibvirt.Libvirt, dom golibvirt.Domain, timeout time.Duration) bool {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		state, _, _, _, _, err := client.DomainGetInfo(dom)
		if err == nil && !FromLibvirt(state).Active() {
			return true
		}
		select {
		case <-deadlineCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func runVirshMigrate(ctx context.Context, name, destURI string) (string, error) {
	if _, err := exec.LookPath("virsh"); err != nil {
		return "", errors.New("virsh not found")
	}
	args := []string{
		"migrate",
		"--live",
		"--persistent",
		"--undefinesource",
		"--copy-storage-all",
		"--unsafe",
		"--compressed",
		"--verbose",
		name,
		strings.TrimSpace(destURI),
	}
	cmd := exec.CommandContext(ctx, "virsh", args...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if output != "" {
			return output, fmt.Errorf("%w: %s", err, output)
		}
		return "", err
	}
	return output, nil
}
