package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"

	"nimbus-kvm-orchestrator/internal/cgroup"
	"nimbus-kvm-orchestrator/internal/domain"
	"nimbus-kvm-orchestrator/internal/model"
	"nimbus-kvm-orchestrator/internal/store"
	"nimbus-kvm-orchestrator/internal/vm"
	"nimbus-kvm-orchestrator/internal/vmerr"
)

// Deploy defines, resources and boots a new VM, handing back its view
// once the guest is running. Any step failing unwinds everything the
// earlier steps created.
func (m *Manager) Deploy(ctx context.Context, cfg domain.VMConfig) (vm.View, error) {
	return m.deploy(ctx, cfg, false)
}

// DeployAsync queues the deploy on the dispatcher and returns once the
// name is reserved. done, if set, receives the outcome.
func (m *Manager) DeployAsync(ctx context.Context, cfg domain.VMConfig, done func(vm.View, error)) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return vmerr.Errorf(vmerr.KindConfigurationError, "manager.deploy", "", "vm name is required")
	}

	m.mu.Lock()
	if _, ok := m.vms[cfg.Name]; ok {
		m.mu.Unlock()
		return vmerr.Errorf(vmerr.KindConfigurationError, "manager.deploy", cfg.Name, "vm already deployed")
	}
	if _, ok := m.creating[cfg.Name]; ok {
		m.mu.Unlock()
		return vmerr.Errorf(vmerr.KindConfigurationError, "manager.deploy", cfg.Name, "deploy already in flight")
	}
	m.creating[cfg.Name] = struct{}{}
	m.mu.Unlock()

	submitted := m.dispatcher.Submit(func() {
		view, err := m.deploy(ctx, cfg, true)
		m.mu.Lock()
		delete(m.creating, cfg.Name)
		m.mu.Unlock()
		if err != nil {
			m.logger.Error("async deploy failed", "vm", cfg.Name, "error", err)
		}
		if done != nil {
			done(view, err)
		}
	})
	if !submitted {
		m.mu.Lock()
		delete(m.creating, cfg.Name)
		m.mu.Unlock()
		return vmerr.Errorf(vmerr.KindInternal, "manager.deploy", cfg.Name, "dispatcher stopped")
	}
	return nil
}

func (m *Manager) deploy(ctx context.Context, cfg domain.VMConfig, fromAsync bool) (vm.View, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if err := cfg.ApplyDefaults(); err != nil {
		return vm.View{}, vmerr.E(vmerr.KindInternal, "manager.deploy", cfg.Name, err)
	}
	m.fillDiskPaths(&cfg)
	if err := cfg.Validate(); err != nil {
		return vm.View{}, err
	}

	client, err := m.session.Client(ctx)
	if err != nil {
		return vm.View{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vms[cfg.Name]; ok {
		return vm.View{}, vmerr.Errorf(vmerr.KindConfigurationError, "manager.deploy", cfg.Name, "vm already deployed")
	}
	if !fromAsync {
		if _, ok := m.creating[cfg.Name]; ok {
			return vm.View{}, vmerr.Errorf(vmerr.KindConfigurationError, "manager.deploy", cfg.Name, "deploy already in flight")
		}
	}

	if _, err := client.DomainLookupByName(cfg.Name); err == nil {
		return vm.View{}, vmerr.Errorf(vmerr.KindConfigurationError, "manager.deploy", cfg.Name, "domain already exists on host")
	} else if !golibvirt.IsNotFound(err) {
		return vm.View{}, vmerr.FromLibvirt("manager.deploy", cfg.Name, err)
	}

	var requestDiskB uint64
	for _, d := range cfg.Disks {
		if diskNeedsImage(d) {
			requestDiskB += d.CapacityKB * 1024
		}
	}
	if _, err := m.checkAdmission(ctx, client, admissionInput{
		requestVCPU:  uint64(cfg.VCPUs),
		requestRAMMB: cfg.MemoryKiB / 1024,
		requestDiskB: requestDiskB,
		diskPath:     firstDiskPath(cfg),
	}); err != nil {
		return vm.View{}, err
	}

	if err := ensureDiskImages(ctx, cfg); err != nil {
		return vm.View{}, vmerr.E(vmerr.KindConfigurationError, "manager.deploy", cfg.Name, err)
	}

	entry, err := m.pool.Allocate(cfg.Digest())
	if err != nil {
		return vm.View{}, err
	}
	cfg.UUID = entry.UUID
	if cfg.Graphics != nil && cfg.Graphics.Port == 0 {
		cfg.Graphics.Port = entry.ReservedPort
	}
	releaseEntry := func() {
		if err := m.pool.Remove(entry.ID); err != nil {
			m.logger.Warn("release pool entry failed", "vm", cfg.Name, "error", err)
		}
	}

	xmlDoc, err := m.builder.Build(cfg)
	if err != nil {
		releaseEntry()
		return vm.View{}, err
	}

	dom, err := client.DomainDefineXML(xmlDoc)
	if err != nil {
		releaseEntry()
		return vm.View{}, vmerr.FromLibvirt("manager.deploy", cfg.Name, err)
	}
	undefine := func() {
		undefFlags := golibvirt.DomainUndefineManagedSave |
			golibvirt.DomainUndefineSnapshotsMetadata |
			golibvirt.DomainUndefineCheckpointsMetadata
		if err := client.DomainUndefineFlags(dom, undefFlags); err != nil {
			if fbErr := client.DomainUndefine(dom); fbErr != nil {
				m.logger.Warn("rollback undefine failed", "vm", cfg.Name, "error", err)
			}
		}
	}

	if m.autostart {
		if err := client.DomainSetAutostart(dom, 1); err != nil {
			m.logger.Warn("set autostart failed", "vm", cfg.Name, "error", err)
		}
	}

	cg, err := cgroup.New(m.cgroupRoot, cgroupName(entry.ID), m.logger)
	if err != nil {
		undefine()
		releaseEntry()
		return vm.View{}, err
	}
	if err := cg.SetCPULimit(cfg.VCPUs); err == nil {
		err = cg.SetMemoryLimit(cfg.MemoryKiB * 1024)
	}
	if err != nil {
		cg.Release()
		undefine()
		releaseEntry()
		return vm.View{}, err
	}

	machine := vm.New(vm.Params{
		ID:      entry.ID,
		Name:    cfg.Name,
		UUID:    entry.UUID,
		Port:    entry.ReservedPort,
		Dom:     dom,
		Session: m.session,
		Cgroup:  cg,
		Config:  cfg,
		State:   vm.StateDefined,
		Logger:  m.logger,
	})

	if err := machine.Start(ctx); err != nil {
		cg.Release()
		undefine()
		releaseEntry()
		return vm.View{}, err
	}

	m.vms[cfg.Name] = machine
	m.logger.Info("vm deployed",
		"vm", cfg.Name,
		"id", entry.ID,
		"uuid", entry.UUID,
		"display_port", entry.ReservedPort,
		"vcpus", cfg.VCPUs,
		"memory_kib", cfg.MemoryKiB)
	return machine.View(), nil
}

// Recover rebuilds the registry after a restart: every defined domain
// whose UUID matches a pool entry is re-adopted with its observed
// state, and pool entries with no matching domain are dropped.
func (m *Manager) Recover(ctx context.Context) error {
	client, err := m.session.Client(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doms, _, err := client.ConnectListAllDomains(1, 0)
	if err != nil {
		return vmerr.FromLibvirt("manager.recover", "", err)
	}

	adopted := make(map[uint64]bool)
	for _, dom := range doms {
		xmlDesc, err := client.DomainGetXMLDesc(dom, 0)
		if err != nil {
			m.logger.Warn("read domain xml failed, skipping", "domain", dom.Name, "error", err)
			continue
		}
		cfg, err := domain.Parse(xmlDesc)
		if err != nil {
			m.logger.Warn("parse domain xml failed, skipping", "domain", dom.Name, "error", err)
			continue
		}
		entry, ok := m.pool.FindByUUID(cfg.UUID)
		if !ok {
			continue
		}
		adopted[entry.ID] = true

		if drift := declaredDigest(cfg, entry.ReservedPort); entry.ConfigDigest != "" && drift != entry.ConfigDigest {
			m.logger.Warn("domain config drifted from deployed config", "vm", cfg.Name, "id", entry.ID)
		}

		state := vm.StateShutoff
		if raw, _, _, _, _, err := client.DomainGetInfo(dom); err == nil {
			state = vm.FromLibvirt(raw)
		}

		cg, err := cgroup.New(m.cgroupRoot, cgroupName(entry.ID), m.logger)
		if err != nil {
			m.logger.Warn("cgroup reattach failed", "vm", cfg.Name, "error", err)
			cg = nil
		}

		machine := vm.New(vm.Params{
			ID:      entry.ID,
			Name:    cfg.Name,
			UUID:    entry.UUID,
			Port:    entry.ReservedPort,
			Dom:     dom,
			Session: m.session,
			Cgroup:  cg,
			Config:  cfg,
			Limits:  model.DefaultLimits(uint64(cfg.VCPUs), cfg.MemoryKiB/1024),
			State:   state,
			Logger:  m.logger,
		})
		m.loadSnapshots(machine)
		m.vms[cfg.Name] = machine
		m.logger.Info("vm adopted", "vm", cfg.Name, "id", entry.ID, "state", state)
	}

	for _, entry := range m.pool.Entries() {
		if !adopted[entry.ID] {
			m.logger.Warn("dropping record with no backing domain", "vm_id", entry.ID, "uuid", entry.UUID)
			m.purgeRecords(entry.ID)
		}
	}

	m.logger.Info("recovery complete", "managed", len(m.vms))
	return nil
}

// declaredDigest reconstructs the digest of the config as it was
// declared at deploy time, before identity injection. A graphics port
// equal to the reserved one is assumed assigned, not pinned.
func declaredDigest(cfg domain.VMConfig, reservedPort int) string {
	cfg.UUID = ""
	if cfg.Graphics != nil && cfg.Graphics.Port == reservedPort {
		g := *cfg.Graphics
		g.Port = 0
		cfg.Graphics = &g
	}
	return cfg.Digest()
}

func (m *Manager) fillDiskPaths(cfg *domain.VMConfig) {
	for i := range cfg.Disks {
		d := &cfg.Disks[i]
		if d.Kind == domain.DiskFile && d.Device == domain.DeviceDisk && strings.TrimSpace(d.SourcePath) == "" {
			d.SourcePath = filepath.Join(m.imageDir, fmt.Sprintf("%s-%s.qcow2", cfg.Name, d.TargetDev))
		}
	}
}

func diskNeedsImage(d domain.DiskSpec) bool {
	if d.Kind != domain.DiskFile || d.Device != domain.DeviceDisk || d.CapacityKB == 0 {
		return false
	}
	_, err := os.Stat(d.SourcePath)
	return errors.Is(err, os.ErrNotExist)
}

func firstDiskPath(cfg domain.VMConfig) string {
	for _, d := range cfg.Disks {
		if strings.TrimSpace(d.SourcePath) != "" {
			return d.SourcePath
		}
	}
	return ""
}

// ensureDiskImages creates missing backing files for file disks that
// declare a capacity. Existing images are reused untouched; a missing
// image without a capacity is a configuration error.
func ensureDiskImages(ctx context.Context, cfg domain.VMConfig) error {
	for _, d := range cfg.Disks {
		if d.Kind != domain.DiskFile || d.Device != domain.DeviceDisk {
			continue
		}
		if _, err := os.Stat(d.SourcePath); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat disk image: %w", err)
		}
		if d.CapacityKB == 0 {
			return fmt.Errorf("disk image %s missing and no capacity declared", d.SourcePath)
		}
		if err := os.MkdirAll(filepath.Dir(d.SourcePath), 0o755); err != nil {
			return fmt.Errorf("prepare disk directory: %w", err)
		}
		if _, err := exec.LookPath("qemu-img"); err != nil {
			return errors.New("qemu-img not found")
		}
		format := d.Format
		if format == "" {
			format = domain.DefaultDiskFormat
		}
		cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", format, d.SourcePath, fmt.Sprintf("%dK", d.CapacityKB))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("create disk image: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func cgroupName(id uint64) string {
	return fmt.Sprintf("nimbus-vm-%d", id)
}

func (m *Manager) persistSnapshot(id uint64, snap vm.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.store.Put(store.SnapshotKey(id, snap.Name), b)
}

func (m *Manager) loadSnapshots(machine *vm.VM) {
	var snaps []vm.Snapshot
	it := m.store.NewIterator(store.SnapshotPrefix(machine.ID()))
	for it.Next() {
		var snap vm.Snapshot
		if err := json.Unmarshal(it.Value(), &snap); err != nil {
			m.logger.Warn("bad snapshot record, skipping", "key", it.Key(), "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	it.Release()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	machine.RestoreSnapshots(snaps)
}
