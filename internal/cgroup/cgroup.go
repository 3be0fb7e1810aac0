package cgroup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

// DefaultRoot is the mount point of the unified hierarchy.
const DefaultRoot = "/sys/fs/cgroup"

// defaultPeriodUs is the CPU scheduling period: one vCPU maps to one full
// period of quota.
const defaultPeriodUs = 100000

// Controller owns one VM's directory under the unified cgroup hierarchy.
// All limit writes are plain-text files in the kernel formats.
type Controller struct {
	mu       sync.Mutex
	name     string
	dir      string
	root     string
	logger   *slog.Logger
	pids     []int
	released bool
}

// New creates the per-VM directory under root with mode 0755. An already
// existing directory is reused; any other failure is fatal to VM
// construction. Only the leaf is created, never the hierarchy above it.
func New(root, name string, logger *slog.Logger) (*Controller, error) {
	if name == "" {
		return nil, vmerr.Errorf(vmerr.KindConfigurationError, "cgroup.create", "", "empty cgroup name")
	}
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, vmerr.E(vmerr.KindConfigurationError, "cgroup.create", name, fmt.Errorf("hierarchy root %s missing: %w", root, err))
		}
		return nil, classify("cgroup.create", name, err)
	}
	return &Controller{name: name, dir: dir, root: root, logger: logger}, nil
}

// Dir returns the controller's directory path.
func (c *Controller) Dir() string { return c.dir }

// SetCPULimit programs cpu.max from the vCPU count: n vCPUs buy n full
// periods of quota per period.
func (c *Controller) SetCPULimit(vcpus uint) error {
	if vcpus < 1 {
		return vmerr.Errorf(vmerr.KindConfigurationError, "cgroup.cpu", c.name, "vcpus must be at least 1")
	}
	quota := uint64(vcpus) * defaultPeriodUs
	return c.writeValue("cpu.max", fmt.Sprintf("%d %d", quota, defaultPeriodUs))
}

// SetMemoryLimit programs memory.max in bytes and clamps swap to the same
// value. memory.swappiness is written when the kernel exposes it; the
// unified hierarchy usually does not, so its absence is not an error.
func (c *Controller) SetMemoryLimit(bytes uint64) error {
	if bytes == 0 {
		return vmerr.Errorf(vmerr.KindConfigurationError, "cgroup.memory", c.name, "memory limit must be greater than zero")
	}
	if err := c.writeValue("memory.max", strconv.FormatUint(bytes, 10)); err != nil {
		return err
	}
	if err := c.writeValue("memory.swap.max", strconv.FormatUint(bytes, 10)); err != nil {
		return err
	}
	// The unified hierarchy dropped memory.swappiness; write it only on
	// hosts that still expose it.
	if _, err := os.Stat(filepath.Join(c.dir, "memory.swappiness")); err == nil {
		return c.writeValue("memory.swappiness", "60")
	}
	return nil
}

// SetIOLimit programs io.max for one block device given as "MAJ:MIN".
// Zero means unlimited for that direction.
func (c *Controller) SetIOLimit(device string, readBps, writeBps uint64) error {
	if device == "" {
		return vmerr.Errorf(vmerr.KindConfigurationError, "cgroup.io", c.name, "empty device")
	}
	return c.writeValue("io.max", fmt.Sprintf("%s rbps=%s wbps=%s", device, bpsOrMax(readBps), bpsOrMax(writeBps)))
}

// AttachProcess moves pid into the VM's cgroup and tracks it so Release
// can move it back out.
func (c *Controller) AttachProcess(pid int) error {
	if pid <= 0 {
		return vmerr.Errorf(vmerr.KindConfigurationError, "cgroup.attach", c.name, "bad pid %d", pid)
	}
	if err := c.appendValue("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pids {
		if p == pid {
			return nil
		}
	}
	c.pids = append(c.pids, pid)
	return nil
}

// Release detaches every tracked process back to the hierarchy root and
// removes the directory if it is empty. Teardown never fails: errors are
// logged and swallowed so VM shutdown always completes. Safe to call more
// than once.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true

	parentProcs := filepath.Join(c.root, "cgroup.procs")
	for _, pid := range c.pids {
		if err := appendFile(parentProcs, strconv.Itoa(pid)); err != nil {
			c.logger.Warn("detach process from cgroup failed", "cgroup", c.name, "pid", pid, "error", err)
		}
	}
	c.pids = nil

	if err := os.Remove(c.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("remove cgroup directory failed", "cgroup", c.name, "error", err)
	}
}

func (c *Controller) writeValue(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.dir, file), []byte(value), 0o644); err != nil {
		return classify("cgroup.write "+file, c.name, err)
	}
	return nil
}

// appendValue writes without truncating. The kernel treats every write to
// cgroup.procs as a command, so append semantics match it exactly.
func (c *Controller) appendValue(file, value string) error {
	if err := appendFile(filepath.Join(c.dir, file), value); err != nil {
		return classify("cgroup.write "+file, c.name, err)
	}
	return nil
}

func appendFile(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value + "\n")
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func bpsOrMax(v uint64) string {
	if v == 0 {
		return "max"
	}
	return strconv.FormatUint(v, 10)
}

func classify(op, name string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return vmerr.E(vmerr.KindPermissionDenied, op, name, err)
	}
	return vmerr.E(vmerr.KindInternal, op, name, err)
}
