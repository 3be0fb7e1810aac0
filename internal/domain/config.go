package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

// Defaults filled in by ApplyDefaults when the caller leaves a field empty.
const (
	DefaultArch       = "x86_64"
	DefaultOSType     = "hvm"
	DefaultDiskFormat = "qcow2"
	DefaultNICModel   = "virtio"
	DefaultNetwork    = "default"
	DefaultListen     = "127.0.0.1"
)

// DiskKind selects the libvirt disk backing type.
type DiskKind string

const (
	DiskFile    DiskKind = "file"
	DiskBlock   DiskKind = "block"
	DiskNetwork DiskKind = "network"
)

// DiskDevice is how the guest sees the disk.
type DiskDevice string

const (
	DeviceDisk   DiskDevice = "disk"
	DeviceCDROM  DiskDevice = "cdrom"
	DeviceFloppy DiskDevice = "floppy"
)

// NICType selects the libvirt interface wiring.
type NICType string

const (
	NICNetwork NICType = "network"
	NICBridge  NICType = "bridge"
	NICDirect  NICType = "direct"
	NICUser    NICType = "user"
)

// GraphicsSpice is the only graphics protocol the builder emits by default.
const GraphicsSpice = "spice"

// DiskSpec describes one guest disk.
type DiskSpec struct {
	Kind       DiskKind   `json:"kind"`
	Device     DiskDevice `json:"device"`
	SourcePath string     `json:"source_path"`
	TargetDev  string     `json:"target_dev"`
	Format     string     `json:"format"`
	CapacityKB uint64     `json:"capacity_kb,omitempty"`
	ReadOnly   bool       `json:"read_only,omitempty"`
}

// NICSpec describes one guest network interface. An empty MAC is filled
// with a generated address by ApplyDefaults so redefines keep the same MAC.
type NICSpec struct {
	Type   NICType `json:"type"`
	Source string  `json:"source"`
	Model  string  `json:"model"`
	MAC    string  `json:"mac,omitempty"`
}

// GraphicsSpec describes the remote display listener. Port zero means
// autoport: libvirt picks a port at start time.
type GraphicsSpec struct {
	Type   string `json:"type"`
	Listen string `json:"listen"`
	Port   int    `json:"port,omitempty"`
}

// VMConfig is the declarative description of one virtual machine. Memory
// is tracked in KiB, the unit libvirt itself uses in domain XML.
type VMConfig struct {
	Name      string            `json:"name"`
	UUID      string            `json:"uuid,omitempty"`
	VCPUs     uint              `json:"vcpus"`
	MemoryKiB uint64            `json:"memory_kib"`
	Arch      string            `json:"arch,omitempty"`
	OSType    string            `json:"os_type,omitempty"`
	Disks     []DiskSpec        `json:"disks"`
	NICs      []NICSpec         `json:"nics,omitempty"`
	Graphics  *GraphicsSpec     `json:"graphics,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate rejects configs that cannot produce a working domain. All
// failures are configuration errors; Validate never touches the host.
func (c *VMConfig) Validate() error {
	if c.Name == "" {
		return invalidf(c.Name, "name is required")
	}
	if c.VCPUs < 1 {
		return invalidf(c.Name, "vcpus must be at least 1")
	}
	if c.MemoryKiB == 0 {
		return invalidf(c.Name, "memory must be greater than zero")
	}
	if len(c.Disks) == 0 {
		return invalidf(c.Name, "at least one disk is required")
	}
	for i, d := range c.Disks {
		switch d.Kind {
		case DiskFile, DiskBlock, DiskNetwork, "":
		default:
			return invalidf(c.Name, "disk %d: unknown kind %q", i, d.Kind)
		}
		switch d.Device {
		case DeviceDisk, DeviceCDROM, DeviceFloppy, "":
		default:
			return invalidf(c.Name, "disk %d: unknown device %q", i, d.Device)
		}
		if d.SourcePath == "" && d.Device != DeviceCDROM {
			return invalidf(c.Name, "disk %d: source path is required", i)
		}
	}
	for i, n := range c.NICs {
		switch n.Type {
		case NICNetwork, NICBridge, NICDirect, NICUser, "":
		default:
			return invalidf(c.Name, "nic %d: unknown type %q", i, n.Type)
		}
		if n.MAC != "" {
			if _, err := net.ParseMAC(n.MAC); err != nil {
				return invalidf(c.Name, "nic %d: bad mac %q", i, n.MAC)
			}
		}
	}
	if g := c.Graphics; g != nil {
		if g.Port < 0 || g.Port > 65535 {
			return invalidf(c.Name, "graphics port %d out of range", g.Port)
		}
	}
	return nil
}

// ApplyDefaults fills empty fields in place so the config fully describes
// the domain before it is digested and persisted. MAC addresses are
// generated here, not at XML build time, so they survive a redefine.
func (c *VMConfig) ApplyDefaults() error {
	if c.Arch == "" {
		c.Arch = DefaultArch
	}
	if c.OSType == "" {
		c.OSType = DefaultOSType
	}
	for i := range c.Disks {
		d := &c.Disks[i]
		if d.Kind == "" {
			d.Kind = DiskFile
		}
		if d.Device == "" {
			d.Device = DeviceDisk
		}
		if d.Format == "" {
			d.Format = DefaultDiskFormat
		}
		if d.TargetDev == "" {
			d.TargetDev = diskTarget(i)
		}
	}
	if len(c.NICs) == 0 {
		c.NICs = []NICSpec{{Type: NICNetwork}}
	}
	for i := range c.NICs {
		n := &c.NICs[i]
		if n.Type == "" {
			n.Type = NICNetwork
		}
		if n.Source == "" && n.Type == NICNetwork {
			n.Source = DefaultNetwork
		}
		if n.Model == "" {
			n.Model = DefaultNICModel
		}
		if n.MAC == "" {
			mac, err := NewMAC()
			if err != nil {
				return err
			}
			n.MAC = mac
		}
	}
	if c.Graphics == nil {
		c.Graphics = &GraphicsSpec{}
	}
	if c.Graphics.Type == "" {
		c.Graphics.Type = GraphicsSpice
	}
	if c.Graphics.Listen == "" {
		c.Graphics.Listen = DefaultListen
	}
	return nil
}

// Digest returns a stable fingerprint of the config, used to detect drift
// between the persisted record and a redeployed spec.
func (c VMConfig) Digest() string {
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NewMAC returns a random MAC in the QEMU/KVM 52:54:00 prefix. The first
// random octet is forced to locally administered, non-multicast.
func NewMAC() (string, error) {
	var tail [3]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return "", fmt.Errorf("generate mac: %w", err)
	}
	tail[0] = tail[0]&0xfc | 0x02
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", tail[0], tail[1], tail[2]), nil
}

// diskTarget names disk i in the virtio convention: vda, vdb, ...
func diskTarget(i int) string {
	return fmt.Sprintf("vd%c", 'a'+i)
}

func invalidf(name, format string, args ...any) error {
	return vmerr.Errorf(vmerr.KindConfigurationError, "domain.validate", name, format, args...)
}
