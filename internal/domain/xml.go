package domain

import (
	"encoding/xml"
	"net"
	"strconv"
	"strings"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

const (
	defaultEmulator = "/usr/bin/qemu-system-x86_64"
	defaultMachine  = "pc"
)

type domainDefinitionXML struct {
	XMLName       xml.Name           `xml:"domain"`
	Type          string             `xml:"type,attr"`
	Name          string             `xml:"name"`
	UUID          string             `xml:"uuid,omitempty"`
	Memory        domainMemoryXML    `xml:"memory"`
	CurrentMemory *domainMemoryXML   `xml:"currentMemory"`
	VCPU          domainVCPUXML      `xml:"vcpu"`
	OS            domainOSXML        `xml:"os"`
	Features      *domainFeaturesXML `xml:"features"`
	CPU           *domainCPUXML      `xml:"cpu"`
	Clock         *domainClockXML    `xml:"clock"`
	OnPoweroff    string             `xml:"on_poweroff,omitempty"`
	OnReboot      string             `xml:"on_reboot,omitempty"`
	OnCrash       string             `xml:"on_crash,omitempty"`
	Devices       domainDevicesXML   `xml:"devices"`
}

type domainMemoryXML struct {
	Unit  string `xml:"unit,attr,omitempty"`
	Value string `xml:",chardata"`
}

type domainVCPUXML struct {
	Placement string `xml:"placement,attr,omitempty"`
	Value     string `xml:",chardata"`
}

type domainOSXML struct {
	Type domainOSTypeXML  `xml:"type"`
	Boot *domainOSBootXML `xml:"boot"`
}

type domainOSTypeXML struct {
	Arch    string `xml:"arch,attr,omitempty"`
	Machine string `xml:"machine,attr,omitempty"`
	Type    string `xml:",chardata"`
}

type domainOSBootXML struct {
	Dev string `xml:"dev,attr"`
}

type domainFeaturesXML struct {
	ACPI struct{} `xml:"acpi"`
	APIC struct{} `xml:"apic"`
}

type domainCPUXML struct {
	Mode string `xml:"mode,attr,omitempty"`
}

type domainClockXML struct {
	Offset string `xml:"offset,attr,omitempty"`
}

type domainDevicesXML struct {
	Emulator   string                  `xml:"emulator,omitempty"`
	Disks      []domainDeviceDiskXML   `xml:"disk"`
	Interfaces []domainDeviceIfaceXML  `xml:"interface"`
	Console    *domainDeviceConsoleXML `xml:"console"`
	Graphics   *domainDeviceGraphicXML `xml:"graphics"`
	Video      *domainDeviceVideoXML   `xml:"video"`
	Memballoon *domainDeviceBalloonXML `xml:"memballoon"`
}

type domainDeviceDiskXML struct {
	Type     string               `xml:"type,attr,omitempty"`
	Device   string               `xml:"device,attr,omitempty"`
	Driver   domainDiskDriverXML  `xml:"driver"`
	Source   *domainDiskSourceXML `xml:"source"`
	Target   domainDiskTargetXML  `xml:"target"`
	ReadOnly *struct{}            `xml:"readonly"`
}

type domainDiskDriverXML struct {
	Name string `xml:"name,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

type domainDiskSourceXML struct {
	File string `xml:"file,attr,omitempty"`
	Dev  string `xml:"dev,attr,omitempty"`
}

type domainDiskTargetXML struct {
	Dev string `xml:"dev,attr,omitempty"`
	Bus string `xml:"bus,attr,omitempty"`
}

type domainDeviceIfaceXML struct {
	XMLName xml.Name              `xml:"interface"`
	Type    string                `xml:"type,attr,omitempty"`
	MAC     *domainIfaceMACXML    `xml:"mac"`
	Source  *domainIfaceSourceXML `xml:"source"`
	Model   domainIfaceModelXML   `xml:"model"`
}

type domainIfaceMACXML struct {
	Address string `xml:"address,attr,omitempty"`
}

type domainIfaceSourceXML struct {
	Network string `xml:"network,attr,omitempty"`
	Bridge  string `xml:"bridge,attr,omitempty"`
	Dev     string `xml:"dev,attr,omitempty"`
	Mode    string `xml:"mode,attr,omitempty"`
}

type domainIfaceModelXML struct {
	Type string `xml:"type,attr,omitempty"`
}

type domainDeviceConsoleXML struct {
	Type string `xml:"type,attr,omitempty"`
}

type domainDeviceGraphicXML struct {
	Type     string `xml:"type,attr,omitempty"`
	Port     string `xml:"port,attr,omitempty"`
	Autoport string `xml:"autoport,attr,omitempty"`
	Listen   string `xml:"listen,attr,omitempty"`
}

type domainDeviceVideoXML struct {
	Model domainVideoModelXML `xml:"model"`
}

type domainVideoModelXML struct {
	Type string `xml:"type,attr,omitempty"`
}

type domainDeviceBalloonXML struct {
	Model string `xml:"model,attr,omitempty"`
}

// Builder renders VMConfigs into libvirt domain documents.
type Builder struct {
	emulator string
}

func NewBuilder(emulator string) *Builder {
	if emulator == "" {
		emulator = defaultEmulator
	}
	return &Builder{emulator: emulator}
}

// Build produces the domain XML for cfg. Output is deterministic for a
// given config; the only failure mode is config validation, never I/O.
func (b *Builder) Build(cfg VMConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	arch := cfg.Arch
	if arch == "" {
		arch = DefaultArch
	}
	osType := cfg.OSType
	if osType == "" {
		osType = DefaultOSType
	}
	mem := domainMemoryXML{Unit: "KiB", Value: strconv.FormatUint(cfg.MemoryKiB, 10)}
	d := domainDefinitionXML{
		Type:          "kvm",
		Name:          cfg.Name,
		UUID:          cfg.UUID,
		Memory:        mem,
		CurrentMemory: &domainMemoryXML{Unit: mem.Unit, Value: mem.Value},
		VCPU:          domainVCPUXML{Placement: "static", Value: strconv.FormatUint(uint64(cfg.VCPUs), 10)},
		OS: domainOSXML{
			Type: domainOSTypeXML{
				Arch:    arch,
				Machine: defaultMachine,
				Type:    osType,
			},
			Boot: &domainOSBootXML{Dev: "hd"},
		},
		Features:   &domainFeaturesXML{},
		CPU:        &domainCPUXML{Mode: "host-passthrough"},
		Clock:      &domainClockXML{Offset: "utc"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: domainDevicesXML{
			Emulator:   b.emulator,
			Disks:      buildDiskDevices(cfg.Disks),
			Interfaces: buildIfaceDevices(cfg.NICs),
			Console:    &domainDeviceConsoleXML{Type: "pty"},
			Graphics:   buildGraphicsDevice(cfg.Graphics),
			Video:      &domainDeviceVideoXML{Model: domainVideoModelXML{Type: "qxl"}},
			Memballoon: &domainDeviceBalloonXML{Model: "virtio"},
		},
	}
	out, _ := xml.Marshal(d)
	return string(out), nil
}

func buildDiskDevices(disks []DiskSpec) []domainDeviceDiskXML {
	out := make([]domainDeviceDiskXML, 0, len(disks))
	for i, spec := range disks {
		kind := spec.Kind
		if kind == "" {
			kind = DiskFile
		}
		device := spec.Device
		if device == "" {
			device = DeviceDisk
		}
		format := spec.Format
		if format == "" {
			format = DefaultDiskFormat
		}
		target := spec.TargetDev
		if target == "" {
			target = diskTarget(i)
		}
		disk := domainDeviceDiskXML{
			Type:   string(kind),
			Device: string(device),
			Driver: domainDiskDriverXML{Name: "qemu", Type: format},
			Target: domainDiskTargetXML{Dev: target, Bus: busForTarget(target, device)},
		}
		if spec.SourcePath != "" {
			if kind == DiskBlock {
				disk.Source = &domainDiskSourceXML{Dev: spec.SourcePath}
			} else {
				disk.Source = &domainDiskSourceXML{File: spec.SourcePath}
			}
		}
		if spec.ReadOnly {
			disk.ReadOnly = &struct{}{}
		}
		out = append(out, disk)
	}
	return out
}

func buildIfaceDevices(nics []NICSpec) []domainDeviceIfaceXML {
	if len(nics) == 0 {
		nics = []NICSpec{{Type: NICNetwork}}
	}
	out := make([]domainDeviceIfaceXML, 0, len(nics))
	for _, n := range nics {
		out = append(out, buildIfaceXML(n))
	}
	return out
}

func buildIfaceXML(n NICSpec) domainDeviceIfaceXML {
	typ := n.Type
	if typ == "" {
		typ = NICNetwork
	}
	model := n.Model
	if model == "" {
		model = DefaultNICModel
	}
	iface := domainDeviceIfaceXML{
		Type:  string(typ),
		Model: domainIfaceModelXML{Type: model},
	}
	if n.MAC != "" {
		iface.MAC = &domainIfaceMACXML{Address: n.MAC}
	}
	switch typ {
	case NICNetwork:
		source := n.Source
		if source == "" {
			source = DefaultNetwork
		}
		iface.Source = &domainIfaceSourceXML{Network: source}
	case NICBridge:
		iface.Source = &domainIfaceSourceXML{Bridge: n.Source}
	case NICDirect:
		iface.Source = &domainIfaceSourceXML{Dev: n.Source, Mode: "passthrough"}
	}
	return iface
}

func buildGraphicsDevice(g *GraphicsSpec) *domainDeviceGraphicXML {
	out := &domainDeviceGraphicXML{Type: GraphicsSpice, Autoport: "yes", Listen: DefaultListen}
	if g == nil {
		return out
	}
	if g.Type != "" {
		out.Type = g.Type
	}
	if g.Listen != "" {
		out.Listen = g.Listen
	}
	if g.Port > 0 {
		out.Port = strconv.Itoa(g.Port)
		out.Autoport = "no"
	}
	return out
}

// busForTarget infers the controller bus from the target device prefix,
// the same convention virt-install applies.
func busForTarget(dev string, device DiskDevice) string {
	if device == DeviceFloppy {
		return "fdc"
	}
	switch {
	case strings.HasPrefix(dev, "vd"):
		return "virtio"
	case strings.HasPrefix(dev, "sd"):
		return "sata"
	case strings.HasPrefix(dev, "hd"):
		return "ide"
	}
	if device == DeviceCDROM {
		return "sata"
	}
	return "virtio"
}

// InterfaceXML renders a single interface element, the fragment shape
// used for live device attach and detach.
func InterfaceXML(n NICSpec) (string, error) {
	if n.MAC != "" {
		if _, err := net.ParseMAC(n.MAC); err != nil {
			return "", vmerr.Errorf(vmerr.KindConfigurationError, "domain.interface", "", "bad mac %q", n.MAC)
		}
	}
	out, _ := xml.Marshal(buildIfaceXML(n))
	return string(out), nil
}

// Parse reads a domain document back into a VMConfig. It tolerates
// documents the builder did not produce: unknown devices are skipped and
// memory is normalised to KiB whatever unit the document declares.
func Parse(xmlDesc string) (VMConfig, error) {
	var d domainDefinitionXML
	if err := xml.Unmarshal([]byte(xmlDesc), &d); err != nil {
		return VMConfig{}, vmerr.Errorf(vmerr.KindInternal, "domain.parse", "", "unmarshal domain xml: %w", err)
	}
	memKiB, err := parseMemoryKiB(d.Memory.Value, d.Memory.Unit)
	if err != nil {
		memKiB = 0
	}
	if memKiB == 0 && d.CurrentMemory != nil {
		memKiB, _ = parseMemoryKiB(d.CurrentMemory.Value, d.CurrentMemory.Unit)
	}
	cfg := VMConfig{
		Name:      strings.TrimSpace(d.Name),
		UUID:      strings.TrimSpace(d.UUID),
		VCPUs:     uint(parseUintDefault(d.VCPU.Value, 0)),
		MemoryKiB: memKiB,
		Arch:      d.OS.Type.Arch,
		OSType:    strings.TrimSpace(d.OS.Type.Type),
	}
	for _, disk := range d.Devices.Disks {
		spec := DiskSpec{
			Kind:      DiskKind(disk.Type),
			Device:    DiskDevice(disk.Device),
			TargetDev: disk.Target.Dev,
			Format:    disk.Driver.Type,
			ReadOnly:  disk.ReadOnly != nil,
		}
		if disk.Source != nil {
			spec.SourcePath = disk.Source.File
			if spec.SourcePath == "" {
				spec.SourcePath = disk.Source.Dev
			}
		}
		cfg.Disks = append(cfg.Disks, spec)
	}
	for _, iface := range d.Devices.Interfaces {
		spec := NICSpec{Type: NICType(iface.Type), Model: iface.Model.Type}
		if iface.MAC != nil {
			spec.MAC = iface.MAC.Address
		}
		if iface.Source != nil {
			switch {
			case iface.Source.Network != "":
				spec.Source = iface.Source.Network
			case iface.Source.Bridge != "":
				spec.Source = iface.Source.Bridge
			default:
				spec.Source = iface.Source.Dev
			}
		}
		cfg.NICs = append(cfg.NICs, spec)
	}
	if g := d.Devices.Graphics; g != nil {
		cfg.Graphics = &GraphicsSpec{
			Type:   g.Type,
			Listen: g.Listen,
			Port:   int(parseUintDefault(g.Port, 0)),
		}
	}
	return cfg, nil
}

func parseMemoryKiB(value string, unit string) (uint64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, nil
	}
	base, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "k", "kb", "kib":
		return base, nil
	case "m", "mb", "mib":
		return base * 1024, nil
	case "g", "gb", "gib":
		return base * 1024 * 1024, nil
	case "b", "bytes":
		return base / 1024, nil
	default:
		return base, nil
	}
}

func parseUintDefault(v string, fallback uint64) uint64 {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return fallback
	}
	u, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return u
}
