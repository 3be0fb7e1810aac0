package domain

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

func minimalConfig() VMConfig {
	return VMConfig{
		Name:      "vm-a",
		VCPUs:     2,
		MemoryKiB: 2097152,
		Disks: []DiskSpec{
			{Kind: DiskFile, Device: DeviceDisk, SourcePath: "/img/a.qcow2", TargetDev: "vda", Format: "qcow2"},
		},
	}
}

func TestBuildEmitsDeclaredShape(t *testing.T) {
	b := NewBuilder("")
	out, err := b.Build(minimalConfig())
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(out, `<domain type="kvm">`))
	require.Contains(t, out, `<name>vm-a</name>`)
	require.Contains(t, out, `<memory unit="KiB">2097152</memory>`)
	require.Contains(t, out, `<vcpu placement="static">2</vcpu>`)
	require.Contains(t, out, `<type arch="x86_64" machine="pc">hvm</type>`)
	require.Contains(t, out, `<boot dev="hd">`)
	require.Contains(t, out, `<emulator>/usr/bin/qemu-system-x86_64</emulator>`)
	require.Contains(t, out, `<disk type="file" device="disk">`)
	require.Contains(t, out, `<driver name="qemu" type="qcow2">`)
	require.Contains(t, out, `<source file="/img/a.qcow2">`)
	require.Contains(t, out, `<target dev="vda" bus="virtio">`)
	require.Contains(t, out, `<interface type="network">`)
	require.Contains(t, out, `<source network="default">`)
	require.Contains(t, out, `<model type="virtio">`)
	require.Contains(t, out, `<graphics type="spice" autoport="yes" listen="127.0.0.1">`)
	require.Contains(t, out, `<video><model type="qxl">`)
	require.Contains(t, out, `<memballoon model="virtio">`)
}

func TestBuildIsDeterministic(t *testing.T) {
	cfg := minimalConfig()
	cfg.UUID = "0b2e1a52-75e1-4de8-aaa4-0d93a0c0ff00"
	cfg.NICs = []NICSpec{{Type: NICNetwork, Source: "default", Model: "virtio", MAC: "52:54:00:aa:bb:cc"}}

	b := NewBuilder("/usr/bin/qemu-system-x86_64")
	first, err := b.Build(cfg)
	require.NoError(t, err)
	second, err := b.Build(cfg)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestBuildParseRoundTrip(t *testing.T) {
	cfg := minimalConfig()
	cfg.UUID = "0b2e1a52-75e1-4de8-aaa4-0d93a0c0ff00"
	require.NoError(t, cfg.ApplyDefaults())
	require.NoError(t, cfg.Validate())

	out, err := NewBuilder("").Build(cfg)
	require.NoError(t, err)
	got, err := Parse(out)
	require.NoError(t, err)

	require.Equal(t, cfg.Name, got.Name)
	require.Equal(t, cfg.UUID, got.UUID)
	require.Equal(t, cfg.VCPUs, got.VCPUs)
	require.Equal(t, cfg.MemoryKiB, got.MemoryKiB)
	require.Equal(t, cfg.Arch, got.Arch)
	require.Equal(t, cfg.OSType, got.OSType)

	require.Len(t, got.Disks, 1)
	require.Equal(t, cfg.Disks[0].Kind, got.Disks[0].Kind)
	require.Equal(t, cfg.Disks[0].Device, got.Disks[0].Device)
	require.Equal(t, cfg.Disks[0].SourcePath, got.Disks[0].SourcePath)
	require.Equal(t, cfg.Disks[0].TargetDev, got.Disks[0].TargetDev)
	require.Equal(t, cfg.Disks[0].Format, got.Disks[0].Format)

	require.Len(t, got.NICs, 1)
	require.Equal(t, cfg.NICs[0].Source, got.NICs[0].Source)
	require.Equal(t, cfg.NICs[0].Model, got.NICs[0].Model)
	require.Equal(t, cfg.NICs[0].MAC, got.NICs[0].MAC)

	require.NotNil(t, got.Graphics)
	require.Equal(t, GraphicsSpice, got.Graphics.Type)
	require.Equal(t, DefaultListen, got.Graphics.Listen)
}

func TestBuildGraphicsPortDisablesAutoport(t *testing.T) {
	cfg := minimalConfig()
	cfg.Graphics = &GraphicsSpec{Type: GraphicsSpice, Listen: "0.0.0.0", Port: 5901}

	out, err := NewBuilder("").Build(cfg)
	require.NoError(t, err)
	require.Contains(t, out, `<graphics type="spice" port="5901" autoport="no" listen="0.0.0.0">`)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*VMConfig)
	}{
		{"empty name", func(c *VMConfig) { c.Name = "" }},
		{"zero vcpus", func(c *VMConfig) { c.VCPUs = 0 }},
		{"zero memory", func(c *VMConfig) { c.MemoryKiB = 0 }},
		{"no disks", func(c *VMConfig) { c.Disks = nil }},
		{"disk without source", func(c *VMConfig) { c.Disks[0].SourcePath = "" }},
		{"unknown disk kind", func(c *VMConfig) { c.Disks[0].Kind = "tape" }},
		{"bad mac", func(c *VMConfig) { c.NICs = []NICSpec{{Type: NICNetwork, MAC: "zz:zz"}} }},
		{"bad graphics port", func(c *VMConfig) { c.Graphics = &GraphicsSpec{Port: 70000} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalConfig()
			tt.mutate(&cfg)
			_, err := NewBuilder("").Build(cfg)
			require.Error(t, err)
			require.True(t, vmerr.Is(err, vmerr.KindConfigurationError))
		})
	}
}

func TestApplyDefaultsFillsDevices(t *testing.T) {
	cfg := VMConfig{
		Name:      "vm-b",
		VCPUs:     1,
		MemoryKiB: 524288,
		Disks:     []DiskSpec{{SourcePath: "/img/b.qcow2"}},
	}
	require.NoError(t, cfg.ApplyDefaults())

	require.Equal(t, DefaultArch, cfg.Arch)
	require.Equal(t, DefaultOSType, cfg.OSType)
	require.Equal(t, DiskFile, cfg.Disks[0].Kind)
	require.Equal(t, DeviceDisk, cfg.Disks[0].Device)
	require.Equal(t, DefaultDiskFormat, cfg.Disks[0].Format)
	require.Equal(t, "vda", cfg.Disks[0].TargetDev)

	require.Len(t, cfg.NICs, 1)
	require.Equal(t, NICNetwork, cfg.NICs[0].Type)
	require.Equal(t, DefaultNetwork, cfg.NICs[0].Source)
	require.Equal(t, DefaultNICModel, cfg.NICs[0].Model)
	require.NotEmpty(t, cfg.NICs[0].MAC)

	require.NotNil(t, cfg.Graphics)
	require.Equal(t, GraphicsSpice, cfg.Graphics.Type)
	require.Equal(t, DefaultListen, cfg.Graphics.Listen)
}

func TestNewMACFormat(t *testing.T) {
	for i := 0; i < 32; i++ {
		mac, err := NewMAC()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(mac, "52:54:00:"), "mac %s", mac)

		hw, err := net.ParseMAC(mac)
		require.NoError(t, err)
		require.Zero(t, hw[3]&0x01, "mac %s: multicast bit set", mac)
		require.Equal(t, byte(0x02), hw[3]&0x02, "mac %s: not locally administered", mac)
	}
}

func TestInterfaceXMLFragment(t *testing.T) {
	out, err := InterfaceXML(NICSpec{Type: NICNetwork, Source: "default", Model: "virtio", MAC: "52:54:00:12:34:56"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, `<interface type="network">`))
	require.Contains(t, out, `<mac address="52:54:00:12:34:56">`)
	require.Contains(t, out, `<source network="default">`)
	require.Contains(t, out, `<model type="virtio">`)

	_, err = InterfaceXML(NICSpec{Type: NICNetwork, MAC: "not-a-mac"})
	require.Error(t, err)
	require.True(t, vmerr.Is(err, vmerr.KindConfigurationError))
}

func TestParseForeignDocument(t *testing.T) {
	doc := `<domain type="kvm">
  <name>legacy</name>
  <currentMemory unit="MiB">1024</currentMemory>
  <vcpu>4</vcpu>
  <os><type arch="x86_64">hvm</type></os>
  <devices>
    <disk type="block" device="disk">
      <driver name="qemu" type="raw"/>
      <source dev="/dev/vg0/legacy"/>
      <target dev="vdb"/>
    </disk>
    <interface type="bridge">
      <mac address="52:54:00:de:ad:02"/>
      <source bridge="br0"/>
      <model type="e1000"/>
    </interface>
  </devices>
</domain>`

	cfg, err := Parse(doc)
	require.NoError(t, err)
	require.Equal(t, "legacy", cfg.Name)
	require.Equal(t, uint(4), cfg.VCPUs)
	require.Equal(t, uint64(1024*1024), cfg.MemoryKiB)
	require.Len(t, cfg.Disks, 1)
	require.Equal(t, DiskBlock, cfg.Disks[0].Kind)
	require.Equal(t, "/dev/vg0/legacy", cfg.Disks[0].SourcePath)
	require.Len(t, cfg.NICs, 1)
	require.Equal(t, NICBridge, cfg.NICs[0].Type)
	require.Equal(t, "br0", cfg.NICs[0].Source)
	require.Equal(t, "52:54:00:de:ad:02", cfg.NICs[0].MAC)

	_, err = Parse("not xml at all <<<")
	require.Error(t, err)
}

func TestDigestTracksConfigChanges(t *testing.T) {
	a := minimalConfig()
	b := minimalConfig()
	require.Equal(t, a.Digest(), b.Digest())

	b.MemoryKiB *= 2
	require.NotEqual(t, a.Digest(), b.Digest())
}
