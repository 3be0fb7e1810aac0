package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NIMBUS_LIBVIRT_URI", "")
	t.Setenv("LIBVIRT_DEFAULT_URI", "")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "qemu:///system", cfg.LibvirtURI)
	require.Equal(t, 5900, cfg.DisplayPortLo)
	require.Equal(t, 6000, cfg.DisplayPortHi)
	require.Equal(t, 1*time.Second, cfg.SampleInterval)
	require.Equal(t, 2, cfg.DispatcherWorkers)
	require.Equal(t, 80.0, cfg.CPUUpThreshold)
	require.Equal(t, 20.0, cfg.CPUDownThreshold)
	require.Equal(t, 85.0, cfg.MemUpThreshold)
	require.Equal(t, 2*time.Minute, cfg.DecisionMinGap)
	require.Equal(t, 30*time.Second, cfg.ExecCooldown)
	require.Equal(t, ForwardModeOff, cfg.ForwardMode)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NIMBUS_LIBVIRT_URI", "qemu+tcp://10.0.0.5/system")
	t.Setenv("NIMBUS_DISPLAY_PORT_LO", "5910")
	t.Setenv("NIMBUS_DISPLAY_PORT_HI", "5920")
	t.Setenv("NIMBUS_SAMPLE_INTERVAL", "250ms")
	t.Setenv("NIMBUS_CPU_UP_THRESHOLD", "75")
	t.Setenv("NIMBUS_LOG_JSON", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "qemu+tcp://10.0.0.5/system", cfg.LibvirtURI)
	require.Equal(t, 5910, cfg.DisplayPortLo)
	require.Equal(t, 5920, cfg.DisplayPortHi)
	require.Equal(t, 250*time.Millisecond, cfg.SampleInterval)
	require.Equal(t, 75.0, cfg.CPUUpThreshold)
	require.False(t, cfg.LogJSON)
}

func TestLoadHonorsLibvirtDefaultURI(t *testing.T) {
	t.Setenv("NIMBUS_LIBVIRT_URI", "")
	t.Setenv("LIBVIRT_DEFAULT_URI", "qemu+unix:///session")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "qemu+unix:///session", cfg.LibvirtURI)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.NodeID = "" }},
		{"inverted port range", func(c *Config) { c.DisplayPortLo = 6001; c.DisplayPortHi = 5900 }},
		{"zero sample interval", func(c *Config) { c.SampleInterval = 0 }},
		{"zero workers", func(c *Config) { c.DispatcherWorkers = 0 }},
		{"down above up", func(c *Config) { c.CPUDownThreshold = 90 }},
		{"threshold above 100", func(c *Config) { c.MemUpThreshold = 120 }},
		{"bad forward mode", func(c *Config) { c.ForwardMode = "carrier-pigeon" }},
		{"grpc mode without addr", func(c *Config) { c.ForwardMode = ForwardModeGRPC; c.BackendGRPCAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
