package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestReadCPUCounters(t *testing.T) {
	p := writeFixture(t, "stat", "cpu  100 10 50 800 40 5 5 10 0 0\ncpu0 50 5 25 400 20 2 2 5 0 0\n")

	c, err := readCPUCounters(p)
	require.NoError(t, err)
	require.Equal(t, uint64(100), c.User)
	require.Equal(t, uint64(800), c.Idle)
	require.Equal(t, uint64(40), c.IOWait)
	require.Equal(t, uint64(10), c.Steal)
	require.Equal(t, uint64(1020), c.Total)
}

func TestReadCPUCountersMissingAggregate(t *testing.T) {
	p := writeFixture(t, "stat", "intr 12345\nctxt 6789\n")
	_, err := readCPUCounters(p)
	require.Error(t, err)
}

func TestCPUUsage(t *testing.T) {
	tests := []struct {
		name string
		prev CPUCounters
		cur  CPUCounters
		want float64
	}{
		{
			name: "half busy",
			prev: CPUCounters{Idle: 100, Total: 200},
			cur:  CPUCounters{Idle: 150, Total: 300},
			want: 50,
		},
		{
			name: "iowait counts as idle",
			prev: CPUCounters{Idle: 100, IOWait: 0, Total: 200},
			cur:  CPUCounters{Idle: 100, IOWait: 50, Total: 300},
			want: 50,
		},
		{
			name: "no progress",
			prev: CPUCounters{Idle: 100, Total: 200},
			cur:  CPUCounters{Idle: 100, Total: 200},
			want: 0,
		},
		{
			name: "fully idle",
			prev: CPUCounters{Idle: 100, Total: 200},
			cur:  CPUCounters{Idle: 200, Total: 300},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, CPUUsage(tt.prev, tt.cur), 0.001)
		})
	}
}

func TestReadMemoryInfo(t *testing.T) {
	p := writeFixture(t, "meminfo", `MemTotal:        8000000 kB
MemFree:         2000000 kB
MemAvailable:    5000000 kB
Buffers:          300000 kB
`)

	m, err := readMemoryInfo(p)
	require.NoError(t, err)
	require.Equal(t, uint64(8000000*1024), m.TotalBytes)
	require.Equal(t, uint64(2000000*1024), m.FreeBytes)
	require.Equal(t, uint64(5000000*1024), m.AvailableBytes)
	require.Equal(t, uint64(3000000*1024), m.UsedBytes)
}

func TestReadMemoryInfoWithoutAvailableFallsBackToFree(t *testing.T) {
	p := writeFixture(t, "meminfo", "MemTotal: 1000 kB\nMemFree: 400 kB\n")

	m, err := readMemoryInfo(p)
	require.NoError(t, err)
	require.Equal(t, uint64(400*1024), m.AvailableBytes)
	require.Equal(t, uint64(600*1024), m.UsedBytes)
}

func TestReadDiskCountersFiltersDevices(t *testing.T) {
	p := writeFixture(t, "diskstats",
		"   8       0 sda 100 0 2000 0 50 0 1000 0 0 0 0 0 0 0\n"+
			"   7       0 loop0 999 0 99999 0 999 0 99999 0 0 0 0 0 0 0\n"+
			" 253       0 vda 10 0 400 0 5 0 200 0 0 0 0 0 0 0\n")

	d, err := readDiskCounters(p)
	require.NoError(t, err)
	require.Equal(t, uint64((2000+400)*512), d.ReadBytes)
	require.Equal(t, uint64((1000+200)*512), d.WriteBytes)
}

func TestReadNetCountersSkipsLoopback(t *testing.T) {
	p := writeFixture(t, "netdev", `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 5000 10 0 0 0 0 0 0 5000 10 0 0 0 0 0 0
  eth0: 1000 5 0 0 0 0 0 0 2000 8 0 0 0 0 0 0
 virbr0: 300 2 0 0 0 0 0 0 400 3 0 0 0 0 0 0
`)

	n, err := readNetCounters(p)
	require.NoError(t, err)
	require.Equal(t, uint64(1300), n.RxBytes)
	require.Equal(t, uint64(2400), n.TxBytes)
}

func TestReadLoadAvg(t *testing.T) {
	p := writeFixture(t, "loadavg", "0.52 1.04 2.08 2/345 6789\n")

	l1, l5, l15 := readLoadAvg(p)
	require.InDelta(t, 0.52, l1, 0.001)
	require.InDelta(t, 1.04, l5, 0.001)
	require.InDelta(t, 2.08, l15, 0.001)
}

func TestReadFilesystemUsage(t *testing.T) {
	u, err := ReadFilesystemUsage(t.TempDir())
	require.NoError(t, err)
	require.Greater(t, u.TotalBytes, uint64(0))
	require.GreaterOrEqual(t, u.UsedPercent, 0.0)
	require.LessOrEqual(t, u.UsedPercent, 100.0)
}
