package monitor

import (
	"log/slog"
	"testing"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/require"

	"nimbus-kvm-orchestrator/internal/model"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	return New(nil, "node-1", "host-1", "/", slog.Default())
}

func sampleFields(cpuNs, balloonCur, balloonMax, vcpus uint64) map[string]uint64 {
	return map[string]uint64{
		golibvirt.DomainStatsCPUTime:        cpuNs,
		golibvirt.DomainStatsBalloonCurrent: balloonCur,
		golibvirt.DomainStatsBalloonMaximum: balloonMax,
		golibvirt.DomainStatsVCPUCurrent:    vcpus,
		"block.0.rd.bytes":                  0,
		"block.0.wr.bytes":                  0,
		"net.0.rx.bytes":                    0,
		"net.0.tx.bytes":                    0,
	}
}

func TestFirstSampleReportsZeroRates(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now().UTC()

	fields := sampleFields(5_000_000_000, 1048576, 2097152, 2)
	fields["block.0.rd.bytes"] = 4096
	fields["net.0.rx.bytes"] = 8192

	m.mu.Lock()
	usage := m.computeUsageLocked("vm-a", fields, now)
	m.mu.Unlock()

	require.Zero(t, usage.CPUPercent)
	require.Zero(t, usage.IOReadBps)
	require.Zero(t, usage.NetRxBps)
	require.EqualValues(t, 1048576*1024, usage.MemoryBytes)
	require.EqualValues(t, 2097152*1024, usage.MemoryMaxBytes)
}

func TestComputeUsageRates(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now().UTC()

	m.mu.Lock()
	m.prev["vm-a"] = vmSample{
		cpuNs:   1_000_000_000,
		ioRead:  1000,
		ioWrite: 2000,
		netRx:   3000,
		netTx:   4000,
		at:      now.Add(-time.Second),
	}
	fields := sampleFields(2_000_000_000, 1048576, 2097152, 2)
	fields["block.0.rd.bytes"] = 11000
	fields["block.0.wr.bytes"] = 22000
	fields["net.0.rx.bytes"] = 33000
	fields["net.0.tx.bytes"] = 44000
	usage := m.computeUsageLocked("vm-a", fields, now)
	m.mu.Unlock()

	// One second of cpu time across two vcpus in a one second window.
	require.InDelta(t, 50.0, usage.CPUPercent, 0.5)
	require.InDelta(t, 10000.0, usage.IOReadBps, 0.5)
	require.InDelta(t, 20000.0, usage.IOWriteBps, 0.5)
	require.InDelta(t, 30000.0, usage.NetRxBps, 0.5)
	require.InDelta(t, 40000.0, usage.NetTxBps, 0.5)
}

func TestComputeUsageCounterReset(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now().UTC()

	m.mu.Lock()
	m.prev["vm-a"] = vmSample{cpuNs: 9_000_000_000, ioRead: 99999, at: now.Add(-time.Second)}
	fields := sampleFields(1_000_000_000, 1048576, 2097152, 2)
	fields["block.0.rd.bytes"] = 10
	usage := m.computeUsageLocked("vm-a", fields, now)
	m.mu.Unlock()

	require.Zero(t, usage.CPUPercent, "a cpu counter reset must not report usage")
	require.Zero(t, usage.IOReadBps, "an io counter reset must not report a rate")
}

func TestMemoryMaxFallsBackToCurrent(t *testing.T) {
	m := newTestMonitor(t)
	m.mu.Lock()
	usage := m.computeUsageLocked("vm-a", sampleFields(0, 524288, 0, 1), time.Now().UTC())
	m.mu.Unlock()
	require.Equal(t, usage.MemoryBytes, usage.MemoryMaxBytes)
}

func TestHistoryCapAndAverages(t *testing.T) {
	m := newTestMonitor(t)
	s := &series{state: "running"}

	for i := 0; i < 170; i++ {
		s.push(model.ResourceUsage{CPUPercent: 10, MemoryBytes: 50, MemoryMaxBytes: 100})
	}
	for i := 0; i < 180; i++ {
		s.push(model.ResourceUsage{CPUPercent: 90, MemoryBytes: 80, MemoryMaxBytes: 100})
	}
	require.Len(t, s.history, historyCap)

	m.mu.Lock()
	m.vms["vm-a"] = s
	m.mu.Unlock()

	metrics, ok := m.VMMetrics("vm-a")
	require.True(t, ok)
	require.Equal(t, "running", metrics.State)
	require.InDelta(t, 90.0, metrics.CPUAvg5m, 0.01, "last 60 samples are all in the high phase")
	require.InDelta(t, 90.0, metrics.CPUAvg15m, 0.01, "last 180 samples are all in the high phase")
	require.InDelta(t, 80.0, metrics.MemAvg5m, 0.01)
	require.Len(t, metrics.History, historyCap)

	// The returned history is a copy.
	metrics.History[0].CPUPercent = -1
	again, _ := m.VMMetrics("vm-a")
	require.NotEqual(t, -1.0, again.History[0].CPUPercent)
}

func TestVMMetricsUnknownName(t *testing.T) {
	m := newTestMonitor(t)
	_, ok := m.VMMetrics("ghost")
	require.False(t, ok)
	require.Empty(t, m.AllVMMetrics())
}

func TestAllVMMetricsSorted(t *testing.T) {
	m := newTestMonitor(t)
	for _, name := range []string{"vm-c", "vm-a", "vm-b"} {
		s := &series{state: "running"}
		s.push(model.ResourceUsage{CPUPercent: 1})
		m.mu.Lock()
		m.vms[name] = s
		m.mu.Unlock()
	}
	all := m.AllVMMetrics()
	require.Len(t, all, 3)
	require.Equal(t, []string{"vm-a", "vm-b", "vm-c"}, []string{all[0].VMName, all[1].VMName, all[2].VMName})
}

func TestCollectHostFirstTick(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now().UTC()

	m.mu.Lock()
	host := m.collectHostLocked(now)
	m.mu.Unlock()

	require.Equal(t, "node-1", host.NodeID)
	require.Equal(t, "host-1", host.Hostname)
	require.Equal(t, now, host.Timestamp)
	require.Zero(t, host.CPUPercent, "the first tick has no delta to rate against")
	require.Zero(t, host.DiskReadBps)
	require.Zero(t, host.NetRxBps)
	require.NotZero(t, host.MemTotalBytes)

	m.mu.Lock()
	second := m.collectHostLocked(now.Add(time.Second))
	m.mu.Unlock()
	require.GreaterOrEqual(t, second.CPUPercent, 0.0)
}

func TestMeanLast(t *testing.T) {
	h := []model.ResourceUsage{{CPUPercent: 10}, {CPUPercent: 20}, {CPUPercent: 60}}
	f := func(u model.ResourceUsage) float64 { return u.CPUPercent }
	require.InDelta(t, 40.0, meanLast(h, 2, f), 0.01)
	require.InDelta(t, 30.0, meanLast(h, 10, f), 0.01, "a window longer than history shrinks to fit")
	require.Zero(t, meanLast(nil, 5, f))
}

func TestCounterRate(t *testing.T) {
	require.InDelta(t, 100.0, counterRate(1100, 1000, 1.0), 0.01)
	require.Zero(t, counterRate(900, 1000, 1.0))
	require.Zero(t, counterRate(1100, 1000, 0))
}

func TestOnSampleRegistration(t *testing.T) {
	m := newTestMonitor(t)
	m.OnSample(func(string, model.ResourceUsage) {})
	m.OnHostSample(func(model.HostMetrics) {})
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.callbacks, 1)
	require.Len(t, m.hostCbs, 1)
}
