package monitor

import (
	"time"

	"nimbus-kvm-orchestrator/internal/model"
	"nimbus-kvm-orchestrator/internal/system"
)

type hostSample struct {
	cpu   system.CPUCounters
	disk  system.DiskCounters
	net   system.NetCounters
	at    time.Time
	valid bool
}

// collectHostLocked reads the /proc counters and statfs for the watched
// filesystem. Individual failures degrade to zeroes; a partial host
// sample is still useful. Callers hold m.mu.
func (m *Monitor) collectHostLocked(now time.Time) model.HostMetrics {
	hm := model.HostMetrics{
		NodeID:    m.nodeID,
		Hostname:  m.hostname,
		Timestamp: now,
	}

	cpu, cpuErr := system.ReadCPUCounters()
	if cpuErr != nil {
		m.logger.Warn("read cpu counters failed", "error", cpuErr)
	}
	if mem, err := system.ReadMemoryInfo(); err == nil {
		hm.MemTotalBytes = mem.TotalBytes
		hm.MemFreeBytes = mem.FreeBytes
		hm.MemAvailBytes = mem.AvailableBytes
	} else {
		m.logger.Warn("read meminfo failed", "error", err)
	}
	hm.Load1, hm.Load5, hm.Load15 = system.ReadLoadAvg()
	if fs, err := system.ReadFilesystemUsage(m.diskPath); err == nil {
		hm.DiskUsagePercent = fs.UsedPercent
	} else {
		m.logger.Warn("read filesystem usage failed", "path", m.diskPath, "error", err)
	}
	disk, diskErr := system.ReadDiskCounters()
	if diskErr != nil {
		m.logger.Warn("read diskstats failed", "error", diskErr)
	}
	netC, netErr := system.ReadNetCounters()
	if netErr != nil {
		m.logger.Warn("read net counters failed", "error", netErr)
	}

	if m.hostPrev.valid {
		dt := now.Sub(m.hostPrev.at).Seconds()
		if cpuErr == nil {
			hm.CPUPercent = system.CPUUsage(m.hostPrev.cpu, cpu)
		}
		if diskErr == nil {
			hm.DiskReadBps = counterRate(disk.ReadBytes, m.hostPrev.disk.ReadBytes, dt)
			hm.DiskWriteBps = counterRate(disk.WriteBytes, m.hostPrev.disk.WriteBytes, dt)
		}
		if netErr == nil {
			hm.NetRxBps = counterRate(netC.RxBytes, m.hostPrev.net.RxBytes, dt)
			hm.NetTxBps = counterRate(netC.TxBytes, m.hostPrev.net.TxBytes, dt)
		}
	}

	m.hostPrev = hostSample{cpu: cpu, disk: disk, net: netC, at: now, valid: cpuErr == nil}
	return hm
}
