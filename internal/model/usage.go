package model

import "time"

// ResourceUsage is one per-domain sample taken by the monitor tick.
// Rates are computed against the previous sample; the first sample for a
// domain reports zero rates.
type ResourceUsage struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryBytes    uint64    `json:"memory_bytes"`
	MemoryMaxBytes uint64    `json:"memory_max_bytes"`
	IOReadBps      float64   `json:"io_read_bps"`
	IOWriteBps     float64   `json:"io_write_bps"`
	NetRxBps       float64   `json:"net_rx_bps"`
	NetTxBps       float64   `json:"net_tx_bps"`
}

// MemoryPercent returns balloon usage relative to the domain maximum,
// zero when the maximum is unknown.
func (u ResourceUsage) MemoryPercent() float64 {
	if u.MemoryMaxBytes == 0 {
		return 0
	}
	return float64(u.MemoryBytes) / float64(u.MemoryMaxBytes) * 100
}

// VMMetrics is a snapshot view handed to metric subscribers. History is a
// copy bounded to the window cap; the live buffer is never aliased.
type VMMetrics struct {
	NodeID    string          `json:"node_id"`
	VMName    string          `json:"vm_name"`
	State     string          `json:"state"`
	Latest    ResourceUsage   `json:"latest"`
	History   []ResourceUsage `json:"history,omitempty"`
	CPUAvg5m  float64         `json:"cpu_avg_5m"`
	CPUAvg15m float64         `json:"cpu_avg_15m"`
	MemAvg5m  float64         `json:"mem_avg_5m"`
	MemAvg15m float64         `json:"mem_avg_15m"`
}

// HostMetrics carries the host-level probe results for one tick.
type HostMetrics struct {
	NodeID           string    `json:"node_id"`
	Hostname         string    `json:"hostname"`
	Timestamp        time.Time `json:"timestamp"`
	CPUPercent       float64   `json:"cpu_percent"`
	MemTotalBytes    uint64    `json:"mem_total_bytes"`
	MemFreeBytes     uint64    `json:"mem_free_bytes"`
	MemAvailBytes    uint64    `json:"mem_avail_bytes"`
	Load1            float64   `json:"load_1"`
	Load5            float64   `json:"load_5"`
	Load15           float64   `json:"load_15"`
	DiskUsagePercent float64   `json:"disk_usage_percent"`
	DiskReadBps      float64   `json:"disk_read_bps"`
	DiskWriteBps     float64   `json:"disk_write_bps"`
	NetRxBps         float64   `json:"net_rx_bps"`
	NetTxBps         float64   `json:"net_tx_bps"`
}
