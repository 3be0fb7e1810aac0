package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nimbus-kvm-orchestrator/internal/model"
)

// Source provides the metric snapshots the exporter and forwarder
// publish. The monitor satisfies it.
type Source interface {
	AllVMMetrics() []model.VMMetrics
	HostMetrics() model.HostMetrics
}

// Exporter exposes the latest per-VM and host samples as prometheus
// gauges. Collect reads the monitor's cache; it never touches libvirt.
type Exporter struct {
	src Source

	vmState    *prometheus.Desc
	vmCPU      *prometheus.Desc
	vmCPUAvg5  *prometheus.Desc
	vmCPUAvg15 *prometheus.Desc
	vmMemUsed  *prometheus.Desc
	vmMemTotal *prometheus.Desc
	vmMemAvg5  *prometheus.Desc
	vmMemAvg15 *prometheus.Desc
	vmIORead   *prometheus.Desc
	vmIOWrite  *prometheus.Desc
	vmNetRx    *prometheus.Desc
	vmNetTx    *prometheus.Desc

	hostCPU       *prometheus.Desc
	hostMemTotal  *prometheus.Desc
	hostMemFree   *prometheus.Desc
	hostMemAvail  *prometheus.Desc
	hostLoad1     *prometheus.Desc
	hostLoad5     *prometheus.Desc
	hostLoad15    *prometheus.Desc
	hostDiskUsage *prometheus.Desc
	hostDiskRead  *prometheus.Desc
	hostDiskWrite *prometheus.Desc
	hostNetRx     *prometheus.Desc
	hostNetTx     *prometheus.Desc
}

func NewExporter(src Source) *Exporter {
	vmLabels := []string{"vm"}
	return &Exporter{
		src: src,

		vmState:    prometheus.NewDesc("nimbus_vm_state", "VM lifecycle state as a labeled constant", []string{"vm", "state"}, nil),
		vmCPU:      prometheus.NewDesc("nimbus_vm_cpu_percent", "CPU usage percentage", vmLabels, nil),
		vmCPUAvg5:  prometheus.NewDesc("nimbus_vm_cpu_avg5m_percent", "CPU usage 5 minute average", vmLabels, nil),
		vmCPUAvg15: prometheus.NewDesc("nimbus_vm_cpu_avg15m_percent", "CPU usage 15 minute average", vmLabels, nil),
		vmMemUsed:  prometheus.NewDesc("nimbus_vm_memory_used_bytes", "Balloon memory in use", vmLabels, nil),
		vmMemTotal: prometheus.NewDesc("nimbus_vm_memory_total_bytes", "Balloon memory ceiling", vmLabels, nil),
		vmMemAvg5:  prometheus.NewDesc("nimbus_vm_memory_avg5m_percent", "Memory usage 5 minute average", vmLabels, nil),
		vmMemAvg15: prometheus.NewDesc("nimbus_vm_memory_avg15m_percent", "Memory usage 15 minute average", vmLabels, nil),
		vmIORead:   prometheus.NewDesc("nimbus_vm_disk_read_bps", "Disk read rate", vmLabels, nil),
		vmIOWrite:  prometheus.NewDesc("nimbus_vm_disk_write_bps", "Disk write rate", vmLabels, nil),
		vmNetRx:    prometheus.NewDesc("nimbus_vm_net_rx_bps", "Network receive rate", vmLabels, nil),
		vmNetTx:    prometheus.NewDesc("nimbus_vm_net_tx_bps", "Network transmit rate", vmLabels, nil),

		hostCPU:       prometheus.NewDesc("nimbus_host_cpu_percent", "Host CPU usage percentage", nil, nil),
		hostMemTotal:  prometheus.NewDesc("nimbus_host_memory_total_bytes", "Host memory total", nil, nil),
		hostMemFree:   prometheus.NewDesc("nimbus_host_memory_free_bytes", "Host memory free", nil, nil),
		hostMemAvail:  prometheus.NewDesc("nimbus_host_memory_available_bytes", "Host memory available", nil, nil),
		hostLoad1:     prometheus.NewDesc("nimbus_host_load1", "Host load average over 1 minute", nil, nil),
		hostLoad5:     prometheus.NewDesc("nimbus_host_load5", "Host load average over 5 minutes", nil, nil),
		hostLoad15:    prometheus.NewDesc("nimbus_host_load15", "Host load average over 15 minutes", nil, nil),
		hostDiskUsage: prometheus.NewDesc("nimbus_host_disk_usage_percent", "State filesystem usage percentage", nil, nil),
		hostDiskRead:  prometheus.NewDesc("nimbus_host_disk_read_bps", "Host disk read rate", nil, nil),
		hostDiskWrite: prometheus.NewDesc("nimbus_host_disk_write_bps", "Host disk write rate", nil, nil),
		hostNetRx:     prometheus.NewDesc("nimbus_host_net_rx_bps", "Host network receive rate", nil, nil),
		hostNetTx:     prometheus.NewDesc("nimbus_host_net_tx_bps", "Host network transmit rate", nil, nil),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.vmState
	ch <- e.vmCPU
	ch <- e.vmCPUAvg5
	ch <- e.vmCPUAvg15
	ch <- e.vmMemUsed
	ch <- e.vmMemTotal
	ch <- e.vmMemAvg5
	ch <- e.vmMemAvg15
	ch <- e.vmIORead
	ch <- e.vmIOWrite
	ch <- e.vmNetRx
	ch <- e.vmNetTx
	ch <- e.hostCPU
	ch <- e.hostMemTotal
	ch <- e.hostMemFree
	ch <- e.hostMemAvail
	ch <- e.hostLoad1
	ch <- e.hostLoad5
	ch <- e.hostLoad15
	ch <- e.hostDiskUsage
	ch <- e.hostDiskRead
	ch <- e.hostDiskWrite
	ch <- e.hostNetRx
	ch <- e.hostNetTx
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for _, m := range e.src.AllVMMetrics() {
		ch <- prometheus.MustNewConstMetric(e.vmState, prometheus.GaugeValue, 1, m.VMName, m.State)
		ch <- prometheus.MustNewConstMetric(e.vmCPU, prometheus.GaugeValue, m.Latest.CPUPercent, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmCPUAvg5, prometheus.GaugeValue, m.CPUAvg5m, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmCPUAvg15, prometheus.GaugeValue, m.CPUAvg15m, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmMemUsed, prometheus.GaugeValue, float64(m.Latest.MemoryBytes), m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmMemTotal, prometheus.GaugeValue, float64(m.Latest.MemoryMaxBytes), m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmMemAvg5, prometheus.GaugeValue, m.MemAvg5m, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmMemAvg15, prometheus.GaugeValue, m.MemAvg15m, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmIORead, prometheus.GaugeValue, m.Latest.IOReadBps, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmIOWrite, prometheus.GaugeValue, m.Latest.IOWriteBps, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmNetRx, prometheus.GaugeValue, m.Latest.NetRxBps, m.VMName)
		ch <- prometheus.MustNewConstMetric(e.vmNetTx, prometheus.GaugeValue, m.Latest.NetTxBps, m.VMName)
	}

	h := e.src.HostMetrics()
	if h.Timestamp.IsZero() {
		return
	}
	ch <- prometheus.MustNewConstMetric(e.hostCPU, prometheus.GaugeValue, h.CPUPercent)
	ch <- prometheus.MustNewConstMetric(e.hostMemTotal, prometheus.GaugeValue, float64(h.MemTotalBytes))
	ch <- prometheus.MustNewConstMetric(e.hostMemFree, prometheus.GaugeValue, float64(h.MemFreeBytes))
	ch <- prometheus.MustNewConstMetric(e.hostMemAvail, prometheus.GaugeValue, float64(h.MemAvailBytes))
	ch <- prometheus.MustNewConstMetric(e.hostLoad1, prometheus.GaugeValue, h.Load1)
	ch <- prometheus.MustNewConstMetric(e.hostLoad5, prometheus.GaugeValue, h.Load5)
	ch <- prometheus.MustNewConstMetric(e.hostLoad15, prometheus.GaugeValue, h.Load15)
	ch <- prometheus.MustNewConstMetric(e.hostDiskUsage, prometheus.GaugeValue, h.DiskUsagePercent)
	ch <- prometheus.MustNewConstMetric(e.hostDiskRead, prometheus.GaugeValue, h.DiskReadBps)
	ch <- prometheus.MustNewConstMetric(e.hostDiskWrite, prometheus.GaugeValue, h.DiskWriteBps)
	ch <- prometheus.MustNewConstMetric(e.hostNetRx, prometheus.GaugeValue, h.NetRxBps)
	ch <- prometheus.MustNewConstMetric(e.hostNetTx, prometheus.GaugeValue, h.NetTxBps)
}

// NewHandler wraps the exporter in a registry together with the
// standard process and runtime collectors.
func NewHandler(e *Exporter) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		e,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		prometheus.NewBuildInfoCollector(),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
