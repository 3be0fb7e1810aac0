// Package monitor samples per-domain and host resource usage on a fixed
// tick, keeps a bounded history per VM, and fans each sample out to
// registered subscribers.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"nimbus-kvm-orchestrator/internal/libvirt"
	"nimbus-kvm-orchestrator/internal/model"
	"nimbus-kvm-orchestrator/internal/vm"
)

const (
	historyCap  = 300
	avg5Window  = 60
	avg15Window = 180
)

// Callback receives one VM sample per tick. Callbacks run synchronously
// on the monitor tick, so they must return quickly.
type Callback func(vmName string, usage model.ResourceUsage)

// HostCallback receives the host sample per tick.
type HostCallback func(metrics model.HostMetrics)

type vmSample struct {
	cpuNs   uint64
	ioRead  uint64
	ioWrite uint64
	netRx   uint64
	netTx   uint64
	at      time.Time
}

type series struct {
	state   string
	history []model.ResourceUsage
}

func (s *series) push(u model.ResourceUsage) {
	s.history = append(s.history, u)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

// Monitor polls libvirt domain stats and /proc host counters. Rates are
// deltas against the previous tick; the first sample of any counter
// reports zero.
type Monitor struct {
	session  *libvirt.Session
	logger   *slog.Logger
	nodeID   string
	hostname string
	diskPath string
	cores    float64

	mu        sync.Mutex
	prev      map[string]vmSample
	vms       map[string]*series
	host      model.HostMetrics
	hostPrev  hostSample
	callbacks []Callback
	hostCbs   []HostCallback
}

func New(session *libvirt.Session, nodeID, hostname, diskPath string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{
		session:  session,
		logger:   logger,
		nodeID:   nodeID,
		hostname: hostname,
		diskPath: diskPath,
		cores:    float64(runtime.NumCPU()),
		prev:     map[string]vmSample{},
		vms:      map[string]*series{},
	}
}

// OnSample registers a per-VM subscriber.
func (m *Monitor) OnSample(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// OnHostSample registers a host subscriber.
func (m *Monitor) OnHostSample(cb HostCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostCbs = append(m.hostCbs, cb)
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Warn("monitor tick failed", "error", err)
			}
		}
	}
}

// Tick takes one sample of every domain plus the host and fans it out.
func (m *Monitor) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	type fanout struct {
		name  string
		usage model.ResourceUsage
	}
	var (
		samples []fanout
		cbs     []Callback
		hostCbs []HostCallback
		host    model.HostMetrics
	)

	records, err := m.collectDomainStats(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	seen := map[string]bool{}
	for _, rec := range records {
		name := rec.Dom.Name
		seen[name] = true
		fields, state := flattenParams(rec.Params)
		usage := m.computeUsageLocked(name, fields, now)

		s, ok := m.vms[name]
		if !ok {
			s = &series{}
			m.vms[name] = s
		}
		s.state = state
		s.push(usage)
		samples = append(samples, fanout{name: name, usage: usage})
	}
	for name := range m.vms {
		if !seen[name] {
			delete(m.vms, name)
			delete(m.prev, name)
		}
	}

	host = m.collectHostLocked(now)
	m.host = host
	cbs = append([]Callback(nil), m.callbacks...)
	hostCbs = append([]HostCallback(nil), m.hostCbs...)
	m.mu.Unlock()

	for _, s := range samples {
		for _, cb := range cbs {
			cb(s.name, s.usage)
		}
	}
	for _, cb := range hostCbs {
		cb(host)
	}
	return nil
}

func (m *Monitor) collectDomainStats(ctx context.Context) ([]golibvirt.DomainStatsRecord, error) {
	client, err := m.session.Client(ctx)
	if err != nil {
		return nil, err
	}
	doms, _, err := client.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("ConnectListAllDomains: %w", err)
	}
	if len(doms) == 0 {
		return nil, nil
	}
	statsMask := uint32(golibvirt.DomainStatsCPUTotal | golibvirt.DomainStatsBalloon | golibvirt.DomainStatsInterface | golibvirt.DomainStatsBlock | golibvirt.DomainStatsState | golibvirt.DomainStatsVCPU)
	records, err := client.ConnectGetAllDomainStats(doms, statsMask, 0)
	if err != nil {
		return nil, fmt.Errorf("ConnectGetAllDomainStats: %w", err)
	}
	return records, nil
}

// computeUsageLocked folds one record's counters against the previous
// tick. Callers hold m.mu.
func (m *Monitor) computeUsageLocked(name string, fields map[string]uint64, now time.Time) model.ResourceUsage {
	usage := model.ResourceUsage{Timestamp: now}

	usage.MemoryBytes = fields[golibvirt.DomainStatsBalloonCurrent] * 1024
	usage.MemoryMaxBytes = fields[golibvirt.DomainStatsBalloonMaximum] * 1024
	if usage.MemoryMaxBytes == 0 {
		usage.MemoryMaxBytes = usage.MemoryBytes
	}

	ioRead, ioWrite := sumBySuffix(fields, golibvirt.DomainStatsBlockSuffixRdBytes, golibvirt.DomainStatsBlockSuffixWrBytes)
	netRx, netTx := sumBySuffix(fields, golibvirt.DomainStatsNetSuffixRxBytes, golibvirt.DomainStatsNetSuffixTxBytes)
	cpuNs := fields[golibvirt.DomainStatsCPUTime]

	cur := vmSample{cpuNs: cpuNs, ioRead: ioRead, ioWrite: ioWrite, netRx: netRx, netTx: netTx, at: now}
	prev, ok := m.prev[name]
	m.prev[name] = cur
	if !ok {
		return usage
	}
	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return usage
	}

	if cpuNs > prev.cpuNs {
		denom := float64(fields[golibvirt.DomainStatsVCPUCurrent])
		if denom <= 0 {
			denom = m.cores
		}
		cpuDeltaSeconds := float64(cpuNs-prev.cpuNs) / float64(time.Second)
		pct := (cpuDeltaSeconds / dt) * (100.0 / denom)
		if pct > 100 {
			pct = 100
		}
		if pct > 0 {
			usage.CPUPercent = pct
		}
	}

	usage.IOReadBps = counterRate(ioRead, prev.ioRead, dt)
	usage.IOWriteBps = counterRate(ioWrite, prev.ioWrite, dt)
	usage.NetRxBps = counterRate(netRx, prev.netRx, dt)
	usage.NetTxBps = counterRate(netTx, prev.netTx, dt)
	return usage
}

// VMMetrics returns the snapshot view for one VM.
func (m *Monitor) VMMetrics(name string) (model.VMMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.vms[name]
	if !ok || len(s.history) == 0 {
		return model.VMMetrics{}, false
	}
	return m.snapshotLocked(name, s), true
}

// AllVMMetrics returns snapshots for every tracked VM, sorted by name.
func (m *Monitor) AllVMMetrics() []model.VMMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.VMMetrics, 0, len(m.vms))
	for name, s := range m.vms {
		if len(s.history) == 0 {
			continue
		}
		out = append(out, m.snapshotLocked(name, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMName < out[j].VMName })
	return out
}

// HostMetrics returns the latest host sample.
func (m *Monitor) HostMetrics() model.HostMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

func (m *Monitor) snapshotLocked(name string, s *series) model.VMMetrics {
	return model.VMMetrics{
		NodeID:    m.nodeID,
		VMName:    name,
		State:     s.state,
		Latest:    s.history[len(s.history)-1],
		History:   append([]model.ResourceUsage(nil), s.history...),
		CPUAvg5m:  meanLast(s.history, avg5Window, func(u model.ResourceUsage) float64 { return u.CPUPercent }),
		CPUAvg15m: meanLast(s.history, avg15Window, func(u model.ResourceUsage) float64 { return u.CPUPercent }),
		MemAvg5m:  meanLast(s.history, avg5Window, model.ResourceUsage.MemoryPercent),
		MemAvg15m: meanLast(s.history, avg15Window, model.ResourceUsage.MemoryPercent),
	}
}

func flattenParams(params []golibvirt.TypedParam) (map[string]uint64, string) {
	fields := map[string]uint64{}
	state := vm.StateUnknown.String()
	for _, p := range params {
		if strings.EqualFold(p.Field, golibvirt.DomainStatsStateState) {
			state = vm.FromLibvirt(uint8(asUint64(p.Value.I))).String()
			continue
		}
		fields[p.Field] = asUint64(p.Value.I)
	}
	return fields, state
}

func sumBySuffix(fields map[string]uint64, readSuffix, writeSuffix string) (uint64, uint64) {
	var read, write uint64
	for k, v := range fields {
		switch {
		case strings.HasSuffix(k, readSuffix):
			read += v
		case strings.HasSuffix(k, writeSuffix):
			write += v
		}
	}
	return read, write
}

func counterRate(cur, prev uint64, dt float64) float64 {
	if cur <= prev || dt <= 0 {
		return 0
	}
	return float64(cur-prev) / dt
}

func meanLast(h []model.ResourceUsage, n int, f func(model.ResourceUsage) float64) float64 {
	if len(h) == 0 {
		return 0
	}
	if n > len(h) {
		n = len(h)
	}
	var sum float64
	for _, u := range h[len(h)-n:] {
		sum += f(u)
	}
	return sum / float64(n)
}

func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case uint32:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint8:
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int32:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float32:
		if t < 0 {
			return 0
		}
		return uint64(t)
	default:
		return 0
	}
}
