package orchestrator

import (
	"sync/atomic"
	"time"
)

// HealthStatus is the lock-free view of the orchestrator's moving
// parts, read by the probe and healthz endpoints.
type HealthStatus struct {
	libvirtConnected   atomic.Bool
	forwarderConnected atomic.Bool
	lastVMSampleAt     atomic.Int64
	lastHostSampleAt   atomic.Int64
	lastDecisionAt     atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.libvirtConnected.Store(false)
	h.forwarderConnected.Store(false)
	return h
}

func (h *HealthStatus) SetLibvirtConnected(ok bool) {
	h.libvirtConnected.Store(ok)
}

func (h *HealthStatus) SetForwarderConnected(ok bool) {
	h.forwarderConnected.Store(ok)
}

func (h *HealthStatus) MarkVMSample(ts time.Time) {
	h.lastVMSampleAt.Store(stamp(ts))
}

func (h *HealthStatus) MarkHostSample(ts time.Time) {
	h.lastHostSampleAt.Store(stamp(ts))
}

func (h *HealthStatus) MarkDecision(ts time.Time) {
	h.lastDecisionAt.Store(stamp(ts))
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"libvirt_connected":   h.libvirtConnected.Load(),
		"forwarder_connected": h.forwarderConnected.Load(),
	}
	if v := h.lastVMSampleAt.Load(); v > 0 {
		out["last_vm_sample_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastHostSampleAt.Load(); v > 0 {
		out["last_host_sample_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastDecisionAt.Load(); v > 0 {
		out["last_decision_at"] = time.Unix(0, v).UTC()
	}
	return out
}

func stamp(ts time.Time) int64 {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UnixNano()
}
