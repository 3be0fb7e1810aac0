// Package scaling turns metric samples into rate-limited scaling
// decisions and executes them against the VM manager.
package scaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"nimbus-kvm-orchestrator/internal/model"
	"nimbus-kvm-orchestrator/internal/store"
)

const (
	patternWindow  = 60
	historyCap     = 1000
	defaultMinGap  = 2 * time.Minute
	defaultDayCap  = 50
	memStepFloorMB = 1024
)

// Thresholds are the per-axis trigger percentages.
type Thresholds struct {
	CPUUp   float64
	CPUDown float64
	MemUp   float64
	MemDown float64
	IOUp    float64
	IODown  float64
	NetUp   float64
	NetDown float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUUp: 80, CPUDown: 20,
		MemUp: 85, MemDown: 30,
		IOUp: 75, IODown: 15,
		NetUp: 70, NetDown: 10,
	}
}

// VMInfo is what the engine needs to know about a VM to reason about it.
type VMInfo struct {
	ID     uint64
	Limits model.LimitTable
}

// InfoProvider resolves a VM name to its identity and limit table.
type InfoProvider func(name string) (VMInfo, bool)

// Sink receives every actionable decision the engine emits.
type Sink func(model.Decision)

type vmTrack struct {
	window    []model.ResourceUsage
	lastFired time.Time
	fired     []time.Time
	history   []model.Decision
}

func (t *vmTrack) push(u model.ResourceUsage) {
	t.window = append(t.window, u)
	if len(t.window) > patternWindow {
		t.window = t.window[len(t.window)-patternWindow:]
	}
}

func (t *vmTrack) mean(f func(model.ResourceUsage) float64) float64 {
	if len(t.window) == 0 {
		return 0
	}
	var sum float64
	for _, u := range t.window {
		sum += f(u)
	}
	return sum / float64(len(t.window))
}

// Engine applies the threshold and prediction rules to each sample. One
// evaluation per metric event; no dedicated goroutine.
type Engine struct {
	info       InfoProvider
	sink       Sink
	store      store.Store
	logger     *slog.Logger
	thresholds Thresholds
	minGap     time.Duration
	dayCap     int

	mu  sync.Mutex
	vms map[string]*vmTrack
}

// Params configures the engine. Store may be nil to disable decision
// persistence.
type Params struct {
	Info       InfoProvider
	Sink       Sink
	Store      store.Store
	Logger     *slog.Logger
	Thresholds Thresholds
	MinGap     time.Duration
	DayCap     int
}

func New(p Params) *Engine {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Thresholds == (Thresholds{}) {
		p.Thresholds = DefaultThresholds()
	}
	if p.MinGap <= 0 {
		p.MinGap = defaultMinGap
	}
	if p.DayCap <= 0 {
		p.DayCap = defaultDayCap
	}
	return &Engine{
		info:       p.Info,
		sink:       p.Sink,
		store:      p.Store,
		logger:     p.Logger,
		thresholds: p.Thresholds,
		minGap:     p.MinGap,
		dayCap:     p.DayCap,
		vms:        map[string]*vmTrack{},
	}
}

// Evaluate folds one sample into the VM's pattern vector and returns
// the resulting decision. Actionable decisions are recorded, persisted
// and forwarded to the sink; Maintain is returned but never forwarded.
func (e *Engine) Evaluate(vmName string, usage model.ResourceUsage) model.Decision {
	now := usage.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	e.mu.Lock()
	tr, ok := e.vms[vmName]
	if !ok {
		tr = &vmTrack{}
		e.vms[vmName] = tr
	}
	tr.push(usage)
	avgCPU := tr.mean(func(u model.ResourceUsage) float64 { return u.CPUPercent })
	avgMem := tr.mean(model.ResourceUsage.MemoryPercent)
	avgIO := tr.mean(func(u model.ResourceUsage) float64 { return u.IOReadBps + u.IOWriteBps })
	avgNet := tr.mean(func(u model.ResourceUsage) float64 { return u.NetRxBps + u.NetTxBps })
	e.mu.Unlock()

	maintain := func(reason string) model.Decision {
		return model.Decision{VMName: vmName, Action: model.ActionMaintain, Timestamp: now, Reason: reason}
	}

	info, ok := e.info(vmName)
	if !ok {
		return maintain("no limit table")
	}

	decision := maintain("within thresholds")

	if cpu, ok := e.evalCPU(vmName, info.Limits, usage.CPUPercent, avgCPU, now); ok {
		decision = cpu
	}
	// IO and network pressure override a CPU choice but never memory.
	if io, ok := e.evalBudget(vmName, info.Limits, model.ResourceIO,
		usage.IOReadBps+usage.IOWriteBps, avgIO, e.thresholds.IOUp, e.thresholds.IODown, now); ok {
		if !decision.Actionable() || decision.Resource == model.ResourceCPU {
			decision = io
		}
	}
	if net, ok := e.evalBudget(vmName, info.Limits, model.ResourceNetwork,
		usage.NetRxBps+usage.NetTxBps, avgNet, e.thresholds.NetUp, e.thresholds.NetDown, now); ok {
		if !decision.Actionable() || decision.Resource == model.ResourceCPU {
			decision = net
		}
	}
	memPct := usage.MemoryPercent()
	if mem, ok := e.evalMemory(vmName, info.Limits, memPct, avgMem, now); ok {
		if !decision.Actionable() || memPct > e.thresholds.MemUp+10 {
			decision = mem
		}
	}

	if !decision.Actionable() {
		if pred, ok := e.evalPredicted(vmName, info.Limits, avgCPU, now); ok {
			decision = pred
		}
	}

	if !decision.Actionable() {
		return decision
	}
	if limited, reason := e.rateLimited(vmName, now); limited {
		return maintain(reason)
	}

	e.record(vmName, info.ID, decision)
	if e.sink != nil {
		e.sink(decision)
	}
	return decision
}

// History returns a copy of the VM's non-Maintain decisions, oldest
// first.
func (e *Engine) History(vmName string) []model.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.vms[vmName]
	if !ok {
		return nil
	}
	return append([]model.Decision(nil), tr.history...)
}

// Forget drops all engine state for a VM that left the host.
func (e *Engine) Forget(vmName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vms, vmName)
}

func (e *Engine) evalCPU(vmName string, limits model.LimitTable, sample, avg float64, now time.Time) (model.Decision, bool) {
	lim, ok := limits[model.ResourceCPU]
	if !ok {
		return model.Decision{}, false
	}
	t := e.thresholds
	if sample > t.CPUUp && avg > t.CPUUp-10 {
		target := clampUp(lim.Current, growthStep(lim.Current, 1), lim.Max)
		if target == lim.Current {
			return model.Decision{}, false
		}
		return model.Decision{
			VMName:     vmName,
			Action:     model.ActionScaleUp,
			Resource:   model.ResourceCPU,
			Amount:     target,
			Timestamp:  now,
			Confidence: confidence(sample, avg),
			Reason:     fmt.Sprintf("cpu %.1f%% above %.0f%%", sample, t.CPUUp),
		}, true
	}
	if sample < t.CPUDown && avg < t.CPUDown+5 {
		target := clampDown(lim.Current, growthStep(lim.Current, 1), lim.Min)
		if target == lim.Current {
			return model.Decision{}, false
		}
		return model.Decision{
			VMName:     vmName,
			Action:     model.ActionScaleDown,
			Resource:   model.ResourceCPU,
			Amount:     target,
			Timestamp:  now,
			Confidence: confidence(sample, avg),
			Reason:     fmt.Sprintf("cpu %.1f%% below %.0f%%", sample, t.CPUDown),
		}, true
	}
	return model.Decision{}, false
}

func (e *Engine) evalMemory(vmName string, limits model.LimitTable, sample, avg float64, now time.Time) (model.Decision, bool) {
	lim, ok := limits[model.ResourceMemory]
	if !ok {
		return model.Decision{}, false
	}
	t := e.thresholds
	if sample > t.MemUp && avg > t.MemUp-10 {
		target := clampUp(lim.Current, growthStep(lim.Current, memStepFloorMB), lim.Max)
		if target == lim.Current {
			return model.Decision{}, false
		}
		return model.Decision{
			VMName:     vmName,
			Action:     model.ActionScaleUp,
			Resource:   model.ResourceMemory,
			Amount:     target,
			Timestamp:  now,
			Confidence: confidence(sample, avg),
			Reason:     fmt.Sprintf("memory %.1f%% above %.0f%%", sample, t.MemUp),
		}, true
	}
	if sample < t.MemDown && avg < t.MemDown+5 {
		target := clampDown(lim.Current, growthStep(lim.Current, memStepFloorMB), lim.Min)
		if target == lim.Current {
			return model.Decision{}, false
		}
		return model.Decision{
			VMName:     vmName,
			Action:     model.ActionScaleDown,
			Resource:   model.ResourceMemory,
			Amount:     target,
			Timestamp:  now,
			Confidence: confidence(sample, avg),
			Reason:     fmt.Sprintf("memory %.1f%% below %.0f%%", sample, t.MemDown),
		}, true
	}
	return model.Decision{}, false
}

// evalBudget handles the axes whose usage is a rate against a declared
// budget. Without a limit row the axis is not evaluated.
func (e *Engine) evalBudget(vmName string, limits model.LimitTable, res model.Resource, rate, avgRate, up, down float64, now time.Time) (model.Decision, bool) {
	lim, ok := limits[res]
	if !ok || lim.Current == 0 {
		return model.Decision{}, false
	}
	budget := float64(lim.Current)
	pct := rate / budget * 100
	avgPct := avgRate / budget * 100

	if pct > up && avgPct > up-10 {
		target := clampUp(lim.Current, growthStep(lim.Current, 1), lim.Max)
		if target == lim.Current {
			return model.Decision{}, false
		}
		return model.Decision{
			VMName:     vmName,
			Action:     model.ActionScaleUp,
			Resource:   res,
			Amount:     target,
			Timestamp:  now,
			Confidence: confidence(pct, avgPct),
			Reason:     fmt.Sprintf("%s %.1f%% above %.0f%%", res, pct, up),
		}, true
	}
	if pct < down && avgPct < down+5 {
		target := clampDown(lim.Current, growthStep(lim.Current, 1), lim.Min)
		if target == lim.Current {
			return model.Decision{}, false
		}
		return model.Decision{
			VMName:     vmName,
			Action:     model.ActionScaleDown,
			Resource:   res,
			Amount:     target,
			Timestamp:  now,
			Confidence: confidence(pct, avgPct),
			Reason:     fmt.Sprintf("%s %.1f%% below %.0f%%", res, pct, down),
		}, true
	}
	return model.Decision{}, false
}

// evalPredicted nudges a quiet VM up when the pattern vector's mean
// already sits above the cpu up-threshold.
func (e *Engine) evalPredicted(vmName string, limits model.LimitTable, meanCPU float64, now time.Time) (model.Decision, bool) {
	if meanCPU <= e.thresholds.CPUUp {
		return model.Decision{}, false
	}
	lim, ok := limits[model.ResourceCPU]
	if !ok {
		return model.Decision{}, false
	}
	target := clampUp(lim.Current, growthStep(lim.Current, 1), lim.Max)
	if target == lim.Current {
		return model.Decision{}, false
	}
	return model.Decision{
		VMName:     vmName,
		Action:     model.ActionScaleUp,
		Resource:   model.ResourceCPU,
		Amount:     target,
		Timestamp:  now,
		Confidence: 0.6,
		Reason:     "predicted",
	}, true
}

func (e *Engine) rateLimited(vmName string, now time.Time) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.vms[vmName]
	if tr == nil {
		return false, ""
	}
	if !tr.lastFired.IsZero() && now.Sub(tr.lastFired) < e.minGap {
		return true, "rate limited: last decision too recent"
	}
	cutoff := now.Add(-24 * time.Hour)
	kept := tr.fired[:0]
	for _, ts := range tr.fired {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	tr.fired = kept
	if len(tr.fired) >= e.dayCap {
		return true, "rate limited: daily cap reached"
	}
	return false, ""
}

func (e *Engine) record(vmName string, id uint64, d model.Decision) {
	e.mu.Lock()
	tr := e.vms[vmName]
	tr.lastFired = d.Timestamp
	tr.fired = append(tr.fired, d.Timestamp)
	tr.history = append(tr.history, d)
	var evicted []model.Decision
	if len(tr.history) > historyCap {
		evicted = append(evicted, tr.history[:len(tr.history)-historyCap]...)
		tr.history = tr.history[len(tr.history)-historyCap:]
	}
	e.mu.Unlock()

	if e.store == nil {
		return
	}
	if b, err := json.Marshal(d); err == nil {
		if err := e.store.Put(store.DecisionKey(id, d.Timestamp.UnixNano()), b); err != nil {
			e.logger.Warn("persist decision failed", "vm", vmName, "error", err)
		}
	}
	for _, old := range evicted {
		if err := e.store.Delete(store.DecisionKey(id, old.Timestamp.UnixNano())); err != nil {
			e.logger.Warn("drop decision record failed", "vm", vmName, "error", err)
		}
	}
}

// confidence buckets the distance between the sample and its average:
// the closer they agree, the stronger the signal.
func confidence(sample, avg float64) float64 {
	switch diff := math.Abs(sample - avg); {
	case diff < 5:
		return 0.9
	case diff < 10:
		return 0.7
	case diff < 15:
		return 0.5
	default:
		return 0.3
	}
}

// growthStep is a quarter of current, rounded up, at least floor.
func growthStep(current, floor uint64) uint64 {
	step := (current + 3) / 4
	if step < floor {
		step = floor
	}
	if step == 0 {
		step = 1
	}
	return step
}

func clampUp(current, step, max uint64) uint64 {
	target := current + step
	if target > max {
		target = max
	}
	return target
}

func clampDown(current, step, min uint64) uint64 {
	if current <= step {
		return min
	}
	target := current - step
	if target < min {
		target = min
	}
	return target
}
