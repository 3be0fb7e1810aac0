package scaling

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nimbus-kvm-orchestrator/internal/model"
	"nimbus-kvm-orchestrator/internal/store"
)

func testLimits() model.LimitTable {
	return model.LimitTable{
		model.ResourceCPU:    {Resource: model.ResourceCPU, Min: 1, Max: 8, Current: 2, Unit: "vcpus"},
		model.ResourceMemory: {Resource: model.ResourceMemory, Min: 512, Max: 8192, Current: 2048, Unit: "MiB"},
	}
}

func staticInfo(limits model.LimitTable) InfoProvider {
	return func(name string) (VMInfo, bool) {
		return VMInfo{ID: 1, Limits: limits}, true
	}
}

func newTestEngine(t *testing.T, limits model.LimitTable) (*Engine, *[]model.Decision) {
	t.Helper()
	var fired []model.Decision
	e := New(Params{
		Info:   staticInfo(limits),
		Sink:   func(d model.Decision) { fired = append(fired, d) },
		Logger: slog.Default(),
	})
	return e, &fired
}

func cpuUsage(pct float64, at time.Time) model.ResourceUsage {
	return model.ResourceUsage{
		Timestamp:      at,
		CPUPercent:     pct,
		MemoryBytes:    5000,
		MemoryMaxBytes: 10000,
	}
}

func memUsage(cpuPct, memPct float64, at time.Time) model.ResourceUsage {
	return model.ResourceUsage{
		Timestamp:      at,
		CPUPercent:     cpuPct,
		MemoryBytes:    uint64(memPct * 100),
		MemoryMaxBytes: 10000,
	}
}

func TestScaleUpCPU(t *testing.T) {
	e, fired := newTestEngine(t, testLimits())
	d := e.Evaluate("vm-a", cpuUsage(95, time.Now()))

	require.Equal(t, model.ActionScaleUp, d.Action)
	require.Equal(t, model.ResourceCPU, d.Resource)
	require.EqualValues(t, 3, d.Amount, "a quarter step from 2 vcpus is one, giving a target of 3")
	require.InDelta(t, 0.9, d.Confidence, 0.001, "sample equals the average on the first sample")
	require.Len(t, *fired, 1)
	require.Len(t, e.History("vm-a"), 1)
}

func TestScaleUpNeedsSustainedAverage(t *testing.T) {
	e, fired := newTestEngine(t, testLimits())
	base := time.Now()
	for i := 0; i < 59; i++ {
		d := e.Evaluate("vm-a", cpuUsage(50, base.Add(time.Duration(i)*time.Second)))
		require.Equal(t, model.ActionMaintain, d.Action)
	}

	d := e.Evaluate("vm-a", cpuUsage(95, base.Add(time.Minute)))
	require.Equal(t, model.ActionMaintain, d.Action, "one spike against a quiet average must not scale")
	require.Empty(t, *fired)
}

func TestScaleDownCPU(t *testing.T) {
	e, _ := newTestEngine(t, testLimits())
	d := e.Evaluate("vm-a", cpuUsage(10, time.Now()))

	require.Equal(t, model.ActionScaleDown, d.Action)
	require.Equal(t, model.ResourceCPU, d.Resource)
	require.EqualValues(t, 1, d.Amount)
}

func TestCPUAtMaxMaintains(t *testing.T) {
	limits := testLimits()
	lim := limits[model.ResourceCPU]
	lim.Current = 8
	limits[model.ResourceCPU] = lim

	e, fired := newTestEngine(t, limits)
	d := e.Evaluate("vm-a", cpuUsage(95, time.Now()))
	require.Equal(t, model.ActionMaintain, d.Action)
	require.Empty(t, *fired)
}

func TestMemoryPriorityOverCPU(t *testing.T) {
	e, _ := newTestEngine(t, testLimits())
	d := e.Evaluate("vm-a", memUsage(95, 96, time.Now()))

	require.Equal(t, model.ActionScaleUp, d.Action)
	require.Equal(t, model.ResourceMemory, d.Resource)
	require.EqualValues(t, 3072, d.Amount, "memory grows by the 1 GiB floor from 2048 MiB")
}

func TestCPUWinsInsideMemoryPriorityBand(t *testing.T) {
	e, _ := newTestEngine(t, testLimits())
	d := e.Evaluate("vm-a", memUsage(95, 87, time.Now()))

	require.Equal(t, model.ActionScaleUp, d.Action)
	require.Equal(t, model.ResourceCPU, d.Resource, "memory under up+10 does not preempt cpu")
}

func TestIOOverridesCPUButNotMemory(t *testing.T) {
	limits := testLimits()
	limits[model.ResourceIO] = model.ResourceLimit{Resource: model.ResourceIO, Min: 100, Max: 100000, Current: 1000, Unit: "bps"}

	e, _ := newTestEngine(t, limits)
	u := memUsage(95, 50, time.Now())
	u.IOReadBps = 500
	u.IOWriteBps = 400
	d := e.Evaluate("vm-a", u)
	require.Equal(t, model.ResourceIO, d.Resource, "io pressure overrides the cpu choice")

	e2, _ := newTestEngine(t, limits)
	u2 := memUsage(95, 96, time.Now())
	u2.IOReadBps = 500
	u2.IOWriteBps = 400
	d2 := e2.Evaluate("vm-a", u2)
	require.Equal(t, model.ResourceMemory, d2.Resource, "io never overrides memory pressure")
}

func TestPredictedNudge(t *testing.T) {
	e, _ := newTestEngine(t, testLimits())

	e.mu.Lock()
	tr := &vmTrack{}
	for i := 0; i < patternWindow; i++ {
		tr.window = append(tr.window, model.ResourceUsage{CPUPercent: 85})
	}
	e.vms["vm-a"] = tr
	e.mu.Unlock()

	d := e.Evaluate("vm-a", cpuUsage(50, time.Now()))
	require.Equal(t, model.ActionScaleUp, d.Action)
	require.Equal(t, "predicted", d.Reason)
	require.InDelta(t, 0.6, d.Confidence, 0.001)
	require.EqualValues(t, 3, d.Amount)
}

func TestRateLimitMinGap(t *testing.T) {
	e, fired := newTestEngine(t, testLimits())
	base := time.Now()

	first := e.Evaluate("vm-a", cpuUsage(95, base))
	require.Equal(t, model.ActionScaleUp, first.Action)

	second := e.Evaluate("vm-a", cpuUsage(95, base.Add(10*time.Second)))
	require.Equal(t, model.ActionMaintain, second.Action)
	require.Contains(t, second.Reason, "rate limited")

	third := e.Evaluate("vm-a", cpuUsage(95, base.Add(3*time.Minute)))
	require.Equal(t, model.ActionScaleUp, third.Action)
	require.Len(t, *fired, 2)
}

func TestRateLimitDailyCap(t *testing.T) {
	e, fired := newTestEngine(t, testLimits())
	base := time.Now()

	for i := 0; i < defaultDayCap; i++ {
		d := e.Evaluate("vm-a", cpuUsage(95, base.Add(time.Duration(i)*3*time.Minute)))
		require.Equal(t, model.ActionScaleUp, d.Action, "decision %d", i)
	}

	over := e.Evaluate("vm-a", cpuUsage(95, base.Add(time.Duration(defaultDayCap)*3*time.Minute)))
	require.Equal(t, model.ActionMaintain, over.Action)
	require.Contains(t, over.Reason, "daily cap")
	require.Len(t, *fired, defaultDayCap)

	// The cap frees up once the oldest firings age out.
	later := e.Evaluate("vm-a", cpuUsage(95, base.Add(25*time.Hour)))
	require.Equal(t, model.ActionScaleUp, later.Action)
}

func TestNoLimitTableMaintains(t *testing.T) {
	e := New(Params{
		Info:   func(string) (VMInfo, bool) { return VMInfo{}, false },
		Logger: slog.Default(),
	})
	d := e.Evaluate("vm-a", cpuUsage(95, time.Now()))
	require.Equal(t, model.ActionMaintain, d.Action)
	require.Equal(t, "no limit table", d.Reason)
}

func TestHistoryBounded(t *testing.T) {
	e := New(Params{
		Info:   staticInfo(testLimits()),
		Logger: slog.Default(),
		MinGap: time.Nanosecond,
		DayCap: 1 << 30,
	})
	base := time.Now()
	for i := 0; i < historyCap+10; i++ {
		d := e.Evaluate("vm-a", cpuUsage(95, base.Add(time.Duration(i)*time.Second)))
		require.Equal(t, model.ActionScaleUp, d.Action, "decision %d", i)
	}
	h := e.History("vm-a")
	require.Len(t, h, historyCap)
	require.Equal(t, base.Add(10*time.Second).Unix(), h[0].Timestamp.Unix(), "oldest entries are evicted first")
}

func TestDecisionPersistence(t *testing.T) {
	st, err := store.Open(t.TempDir() + "/state")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := New(Params{
		Info:   staticInfo(testLimits()),
		Store:  st,
		Logger: slog.Default(),
	})
	d := e.Evaluate("vm-a", cpuUsage(95, time.Now()))
	require.Equal(t, model.ActionScaleUp, d.Action)

	it := st.NewIterator(store.DecisionPrefix(1))
	defer it.Release()
	require.True(t, it.Next())
	var got model.Decision
	require.NoError(t, json.Unmarshal(it.Value(), &got))
	require.Equal(t, d.Action, got.Action)
	require.Equal(t, d.Amount, got.Amount)
	require.False(t, it.Next())
}

func TestForget(t *testing.T) {
	e, _ := newTestEngine(t, testLimits())
	e.Evaluate("vm-a", cpuUsage(95, time.Now()))
	require.NotEmpty(t, e.History("vm-a"))
	e.Forget("vm-a")
	require.Empty(t, e.History("vm-a"))
}

func TestStepMath(t *testing.T) {
	require.EqualValues(t, 1, growthStep(2, 1))
	require.EqualValues(t, 2, growthStep(8, 1))
	require.EqualValues(t, 1024, growthStep(2048, 1024))
	require.EqualValues(t, 1500, growthStep(6000, 1024))
	require.EqualValues(t, 1, growthStep(0, 1))

	require.EqualValues(t, 8, clampUp(7, 2, 8))
	require.EqualValues(t, 3, clampUp(2, 1, 8))
	require.EqualValues(t, 1, clampDown(2, 1, 1))
	require.EqualValues(t, 1, clampDown(1, 1, 1))
	require.EqualValues(t, 512, clampDown(1024, 1024, 512))
}

func TestConfidenceBuckets(t *testing.T) {
	require.InDelta(t, 0.9, confidence(95, 95), 0.001)
	require.InDelta(t, 0.9, confidence(95, 91), 0.001)
	require.InDelta(t, 0.7, confidence(95, 90), 0.001)
	require.InDelta(t, 0.7, confidence(95, 86), 0.001)
	require.InDelta(t, 0.5, confidence(95, 85), 0.001)
	require.InDelta(t, 0.5, confidence(95, 81), 0.001)
	require.InDelta(t, 0.3, confidence(95, 80), 0.001)
	require.InDelta(t, 0.3, confidence(95, 10), 0.001)
}
