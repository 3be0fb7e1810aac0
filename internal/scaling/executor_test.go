package scaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nimbus-kvm-orchestrator/internal/model"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	failures int
	notify   chan string
}

func newFakeController() *fakeController {
	return &fakeController{notify: make(chan string, 32)}
}

func (f *fakeController) invoke(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	f.notify <- call
	if fail {
		return errors.New("scripted failure")
	}
	return nil
}

func (f *fakeController) ScaleCPU(ctx context.Context, name string, vcpus uint) error {
	return f.invoke(fmt.Sprintf("scale_cpu %s %d", name, vcpus))
}

func (f *fakeController) ScaleMemory(ctx context.Context, name string, mib uint64) error {
	return f.invoke(fmt.Sprintf("scale_memory %s %d", name, mib))
}

func (f *fakeController) Migrate(ctx context.Context, name, destURI string) error {
	return f.invoke(fmt.Sprintf("migrate %s %s", name, destURI))
}

func (f *fakeController) Pause(ctx context.Context, name string) error {
	return f.invoke("pause " + name)
}

func (f *fakeController) Resume(ctx context.Context, name string) error {
	return f.invoke("resume " + name)
}

func (f *fakeController) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeController) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.notify:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for call %q", want)
	}
}

func startExecutor(t *testing.T, p ExecutorParams) (*Executor, *fakeController) {
	t.Helper()
	ctrl := newFakeController()
	p.Controller = ctrl
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	x := NewExecutor(p)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = x.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("executor did not stop")
		}
	})
	return x, ctrl
}

func scaleDecision(vmName string, action model.Action, res model.Resource, amount uint64) model.Decision {
	return model.Decision{
		VMName:    vmName,
		Action:    action,
		Resource:  res,
		Amount:    amount,
		Timestamp: time.Now(),
	}
}

func TestExecutorScalesCPU(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{})
	x.Submit(scaleDecision("vm-a", model.ActionScaleUp, model.ResourceCPU, 3))
	ctrl.wait(t, "scale_cpu vm-a 3")
}

func TestExecutorScalesMemory(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{})
	x.Submit(scaleDecision("vm-a", model.ActionScaleDown, model.ResourceMemory, 2048))
	ctrl.wait(t, "scale_memory vm-a 2048")
}

func TestExecutorSuspendResume(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{Cooldown: time.Nanosecond})
	x.Submit(model.Decision{VMName: "vm-a", Action: model.ActionSuspend})
	ctrl.wait(t, "pause vm-a")
	x.Submit(model.Decision{VMName: "vm-a", Action: model.ActionResume})
	ctrl.wait(t, "resume vm-a")
}

func TestExecutorMigrate(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{DestURI: "qemu+ssh://peer/system"})
	x.Submit(model.Decision{VMName: "vm-a", Action: model.ActionMigrate})
	ctrl.wait(t, "migrate vm-a qemu+ssh://peer/system")
}

func TestExecutorMigrateWithoutDestination(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{RetryDelay: time.Millisecond})
	x.Submit(model.Decision{VMName: "vm-a", Action: model.ActionMigrate})

	// The failure never reaches the controller; after the retry ladder
	// runs dry the worker must still serve fresh decisions.
	time.Sleep(100 * time.Millisecond)
	x.Submit(scaleDecision("vm-b", model.ActionScaleUp, model.ResourceCPU, 2))
	ctrl.wait(t, "scale_cpu vm-b 2")
	require.Equal(t, 1, ctrl.callCount())
}

func TestExecutorCooldownSkips(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{Cooldown: time.Hour})
	x.Submit(scaleDecision("vm-a", model.ActionScaleUp, model.ResourceCPU, 3))
	ctrl.wait(t, "scale_cpu vm-a 3")

	x.Submit(scaleDecision("vm-a", model.ActionScaleUp, model.ResourceCPU, 4))
	x.Submit(scaleDecision("vm-b", model.ActionScaleUp, model.ResourceCPU, 2))
	ctrl.wait(t, "scale_cpu vm-b 2")
	require.Equal(t, 2, ctrl.callCount(), "the second vm-a decision lands inside the cooldown")
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{Cooldown: time.Nanosecond, RetryDelay: time.Millisecond})
	ctrl.failures = 2
	x.Submit(scaleDecision("vm-a", model.ActionScaleUp, model.ResourceCPU, 3))

	ctrl.wait(t, "scale_cpu vm-a 3")
	ctrl.wait(t, "scale_cpu vm-a 3")
	ctrl.wait(t, "scale_cpu vm-a 3")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, ctrl.callCount())
}

func TestExecutorDropsAfterMaxRetries(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{Cooldown: time.Nanosecond, RetryDelay: time.Millisecond})
	ctrl.failures = 100
	x.Submit(scaleDecision("vm-a", model.ActionScaleUp, model.ResourceCPU, 3))

	for i := 0; i < maxRetries+1; i++ {
		ctrl.wait(t, "scale_cpu vm-a 3")
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, maxRetries+1, ctrl.callCount(), "a failing decision is attempted once plus the retry budget")
}

func TestExecutorIgnoresMaintain(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{})
	x.Submit(model.Decision{VMName: "vm-a", Action: model.ActionMaintain})
	x.Submit(scaleDecision("vm-b", model.ActionScaleUp, model.ResourceCPU, 2))
	ctrl.wait(t, "scale_cpu vm-b 2")
	require.Equal(t, 1, ctrl.callCount())
}

func TestExecutorAdvisoryResourceNoActuator(t *testing.T) {
	x, ctrl := startExecutor(t, ExecutorParams{})
	x.Submit(scaleDecision("vm-a", model.ActionScaleUp, model.ResourceIO, 2000))
	x.Submit(scaleDecision("vm-b", model.ActionScaleUp, model.ResourceCPU, 2))
	ctrl.wait(t, "scale_cpu vm-b 2")
	require.Equal(t, 1, ctrl.callCount(), "io decisions carry no actuator call")
}

func TestExecutorStops(t *testing.T) {
	ctrl := newFakeController()
	x := NewExecutor(ExecutorParams{Controller: ctrl, Logger: slog.Default()})
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- x.Run(ctx) }()

	x.Submit(scaleDecision("vm-a", model.ActionScaleUp, model.ResourceCPU, 3))
	ctrl.wait(t, "scale_cpu vm-a 3")

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop")
	}

	x.Submit(scaleDecision("vm-b", model.ActionScaleUp, model.ResourceCPU, 2))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, ctrl.callCount(), "submissions after shutdown are dropped")
}
