package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nimbus-kvm-orchestrator/internal/model"
)

type fakeSink struct {
	mu        sync.Mutex
	vmBatches [][]model.VMMetrics
	hosts     []model.HostMetrics
	decisions []model.Decision
	closed    bool
	err       error
	flushed   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{flushed: make(chan struct{}, 16)}
}

func (s *fakeSink) SendVMMetrics(ctx context.Context, metrics []model.VMMetrics) error {
	s.mu.Lock()
	s.vmBatches = append(s.vmBatches, metrics)
	err := s.err
	s.mu.Unlock()
	select {
	case s.flushed <- struct{}{}:
	default:
	}
	return err
}

func (s *fakeSink) SendHostMetrics(ctx context.Context, m model.HostMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = append(s.hosts, m)
	return s.err
}

func (s *fakeSink) SendDecision(ctx context.Context, d model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return s.err
}

func (s *fakeSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestForwarderFlush(t *testing.T) {
	sink := newFakeSink()
	f := NewForwarder(sink, sampleSource(), slog.Default())

	f.flush(context.Background())

	require.Len(t, sink.vmBatches, 1)
	require.Len(t, sink.vmBatches[0], 2)
	require.Len(t, sink.hosts, 1)
	require.Equal(t, "node-1", sink.hosts[0].NodeID)
}

func TestForwarderSkipsHostUntilSampled(t *testing.T) {
	sink := newFakeSink()
	src := sampleSource()
	src.host = model.HostMetrics{}
	f := NewForwarder(sink, src, slog.Default())

	f.flush(context.Background())

	require.Len(t, sink.vmBatches, 1)
	require.Empty(t, sink.hosts)
}

func TestForwarderRunTicks(t *testing.T) {
	sink := newFakeSink()
	f := NewForwarder(sink, sampleSource(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, 5*time.Millisecond) }()

	select {
	case <-sink.flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("no flush observed")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestForwardDecision(t *testing.T) {
	sink := newFakeSink()
	f := NewForwarder(sink, sampleSource(), slog.Default())

	d := model.Decision{VMName: "vm-a", Action: model.ActionScaleUp, Resource: model.ResourceCPU, Amount: 3}
	f.ForwardDecision(d)

	require.Len(t, sink.decisions, 1)
	require.Equal(t, d.Action, sink.decisions[0].Action)
}

func TestForwardDecisionErrorIsSwallowed(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("backend down")
	f := NewForwarder(sink, sampleSource(), slog.Default())

	f.ForwardDecision(model.Decision{VMName: "vm-a", Action: model.ActionScaleUp})
	require.Len(t, sink.decisions, 1)
}
