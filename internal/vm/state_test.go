package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

func TestFromLibvirt(t *testing.T) {
	tests := []struct {
		raw  uint8
		want State
	}{
		{0, StateUnknown},
		{1, StateRunning},
		{2, StateRunning},
		{3, StatePaused},
		{4, StateShuttingDown},
		{5, StateShutoff},
		{6, StateCrashed},
		{7, StatePaused},
		{99, StateUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FromLibvirt(tt.raw), "raw state %d", tt.raw)
	}
}

func TestActive(t *testing.T) {
	active := []State{StateRunning, StatePaused, StateShuttingDown, StateMigrating}
	for _, s := range active {
		require.True(t, s.Active(), "state %s", s)
	}
	inactive := []State{StateDefined, StateCreating, StateShutoff, StateCrashed, StateUndefined, StateUnknown}
	for _, s := range inactive {
		require.False(t, s.Active(), "state %s", s)
	}
}

func TestRequireState(t *testing.T) {
	require.NoError(t, requireState("vm.start", "a", StateShutoff, StateDefined, StateShutoff))

	err := requireState("vm.start", "a", StateRunning, StateDefined, StateShutoff)
	require.Error(t, err)
	require.True(t, vmerr.Is(err, vmerr.KindInvalidState))
	require.Contains(t, err.Error(), "running")
}
