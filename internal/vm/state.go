package vm

import (
	golibvirt "github.com/digitalocean/go-libvirt"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

// State is the orchestrator-side lifecycle state of one VM. Creating and
// Migrating are transient, Crashed is terminal, Unknown collapses to
// whatever libvirt reports on the next refresh.
type State string

const (
	StateDefined      State = "defined"
	StateCreating     State = "creating"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateShuttingDown State = "shutting_down"
	StateShutoff      State = "shutoff"
	StateMigrating    State = "migrating"
	StateCrashed      State = "crashed"
	StateUndefined    State = "undefined"
	StateUnknown      State = "unknown"
)

func (s State) String() string { return string(s) }

// Active reports whether the guest is expected to have live processes.
func (s State) Active() bool {
	switch s {
	case StateRunning, StatePaused, StateShuttingDown, StateMigrating:
		return true
	default:
		return false
	}
}

func (s State) oneOf(states ...State) bool {
	for _, c := range states {
		if s == c {
			return true
		}
	}
	return false
}

// FromLibvirt maps a raw driver state byte onto the orchestrator state
// machine. Blocked counts as running, pmsuspended as paused.
func FromLibvirt(raw uint8) State {
	switch golibvirt.DomainState(raw) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked:
		return StateRunning
	case golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return StatePaused
	case golibvirt.DomainShutdown:
		return StateShuttingDown
	case golibvirt.DomainShutoff:
		return StateShutoff
	case golibvirt.DomainCrashed:
		return StateCrashed
	default:
		return StateUnknown
	}
}

// requireState gates an operation on its legal start states.
func requireState(op, name string, current State, allowed ...State) error {
	if current.oneOf(allowed...) {
		return nil
	}
	return vmerr.Errorf(vmerr.KindInvalidState, op, name, "illegal in state %s", current)
}
