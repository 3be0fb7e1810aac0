package model

import "time"

// Action is what the autoscaling engine recommends for one VM.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionMaintain  Action = "maintain"
	ActionMigrate   Action = "migrate"
	ActionSuspend   Action = "suspend"
	ActionResume    Action = "resume"
)

// Decision is one rate-limited scaling recommendation. Amount is the target
// value on the decision's resource axis (vcpus for CPU, MiB for memory).
type Decision struct {
	VMName     string    `json:"vm_name"`
	Action     Action    `json:"action"`
	Resource   Resource  `json:"resource"`
	Amount     uint64    `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

// Actionable reports whether the decision requires executor work.
func (d Decision) Actionable() bool {
	return d.Action != ActionMaintain && d.Action != ""
}
