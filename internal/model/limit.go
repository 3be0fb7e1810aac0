package model

import "fmt"

// Resource names a scalable axis of a virtual machine.
type Resource string

const (
	ResourceCPU     Resource = "cpu"
	ResourceMemory  Resource = "memory"
	ResourceIO      Resource = "io"
	ResourceNetwork Resource = "network"
)

// ResourceLimit bounds one resource axis. Current always mirrors the value
// last programmed into the domain and its cgroup.
type ResourceLimit struct {
	Resource Resource `json:"resource"`
	Min      uint64   `json:"min"`
	Max      uint64   `json:"max"`
	Current  uint64   `json:"current"`
	Unit     string   `json:"unit"`
}

// Validate checks min <= current <= max.
func (l ResourceLimit) Validate() error {
	if l.Min > l.Max {
		return fmt.Errorf("%s limit: min %d above max %d", l.Resource, l.Min, l.Max)
	}
	if l.Current < l.Min || l.Current > l.Max {
		return fmt.Errorf("%s limit: current %d outside [%d,%d]", l.Resource, l.Current, l.Min, l.Max)
	}
	return nil
}

// Allows reports whether target is inside the [min,max] band.
func (l ResourceLimit) Allows(target uint64) bool {
	return target >= l.Min && target <= l.Max
}

// LimitTable maps resources to their limits for one VM.
type LimitTable map[Resource]ResourceLimit

// Clone returns an independent copy.
func (t LimitTable) Clone() LimitTable {
	if t == nil {
		return nil
	}
	out := make(LimitTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// DefaultLimits builds a limit table around the deployed size: CPU may grow
// to 4x the initial vcpus (floor 1), memory to 4x the initial MiB with a
// 1 GiB floor on the minimum step range.
func DefaultLimits(vcpus, memoryMiB uint64) LimitTable {
	if vcpus == 0 {
		vcpus = 1
	}
	if memoryMiB == 0 {
		memoryMiB = 1024
	}
	return LimitTable{
		ResourceCPU: {
			Resource: ResourceCPU,
			Min:      1,
			Max:      vcpus * 4,
			Current:  vcpus,
			Unit:     "vcpus",
		},
		ResourceMemory: {
			Resource: ResourceMemory,
			Min:      512,
			Max:      memoryMiB * 4,
			Current:  memoryMiB,
			Unit:     "MiB",
		},
	}
}
