package store

import "fmt"

// Key layout. Per-VM children carry a trailing separator in their prefix so
// iterating vm/<id>/… never captures a sibling such as vm/<id>0.

func VMKey(id uint64) string {
	return fmt.Sprintf("vm/%d", id)
}

func VMChildPrefix(id uint64) string {
	return fmt.Sprintf("vm/%d/", id)
}

func SnapshotKey(id uint64, name string) string {
	return fmt.Sprintf("vm/%d/snap/%s", id, name)
}

func SnapshotPrefix(id uint64) string {
	return fmt.Sprintf("vm/%d/snap/", id)
}

// DecisionKey zero-pads the timestamp so lexicographic iteration equals
// chronological order.
func DecisionKey(id uint64, unixNano int64) string {
	return fmt.Sprintf("vm/%d/decision/%020d", id, unixNano)
}

func DecisionPrefix(id uint64) string {
	return fmt.Sprintf("vm/%d/decision/", id)
}
