package vm

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

// Snapshot is the orchestrator-side record of one domain snapshot.
// Parent is the name of the snapshot that was current when this one was
// taken, forming a linear chain per VM.
type Snapshot struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Parent      string    `json:"parent,omitempty"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

type snapshotXML struct {
	XMLName     xml.Name `xml:"domainsnapshot"`
	Name        string   `xml:"name"`
	Description string   `xml:"description,omitempty"`
}

// Snapshots returns the snapshot chain, oldest first.
func (v *VM) Snapshots() []Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Snapshot(nil), v.snapshots...)
}

// RestoreSnapshots seeds the chain from persisted records during
// startup recovery.
func (v *VM) RestoreSnapshots(snaps []Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshots = append([]Snapshot(nil), snaps...)
}

// SnapshotCreate captures the current domain state under name. Names
// are unique per VM; the new snapshot's parent is the chain tail.
func (v *VM) SnapshotCreate(ctx context.Context, name, description string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, vmerr.Errorf(vmerr.KindConfigurationError, "vm.snapshot_create", v.name, "snapshot name is required")
	}
	dom, state := v.snapshotHandle()
	if err := requireState("vm.snapshot_create", v.name, state, StateRunning, StatePaused); err != nil {
		return Snapshot{}, err
	}
	v.mu.Lock()
	for _, s := range v.snapshots {
		if s.Name == name {
			v.mu.Unlock()
			return Snapshot{}, vmerr.Errorf(vmerr.KindConfigurationError, "vm.snapshot_create", v.name, "snapshot %q already exists", name)
		}
	}
	parent := ""
	if n := len(v.snapshots); n > 0 {
		parent = v.snapshots[n-1].Name
	}
	v.mu.Unlock()

	doc, _ := xml.Marshal(snapshotXML{Name: name, Description: description})
	client, err := v.session.Client(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := client.DomainSnapshotCreateXML(dom, string(doc), 0); err != nil {
		return Snapshot{}, vmerr.FromLibvirt("vm.snapshot_create", v.name, err)
	}

	snap := Snapshot{
		Name:        name,
		Description: description,
		Parent:      parent,
		State:       state,
		CreatedAt:   time.Now().UTC(),
	}
	v.mu.Lock()
	v.snapshots = append(v.snapshots, snap)
	v.mu.Unlock()
	v.logger.Info("snapshot created", "vm", v.name, "snapshot", name)
	return snap, nil
}

// SnapshotRevert rolls the domain back to the named snapshot and then
// re-reads the observed state, since a revert can flip the guest
// between running and shutoff.
func (v *VM) SnapshotRevert(ctx context.Context, name string) error {
	if !v.hasSnapshot(name) {
		return vmerr.Errorf(vmerr.KindDomainNotFound, "vm.snapshot_revert", v.name, "snapshot %q not found", name)
	}
	dom, _ := v.snapshotHandle()
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	snap, err := client.DomainSnapshotLookupByName(dom, name, 0)
	if err != nil {
		return vmerr.FromLibvirt("vm.snapshot_revert", v.name, err)
	}
	if err := client.DomainRevertToSnapshot(snap, 0); err != nil {
		return vmerr.FromLibvirt("vm.snapshot_revert", v.name, err)
	}
	if _, err := v.Refresh(ctx); err != nil {
		v.logger.Warn("state refresh after revert failed", "vm", v.name, "error", err)
	}
	v.logger.Info("snapshot reverted", "vm", v.name, "snapshot", name)
	return nil
}

// SnapshotDelete drops the named snapshot from libvirt and from the
// chain; children keep their recorded parent name.
func (v *VM) SnapshotDelete(ctx context.Context, name string) error {
	if !v.hasSnapshot(name) {
		return vmerr.Errorf(vmerr.KindDomainNotFound, "vm.snapshot_delete", v.name, "snapshot %q not found", name)
	}
	dom, _ := v.snapshotHandle()
	client, err := v.session.Client(ctx)
	if err != nil {
		return err
	}
	snap, err := client.DomainSnapshotLookupByName(dom, name, 0)
	if err != nil {
		return vmerr.FromLibvirt("vm.snapshot_delete", v.name, err)
	}
	if err := client.DomainSnapshotDelete(snap, 0); err != nil {
		return vmerr.FromLibvirt("vm.snapshot_delete", v.name, err)
	}
	v.mu.Lock()
	kept := v.snapshots[:0]
	for _, s := range v.snapshots {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	v.snapshots = kept
	v.mu.Unlock()
	v.logger.Info("snapshot deleted", "vm", v.name, "snapshot", name)
	return nil
}

func (v *VM) hasSnapshot(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.snapshots {
		if s.Name == name {
			return true
		}
	}
	return false
}
