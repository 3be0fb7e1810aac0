package pool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"nimbus-kvm-orchestrator/internal/store"
	"nimbus-kvm-orchestrator/internal/vmerr"
)

// Entry is the bookkeeping tuple persisted per VM under vm/<id>.
type Entry struct {
	ID           uint64 `json:"id"`
	UUID         string `json:"uuid"`
	ReservedPort int    `json:"reserved_port"`
	ConfigDigest string `json:"config_digest,omitempty"`
}

// Pool hands out internal IDs, UUIDs and display ports. IDs grow
// monotonically for the life of the store; ports are scanned in ascending
// order and stay held until their entry is removed.
type Pool struct {
	mu      sync.Mutex
	store   store.Store
	logger  *slog.Logger
	portLo  int
	portHi  int
	nextID  uint64
	entries map[uint64]Entry
	held    map[int]struct{}
}

func New(st store.Store, portLo, portHi int, logger *slog.Logger) (*Pool, error) {
	if portLo < 1 || portHi > 65535 || portLo > portHi {
		return nil, vmerr.Errorf(vmerr.KindConfigurationError, "pool.new", "", "invalid port range %d..%d", portLo, portHi)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:   st,
		logger:  logger,
		portLo:  portLo,
		portHi:  portHi,
		nextID:  1,
		entries: make(map[uint64]Entry),
		held:    make(map[int]struct{}),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// reload restores entries persisted by a previous run so IDs keep
// increasing and reserved ports stay off the free list.
func (p *Pool) reload() error {
	it := p.store.NewIterator("vm/")
	defer it.Release()
	for it.Next() {
		key := string(it.Key())
		rest := strings.TrimPrefix(key, "vm/")
		if strings.Contains(rest, "/") {
			continue // snapshot or decision child key
		}
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			p.logger.Warn("skipping unreadable pool entry", "key", key, "error", err)
			continue
		}
		e.ID = id
		p.entries[id] = e
		if e.ReservedPort > 0 {
			p.held[e.ReservedPort] = struct{}{}
		}
		if id >= p.nextID {
			p.nextID = id + 1
		}
	}
	return it.Err()
}

// Allocate assigns the next ID, a fresh v4 UUID and the first free display
// port, then persists the entry. On a store failure the port reservation
// is rolled back so a later call can reuse it.
func (p *Pool) Allocate(configDigest string) (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	port, err := p.scanPortLocked()
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:           p.nextID,
		UUID:         uuid.NewString(),
		ReservedPort: port,
		ConfigDigest: configDigest,
	}
	raw, _ := json.Marshal(e)
	if err := p.store.Put(store.VMKey(e.ID), raw); err != nil {
		delete(p.held, port)
		return Entry{}, vmerr.E(vmerr.KindInternal, "pool.allocate", "", fmt.Errorf("persist entry: %w", err))
	}
	p.nextID++
	p.entries[e.ID] = e
	return e, nil
}

// scanPortLocked walks the range ascending and binds each candidate to
// prove it is free. The probe socket is closed straight away: the VM, not
// the orchestrator, ends up owning the port, so the hold is bookkeeping.
func (p *Pool) scanPortLocked() (int, error) {
	for port := p.portLo; port <= p.portHi; port++ {
		if _, taken := p.held[port]; taken {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		l.Close()
		p.held[port] = struct{}{}
		return port, nil
	}
	return 0, vmerr.Errorf(vmerr.KindResourceExhausted, "pool.allocate", "", "no free display port in %d..%d", p.portLo, p.portHi)
}

// Meta returns the entry for id.
func (p *Pool) Meta(id uint64) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	return e, ok
}

// FindByUUID matches a libvirt domain UUID back to its pool entry.
func (p *Pool) FindByUUID(u string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.UUID == u {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns a snapshot of all live entries in ID order.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove frees the entry and its port and persists the deletion.
func (p *Pool) Remove(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return vmerr.Errorf(vmerr.KindDomainNotFound, "pool.remove", "", "no pool entry %d", id)
	}
	if err := p.store.Delete(store.VMKey(id)); err != nil {
		return vmerr.E(vmerr.KindInternal, "pool.remove", "", fmt.Errorf("delete entry: %w", err))
	}
	delete(p.entries, id)
	if e.ReservedPort > 0 {
		delete(p.held, e.ReservedPort)
	}
	return nil
}
