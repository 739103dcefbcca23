// ABOUTME: In-memory fleet registry with snapshot persistence on every mutation
// ABOUTME: Tracks machine lifecycle state; in-memory state stays authoritative

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the durable record of known machines. All reads and writes go
// through its mutex; the full snapshot is handed to the store after every
// mutation. A failed snapshot write is logged and the in-memory state remains
// authoritative, so a persistence outage never breaks routing.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	store    Store
	logger   *slog.Logger
}

// NewRegistry loads the persisted snapshot and returns a ready registry.
func NewRegistry(store Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "fleet")

	snap, err := store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("loading fleet snapshot: %w", err)
	}

	machines := snap.Machines
	if machines == nil {
		machines = make(map[string]*Machine)
	}

	logger.Info("fleet registry loaded", "machines", len(machines))
	return &Registry{
		machines: machines,
		store:    store,
		logger:   logger,
	}, nil
}

// Register creates or refreshes a machine record. A re-registration updates
// provider and ip, merges metadata, and resets status to registered even if
// the machine is currently connected.
func (r *Registry) Register(id, provider, ip string, metadata map[string]string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.machines[id]
	if !exists {
		m = &Machine{
			ID:        id,
			CreatedAt: time.Now().UTC(),
			Metadata:  make(map[string]string),
		}
		r.machines[id] = m
	}

	m.Provider = provider
	m.IP = ip
	m.Status = StatusRegistered
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	for k, v := range metadata {
		m.Metadata[k] = v
	}

	r.persistLocked("register")
	r.logger.Info("machine registered", "machine_id", id, "provider", provider, "existing", exists)
	return m.Clone()
}

// Get returns a copy of the machine record, or ErrNotFound.
func (r *Registry) Get(id string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// Has reports whether a machine record exists.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.machines[id]
	return ok
}

// List returns copies of all machine records ordered by id.
func (r *Registry) List() []*Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary returns machine counts grouped by provider and by status.
func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		Total:      len(r.machines),
		ByProvider: make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	for _, m := range r.machines {
		s.ByProvider[m.Provider]++
		s.ByStatus[string(m.Status)]++
	}
	return s
}

// MarkConnected records a connectivity transition to connected. Unknown ids
// are tolerated: a tunnel may exist for a machine nobody registered.
func (r *Registry) MarkConnected(id string) {
	r.markStatus(id, StatusConnected)
}

// MarkDisconnected records a connectivity transition to disconnected.
// Unknown ids are tolerated.
func (r *Registry) MarkDisconnected(id string) {
	r.markStatus(id, StatusDisconnected)
}

func (r *Registry) markStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[id]
	if !ok {
		r.logger.Debug("connectivity event for unknown machine", "machine_id", id, "status", status)
		return
	}

	m.Status = status
	m.LastSeen = time.Now().UTC()
	r.persistLocked(string(status))
	r.logger.Info("machine status changed", "machine_id", id, "status", status)
}

// Remove hard-deletes a machine record. Returns ErrNotFound for unknown ids.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.machines[id]; !ok {
		return ErrNotFound
	}
	delete(r.machines, id)
	r.persistLocked("remove")
	r.logger.Info("machine removed", "machine_id", id)
	return nil
}

// Count returns the number of known machines.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// persistLocked writes the full snapshot. Must be called with mu held.
// Failures are logged; callers never see them.
func (r *Registry) persistLocked(cause string) {
	snap := NewSnapshot()
	snap.UpdatedAt = time.Now().UTC()
	for id, m := range r.machines {
		snap.Machines[id] = m.Clone()
	}

	if err := r.store.Save(context.Background(), snap); err != nil {
		r.logger.Warn("fleet snapshot write failed, in-memory state still authoritative",
			"cause", cause, "error", err)
	}
}
