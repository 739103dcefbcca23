// ABOUTME: Machine record types for the fleet registry
// ABOUTME: Defines lifecycle statuses, the persisted snapshot shape, and summaries

package fleet

import (
	"errors"
	"time"
)

// Registry errors
var (
	ErrNotFound = errors.New("machine not found")
)

// Status is the lifecycle state of a machine record.
type Status string

const (
	StatusRegistered   Status = "registered"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusRemoved      Status = "removed"
)

// Machine is one fleet member. LastSeen is zero until the machine's first
// connectivity transition; it moves only on connect and disconnect, never on
// per-call traffic.
type Machine struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	IP        string            `json:"ip"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	LastSeen  time.Time         `json:"last_seen"`
}

// Clone returns a deep copy so callers cannot mutate registry state through
// the metadata map.
func (m *Machine) Clone() *Machine {
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Snapshot is the full persisted registry state, rewritten on every mutation.
type Snapshot struct {
	UpdatedAt time.Time           `json:"updated_at"`
	Machines  map[string]*Machine `json:"machines"`
}

// NewSnapshot returns an empty snapshot ready to hold machines.
func NewSnapshot() *Snapshot {
	return &Snapshot{Machines: make(map[string]*Machine)}
}

// Summary is the registry's aggregate view: totals grouped by provider and
// by status.
type Summary struct {
	Total      int            `json:"total"`
	ByProvider map[string]int `json:"by_provider"`
	ByStatus   map[string]int `json:"by_status"`
}
