// ABOUTME: Live tunnel registry: one bound connection per machine, heartbeat liveness.
// ABOUTME: Routes frames to machines and tears down broken or superseded tunnels.

package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/backhaul-dev/backhaul/internal/wire"
)

// ErrNoRoute means no live tunnel exists for the target machine. Callers
// may retry after the machine reconnects.
var ErrNoRoute = errors.New("no tunnel for machine")

// Transport is the connection a tunnel sends frames over. Send must be
// safe for concurrent use; Close must be idempotent and unblock any
// pending reads so the owning read loop exits.
type Transport interface {
	Send(f *wire.Frame) error
	Close() error
}

// MachineAuthenticator checks a machine's credential at bind time.
type MachineAuthenticator interface {
	AuthenticateMachine(machineID, token string) error
}

// StatusRecorder receives connectivity transitions for the fleet record.
type StatusRecorder interface {
	MarkConnected(id string)
	MarkDisconnected(id string)
}

// CallAborter fails the pending calls of a machine whose tunnel dropped.
type CallAborter interface {
	AbortMachine(machineID string) int
}

// Tunnel is one bound machine connection.
type Tunnel struct {
	MachineID   string
	ConnectedAt time.Time

	transport Transport

	mu         sync.Mutex
	lastSeen   time.Time
	superseded bool
	closed     bool
}

// Touch records heartbeat activity.
func (t *Tunnel) Touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

// LastSeen returns the time of the last heartbeat or bind.
func (t *Tunnel) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// markSuperseded flags the tunnel as replaced so its teardown skips the
// disconnected transition and leaves pending calls alone.
func (t *Tunnel) markSuperseded() {
	t.mu.Lock()
	t.superseded = true
	t.mu.Unlock()
}

// beginClose claims the tunnel's single teardown. It returns whether this
// caller won the claim and whether the tunnel was superseded.
func (t *Tunnel) beginClose() (first, superseded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, t.superseded
	}
	t.closed = true
	return true, t.superseded
}

// Info is the API-facing view of a tunnel.
type Info struct {
	MachineID   string    `json:"machine_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Config times the liveness sweep. A tunnel silent for
// HeartbeatInterval*HeartbeatMisses is dropped.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
}

// Manager owns the machine-id to tunnel map. At most one tunnel is bound
// per machine; a rebind supersedes the old connection.
type Manager struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	cfg     Config
	auth    MachineAuthenticator
	fleet   StatusRecorder
	aborter CallAborter
	logger  *slog.Logger

	done    chan struct{}
	stopped bool
}

// NewManager creates a manager and starts its liveness sweep.
func NewManager(cfg Config, auth MachineAuthenticator, fleet StatusRecorder, aborter CallAborter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = 3
	}

	m := &Manager{
		tunnels: make(map[string]*Tunnel),
		cfg:     cfg,
		auth:    auth,
		fleet:   fleet,
		aborter: aborter,
		logger:  logger.With("component", "tunnel"),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Bind authenticates the machine and installs its tunnel. An existing
// tunnel for the same machine is superseded: closed without marking the
// machine disconnected or failing its calls, since the machine stays
// reachable through the new connection.
func (m *Manager) Bind(machineID, token, remoteAddr string, tr Transport) (*Tunnel, error) {
	if err := m.auth.AuthenticateMachine(machineID, token); err != nil {
		m.logger.Warn("tunnel bind refused",
			"machine_id", machineID, "remote_addr", remoteAddr, "error", err)
		return nil, err
	}

	now := time.Now()
	tun := &Tunnel{
		MachineID:   machineID,
		ConnectedAt: now,
		transport:   tr,
		lastSeen:    now,
	}

	m.mu.Lock()
	old := m.tunnels[machineID]
	if old != nil {
		old.markSuperseded()
	}
	m.tunnels[machineID] = tun
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("superseding existing tunnel", "machine_id", machineID)
		m.Disconnect(old)
	}

	m.fleet.MarkConnected(machineID)
	m.logger.Info("tunnel bound", "machine_id", machineID, "remote_addr", remoteAddr)
	return tun, nil
}

// Send forwards a frame to the machine's tunnel. A successful write resets
// the tunnel's liveness deadline. A write failure tears the tunnel down and
// reports no-route, because a connection that cannot carry frames is no
// route at all.
func (m *Manager) Send(machineID string, f *wire.Frame) error {
	m.mu.RLock()
	tun := m.tunnels[machineID]
	m.mu.RUnlock()

	if tun == nil {
		return fmt.Errorf("machine %s: %w", machineID, ErrNoRoute)
	}

	if err := tun.transport.Send(f); err != nil {
		m.logger.Warn("tunnel send failed, dropping tunnel",
			"machine_id", machineID, "error", err)
		m.Disconnect(tun)
		return fmt.Errorf("machine %s: send: %w", machineID, ErrNoRoute)
	}

	tun.Touch()
	return nil
}

// Disconnect tears a tunnel down exactly once: remove it from the map,
// close the transport, and unless it was superseded, record the machine
// disconnected and fail its pending calls. Safe to call from the read
// loop, the send path, the sweep, and Stop concurrently.
func (m *Manager) Disconnect(tun *Tunnel) {
	first, superseded := tun.beginClose()
	if !first {
		return
	}

	m.mu.Lock()
	if m.tunnels[tun.MachineID] == tun {
		delete(m.tunnels, tun.MachineID)
	}
	m.mu.Unlock()

	_ = tun.transport.Close()

	if superseded {
		m.logger.Debug("superseded tunnel closed", "machine_id", tun.MachineID)
		return
	}

	m.fleet.MarkDisconnected(tun.MachineID)
	m.aborter.AbortMachine(tun.MachineID)
	m.logger.Info("tunnel disconnected", "machine_id", tun.MachineID)
}

// Kick force-disconnects a machine's tunnel, if bound. The full teardown
// runs: status transition, pending calls aborted, transport closed. Returns
// whether a tunnel was dropped.
func (m *Manager) Kick(machineID string) bool {
	m.mu.RLock()
	tun := m.tunnels[machineID]
	m.mu.RUnlock()

	if tun == nil {
		return false
	}
	m.Disconnect(tun)
	return true
}

// IsConnected reports whether a live tunnel exists for the machine.
func (m *Manager) IsConnected(machineID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tunnels[machineID]
	return ok
}

// Count returns the number of bound tunnels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tunnels)
}

// Snapshot lists bound tunnels sorted by machine id.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.tunnels))
	for _, tun := range m.tunnels {
		infos = append(infos, Info{
			MachineID:   tun.MachineID,
			ConnectedAt: tun.ConnectedAt,
			LastSeen:    tun.LastSeen(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].MachineID < infos[j].MachineID })
	return infos
}

// Stop ends the sweep and tears down every tunnel. Safe to call multiple
// times.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.done)
	open := make([]*Tunnel, 0, len(m.tunnels))
	for _, tun := range m.tunnels {
		open = append(open, tun)
	}
	m.mu.Unlock()

	for _, tun := range open {
		m.Disconnect(tun)
	}
}

// sweep drops tunnels that stopped heartbeating.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.dropStale()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) dropStale() {
	cutoff := m.cfg.HeartbeatInterval * time.Duration(m.cfg.HeartbeatMisses)
	now := time.Now()

	m.mu.RLock()
	var stale []*Tunnel
	for _, tun := range m.tunnels {
		if now.Sub(tun.LastSeen()) > cutoff {
			stale = append(stale, tun)
		}
	}
	m.mu.RUnlock()

	for _, tun := range stale {
		m.logger.Warn("tunnel missed heartbeats, dropping",
			"machine_id", tun.MachineID, "last_seen", tun.LastSeen())
		m.Disconnect(tun)
	}
}
