// ABOUTME: Tests for tunnel binding, supersede, send failures, and liveness sweep.
// ABOUTME: Uses stub transports and recorders in place of sockets and the fleet.

package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/backhaul-dev/backhaul/internal/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []*wire.Frame
	sendErr error
	closes  int
}

func (f *fakeTransport) Send(fr *wire.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type recordingFleet struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (r *recordingFleet) MarkConnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, id)
}

func (r *recordingFleet) MarkDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, id)
}

func (r *recordingFleet) disconnects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

type recordingAborter struct {
	mu       sync.Mutex
	machines []string
}

func (a *recordingAborter) AbortMachine(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.machines = append(a.machines, id)
	return 0
}

func (a *recordingAborter) aborted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.machines...)
}

type stubAuth struct{ err error }

func (s stubAuth) AuthenticateMachine(machineID, token string) error { return s.err }

func newTestManager(t *testing.T, cfg Config, authErr error) (*Manager, *recordingFleet, *recordingAborter) {
	t.Helper()
	fleet := &recordingFleet{}
	aborter := &recordingAborter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, stubAuth{err: authErr}, fleet, aborter, logger)
	t.Cleanup(m.Stop)
	return m, fleet, aborter
}

func TestBindAndSend(t *testing.T) {
	m, fleet, _ := newTestManager(t, Config{}, nil)

	tr := &fakeTransport{}
	if _, err := m.Bind("m-1", "secret", "10.0.0.9:4242", tr); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if !m.IsConnected("m-1") {
		t.Error("expected tunnel to be connected after bind")
	}
	if got := fleet.connected; len(got) != 1 || got[0] != "m-1" {
		t.Errorf("expected fleet to record m-1 connected, got %v", got)
	}

	if err := m.Send("m-1", wire.Ping()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := tr.sentCount(); got != 1 {
		t.Errorf("expected 1 frame on transport, got %d", got)
	}
}

func TestBindRejectsBadCredential(t *testing.T) {
	wrongToken := errors.New("bad credential")
	m, fleet, _ := newTestManager(t, Config{}, wrongToken)

	_, err := m.Bind("m-1", "nope", "10.0.0.9:4242", &fakeTransport{})
	if !errors.Is(err, wrongToken) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if m.IsConnected("m-1") {
		t.Error("refused bind must not install a tunnel")
	}
	if len(fleet.connected) != 0 {
		t.Errorf("refused bind must not touch the fleet, got %v", fleet.connected)
	}
}

func TestSendWithoutTunnel(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, nil)

	err := m.Send("m-unknown", wire.Ping())
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestSendFailureTearsDownTunnel(t *testing.T) {
	m, fleet, aborter := newTestManager(t, Config{}, nil)

	tr := &fakeTransport{sendErr: errors.New("broken pipe")}
	if _, err := m.Bind("m-1", "secret", "10.0.0.9:4242", tr); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	err := m.Send("m-1", wire.Ping())
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute after write failure, got %v", err)
	}

	if m.IsConnected("m-1") {
		t.Error("expected tunnel removed after write failure")
	}
	if got := fleet.disconnects(); len(got) != 1 || got[0] != "m-1" {
		t.Errorf("expected m-1 marked disconnected, got %v", got)
	}
	if got := aborter.aborted(); len(got) != 1 || got[0] != "m-1" {
		t.Errorf("expected pending calls aborted for m-1, got %v", got)
	}
	if tr.closeCount() == 0 {
		t.Error("expected broken transport to be closed")
	}
}

func TestRebindSupersedesOldTunnel(t *testing.T) {
	m, fleet, aborter := newTestManager(t, Config{}, nil)

	tr1 := &fakeTransport{}
	if _, err := m.Bind("m-1", "secret", "10.0.0.9:4242", tr1); err != nil {
		t.Fatalf("first Bind failed: %v", err)
	}
	tr2 := &fakeTransport{}
	if _, err := m.Bind("m-1", "secret", "10.0.0.9:4242", tr2); err != nil {
		t.Fatalf("second Bind failed: %v", err)
	}

	if got := tr1.closeCount(); got != 1 {
		t.Errorf("expected old transport closed once, got %d", got)
	}
	if got := m.Count(); got != 1 {
		t.Errorf("expected exactly one tunnel, got %d", got)
	}

	// The machine stayed reachable the whole time: no disconnect, no aborts.
	if got := fleet.disconnects(); len(got) != 0 {
		t.Errorf("supersede must not mark the machine disconnected, got %v", got)
	}
	if got := aborter.aborted(); len(got) != 0 {
		t.Errorf("supersede must not abort pending calls, got %v", got)
	}

	if err := m.Send("m-1", wire.Ping()); err != nil {
		t.Fatalf("Send after rebind failed: %v", err)
	}
	if tr1.sentCount() != 0 {
		t.Error("frame went to the superseded transport")
	}
	if tr2.sentCount() != 1 {
		t.Error("frame did not reach the new transport")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, fleet, aborter := newTestManager(t, Config{}, nil)

	tun, err := m.Bind("m-1", "secret", "10.0.0.9:4242", &fakeTransport{})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	m.Disconnect(tun)
	m.Disconnect(tun)

	if got := fleet.disconnects(); len(got) != 1 {
		t.Errorf("expected exactly one disconnected transition, got %v", got)
	}
	if got := aborter.aborted(); len(got) != 1 {
		t.Errorf("expected exactly one abort pass, got %v", got)
	}
}

func TestKickDropsTunnel(t *testing.T) {
	m, fleet, aborter := newTestManager(t, Config{}, nil)

	tr := &fakeTransport{}
	if _, err := m.Bind("m-1", "secret", "10.0.0.9:4242", tr); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if !m.Kick("m-1") {
		t.Fatal("Kick returned false for a bound machine")
	}
	if m.IsConnected("m-1") {
		t.Error("machine still connected after Kick")
	}
	if tr.closeCount() == 0 {
		t.Error("Kick did not close the transport")
	}
	if got := fleet.disconnects(); len(got) != 1 || got[0] != "m-1" {
		t.Errorf("expected m-1 marked disconnected, got %v", got)
	}
	if got := aborter.aborted(); len(got) != 1 || got[0] != "m-1" {
		t.Errorf("expected pending calls aborted for m-1, got %v", got)
	}

	if m.Kick("m-1") {
		t.Error("Kick returned true for an unbound machine")
	}
}

func TestSweepDropsSilentTunnel(t *testing.T) {
	cfg := Config{HeartbeatInterval: 20 * time.Millisecond, HeartbeatMisses: 2}
	m, fleet, _ := newTestManager(t, cfg, nil)

	if _, err := m.Bind("m-1", "secret", "10.0.0.9:4242", &fakeTransport{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.IsConnected("m-1") {
		if time.Now().After(deadline) {
			t.Fatal("silent tunnel was never dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := fleet.disconnects(); len(got) != 1 || got[0] != "m-1" {
		t.Errorf("expected m-1 marked disconnected by sweep, got %v", got)
	}
}

func TestHeartbeatKeepsTunnelAlive(t *testing.T) {
	cfg := Config{HeartbeatInterval: 25 * time.Millisecond, HeartbeatMisses: 2}
	m, _, _ := newTestManager(t, cfg, nil)

	tun, err := m.Bind("m-1", "secret", "10.0.0.9:4242", &fakeTransport{})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	// Heartbeat well inside the 50ms cutoff for several sweep periods.
	for i := 0; i < 15; i++ {
		tun.Touch()
		time.Sleep(10 * time.Millisecond)
	}

	if !m.IsConnected("m-1") {
		t.Error("heartbeating tunnel must survive the sweep")
	}
}

func TestStopClosesEverything(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, nil)

	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	if _, err := m.Bind("m-1", "secret", "10.0.0.9:4242", tr1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := m.Bind("m-2", "secret", "10.0.0.9:4242", tr2); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	m.Stop()
	m.Stop()

	if got := m.Count(); got != 0 {
		t.Errorf("expected no tunnels after Stop, got %d", got)
	}
	if tr1.closeCount() == 0 || tr2.closeCount() == 0 {
		t.Error("expected all transports closed on Stop")
	}
}

func TestSnapshotSortedByMachine(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, nil)

	for _, id := range []string{"m-zulu", "m-alpha", "m-mike"} {
		if _, err := m.Bind(id, "secret", "10.0.0.9:4242", &fakeTransport{}); err != nil {
			t.Fatalf("Bind %s failed: %v", id, err)
		}
	}

	infos := m.Snapshot()
	if len(infos) != 3 {
		t.Fatalf("expected 3 tunnels, got %d", len(infos))
	}
	want := []string{"m-alpha", "m-mike", "m-zulu"}
	for i, info := range infos {
		if info.MachineID != want[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, info.MachineID, want[i])
		}
		if info.ConnectedAt.IsZero() || info.LastSeen.IsZero() {
			t.Errorf("snapshot[%d] missing timestamps", i)
		}
	}
}
