// ABOUTME: End-to-end relay tests over real WebSockets and the admin API.
// ABOUTME: Drives kernel and agent connections against an httptest server.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backhaul-dev/backhaul/internal/auth"
	"github.com/backhaul-dev/backhaul/internal/config"
	"github.com/backhaul-dev/backhaul/internal/fleet"
	"github.com/backhaul-dev/backhaul/internal/tunnel"
	"github.com/backhaul-dev/backhaul/internal/wire"
)

var testDialer = websocket.Dialer{HandshakeTimeout: 5 * time.Second}

func newTestRelay(t *testing.T, mutate func(*config.Config)) (*Relay, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Fleet.Path = filepath.Join(t.TempDir(), "fleet.json")
	cfg.Auth.MachineTokens = map[string]string{"pc-1": "kernel-secret"}
	cfg.Calls.SweepInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	rl, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(rl.routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rl.Shutdown(ctx)
		srv.Close()
	})
	return rl, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// bindTunnel dials the tunnel endpoint and completes the handshake.
func bindTunnel(t *testing.T, srv *httptest.Server, machineID, token string) *websocket.Conn {
	t.Helper()

	conn, _, err := testDialer.Dial(wsURL(srv, "/tunnel"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(wire.TunnelConnect(machineID, token)))
	ack := readFrame(t, conn)
	require.True(t, ack.Accepted(), "tunnel bind refused: %s %s", ack.Code, ack.Error)
	return conn
}

// connectAgent dials the agent endpoint and completes the handshake.
func connectAgent(t *testing.T, srv *httptest.Server, agentToken, machineID string) (*websocket.Conn, string) {
	t.Helper()

	conn, _, err := testDialer.Dial(wsURL(srv, "/agent"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(wire.AgentConnect(agentToken, machineID)))
	ack := readFrame(t, conn)
	require.True(t, ack.Accepted(), "agent connect refused: %s %s", ack.Code, ack.Error)
	require.NotEmpty(t, ack.SessionID)
	return conn, ack.SessionID
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f wire.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func apiRequest(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	resp := apiRequest(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))

	resp = apiRequest(t, srv, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ready")
}

func TestTunnelBindRefusedOnBadCredential(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	conn, _, err := testDialer.Dial(wsURL(srv, "/tunnel"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.TunnelConnect("pc-1", "wrong")))
	refusal := readFrame(t, conn)
	assert.False(t, refusal.Accepted())
	assert.Equal(t, wire.CodeAuth, refusal.Code)
}

func TestAgentConnectNoRoute(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	conn, _, err := testDialer.Dial(wsURL(srv, "/agent"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.AgentConnect("", "pc-1")))
	refusal := readFrame(t, conn)
	assert.False(t, refusal.Accepted())
	assert.Equal(t, wire.CodeNoRoute, refusal.Code)
}

func TestSyncCallRoundTrip(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	kernel := bindTunnel(t, srv, "pc-1", "kernel-secret")
	agent, _ := connectAgent(t, srv, "", "pc-1")

	require.NoError(t, agent.WriteJSON(&wire.Frame{
		Op:        wire.OpCall,
		Operation: "execute",
		Args:      json.RawMessage(`{"command":"uname","args":["-a"]}`),
		Mode:      wire.ModeSync,
	}))

	forwarded := readFrame(t, kernel)
	require.Equal(t, wire.OpCall, forwarded.Op)
	require.NotEmpty(t, forwarded.RequestID)
	assert.Equal(t, "execute", forwarded.Operation)
	assert.Equal(t, wire.ModeSync, forwarded.Mode)
	assert.JSONEq(t, `{"command":"uname","args":["-a"]}`, string(forwarded.Args))

	require.NoError(t, kernel.WriteJSON(wire.Response(
		forwarded.RequestID, true, json.RawMessage(`{"stdout":"Linux"}`), "")))

	reply := readFrame(t, agent)
	assert.True(t, reply.Succeeded())
	assert.Equal(t, forwarded.RequestID, reply.RequestID)
	assert.JSONEq(t, `{"stdout":"Linux"}`, string(reply.Result))
}

func TestAgentProtocolErrors(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	bindTunnel(t, srv, "pc-1", "kernel-secret")
	agent, _ := connectAgent(t, srv, "", "pc-1")

	// Unsupported operation never reaches the kernel.
	require.NoError(t, agent.WriteJSON(&wire.Frame{
		Op: wire.OpCall, Operation: "reboot", Args: json.RawMessage(`{}`), Mode: wire.ModeSync,
	}))
	reply := readFrame(t, agent)
	assert.False(t, reply.Succeeded())
	assert.Equal(t, wire.CodeUnsupportedOperation, reply.Code)

	// Missing required argument.
	require.NoError(t, agent.WriteJSON(&wire.Frame{
		Op: wire.OpCall, Operation: "execute", Args: json.RawMessage(`{}`), Mode: wire.ModeSync,
	}))
	reply = readFrame(t, agent)
	assert.False(t, reply.Succeeded())
	assert.Equal(t, wire.CodeBadRequest, reply.Code)

	// Unknown op gets an error frame and the session survives.
	require.NoError(t, agent.WriteJSON(&wire.Frame{Op: "bogus"}))
	reply = readFrame(t, agent)
	assert.False(t, reply.Accepted())
	assert.Equal(t, wire.CodeBadRequest, reply.Code)

	require.NoError(t, agent.WriteJSON(wire.Ping()))
	reply = readFrame(t, agent)
	assert.Equal(t, wire.OpPong, reply.Op)
}

func TestSyncCallTimeoutDropsLateResponse(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	kernel := bindTunnel(t, srv, "pc-1", "kernel-secret")
	agent, _ := connectAgent(t, srv, "", "pc-1")

	start := time.Now()
	require.NoError(t, agent.WriteJSON(&wire.Frame{
		Op:        wire.OpCall,
		Operation: "read",
		Args:      json.RawMessage(`{"path":"/etc/hosts"}`),
		Mode:      wire.ModeSync,
		TimeoutMs: 150,
	}))

	// The kernel receives the call but sits on it past the deadline.
	forwarded := readFrame(t, kernel)
	require.Equal(t, wire.OpCall, forwarded.Op)

	reply := readFrame(t, agent)
	elapsed := time.Since(start)
	assert.False(t, reply.Succeeded())
	assert.Equal(t, wire.CodeTimeout, reply.Code)
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)

	// The late response is matched and dropped; the session keeps working.
	require.NoError(t, kernel.WriteJSON(wire.Response(
		forwarded.RequestID, true, json.RawMessage(`{"data":"late"}`), "")))

	require.NoError(t, agent.WriteJSON(&wire.Frame{
		Op:        wire.OpCall,
		Operation: "read",
		Args:      json.RawMessage(`{"path":"/etc/hosts"}`),
		Mode:      wire.ModeSync,
	}))
	forwarded = readFrame(t, kernel)
	require.NoError(t, kernel.WriteJSON(wire.Response(
		forwarded.RequestID, true, json.RawMessage(`{"data":"fresh"}`), "")))

	reply = readFrame(t, agent)
	assert.True(t, reply.Succeeded())
	assert.JSONEq(t, `{"data":"fresh"}`, string(reply.Result))
}

func TestAsyncCallPollLifecycle(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	kernel := bindTunnel(t, srv, "pc-1", "kernel-secret")
	agent, _ := connectAgent(t, srv, "", "pc-1")

	require.NoError(t, agent.WriteJSON(&wire.Frame{
		Op:        wire.OpCall,
		Operation: "infer",
		Args:      json.RawMessage(`{"prompt":"hello"}`),
		Mode:      wire.ModeAsync,
	}))
	ack := readFrame(t, agent)
	require.True(t, ack.Accepted())
	require.NotEmpty(t, ack.RequestID)

	// Nothing settled yet.
	require.NoError(t, agent.WriteJSON(wire.PollAsync(10)))
	batch := readFrame(t, agent)
	require.Equal(t, wire.OpPollResults, batch.Op)
	assert.Empty(t, batch.Results)

	forwarded := readFrame(t, kernel)
	require.Equal(t, ack.RequestID, forwarded.RequestID)
	require.NoError(t, kernel.WriteJSON(wire.Response(
		forwarded.RequestID, true, json.RawMessage(`{"text":"hi"}`), "")))

	// The response lands asynchronously; poll until it shows up.
	results := pollUntil(t, agent, 1)
	assert.Equal(t, ack.RequestID, results[0].RequestID)
	assert.Equal(t, wire.StatusCompleted, results[0].Status)
	assert.True(t, results[0].Success)
	assert.JSONEq(t, `{"text":"hi"}`, string(results[0].Payload))

	// Consumed: a subsequent poll returns nothing.
	require.NoError(t, agent.WriteJSON(wire.PollAsync(10)))
	batch = readFrame(t, agent)
	assert.Empty(t, batch.Results)
}

// pollUntil polls the agent connection until at least n results arrive.
func pollUntil(t *testing.T, agent *websocket.Conn, n int) []wire.PollResult {
	t.Helper()

	var collected []wire.PollResult
	deadline := time.Now().Add(2 * time.Second)
	for len(collected) < n {
		require.True(t, time.Now().Before(deadline), "collected %d of %d results", len(collected), n)
		require.NoError(t, agent.WriteJSON(wire.PollAsync(10)))
		batch := readFrame(t, agent)
		collected = append(collected, batch.Results...)
		if len(collected) < n {
			time.Sleep(20 * time.Millisecond)
		}
	}
	return collected
}

func TestKernelDropFailsOutstandingCalls(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	kernel := bindTunnel(t, srv, "pc-1", "kernel-secret")
	agent, _ := connectAgent(t, srv, "", "pc-1")

	// Three outstanding calls with deadlines far beyond the test.
	tokens := make(map[string]bool)
	for i := 0; i < 3; i++ {
		require.NoError(t, agent.WriteJSON(&wire.Frame{
			Op:        wire.OpCall,
			Operation: "execute",
			Args:      json.RawMessage(`{"command":"sleep"}`),
			Mode:      wire.ModeAsync,
			TimeoutMs: 60_000,
		}))
		ack := readFrame(t, agent)
		require.True(t, ack.Accepted())
		tokens[ack.RequestID] = true
		readFrame(t, kernel)
	}

	require.NoError(t, kernel.Close())

	// All three fail with route-lost well before their deadlines.
	results := pollUntil(t, agent, 3)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, tokens[res.RequestID], "unexpected token %s", res.RequestID)
		assert.Equal(t, wire.StatusRouteLost, res.Status)
		assert.False(t, res.Success)
	}
}

func TestRebindSupersedesTunnel(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	first := bindTunnel(t, srv, "pc-1", "kernel-secret")
	second := bindTunnel(t, srv, "pc-1", "kernel-secret")

	// The superseded connection is closed by the relay.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f wire.Frame
	require.Error(t, first.ReadJSON(&f))

	// Traffic flows over the new connection.
	agent, _ := connectAgent(t, srv, "", "pc-1")
	require.NoError(t, agent.WriteJSON(&wire.Frame{
		Op:        wire.OpCall,
		Operation: "store",
		Args:      json.RawMessage(`{"path":"/tmp/x","content":"y"}`),
		Mode:      wire.ModeSync,
	}))
	forwarded := readFrame(t, second)
	require.NoError(t, second.WriteJSON(wire.Response(forwarded.RequestID, true, nil, "")))
	reply := readFrame(t, agent)
	assert.True(t, reply.Succeeded())

	resp := apiRequest(t, srv, http.MethodGet, "/api/tunnels", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []tunnel.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "pc-1", infos[0].MachineID)
}

func TestFleetLifecycleOverAPI(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	// Register.
	resp := apiRequest(t, srv, http.MethodPost, "/api/machines", RegisterMachineRequest{
		MachineID: "pc-1",
		Provider:  "local",
		IP:        "192.168.1.10",
		Metadata:  map[string]string{"rack": "a1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created fleet.Machine
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, fleet.StatusRegistered, created.Status)

	// Fetching returns identical identity fields.
	resp = apiRequest(t, srv, http.MethodGet, "/api/machines/pc-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched fleet.Machine
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Equal(t, "pc-1", fetched.ID)
	assert.Equal(t, "local", fetched.Provider)
	assert.Equal(t, "192.168.1.10", fetched.IP)
	assert.Equal(t, map[string]string{"rack": "a1"}, fetched.Metadata)

	// Re-registration answers 200, not 201.
	resp = apiRequest(t, srv, http.MethodPost, "/api/machines", RegisterMachineRequest{
		MachineID: "pc-1", Provider: "local",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Binding the tunnel flips the record to connected.
	kernel := bindTunnel(t, srv, "pc-1", "kernel-secret")

	resp = apiRequest(t, srv, http.MethodGet, "/api/machines/pc-1", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Equal(t, fleet.StatusConnected, fetched.Status)

	resp = apiRequest(t, srv, http.MethodGet, "/api/fleet/summary", nil)
	var summary fleet.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.ByStatus[string(fleet.StatusConnected)])
	assert.Equal(t, 1, summary.ByProvider["local"])

	// Dropping the kernel flips it to disconnected.
	require.NoError(t, kernel.Close())
	require.Eventually(t, func() bool {
		resp := apiRequest(t, srv, http.MethodGet, "/api/machines/pc-1", nil)
		var m fleet.Machine
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return false
		}
		return m.Status == fleet.StatusDisconnected
	}, 2*time.Second, 20*time.Millisecond)

	// Removal is a hard delete.
	resp = apiRequest(t, srv, http.MethodDelete, "/api/machines/pc-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = apiRequest(t, srv, http.MethodGet, "/api/machines/pc-1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = apiRequest(t, srv, http.MethodDelete, "/api/machines/pc-1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminKickDropsTunnel(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	kernel := bindTunnel(t, srv, "pc-1", "kernel-secret")

	resp := apiRequest(t, srv, http.MethodPost, "/api/machines/pc-1/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var kicked DisconnectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&kicked))
	assert.True(t, kicked.Disconnected)

	// The kernel connection dies.
	require.NoError(t, kernel.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f wire.Frame
	require.Error(t, kernel.ReadJSON(&f))

	// A second kick finds nothing.
	resp = apiRequest(t, srv, http.MethodPost, "/api/machines/pc-1/disconnect", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&kicked))
	assert.False(t, kicked.Disconnected)
}

func TestAutoRegisterOnFirstBind(t *testing.T) {
	_, srv := newTestRelay(t, func(cfg *config.Config) {
		cfg.Auth.FleetToken = "fleet-secret"
		cfg.Auth.AutoRegister = true
	})

	bindTunnel(t, srv, "newbie", "fleet-secret")

	resp := apiRequest(t, srv, http.MethodGet, "/api/machines/newbie", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m fleet.Machine
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, "unknown", m.Provider)
	assert.Equal(t, fleet.StatusConnected, m.Status)
	assert.Equal(t, "127.0.0.1", m.IP)
}

func TestJWTAuthGuardsAgentsAndAdminAPI(t *testing.T) {
	_, srv := newTestRelay(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "test-secret"
	})

	bindTunnel(t, srv, "pc-1", "kernel-secret")

	// Agent without a token is refused.
	conn, _, err := testDialer.Dial(wsURL(srv, "/agent"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(wire.AgentConnect("", "pc-1")))
	refusal := readFrame(t, conn)
	assert.False(t, refusal.Accepted())
	assert.Equal(t, wire.CodeAuth, refusal.Code)

	// A minted token opens a session under its principal.
	token, err := auth.NewJWTVerifier([]byte("test-secret")).Generate("alice", time.Hour)
	require.NoError(t, err)
	_, sessionID := connectAgent(t, srv, token, "pc-1")

	// Admin API requires the bearer token.
	resp := apiRequest(t, srv, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	require.Equal(t, http.StatusOK, authed.StatusCode)

	var sessions []SessionResponse
	require.NoError(t, json.NewDecoder(authed.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionID, sessions[0].SessionID)
	assert.Equal(t, "alice", sessions[0].Principal)
	assert.Equal(t, "pc-1", sessions[0].MachineID)
}

func TestTunnelPingPong(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	kernel := bindTunnel(t, srv, "pc-1", "kernel-secret")

	require.NoError(t, kernel.WriteJSON(wire.Ping()))
	pong := readFrame(t, kernel)
	assert.Equal(t, wire.OpPong, pong.Op)
}
