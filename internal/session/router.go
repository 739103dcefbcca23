// ABOUTME: Agent session lifecycle: authenticate, dispatch calls, deliver results.
// ABOUTME: Bridges agent connections to tunnels and the call correlator.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/backhaul-dev/backhaul/internal/auth"
	"github.com/backhaul-dev/backhaul/internal/calls"
	"github.com/backhaul-dev/backhaul/internal/tunnel"
	"github.com/backhaul-dev/backhaul/internal/wire"
)

// TunnelSender is what the router needs from the tunnel manager.
type TunnelSender interface {
	Send(machineID string, f *wire.Frame) error
	IsConnected(machineID string) bool
}

// Session is one authenticated agent connection targeting one machine.
type Session struct {
	ID          string    `json:"session_id"`
	Principal   string    `json:"principal"`
	MachineID   string    `json:"machine_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// CallRequest is one operation an agent asks the router to forward.
// Timeout zero means the configured default; values above the configured
// maximum are clamped.
type CallRequest struct {
	Operation string
	Args      json.RawMessage
	Mode      calls.Mode
	Timeout   time.Duration
}

// Config bounds dispatch deadlines and poll batch sizes.
type Config struct {
	DefaultCallTimeout time.Duration
	MaxCallTimeout     time.Duration
	MaxPollResults     int
}

// Router authenticates agents, validates their calls, and routes them to
// machine tunnels through the correlator.
type Router struct {
	mu       sync.Mutex
	sessions map[string]*Session

	verifier auth.TokenVerifier
	tunnels  TunnelSender
	calls    *calls.Correlator
	cfg      Config
	logger   *slog.Logger
}

// NewRouter wires the router to its collaborators.
func NewRouter(cfg Config, verifier auth.TokenVerifier, tunnels TunnelSender, correlator *calls.Correlator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultCallTimeout <= 0 {
		cfg.DefaultCallTimeout = 30 * time.Second
	}
	if cfg.MaxCallTimeout < cfg.DefaultCallTimeout {
		cfg.MaxCallTimeout = cfg.DefaultCallTimeout
	}
	if cfg.MaxPollResults <= 0 {
		cfg.MaxPollResults = 100
	}

	return &Router{
		sessions: make(map[string]*Session),
		verifier: verifier,
		tunnels:  tunnels,
		calls:    correlator,
		cfg:      cfg,
		logger:   logger.With("component", "session"),
	}
}

// Connect authenticates an agent token and opens a session against the
// target machine. No live tunnel for the target is an ordinary, retryable
// refusal: the kernel and the agent connect independently.
func (r *Router) Connect(agentToken, targetMachineID string) (*Session, error) {
	principal, err := r.verifier.Verify(agentToken)
	if err != nil {
		r.logger.Warn("agent connect refused", "machine_id", targetMachineID, "error", err)
		return nil, fmt.Errorf("verify agent token: %w", err)
	}

	if !r.tunnels.IsConnected(targetMachineID) {
		return nil, fmt.Errorf("machine %s: %w", targetMachineID, tunnel.ErrNoRoute)
	}

	sess := &Session{
		ID:          uuid.New().String(),
		Principal:   principal,
		MachineID:   targetMachineID,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info("agent session opened",
		"session_id", sess.ID, "principal", principal, "machine_id", targetMachineID)
	return sess, nil
}

// Dispatch validates and forwards one call. It returns the correlation
// token in both modes. Sync mode blocks until the call settles and returns
// its result; a deadline failure is ErrTimeout and a dropped tunnel is
// ErrRouteLost. Async mode returns a nil result immediately; the outcome
// arrives through Poll.
func (r *Router) Dispatch(ctx context.Context, sess *Session, req CallRequest) (string, *calls.Result, error) {
	if err := ValidateCall(req.Operation, req.Args); err != nil {
		return "", nil, err
	}

	mode := req.Mode
	switch mode {
	case "":
		mode = calls.ModeSync
	case calls.ModeSync, calls.ModeAsync:
	default:
		return "", nil, fmt.Errorf("mode %q: %w", mode, ErrInvalidArgs)
	}

	token := uuid.New().String()
	deadline := time.Now().Add(r.clampTimeout(req.Timeout))

	call, err := r.calls.Register(token, sess.ID, sess.MachineID, req.Operation, mode, deadline)
	if err != nil {
		return "", nil, fmt.Errorf("register call: %w", err)
	}

	frame := wire.Call(token, req.Operation, req.Args, string(mode))
	if err := r.tunnels.Send(sess.MachineID, frame); err != nil {
		// The call never reached the machine; unwind so a late bind cannot
		// resurrect it.
		r.calls.Discard(token)
		return "", nil, err
	}

	r.logger.Debug("call dispatched",
		"request_id", token, "session_id", sess.ID,
		"machine_id", sess.MachineID, "operation", req.Operation, "mode", mode)

	if mode == calls.ModeAsync {
		return token, nil, nil
	}

	res, err := r.calls.Await(ctx, call)
	if err != nil {
		return token, nil, err
	}
	return token, &res, nil
}

// HandleTunnelResponse delivers a kernel response frame. Unknown tokens
// (expired, consumed, or never issued) are dropped quietly.
func (r *Router) HandleTunnelResponse(requestID string, success bool, result json.RawMessage, errMsg string) {
	if !r.calls.Complete(requestID, success, result, errMsg) {
		r.logger.Debug("dropping response for unknown request", "request_id", requestID)
	}
}

// Poll returns up to maxResults terminal async outcomes for the session,
// oldest completed first, consuming them. Non-positive or oversized limits
// clamp to the configured maximum.
func (r *Router) Poll(sess *Session, maxResults int) []calls.Result {
	if maxResults <= 0 || maxResults > r.cfg.MaxPollResults {
		maxResults = r.cfg.MaxPollResults
	}
	return r.calls.Poll(sess.ID, maxResults)
}

// Release closes a session: its pending calls and queued results are
// dropped, while work already running on the kernel is left to finish and
// respond into the void.
func (r *Router) Release(sess *Session) {
	r.mu.Lock()
	_, open := r.sessions[sess.ID]
	delete(r.sessions, sess.ID)
	r.mu.Unlock()

	if !open {
		return
	}

	r.calls.ReleaseSession(sess.ID)
	r.logger.Info("agent session closed", "session_id", sess.ID)
}

// Sessions lists open sessions, oldest first.
func (r *Router) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		copied := *sess
		out = append(out, &copied)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// SessionStats reports a session's pending and queued call counts.
func (r *Router) SessionStats(sessionID string) (pending, queued int) {
	return r.calls.Stats(sessionID)
}

// Count returns the number of open sessions.
func (r *Router) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Router) clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return r.cfg.DefaultCallTimeout
	}
	if d > r.cfg.MaxCallTimeout {
		return r.cfg.MaxCallTimeout
	}
	return d
}
