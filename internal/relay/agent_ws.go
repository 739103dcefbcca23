// ABOUTME: Agent-facing WebSocket endpoint: session handshake and call loop.
// ABOUTME: Frames are handled sequentially; each request gets exactly one reply.

package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backhaul-dev/backhaul/internal/calls"
	"github.com/backhaul-dev/backhaul/internal/session"
	"github.com/backhaul-dev/backhaul/internal/wire"
)

// handleAgentWS upgrades an agent connection, performs the agent_connect
// handshake, and serves calls until the agent hangs up.
func (r *Relay) handleAgentWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.Tunnels.HandshakeTimeout))
	var hello wire.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		r.logger.Debug("agent handshake read failed", "remote_addr", req.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	if hello.Op != wire.OpAgentConnect || hello.TargetMachineID == "" {
		_ = conn.WriteJSON(wire.Refuse(wire.CodeBadRequest, "expected agent_connect with target_machine_id"))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sess, err := r.router.Connect(hello.AgentToken, hello.TargetMachineID)
	if err != nil {
		_ = conn.WriteJSON(wire.Refuse(errorCode(err), err.Error()))
		_ = conn.Close()
		return
	}

	r.trackAgentConn(conn)
	defer func() {
		r.untrackAgentConn(conn)
		r.router.Release(sess)
		_ = conn.Close()
	}()

	if err := r.writeAgentFrame(conn, wire.AckSession(sess.ID)); err != nil {
		return
	}

	r.agentLoop(req.Context(), sess, conn)
}

// agentLoop reads one frame at a time and answers it before reading the
// next. Sync calls therefore block the session, which is the contract:
// agents that want concurrency dispatch async and poll.
func (r *Relay) agentLoop(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	logger := r.logger.With("session_id", sess.ID, "machine_id", sess.MachineID)

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("agent read ended", "error", err)
			}
			return
		}

		var reply *wire.Frame
		switch f.Op {
		case wire.OpCall:
			reply = r.handleAgentCall(ctx, sess, &f)
		case wire.OpPollAsync:
			reply = wire.PollResults(toPollResults(r.router.Poll(sess, f.MaxResults)))
		case wire.OpPing:
			reply = wire.Pong()
		default:
			logger.Debug("unknown agent frame", "op", f.Op)
			reply = wire.Refuse(wire.CodeBadRequest, fmt.Sprintf("unknown op %q", f.Op))
		}

		if err := r.writeAgentFrame(conn, reply); err != nil {
			logger.Debug("agent write failed", "error", err)
			return
		}
	}
}

// handleAgentCall dispatches one call frame and shapes the reply. Dispatch
// failures come back as call failures on the same connection rather than
// tearing the session down.
func (r *Relay) handleAgentCall(ctx context.Context, sess *session.Session, f *wire.Frame) *wire.Frame {
	token, result, err := r.router.Dispatch(ctx, sess, session.CallRequest{
		Operation: f.Operation,
		Args:      f.Args,
		Mode:      calls.Mode(f.Mode),
		Timeout:   time.Duration(f.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return wire.CallFailure(token, errorCode(err), err.Error())
	}
	if result == nil {
		return wire.AckAsync(token)
	}
	return wire.SyncResult(result.Token, result.Success, result.Payload, result.Error)
}

func (r *Relay) writeAgentFrame(conn *websocket.Conn, f *wire.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.Tunnels.SendTimeout))
	return conn.WriteJSON(f)
}

func toPollResults(items []calls.Result) []wire.PollResult {
	out := make([]wire.PollResult, 0, len(items))
	for _, it := range items {
		out = append(out, wire.PollResult{
			RequestID: it.Token,
			Status:    string(it.Status),
			Success:   it.Success,
			Payload:   it.Payload,
			Error:     it.Error,
		})
	}
	return out
}
