// ABOUTME: Kernel-facing WebSocket endpoint: handshake, bind, and read loop.
// ABOUTME: wsTransport adapts a websocket.Conn to the tunnel Transport interface.

package relay

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backhaul-dev/backhaul/internal/tunnel"
	"github.com/backhaul-dev/backhaul/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsTransport serializes outbound frames through a single writer goroutine.
// Send never blocks: a kernel that stops draining its socket fails fast
// instead of wedging dispatchers.
type wsTransport struct {
	conn         *websocket.Conn
	outbox       chan *wire.Frame
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

var errTransportClosed = errors.New("transport closed")
var errOutboxFull = errors.New("outbox full")

func newWSTransport(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		outbox:       make(chan *wire.Frame, buffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (t *wsTransport) Send(f *wire.Frame) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.outbox <- f:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
		return errOutboxFull
	}
}

// writeLoop drains the outbox until the transport closes. A write failure
// closes the transport so subsequent Sends fail immediately.
func (t *wsTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case f := <-t.outbox:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteJSON(f); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
	return nil
}

var _ tunnel.Transport = (*wsTransport)(nil)

// handleTunnelWS upgrades a kernel connection, performs the tunnel_connect
// handshake, binds the tunnel, and pumps inbound frames until the
// connection drops.
func (r *Relay) handleTunnelWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("tunnel upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.Tunnels.HandshakeTimeout))
	var hello wire.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		r.logger.Debug("tunnel handshake read failed", "remote_addr", req.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	if hello.Op != wire.OpTunnelConnect || hello.MachineID == "" {
		_ = conn.WriteJSON(wire.Refuse(wire.CodeBadRequest, "expected tunnel_connect with machine_id"))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	tr := newWSTransport(conn, r.cfg.Tunnels.SendBuffer, r.cfg.Tunnels.SendTimeout)
	tun, err := r.tunnels.Bind(hello.MachineID, hello.Token, req.RemoteAddr, tr)
	if err != nil {
		_ = conn.WriteJSON(wire.Refuse(errorCode(err), "machine authentication failed"))
		_ = conn.Close()
		return
	}

	// Writes go through the transport from here on; the handshake refusals
	// above wrote directly because the loop had not started.
	go tr.writeLoop()

	// A machine the fleet has never seen gets a provisional record so
	// operators can find it. Register resets status, so re-mark.
	if r.cfg.Auth.AutoRegister && !r.registry.Has(hello.MachineID) {
		r.registry.Register(hello.MachineID, "unknown", remoteIP(req.RemoteAddr), nil)
		r.registry.MarkConnected(hello.MachineID)
	}

	if err := tr.Send(wire.Ack()); err != nil {
		r.tunnels.Disconnect(tun)
		return
	}

	r.tunnelReadLoop(tun, tr, conn)
}

// tunnelReadLoop pumps frames from the kernel. Any inbound frame proves
// liveness. Responses are matched to pending calls; unknown ops are logged
// and skipped.
func (r *Relay) tunnelReadLoop(tun *tunnel.Tunnel, tr *wsTransport, conn *websocket.Conn) {
	defer r.tunnels.Disconnect(tun)

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("tunnel read ended", "machine_id", tun.MachineID, "error", err)
			}
			return
		}

		tun.Touch()

		switch f.Op {
		case wire.OpPing:
			if err := tr.Send(wire.Pong()); err != nil {
				return
			}
		case wire.OpPong:
			// Touch above already recorded the heartbeat.
		case wire.OpResponse:
			if f.RequestID == "" {
				r.logger.Debug("response without request_id", "machine_id", tun.MachineID)
				continue
			}
			r.router.HandleTunnelResponse(f.RequestID, f.Succeeded(), f.Result, f.Error)
		default:
			r.logger.Debug("unknown tunnel frame", "machine_id", tun.MachineID, "op", f.Op)
		}
	}
}

// remoteIP strips the port from a net remote address.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
