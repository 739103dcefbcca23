// ABOUTME: Minimal fake kernel for E2E testing: binds a tunnel, answers calls with canned results.
// ABOUTME: Usage: fake-kernel [-relay ws://localhost:8787] [-id pc-1] [-token secret] [-delay 0s]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backhaul-dev/backhaul/internal/session"
	"github.com/backhaul-dev/backhaul/internal/wire"
)

func main() {
	relayURL := flag.String("relay", "ws://localhost:8787", "relay base URL (ws:// or wss://)")
	machineID := flag.String("id", "pc-1", "machine ID to bind as")
	token := flag.String("token", "", "machine bind token")
	delay := flag.Duration("delay", 0, "artificial delay before answering each call")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "application ping interval")
	flag.Parse()

	if err := run(*relayURL, *machineID, *token, *delay, *heartbeat); err != nil {
		log.Fatal(err)
	}
}

// kernel serializes writes to the shared connection: call handlers and the
// heartbeat ticker both send frames.
type kernel struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	delay time.Duration
}

func (k *kernel) writeFrame(f *wire.Frame) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	_ = k.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return k.conn.WriteJSON(f)
}

func run(relayURL, machineID, token string, delay, heartbeat time.Duration) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(strings.TrimRight(relayURL, "/")+"/tunnel", nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	k := &kernel{conn: conn, delay: delay}

	// Bind
	if err := k.writeFrame(wire.TunnelConnect(machineID, token)); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}
	var ack wire.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	if !ack.Accepted() {
		return fmt.Errorf("bind refused: %s (%s)", ack.Error, ack.Code)
	}
	fmt.Fprintf(os.Stderr, "bound as %s via %s\n", machineID, relayURL)

	// Heartbeat ticker
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := k.writeFrame(wire.Ping()); err != nil {
					return
				}
			}
		}
	}()

	// Close the connection on signal so the read loop unblocks.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	// Call loop
	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch f.Op {
		case wire.OpCall:
			log.Printf("call [%s] %s mode=%s", f.RequestID, f.Operation, f.Mode)
			// Handle in the background so slow calls never block the loop.
			go k.handleCall(&f)
		case wire.OpPong:
			// heartbeat reply
		default:
			log.Printf("ignoring frame op=%s", f.Op)
		}
	}
}

func (k *kernel) handleCall(f *wire.Frame) {
	if k.delay > 0 {
		time.Sleep(k.delay)
	}

	payload, errMsg := cannedResult(f.Operation, f.Args)
	resp := wire.Response(f.RequestID, errMsg == "", payload, errMsg)
	if err := k.writeFrame(resp); err != nil {
		log.Printf("send response error: %v", err)
	}
}

// cannedResult fabricates a plausible payload for each operation.
func cannedResult(operation string, args json.RawMessage) (json.RawMessage, string) {
	switch operation {
	case session.OpExecute:
		var a session.ExecuteArgs
		_ = json.Unmarshal(args, &a)
		out := map[string]any{
			"stdout":    fmt.Sprintf("fake output of %s %s\n", a.Command, strings.Join(a.Args, " ")),
			"stderr":    "",
			"exit_code": 0,
		}
		b, _ := json.Marshal(out)
		return b, ""
	case session.OpRead:
		var a session.ReadArgs
		_ = json.Unmarshal(args, &a)
		out := map[string]any{
			"data": fmt.Sprintf("fake contents of %s", a.Path),
			"eof":  true,
		}
		b, _ := json.Marshal(out)
		return b, ""
	case session.OpStore:
		var a session.StoreArgs
		_ = json.Unmarshal(args, &a)
		out := map[string]any{
			"path":          a.Path,
			"bytes_written": len(a.Content),
		}
		b, _ := json.Marshal(out)
		return b, ""
	case session.OpInfer:
		var a session.InferArgs
		_ = json.Unmarshal(args, &a)
		out := map[string]any{
			"text":  fmt.Sprintf("Fake completion for: %s", a.Prompt),
			"model": "fake-1",
		}
		b, _ := json.Marshal(out)
		return b, ""
	default:
		return nil, fmt.Sprintf("kernel does not implement %q", operation)
	}
}
