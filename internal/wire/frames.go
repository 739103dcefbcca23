// ABOUTME: JSON frame envelope shared by the tunnel and agent WebSocket protocols.
// ABOUTME: Defines op names, error codes, and constructors for every frame shape.

package wire

import "encoding/json"

// Op values carried in the "op" field. Reply frames (handshake acks, sync
// results) omit the op; the requester knows what it is waiting for.
const (
	OpTunnelConnect = "tunnel_connect"
	OpAgentConnect  = "agent_connect"
	OpPing          = "ping"
	OpPong          = "pong"
	OpCall          = "call"
	OpResponse      = "response"
	OpPollAsync     = "poll_async"
	OpPollResults   = "poll_results"
)

// Dispatch modes for a forwarded call.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Error codes carried in refusal and failure frames.
const (
	CodeAuth                 = "auth_error"
	CodeNoRoute              = "no_route"
	CodeTimeout              = "timeout"
	CodeRouteLost            = "route_lost"
	CodeUnsupportedOperation = "unsupported_operation"
	CodeBadRequest           = "bad_request"
	CodeInternal             = "internal"
)

// Terminal statuses reported for polled calls.
const (
	StatusCompleted = "completed"
	StatusExpired   = "expired"
	StatusRouteLost = "route_lost"
)

// Frame is the single envelope for every message on a tunnel or agent
// connection. Fields are populated per op and omitted otherwise; OK and
// Success are pointers so that explicit false survives marshaling.
type Frame struct {
	Op string `json:"op,omitempty"`

	// Handshakes.
	MachineID       string `json:"machine_id,omitempty"`
	Token           string `json:"token,omitempty"`
	AgentToken      string `json:"agent_token,omitempty"`
	TargetMachineID string `json:"target_machine_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`

	// Forwarded calls.
	RequestID string          `json:"request_id,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`

	// Outcomes.
	OK      *bool           `json:"ok,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`

	// Polling.
	MaxResults int          `json:"max_results,omitempty"`
	Results    []PollResult `json:"results,omitempty"`
}

// PollResult is one terminal async outcome returned by poll_async.
type PollResult struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Accepted reports whether a handshake or acceptance frame carried ok:true.
func (f *Frame) Accepted() bool {
	return f.OK != nil && *f.OK
}

// Succeeded reports whether a response frame carried success:true.
func (f *Frame) Succeeded() bool {
	return f.Success != nil && *f.Success
}

// TunnelConnect builds the kernel-side handshake frame.
func TunnelConnect(machineID, token string) *Frame {
	return &Frame{Op: OpTunnelConnect, MachineID: machineID, Token: token}
}

// AgentConnect builds the agent-side handshake frame.
func AgentConnect(agentToken, targetMachineID string) *Frame {
	return &Frame{Op: OpAgentConnect, AgentToken: agentToken, TargetMachineID: targetMachineID}
}

// Ping and Pong are the tunnel heartbeat frames.
func Ping() *Frame { return &Frame{Op: OpPing} }
func Pong() *Frame { return &Frame{Op: OpPong} }

// Ack builds the {ok:true} handshake reply.
func Ack() *Frame {
	ok := true
	return &Frame{OK: &ok}
}

// AckSession builds the agent handshake reply carrying the session id.
func AckSession(sessionID string) *Frame {
	f := Ack()
	f.SessionID = sessionID
	return f
}

// AckAsync acknowledges an accepted async call with its correlation token.
func AckAsync(requestID string) *Frame {
	f := Ack()
	f.RequestID = requestID
	return f
}

// Refuse builds an {ok:false} reply with an error code and message.
func Refuse(code, message string) *Frame {
	ok := false
	return &Frame{OK: &ok, Code: code, Error: message}
}

// Call builds the frame forwarded to a kernel for one operation.
func Call(requestID, operation string, args json.RawMessage, mode string) *Frame {
	return &Frame{Op: OpCall, RequestID: requestID, Operation: operation, Args: args, Mode: mode}
}

// Response builds the kernel's reply for a forwarded call.
func Response(requestID string, success bool, result json.RawMessage, errMsg string) *Frame {
	return &Frame{Op: OpResponse, RequestID: requestID, Success: &success, Result: result, Error: errMsg}
}

// SyncResult builds the relay's reply to a synchronous dispatch.
func SyncResult(requestID string, success bool, result json.RawMessage, errMsg string) *Frame {
	return &Frame{RequestID: requestID, Success: &success, Result: result, Error: errMsg}
}

// CallFailure builds the relay's reply when a dispatch fails before or
// instead of completing (no route, timeout, route lost, bad operation).
func CallFailure(requestID, code, message string) *Frame {
	success := false
	return &Frame{RequestID: requestID, Success: &success, Code: code, Error: message}
}

// PollAsync builds the agent's poll request. A zero max lets the relay
// apply its default.
func PollAsync(max int) *Frame {
	return &Frame{Op: OpPollAsync, MaxResults: max}
}

// PollResults builds the relay's poll reply. An empty batch marshals with
// no results key; readers treat that as zero results.
func PollResults(items []PollResult) *Frame {
	return &Frame{Op: OpPollResults, Results: items}
}
