// Package session routes agent calls to machine tunnels.
//
// An agent authenticates with its own token and names one target machine;
// the router opens a Session against it if a tunnel is live. Dispatch
// validates the operation against a closed set, registers a pending call
// under a fresh correlation token, and forwards the frame. Sync calls block
// the dispatching goroutine until the call settles; async calls hand back
// the token and deliver through Poll. Responses coming off tunnel read
// loops enter through HandleTunnelResponse, which quietly drops anything no
// longer pending.
package session
