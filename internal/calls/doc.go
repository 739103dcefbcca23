// Package calls correlates dispatched operations with the responses that
// come back over machine tunnels.
//
// Every dispatch registers a pending call under a correlation token. The
// tunnel side completes it when the kernel answers; the sweep expires it at
// its deadline; a dropped tunnel aborts it with route-lost. A call reaches
// exactly one of those terminal states, and later deliveries for the same
// token are dropped.
//
// Sync callers block in Await until their call settles. Async outcomes are
// queued per session in completion order, bounded by a queue limit that
// evicts the oldest result, and handed out through Poll. Unconsumed results
// are purged after a retention window so abandoned sessions do not pin
// memory.
package calls
