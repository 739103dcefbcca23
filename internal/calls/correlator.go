// ABOUTME: Pending-call table keyed by correlation token, with expiry and polling.
// ABOUTME: Matches kernel responses to waiting callers and queues async outcomes per session.

package calls

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Correlation errors
var (
	// ErrDuplicateToken means a call was registered twice under one token.
	// Tokens are freshly generated per dispatch, so this is an internal
	// invariant violation, not an expected runtime condition.
	ErrDuplicateToken = errors.New("correlation token already registered")

	// ErrTimeout is returned to a sync waiter whose call expired at its
	// deadline. A response arriving later is matched and dropped.
	ErrTimeout = errors.New("call deadline exceeded")

	// ErrRouteLost is returned when the target machine's tunnel dropped
	// while the call was outstanding.
	ErrRouteLost = errors.New("route to machine lost")
)

// Status is the lifecycle state of a pending call. Every issued token
// reaches exactly one of the three terminal states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusRouteLost Status = "route_lost"
)

// Mode selects how a call's outcome is delivered.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Call is one outstanding operation awaiting its response. The correlator's
// mutex guards status and result; waiters read result only after done is
// closed.
type Call struct {
	Token       string
	SessionID   string
	MachineID   string
	Operation   string
	Mode        Mode
	SubmittedAt time.Time
	Deadline    time.Time

	done   chan struct{}
	status Status
	result Result
}

// Result is the terminal outcome of a call. Success distinguishes a
// kernel-reported failure from a kernel-reported success; both are
// StatusCompleted because a response arrived.
type Result struct {
	Token       string
	Status      Status
	Success     bool
	Payload     json.RawMessage
	Error       string
	CompletedAt time.Time
}

// Config sizes and times the correlator.
type Config struct {
	SweepInterval time.Duration // expiry sweep cadence
	Retention     time.Duration // how long unconsumed async results may sit queued
	QueueLimit    int           // per-session async result queue bound
}

// Correlator owns the pending-call table and the per-session queues of
// terminal async outcomes.
type Correlator struct {
	mu     sync.Mutex
	calls  map[string]*Call
	queues map[string]*list.List // session id -> Results in completion order

	cfg    Config
	logger *slog.Logger
	done   chan struct{}
	closed bool
}

// New creates a correlator and starts its expiry sweep.
func New(cfg Config, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 2 * time.Minute
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 256
	}

	c := &Correlator{
		calls:  make(map[string]*Call),
		queues: make(map[string]*list.List),
		cfg:    cfg,
		logger: logger.With("component", "calls"),
		done:   make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Register creates a pending call under a fresh correlation token.
func (c *Correlator) Register(token, sessionID, machineID, operation string, mode Mode, deadline time.Time) (*Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.calls[token]; exists {
		c.logger.Error("duplicate correlation token", "request_id", token)
		return nil, ErrDuplicateToken
	}

	call := &Call{
		Token:       token,
		SessionID:   sessionID,
		MachineID:   machineID,
		Operation:   operation,
		Mode:        mode,
		SubmittedAt: time.Now(),
		Deadline:    deadline,
		done:        make(chan struct{}),
		status:      StatusPending,
	}
	c.calls[token] = call
	return call, nil
}

// Discard removes a pending call without a terminal transition. Used to
// unwind a registration when the forward send fails; any response that
// still arrives for the token is dropped as unknown.
func (c *Correlator) Discard(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, token)
}

// Complete delivers a kernel response for the token. Returns false if the
// token is unknown or already terminal, in which case the response should
// be dropped.
func (c *Correlator) Complete(token string, success bool, payload json.RawMessage, errMsg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[token]
	if !ok {
		return false
	}

	c.finishLocked(call, Result{
		Token:       token,
		Status:      StatusCompleted,
		Success:     success,
		Payload:     payload,
		Error:       errMsg,
		CompletedAt: time.Now(),
	})
	return true
}

// Expire transitions a pending call to expired. Returns false if the token
// is unknown or already terminal.
func (c *Correlator) Expire(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[token]
	if !ok {
		return false
	}

	c.expireLocked(call)
	return true
}

func (c *Correlator) expireLocked(call *Call) {
	c.finishLocked(call, Result{
		Token:       call.Token,
		Status:      StatusExpired,
		Error:       "deadline exceeded",
		CompletedAt: time.Now(),
	})
}

// AbortMachine fails every pending call targeting the machine with
// route-lost, immediately rather than at each call's deadline. Returns the
// number of calls aborted.
func (c *Correlator) AbortMachine(machineID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []*Call
	for _, call := range c.calls {
		if call.MachineID == machineID {
			doomed = append(doomed, call)
		}
	}
	for _, call := range doomed {
		c.finishLocked(call, Result{
			Token:       call.Token,
			Status:      StatusRouteLost,
			Error:       "tunnel to machine closed",
			CompletedAt: time.Now(),
		})
	}

	if len(doomed) > 0 {
		c.logger.Info("aborted pending calls for machine", "machine_id", machineID, "count", len(doomed))
	}
	return len(doomed)
}

// ReleaseSession drops a session's pending calls and its queued results.
// Kernel work already in flight is not aborted; its responses will arrive
// for unknown tokens and be dropped. Callers must release only after the
// session's dispatches have returned.
func (c *Correlator) ReleaseSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := 0
	for token, call := range c.calls {
		if call.SessionID == sessionID {
			delete(c.calls, token)
			released++
		}
	}

	queued := 0
	if q, ok := c.queues[sessionID]; ok {
		queued = q.Len()
		delete(c.queues, sessionID)
	}

	if released > 0 || queued > 0 {
		c.logger.Debug("released session calls",
			"session_id", sessionID, "pending", released, "queued", queued)
	}
}

// Await blocks until the call reaches a terminal state, its deadline
// passes, or ctx is canceled. Completed calls return a nil error even when
// the kernel reported failure; the Result carries that distinction.
func (c *Correlator) Await(ctx context.Context, call *Call) (Result, error) {
	timer := time.NewTimer(time.Until(call.Deadline))
	defer timer.Stop()

	select {
	case <-call.done:
		return c.settled(call)

	case <-timer.C:
		if c.Expire(call.Token) {
			return call.result, ErrTimeout
		}
		// Lost the race: a response or abort landed at the deadline.
		<-call.done
		return c.settled(call)

	case <-ctx.Done():
		c.Discard(call.Token)
		return Result{}, ctx.Err()
	}
}

// settled maps a terminal call to its result and error. Must only be
// called after call.done is closed.
func (c *Correlator) settled(call *Call) (Result, error) {
	switch call.result.Status {
	case StatusExpired:
		return call.result, ErrTimeout
	case StatusRouteLost:
		return call.result, ErrRouteLost
	default:
		return call.result, nil
	}
}

// Poll pops up to max terminal async results for the session, oldest
// completed first. Popped results are gone; calls still pending stay in the
// table until they complete or expire.
func (c *Correlator) Poll(sessionID string, max int) []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[sessionID]
	if !ok || max <= 0 {
		return nil
	}

	var out []Result
	for len(out) < max {
		front := q.Front()
		if front == nil {
			break
		}
		q.Remove(front)
		out = append(out, front.Value.(Result))
	}
	if q.Len() == 0 {
		delete(c.queues, sessionID)
	}
	return out
}

// Stats reports a session's pending call count and queued result count.
func (c *Correlator) Stats(sessionID string) (pending, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, call := range c.calls {
		if call.SessionID == sessionID {
			pending++
		}
	}
	if q, ok := c.queues[sessionID]; ok {
		queued = q.Len()
	}
	return pending, queued
}

// Len returns the number of calls currently pending.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Close stops the expiry sweep. It is safe to call multiple times.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// finishLocked performs the single terminal transition for a call: record
// the result, wake waiters, drop the table entry, and queue async outcomes.
// Must be called with mu held, exactly once per call.
func (c *Correlator) finishLocked(call *Call, res Result) {
	call.status = res.Status
	call.result = res
	close(call.done)
	delete(c.calls, call.Token)

	if call.Mode == ModeAsync {
		c.enqueueLocked(call.SessionID, res)
	}
}

// enqueueLocked appends an async result to its session queue, evicting the
// oldest entry when the queue is at capacity.
func (c *Correlator) enqueueLocked(sessionID string, res Result) {
	q, ok := c.queues[sessionID]
	if !ok {
		q = list.New()
		c.queues[sessionID] = q
	}

	if q.Len() >= c.cfg.QueueLimit {
		front := q.Front()
		q.Remove(front)
		evicted := front.Value.(Result)
		c.logger.Warn("async result queue full, evicting oldest",
			"session_id", sessionID, "evicted_request_id", evicted.Token)
	}

	q.PushBack(res)
}

// sweep runs in a background goroutine, expiring past-deadline calls and
// purging queued results past retention.
func (c *Correlator) sweep() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runSweep()
		case <-c.done:
			return
		}
	}
}

// runSweep applies one expiry and retention pass.
func (c *Correlator) runSweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var overdue []*Call
	for _, call := range c.calls {
		if now.After(call.Deadline) {
			overdue = append(overdue, call)
		}
	}
	for _, call := range overdue {
		c.expireLocked(call)
	}
	if len(overdue) > 0 {
		c.logger.Debug("expired overdue calls", "count", len(overdue))
	}

	cutoff := now.Add(-c.cfg.Retention)
	purged := 0
	for sessionID, q := range c.queues {
		for {
			front := q.Front()
			if front == nil {
				break
			}
			if !front.Value.(Result).CompletedAt.Before(cutoff) {
				break
			}
			q.Remove(front)
			purged++
		}
		if q.Len() == 0 {
			delete(c.queues, sessionID)
		}
	}
	if purged > 0 {
		c.logger.Debug("purged unconsumed async results", "count", purged)
	}
}
