// Package correlator tracks in-flight capability invocations by id and
// guarantees that each one settles exactly once.
//
// A Correlator is the only shared mutable state on the server side of the
// bridge. Register, Deliver, Expire, CancelSession and Close are serialized by
// one mutex: when a client result and an expiry race on the same id, the first
// to take the lock wins and the other is a no-op.
package correlator

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/capbridge-go"
)

var (
	// ErrDuplicateID is returned when an id is already pending.
	ErrDuplicateID = errors.New("invocation id already pending")
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("correlator closed")
)

// Call is the waiting side of one registered invocation.
type Call struct {
	id        string
	sessionID string
	createdAt time.Time
	deadline  time.Time
	done      chan capbridge.Outcome
	timer     *time.Timer
}

// ID returns the invocation id.
func (c *Call) ID() string { return c.id }

// SessionID returns the session the invocation was addressed to.
func (c *Call) SessionID() string { return c.sessionID }

// CreatedAt returns when the call was registered.
func (c *Call) CreatedAt() time.Time { return c.createdAt }

// Deadline returns the instant after which the call expires.
func (c *Call) Deadline() time.Time { return c.deadline }

// Done receives the single settled Outcome.
func (c *Call) Done() <-chan capbridge.Outcome { return c.done }

// Correlator matches results to pending calls purely by id.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*Call
	bySession map[string]map[string]*Call
	closed    bool

	now    func() time.Time
	timers bool
	log    *slog.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithoutTimers disables per-call deadline timers; expiry then only happens
// through Expire.
func WithoutTimers() Option {
	return func(c *Correlator) { c.timers = false }
}

// WithLogger sets the logger used for dropped deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.log = l }
}

// New returns an empty Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending:   make(map[string]*Call),
		bySession: make(map[string]map[string]*Call),
		now:       time.Now,
		timers:    true,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register creates a pending call for id that expires at deadline.
func (c *Correlator) Register(id, sessionID string, deadline time.Time) (*Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateID
	}

	call := &Call{
		id:        id,
		sessionID: sessionID,
		createdAt: c.now(),
		deadline:  deadline,
		done:      make(chan capbridge.Outcome, 1),
	}
	c.pending[id] = call
	sess := c.bySession[sessionID]
	if sess == nil {
		sess = make(map[string]*Call)
		c.bySession[sessionID] = sess
	}
	sess[id] = call

	if c.timers {
		c.armLocked(call)
	}
	return call, nil
}

// Deliver settles id with o. It returns false when id is unknown or already
// settled; such deliveries are dropped.
func (c *Correlator) Deliver(id string, o capbridge.Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		c.log.Debug("result.drop", slog.String("id", id), slog.String("reason", "not pending"))
		return false
	}
	c.settleLocked(call, o)
	return true
}

// DeliverFrom is Deliver restricted to calls addressed to sessionID, so one
// client cannot settle another client's invocation.
func (c *Correlator) DeliverFrom(sessionID, id string, o capbridge.Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		c.log.Debug("result.drop", slog.String("id", id), slog.String("session", sessionID), slog.String("reason", "not pending"))
		return false
	}
	if call.sessionID != sessionID {
		c.log.Warn("result.drop", slog.String("id", id), slog.String("session", sessionID), slog.String("reason", "session mismatch"))
		return false
	}
	c.settleLocked(call, o)
	return true
}

// Expire settles every call whose deadline is at or before now with a
// timeout and returns how many were settled.
func (c *Correlator) Expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.pending {
		if !now.Before(call.deadline) {
			c.settleLocked(call, capbridge.TimedOut())
			n++
		}
	}
	return n
}

// CancelSession settles every call addressed to sessionID with o.
func (c *Correlator) CancelSession(sessionID string, o capbridge.Outcome) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.bySession[sessionID]
	n := 0
	for _, call := range sess {
		c.settleLocked(call, o)
		n++
	}
	return n
}

// Close settles everything with o and rejects further registrations.
func (c *Correlator) Close(o capbridge.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, call := range c.pending {
		c.settleLocked(call, o)
	}
}

// Len returns the number of pending calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Pending reports whether id is still waiting.
func (c *Correlator) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *Correlator) armLocked(call *Call) {
	d := call.deadline.Sub(c.now())
	if d < 0 {
		d = 0
	}
	call.timer = time.AfterFunc(d, func() { c.expireCall(call) })
}

func (c *Correlator) expireCall(call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[call.id] != call {
		return
	}
	if c.now().Before(call.deadline) {
		// The injected clock lags the runtime timer; try again later.
		c.armLocked(call)
		return
	}
	c.settleLocked(call, capbridge.TimedOut())
}

func (c *Correlator) settleLocked(call *Call, o capbridge.Outcome) {
	delete(c.pending, call.id)
	if sess := c.bySession[call.sessionID]; sess != nil {
		delete(sess, call.id)
		if len(sess) == 0 {
			delete(c.bySession, call.sessionID)
		}
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.done <- o
}
