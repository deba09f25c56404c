// Package transport binds connected client sessions to the server side of the
// bridge.
//
// A Hub tracks which sessions are attached. Requests addressed to a session are
// published into that session's broker namespace, which preserves their order,
// and the attached connection drains the namespace through Conn.Outbound.
// Messages the client sends back are fed to Conn.HandleInbound, which routes
// results to a ResultSink and records the client's capability declarations.
//
// Attach, Send and Close are serialized against each other so a request can
// never be published to a session after its connection has been torn down.
// Each attachment queues into its own namespace, so broker work done while
// tearing one down happens outside the hub lock and never touches a later
// attachment of the same session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/broker"
	"github.com/ggoodman/capbridge-go/internal/logctx"
	"github.com/google/uuid"
)

var (
	// ErrSessionAttached is returned by Attach when the session already has a
	// live connection.
	ErrSessionAttached = errors.New("session already attached")
	// ErrInvalidSessionID is returned by Attach for an empty session id.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// ResultSink receives results reported by clients and is told when a
// session's pending invocations can no longer be answered.
// *correlator.Correlator implements it.
type ResultSink interface {
	DeliverFrom(sessionID, id string, o capbridge.Outcome) bool
	CancelSession(sessionID string, o capbridge.Outcome) int
}

// Hub is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	broker  broker.Broker
	sink    ResultSink
	log     *slog.Logger
	cleanup time.Duration
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used by the hub and its connections.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithCleanupTimeout bounds the broker cleanup performed when a session
// detaches. Defaults to 5s.
func WithCleanupTimeout(d time.Duration) Option {
	return func(h *Hub) { h.cleanup = d }
}

// NewHub creates a hub that queues outbound messages in b and settles results
// through sink.
func NewHub(b broker.Broker, sink ResultSink, opts ...Option) *Hub {
	h := &Hub{
		conns:   make(map[string]*Conn),
		broker:  b,
		sink:    sink,
		log:     slog.Default(),
		cleanup: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

func namespace(sessionID, attachment string) string {
	return "session:" + sessionID + ":" + attachment
}

// Attach binds a new connection to sessionID. The connection starts with an
// empty queue; nothing sent to a previous connection is replayed.
func (h *Hub) Attach(ctx context.Context, sessionID string) (*Conn, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[sessionID]; ok {
		h.log.WarnContext(ctx, "session.attach.conflict")
		return nil, ErrSessionAttached
	}
	c := &Conn{
		hub:        h,
		sessionID:  sessionID,
		ns:         namespace(sessionID, uuid.NewString()),
		attachedAt: time.Now(),
		done:       make(chan struct{}),
	}
	h.conns[sessionID] = c
	h.log.InfoContext(ctx, "session.attach")
	return c, nil
}

// Send queues req for delivery to sessionID. It fails with
// capbridge.ErrSessionUnavailable when no connection is attached.
func (h *Hub) Send(ctx context.Context, sessionID string, req capbridge.InvokeRequest) error {
	data, err := capbridge.EncodeInvokeRequest(req)
	if err != nil {
		return err
	}
	return h.publish(ctx, sessionID, data)
}

// Cancel tells the client attached to sessionID that invocation id no longer
// has a waiter. It is advisory.
func (h *Hub) Cancel(ctx context.Context, sessionID, id string) error {
	data, err := capbridge.EncodeCancel(id)
	if err != nil {
		return err
	}
	return h.publish(ctx, sessionID, data)
}

func (h *Hub) publish(ctx context.Context, sessionID string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[sessionID]
	if !ok {
		return capbridge.ErrSessionUnavailable
	}
	if _, err := h.broker.Publish(ctx, c.ns, data); err != nil {
		return fmt.Errorf("%w: %v", capbridge.ErrSessionUnavailable, err)
	}
	return nil
}

// HandleInbound hands data to the connection attached to sessionID. It is
// used by request/response transports where inbound messages do not arrive on
// the connection that streams outbound ones.
func (h *Hub) HandleInbound(ctx context.Context, sessionID string, data []byte) error {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return capbridge.ErrSessionUnavailable
	}
	return c.HandleInbound(ctx, data)
}

// Detach closes the connection attached to sessionID. It reports whether one
// was attached.
func (h *Hub) Detach(sessionID string) bool {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.Close()
	return true
}

// Connected reports whether sessionID has an attached connection.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[sessionID]
	return ok
}

// Capabilities returns the capabilities last declared by the client attached
// to sessionID. The boolean is false when the session is not attached.
func (h *Hub) Capabilities(sessionID string) ([]capbridge.Declaration, bool) {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.Declarations(), true
}

// Sessions lists the attached session ids in sorted order.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close detaches every session.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	if h.conns[c.sessionID] != c {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.sessionID)
	n := h.sink.CancelSession(c.sessionID, capbridge.SessionUnavailable())
	h.mu.Unlock()

	// Nothing publishes to c.ns once c is out of the table.
	ctx, cancel := context.WithTimeout(context.Background(), h.cleanup)
	defer cancel()
	if err := h.broker.Cleanup(ctx, c.ns); err != nil {
		h.log.Warn("session.cleanup.fail", slog.String("session", c.sessionID), slog.String("err", err.Error()))
	}

	h.log.Info("session.detach",
		slog.String("session", c.sessionID),
		slog.Int("cancelled", n),
		slog.Duration("attached", time.Since(c.attachedAt)),
	)
}
