package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/broker"
)

// MessageFunc receives one outbound message for the client. id is the broker's
// event id and may be used as an SSE event id.
type MessageFunc func(ctx context.Context, id string, data []byte) error

// Conn is one attached session. It is created by Hub.Attach and must be
// closed by the transport adapter when the underlying connection ends.
type Conn struct {
	hub        *Hub
	sessionID  string
	ns         string
	attachedAt time.Time

	mu    sync.Mutex
	decls []capbridge.Declaration

	closeOnce sync.Once
	done      chan struct{}
}

// SessionID returns the id this connection is attached under.
func (c *Conn) SessionID() string { return c.sessionID }

// Done is closed once the connection has been detached.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Declarations returns the last capability set the client declared.
func (c *Conn) Declarations() []capbridge.Declaration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capbridge.Declaration, len(c.decls))
	copy(out, c.decls)
	return out
}

// Outbound calls fn for each message queued for the session, in the order
// they were sent, until ctx is cancelled, the connection closes or fn
// returns an error. It returns nil when the connection closed.
func (c *Conn) Outbound(ctx context.Context, fn MessageFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := c.hub.broker.Subscribe(ctx, c.ns, "", func(ctx context.Context, env broker.MessageEnvelope) error {
		return fn(ctx, env.ID, env.Data)
	})
	select {
	case <-c.done:
		return nil
	default:
	}
	if errors.Is(err, broker.ErrNamespaceClosed) {
		return nil
	}
	return err
}

// HandleInbound processes one message from the client. Results are routed to
// the hub's ResultSink and declarations replace the session's capability set.
// Anything else fails with capbridge.ErrMalformedMessage. Messages arriving
// after Close fail with capbridge.ErrSessionUnavailable.
func (c *Conn) HandleInbound(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return capbridge.ErrSessionUnavailable
	default:
	}

	env, err := capbridge.DecodeEnvelope(data)
	if err != nil {
		c.hub.log.WarnContext(ctx, "inbound.malformed", slog.String("err", err.Error()))
		return err
	}

	switch env.Kind {
	case capbridge.EnvelopeResult:
		if !c.hub.sink.DeliverFrom(c.sessionID, env.Result.ID, env.Result.Outcome()) {
			c.hub.log.DebugContext(ctx, "inbound.result.drop", slog.String("id", env.Result.ID))
		}
		return nil
	case capbridge.EnvelopeDeclare:
		c.mu.Lock()
		c.decls = append([]capbridge.Declaration(nil), env.Declarations...)
		c.mu.Unlock()
		c.hub.log.InfoContext(ctx, "session.declare", slog.Int("capabilities", len(env.Declarations)))
		return nil
	}

	c.hub.log.WarnContext(ctx, "inbound.unexpected", slog.String("kind", env.Kind.String()))
	return fmt.Errorf("%w: unexpected %s message from client", capbridge.ErrMalformedMessage, env.Kind)
}

// Close detaches the session. Every invocation still pending for it settles
// as unsendable and queued messages are discarded. Close is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.hub.detach(c)
		close(c.done)
	})
}
