// Package delegation lets server-side agent code invoke a capability on a
// specific connected client session and block until that client answers.
//
// Invoke never returns a Go error: every way an invocation can end is
// reported as a capbridge.Outcome. Each call allocates a fresh id, registers
// it with a correlator before anything is sent, and then waits for the first
// of a client result, the deadline, the session going away, or the caller's
// context ending.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/correlator"
	"github.com/ggoodman/capbridge-go/internal/logctx"
	"github.com/google/uuid"
)

const (
	// DefaultTimeout applies when Invoke is called with a zero timeout.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxTimeout caps any requested timeout.
	DefaultMaxTimeout = 2 * time.Minute

	cancelTimeout = time.Second
)

// Transport delivers requests to client sessions. *transport.Hub implements it.
type Transport interface {
	Send(ctx context.Context, sessionID string, req capbridge.InvokeRequest) error
	Cancel(ctx context.Context, sessionID, id string) error
}

// State is the lifecycle position of one invocation.
type State int

const (
	StateCreated State = iota
	StateSent
	StateFulfilled
	StateFailed
	StateExpired
	StateUnsendable
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateFulfilled:
		return "fulfilled"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	case StateUnsendable:
		return "unsendable"
	}
	return "unknown"
}

// Terminal reports whether s is a settled state.
func (s State) Terminal() bool { return s >= StateFulfilled }

// StateOf maps a settled Outcome to its terminal state.
func StateOf(o capbridge.Outcome) State {
	switch o.Kind() {
	case "":
		return StateFulfilled
	case capbridge.KindTimeout:
		return StateExpired
	case capbridge.KindUnsendable:
		return StateUnsendable
	}
	return StateFailed
}

// Broker is safe for concurrent use; any number of invocations may be in
// flight against any number of sessions.
type Broker struct {
	transport      Transport
	calls          *correlator.Correlator
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	newID          func() string
	now            func() time.Time
	log            *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithDefaultTimeout sets the timeout used when Invoke is given zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Broker) { b.defaultTimeout = d }
}

// WithMaxTimeout caps the timeout any single invocation may request.
func WithMaxTimeout(d time.Duration) Option {
	return func(b *Broker) { b.maxTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithIDGenerator overrides the invocation id source. Ids must be unique
// among pending invocations.
func WithIDGenerator(fn func() string) Option {
	return func(b *Broker) { b.newID = fn }
}

// WithClock overrides time.Now when computing deadlines.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a Broker that sends through t and correlates results in calls.
func New(t Transport, calls *correlator.Correlator, opts ...Option) *Broker {
	b := &Broker{
		transport:      t,
		calls:          calls,
		defaultTimeout: DefaultTimeout,
		maxTimeout:     DefaultMaxTimeout,
		newID:          uuid.NewString,
		now:            time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logctx.Wrap(b.log)
	return b
}

// Invoke asks sessionID to run the capability name with args and waits for the
// outcome. A zero timeout uses the default; larger timeouts are capped. The
// deadline also honours any earlier deadline carried by ctx.
//
// Cancelling ctx settles the invocation as a timeout carrying the context
// error. After any timeout a best-effort cancel is sent to the client, whose
// late result, if any, is discarded.
func (b *Broker) Invoke(ctx context.Context, sessionID, name string, args any, timeout time.Duration) capbridge.Outcome {
	start := b.now()
	id := b.newID()
	ctx = logctx.WithInvocationData(ctx, &logctx.InvocationData{InvocationID: id, Capability: name})

	if name == "" {
		return capbridge.Fail(capbridge.KindRejected, "capability name is required")
	}
	raw, err := marshalArgs(args)
	if err != nil {
		b.log.WarnContext(ctx, "invoke.args.fail", slog.String("err", err.Error()))
		return capbridge.Failf(capbridge.KindRejected, "invalid arguments: %v", err)
	}

	deadline := start.Add(b.clamp(timeout))
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	call, err := b.calls.Register(id, sessionID, deadline)
	if err != nil {
		b.log.ErrorContext(ctx, "invoke.register.fail", slog.String("err", err.Error()))
		if errors.Is(err, correlator.ErrClosed) {
			return capbridge.SessionUnavailable()
		}
		return capbridge.Failf(capbridge.KindRejected, "register invocation: %v", err)
	}

	state := StateCreated
	req := capbridge.InvokeRequest{ID: id, Name: name, Args: raw, Deadline: deadline}
	if err := b.transport.Send(ctx, sessionID, req); err != nil {
		b.log.InfoContext(ctx, "invoke.send.fail", slog.String("session", sessionID), slog.String("err", err.Error()))
		b.calls.Deliver(id, capbridge.SessionUnavailable())
	} else {
		state = StateSent
		b.log.DebugContext(ctx, "invoke.sent", slog.String("session", sessionID), slog.Time("deadline", deadline))
	}

	var o capbridge.Outcome
	select {
	case o = <-call.Done():
	case <-ctx.Done():
		// Loses to any settlement that got there first.
		b.calls.Deliver(id, capbridge.Fail(capbridge.KindTimeout, ctx.Err().Error()))
		o = <-call.Done()
	}

	if state == StateSent && o.Kind() == capbridge.KindTimeout {
		b.cancelRemote(ctx, sessionID, id)
	}

	final := StateOf(o)
	attrs := []any{
		slog.String("session", sessionID),
		slog.String("state", final.String()),
		slog.Duration("dur", b.now().Sub(start)),
	}
	if o.Error != nil {
		attrs = append(attrs, slog.String("kind", string(o.Error.Kind)), slog.String("message", o.Error.Message))
	}
	b.log.InfoContext(ctx, "invoke.settle", attrs...)
	return o
}

func (b *Broker) clamp(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	if b.maxTimeout > 0 && timeout > b.maxTimeout {
		timeout = b.maxTimeout
	}
	return timeout
}

func (b *Broker) cancelRemote(ctx context.Context, sessionID, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := b.transport.Cancel(ctx, sessionID, id); err != nil {
		b.log.DebugContext(ctx, "invoke.cancel.fail", slog.String("err", err.Error()))
	}
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("arguments are not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("arguments are not valid JSON")
		}
		return json.RawMessage(v), nil
	}
	return json.Marshal(args)
}
