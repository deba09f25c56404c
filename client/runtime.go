// Package client is the browser-side half of the bridge: it receives
// invocation requests over a session connection, runs them against a
// capability.Registry and sends back exactly one result per request.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/capability"
	"github.com/ggoodman/capbridge-go/internal/logctx"
)

// DefaultDeadlineMargin is how far ahead of the bridge deadline an executor's
// context expires.
const DefaultDeadlineMargin = 250 * time.Millisecond

// errCancelledByServer is the cancel cause used when the server withdraws an
// invocation.
var errCancelledByServer = errors.New("invocation cancelled by server")

// Conn is a bidirectional, message-framed session connection.
type Conn interface {
	// Read blocks until the next message arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one message. Runtime serializes its calls.
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Runtime executes invocation requests for one client session.
type Runtime struct {
	reg    *capability.Registry
	margin time.Duration
	log    *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithDeadlineMargin sets how far ahead of the request deadline the executor
// context is cancelled. The margin never exceeds a tenth of the remaining time.
func WithDeadlineMargin(d time.Duration) Option {
	return func(r *Runtime) { r.margin = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// NewRuntime returns a runtime serving reg.
func NewRuntime(reg *capability.Registry, opts ...Option) *Runtime {
	r := &Runtime{reg: reg, margin: DefaultDeadlineMargin, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logctx.Wrap(r.log)
	return r
}

// Handle runs one request and returns its result. Lookup misses become
// unavailable; every other failure, including a panicking executor, is
// reported as rejected with the error's message verbatim.
func (r *Runtime) Handle(ctx context.Context, req capbridge.InvokeRequest) capbridge.InvokeResult {
	ctx = logctx.WithInvocationData(ctx, &logctx.InvocationData{InvocationID: req.ID, Capability: req.Name})
	ctx, cancel := r.executionContext(ctx, req.Deadline)
	defer cancel()

	start := time.Now()
	value, err := r.execute(ctx, req)
	if err != nil {
		kind := capbridge.KindRejected
		if errors.Is(err, capability.ErrNotFound) {
			kind = capbridge.KindUnavailable
		}
		r.log.InfoContext(ctx, "execute.fail", slog.String("kind", string(kind)), slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return capbridge.ResultFromOutcome(req.ID, capbridge.Fail(kind, err.Error()))
	}
	r.log.InfoContext(ctx, "execute.ok", slog.Duration("dur", time.Since(start)))
	return capbridge.ResultFromOutcome(req.ID, capbridge.Ok(value))
}

func (r *Runtime) execute(ctx context.Context, req capbridge.InvokeRequest) (value []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("capability %q panicked: %v", req.Name, p)
		}
	}()
	return r.reg.Execute(ctx, req.Name, req.Args)
}

func (r *Runtime) executionContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	margin := r.margin
	if tenth := time.Until(deadline) / 10; margin > tenth {
		margin = tenth
	}
	if margin < 0 {
		margin = 0
	}
	return context.WithDeadline(ctx, deadline.Add(-margin))
}

// Serve runs the session until ctx ends or conn fails, then closes conn. It
// declares the registry's capabilities on start and again whenever the
// registry changes, executes requests concurrently and writes each result
// back. A request whose id is already executing is ignored, and a cancel
// notification aborts the matching execution without reporting a result.
func (r *Runtime) Serve(ctx context.Context, conn Conn) error {
	defer conn.Close()
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.Write(ctx, data)
	}

	declare := func() error {
		data, err := capbridge.EncodeDeclare(r.reg.Declarations())
		if err != nil {
			return err
		}
		return write(data)
	}

	watch := r.reg.Watch()
	if err := declare(); err != nil {
		return fmt.Errorf("declare capabilities: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-watch:
				watch = r.reg.Watch()
				if err := declare(); err != nil {
					r.log.WarnContext(ctx, "declare.fail", slog.String("err", err.Error()))
				}
			}
		}
	}()

	// Gorilla-style connections do not observe ctx in Read.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var mu sync.Mutex
	inflight := make(map[string]context.CancelCauseFunc)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		env, err := capbridge.DecodeEnvelope(data)
		if err != nil {
			r.log.WarnContext(ctx, "inbound.malformed", slog.String("err", err.Error()))
			continue
		}

		switch env.Kind {
		case capbridge.EnvelopeInvoke:
			req := *env.Request
			mu.Lock()
			if _, dup := inflight[req.ID]; dup {
				mu.Unlock()
				r.log.DebugContext(ctx, "invoke.duplicate", slog.String("id", req.ID))
				continue
			}
			callCtx, callCancel := context.WithCancelCause(ctx)
			inflight[req.ID] = callCancel
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(inflight, req.ID)
					mu.Unlock()
					callCancel(nil)
				}()

				res := r.Handle(callCtx, req)
				if errors.Is(context.Cause(callCtx), errCancelledByServer) {
					return
				}
				out, err := capbridge.EncodeInvokeResult(res)
				if err != nil {
					r.log.ErrorContext(ctx, "result.encode.fail", slog.String("id", req.ID), slog.String("err", err.Error()))
					return
				}
				if err := write(out); err != nil {
					r.log.WarnContext(ctx, "result.write.fail", slog.String("id", req.ID), slog.String("err", err.Error()))
				}
			}()
		case capbridge.EnvelopeCancel:
			mu.Lock()
			if c, ok := inflight[env.CancelID]; ok {
				c(errCancelledByServer)
			}
			mu.Unlock()
		default:
			r.log.DebugContext(ctx, "inbound.ignored", slog.String("kind", env.Kind.String()))
		}
	}
}
