package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ggoodman/capbridge-go/internal/logctx"
	"github.com/ggoodman/capbridge-go/transport"
)

// Handler serves one bridge session over a reader/writer pair. By default it
// uses os.Stdin and os.Stdout and attaches under the current OS user.
type Handler struct {
	hub          *transport.Hub
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	sessionID    string
	userProvider UserProvider
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(hub *transport.Hub, opts ...Option) *Handler {
	h := &Handler{
		hub:          hub,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.Wrap(h.l)
	return h
}

// Serve attaches the session and runs until EOF on the reader or ctx is
// cancelled. Requests queued for the session are written as lines; every
// line read is handed to the hub. Malformed lines are logged and skipped.
// The session is detached when Serve returns, which settles anything still
// pending for it as unsendable.
func (h *Handler) Serve(ctx context.Context) error {
	sessionID := h.sessionID
	if sessionID == "" {
		id, err := h.userProvider.CurrentUserID()
		if err != nil {
			return fmt.Errorf("resolve stdio session id: %w", err)
		}
		sessionID = id
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Transport: "stdio"})

	sess, err := h.hub.Attach(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := NewConn(h.r, h.w)
	defer conn.Close()

	outErr := make(chan error, 1)
	go func() {
		outErr <- sess.Outbound(ctx, func(ctx context.Context, _ string, data []byte) error {
			return conn.Write(ctx, data)
		})
		cancel()
	}()

	h.l.InfoContext(ctx, "stdio.session.start")
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			if errors.Is(err, io.EOF) {
				h.l.InfoContext(ctx, "stdio.session.eof")
				return nil
			}
			select {
			case oerr := <-outErr:
				if oerr != nil && !errors.Is(oerr, context.Canceled) {
					return oerr
				}
			default:
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := sess.HandleInbound(ctx, data); err != nil {
			h.l.WarnContext(ctx, "stdio.inbound.drop", slog.String("err", err.Error()))
		}
	}
}
