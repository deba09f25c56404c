// Package wsbridge serves bridge sessions over WebSocket. One connection is
// one session: text frames carry the same JSON-RPC envelopes in both
// directions, and closing the socket detaches the session.
package wsbridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/internal/logctx"
	"github.com/ggoodman/capbridge-go/transport"
	"github.com/gorilla/websocket"
)

const (
	sessionQueryParam = "session"
	maxMessageSize    = 4 << 20
	writeWait         = 10 * time.Second
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithCheckOrigin overrides the upgrader's origin check. By default only
// same-origin requests are upgraded.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// WithPingInterval sets how often the server pings an idle client. Zero
// disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.ping = d }
}

// Handler upgrades requests to WebSocket sessions attached to a hub.
type Handler struct {
	hub      *transport.Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
	ping     time.Duration
}

// New returns a Handler for hub.
func New(hub *transport.Hub, opts ...Option) *Handler {
	h := &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		log:  slog.Default(),
		ping: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})

	id := strings.TrimSpace(r.URL.Query().Get(sessionQueryParam))
	if id == "" {
		http.Error(w, "missing session query parameter", http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "websocket"})

	// Attach before upgrading so a conflict is still reportable as HTTP.
	sess, err := h.hub.Attach(ctx, id)
	if err != nil {
		if errors.Is(err, transport.ErrSessionAttached) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "failed to attach session", http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer sess.Close()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)

	h.serve(ctx, sess, ws)
}

func (h *Handler) serve(ctx context.Context, sess *transport.Conn, ws *websocket.Conn) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(typ int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(typ, data)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		err := sess.Outbound(ctx, func(ctx context.Context, _ string, data []byte) error {
			return write(websocket.TextMessage, data)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.WarnContext(ctx, "ws.outbound.fail", slog.String("err", err.Error()))
		}
		// Unblock the reader.
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
	}()

	// A peer that stops answering pings is dropped once pongWait passes
	// without any frame from it.
	pongWait := 2 * h.ping
	extend := func() {
		if h.ping > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	if h.ping > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(h.ping)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						cancel()
						return
					}
				}
			}
		}()
	}

	h.log.InfoContext(ctx, "ws.session.start")
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				h.log.InfoContext(ctx, "ws.session.end", slog.Duration("dur", time.Since(start)))
			} else {
				h.log.WarnContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			cancel()
			sess.Close()
			return
		}
		extend()
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if err := sess.HandleInbound(ctx, data); err != nil && !errors.Is(err, capbridge.ErrMalformedMessage) {
			h.log.WarnContext(ctx, "ws.inbound.fail", slog.String("err", err.Error()))
		}
	}
}
