package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/internal/logctx"
	"github.com/ggoodman/capbridge-go/transport"
)

var _ http.Handler = (*Handler)(nil)

var (
	ErrSessionHeaderMissing = errors.New("missing bridge-session-id header")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	sessionIDHeader   = "Bridge-Session-Id"
	sessionQueryParam = "session"

	defaultPath        = "/bridge"
	defaultMaxBodySize = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. It is
// transport-level and does not claim JSON-RPC framing.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithPath sets the endpoint path. Defaults to "/bridge".
func WithPath(path string) Option {
	return func(h *Handler) {
		if path != "" {
			h.path = path
		}
	}
}

// WithKeepAlive makes the GET stream emit an SSE comment at the given
// interval so intermediaries do not close an idle connection. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithMaxBodySize bounds POST bodies.
func WithMaxBodySize(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// Handler serves the SSE+POST bridge transport.
type Handler struct {
	mux       *http.ServeMux
	hub       *transport.Hub
	log       *slog.Logger
	path      string
	keepAlive time.Duration
	maxBody   int64
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flusher.Flush()
}

// New constructs a Handler serving sessions attached to hub.
func New(hub *transport.Hub, opts ...Option) *Handler {
	h := &Handler{
		hub:       hub,
		log:       slog.Default(),
		path:      defaultPath,
		keepAlive: 15 * time.Second,
		maxBody:   defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", h.path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("POST %s", h.path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.path), h.handleDelete)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})))
}

func sessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(sessionIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(sessionQueryParam))
}

func withSession(ctx context.Context, id string) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "sse"})
}

// handleGet attaches the session and streams its outbound envelopes until
// the client goes away.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	id := sessionID(r)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = withSession(ctx, id)

	sess, err := h.hub.Attach(ctx, id)
	if err != nil {
		if errors.Is(err, transport.ErrSessionAttached) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to attach session")
		h.log.ErrorContext(ctx, "session.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer sess.Close()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionIDHeader, id)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	if h.keepAlive > 0 {
		go h.pingLoop(ctx, sess, wf)
	}

	if err := sess.Outbound(ctx, func(cbCtx context.Context, msgID string, data []byte) error {
		if err := writeSSEEvent(wf, msgID, data); err != nil {
			h.log.WarnContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", msgID))
		return nil
	}); err != nil && !errors.Is(err, context.Canceled) {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) pingLoop(ctx context.Context, sess *transport.Conn, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-t.C:
			if _, err := wf.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// handlePost accepts one envelope from the client.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	id := sessionID(r)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = withSession(ctx, id)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		h.log.WarnContext(ctx, "http.post.body.fail", slog.String("err", err.Error()))
		return
	}

	if err := h.hub.HandleInbound(ctx, id, body); err != nil {
		switch {
		case errors.Is(err, capbridge.ErrSessionUnavailable):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, capbridge.ErrMalformedMessage):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to handle message")
			h.log.ErrorContext(ctx, "http.post.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleDelete detaches the session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := sessionID(r)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
		return
	}
	ctx = withSession(ctx, id)

	if !h.hub.Detach(id) {
		h.log.InfoContext(ctx, "session.delete.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.log.InfoContext(ctx, "session.delete.ok")
	w.WriteHeader(http.StatusNoContent)
}

// writeSSEEvent writes one Server-Sent Event as a single write and flushes
// it, so keep-alive comments cannot split a frame.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var buf bytes.Buffer
	if msgID != "" {
		fmt.Fprintf(&buf, "id: %s\n", msgID)
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
