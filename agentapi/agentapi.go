// Package agentapi is the HTTP surface the agent runtime uses to reach
// connected client sessions: it lists sessions and their declared
// capabilities and performs blocking invocations.
//
// Routes:
//
//	GET  /v1/sessions
//	GET  /v1/sessions/{session}/capabilities
//	POST /v1/sessions/{session}/invocations
//
// An invocation always answers 200 with the settled outcome, either
// {"value":...} or {"error":{"kind":...,"message":...}}. Non-200 statuses are
// reserved for requests that never reached the bridge.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/internal/logctx"
)

// Invoker performs one invocation. *delegation.Broker implements it.
type Invoker interface {
	Invoke(ctx context.Context, sessionID, name string, args any, timeout time.Duration) capbridge.Outcome
}

// Directory reports attached sessions. *transport.Hub implements it.
type Directory interface {
	Sessions() []string
	Capabilities(sessionID string) ([]capbridge.Declaration, bool)
}

// InvocationRequest is the body of POST .../invocations.
type InvocationRequest struct {
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	defaultMaxBodySize = 1 << 20
	maxTimeoutMs       = math.MaxInt64 / int64(time.Millisecond)
)

// Handler serves the agent API.
type Handler struct {
	invoker Invoker
	dir     Directory
	log     *slog.Logger
	maxBody int64
	mux     *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMaxBodySize bounds invocation request bodies.
func WithMaxBodySize(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// New returns a Handler. Authentication is applied by wrapping it, typically
// with auth.Middleware.
func New(inv Invoker, dir Directory, opts ...Option) *Handler {
	h := &Handler{
		invoker: inv,
		dir:     dir,
		log:     slog.Default(),
		maxBody: defaultMaxBodySize,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)

	h.mux.HandleFunc("GET /v1/sessions", h.handleSessions)
	h.mux.HandleFunc("GET /v1/sessions/{session}/capabilities", h.handleCapabilities)
	h.mux.HandleFunc("POST /v1/sessions/{session}/invocations", h.handleInvoke)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.dir.Sessions()})
}

func (h *Handler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	decls, ok := h.dir.Capabilities(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not connected")
		return
	}
	if decls == nil {
		decls = []capbridge.Declaration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": decls})
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: sessionID, Transport: "agentapi"})

	if r.Header.Get("Content-Type") != "" {
		mt, err := contenttype.GetMediaType(r)
		if err != nil || !mt.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	var req InvocationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "request body is required")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.TimeoutMs < 0 {
		writeJSONError(w, http.StatusBadRequest, "timeoutMs must not be negative")
		return
	}

	var args any
	if len(req.Args) > 0 && !bytes.Equal(bytes.TrimSpace(req.Args), []byte("null")) {
		args = req.Args
	}
	o := h.invoker.Invoke(ctx, sessionID, req.Name, args, timeoutFromMillis(req.TimeoutMs))
	h.log.DebugContext(ctx, "agentapi.invoke", slog.String("capability", req.Name), slog.Bool("ok", o.OK()))
	writeJSON(w, http.StatusOK, o)
}

// timeoutFromMillis converts without overflowing; anything too large for a
// time.Duration saturates and is left to the invoker's cap.
func timeoutFromMillis(ms int64) time.Duration {
	if ms > maxTimeoutMs {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
