// Package agentproxy forwards chat traffic from the browser to the agent
// runtime, replacing any caller credential with a token minted from the
// shared secret.
package agentproxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/ggoodman/capbridge-go/internal/logctx"
)

// DefaultSubject is the token subject presented to the agent.
const DefaultSubject = "capbridge"

// Signer mints bearer tokens. *auth.SharedSecret implements it.
type Signer interface {
	Sign(subject string) (string, error)
}

// Proxy is an http.Handler that forwards to the agent.
type Proxy struct {
	target  *url.URL
	signer  Signer
	subject string
	log     *slog.Logger
	rp      *httputil.ReverseProxy
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithSubject sets the subject of minted tokens.
func WithSubject(sub string) Option {
	return func(p *Proxy) { p.subject = sub }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.log = l }
}

type tokenKey struct{}

// New returns a Proxy to target. Request paths are joined onto target's path.
func New(target *url.URL, signer Signer, opts ...Option) *Proxy {
	p := &Proxy{
		target:  target,
		signer:  signer,
		subject: DefaultSubject,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logctx.Wrap(p.log)

	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(p.target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			if tok, ok := pr.In.Context().Value(tokenKey{}).(string); ok {
				pr.Out.Header.Set("Authorization", "Bearer "+tok)
			}
		},
		// Agent responses are streamed token by token.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.ErrorContext(r.Context(), "proxy.upstream.fail", slog.String("err", err.Error()))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "agent unavailable"})
		},
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})

	tok, err := p.signer.Sign(p.subject)
	if err != nil {
		p.log.ErrorContext(ctx, "proxy.sign.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent credentials unavailable"})
		return
	}
	p.rp.ServeHTTP(w, r.WithContext(context.WithValue(ctx, tokenKey{}, tok)))
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Health serves GET /health. Every check must pass within two seconds for a
// 200; otherwise the response is 503 naming the failing check.
func Health(checks map[string]Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "failed": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
