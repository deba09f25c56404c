// Command capbridge runs the capability bridge server: browser sessions
// attach over SSE or WebSocket, the agent invokes their capabilities through
// the authenticated agent API, and remaining traffic is proxied to the agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/capbridge-go"
	"github.com/ggoodman/capbridge-go/agentapi"
	"github.com/ggoodman/capbridge-go/agentproxy"
	"github.com/ggoodman/capbridge-go/auth"
	"github.com/ggoodman/capbridge-go/broker"
	"github.com/ggoodman/capbridge-go/broker/memory"
	redisbroker "github.com/ggoodman/capbridge-go/broker/redis"
	"github.com/ggoodman/capbridge-go/config"
	"github.com/ggoodman/capbridge-go/correlator"
	"github.com/ggoodman/capbridge-go/delegation"
	"github.com/ggoodman/capbridge-go/secret"
	"github.com/ggoodman/capbridge-go/stdio"
	"github.com/ggoodman/capbridge-go/streaminghttp"
	"github.com/ggoodman/capbridge-go/transport"
	"github.com/ggoodman/capbridge-go/wsbridge"
	"github.com/redis/go-redis/v9"
)

const (
	realm           = "capbridge"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "capbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.NewLogger(os.Stderr)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	keys, err := secret.Open(cfg.AgentSecretFile, secret.WithLogger(log))
	if err != nil {
		return err
	}
	go func() {
		if err := keys.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("secret.watch.stop", slog.String("err", err.Error()))
		}
	}()

	agentURL, err := url.Parse(cfg.AgentURL)
	if err != nil {
		return fmt.Errorf("parse agent url: %w", err)
	}

	checks := map[string]agentproxy.Check{}
	var b broker.Broker
	if cfg.RedisAddr != "" {
		rb := redisbroker.New(redisbroker.Config{
			Client:    redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		defer func() {
			_ = rb.Close()
		}()
		if err := rb.Ping(ctx); err != nil {
			return err
		}
		checks["redis"] = rb.Ping
		b = rb
	} else {
		b = memory.New()
	}

	calls := correlator.New(correlator.WithLogger(log))
	hub := transport.NewHub(b, calls, transport.WithLogger(log))
	bridge := delegation.New(hub, calls,
		delegation.WithDefaultTimeout(cfg.DefaultTimeout),
		delegation.WithMaxTimeout(cfg.MaxTimeout),
		delegation.WithLogger(log),
	)
	tokens := auth.NewSharedSecret(keys, auth.WithIssuer(auth.DefaultIssuer))

	mux := http.NewServeMux()
	mux.Handle("/bridge", streaminghttp.New(hub, streaminghttp.WithLogger(log)))
	mux.Handle("/bridge/ws", wsbridge.New(hub, wsbridge.WithLogger(log)))
	mux.Handle("/v1/", auth.Middleware(tokens, realm, log)(agentapi.New(bridge, hub, agentapi.WithLogger(log))))
	mux.Handle("GET /health", agentproxy.Health(checks))
	mux.Handle("/", agentproxy.New(agentURL, tokens, agentproxy.WithLogger(log)))

	if cfg.Stdio {
		go func() {
			if err := stdio.NewHandler(hub, stdio.WithLogger(log)).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("stdio.serve.fail", slog.String("err", err.Error()))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("server.start",
		slog.String("addr", cfg.ListenAddr),
		slog.String("agent", agentURL.Redacted()),
		slog.Bool("redis", cfg.RedisAddr != ""),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("server.stop")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	// Session streams never end on their own; close them before Shutdown.
	hub.Close()
	calls.Close(capbridge.SessionUnavailable())
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
