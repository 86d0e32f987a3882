// Command cauce-hub runs the Cauce Hub: the pub/sub process that
// accepts JSON-RPC 2.0 connections over four transports, matches
// published signals against subscriptions, and tracks delivery until
// acknowledged.
//
// Grounded on buckley's pkg/ipc/server.go Start method: a chi router
// assembled behind middleware, an http.Server with read-header and idle
// timeouts, and a context-cancellation-driven graceful shutdown — here
// trimmed to the Hub's four transport endpoints plus /health and
// /metrics instead of buckley's browser UI and gRPC surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cauce-ai/cauce-hub/internal/auth"
	"github.com/cauce-ai/cauce-hub/internal/bus"
	"github.com/cauce-ai/cauce-hub/internal/config"
	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/dispatch"
	"github.com/cauce-ai/cauce-hub/internal/fanout"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
	"github.com/cauce-ai/cauce-hub/internal/ratelimit"
	"github.com/cauce-ai/cauce-hub/internal/redelivery"
	"github.com/cauce-ai/cauce-hub/internal/router"
	"github.com/cauce-ai/cauce-hub/internal/session"
	"github.com/cauce-ai/cauce-hub/internal/subscription"
	"github.com/cauce-ai/cauce-hub/internal/topicindex"
	"github.com/cauce-ai/cauce-hub/internal/tracing"
	"github.com/cauce-ai/cauce-hub/internal/transport/poll"
	"github.com/cauce-ai/cauce-hub/internal/transport/sse"
	"github.com/cauce-ai/cauce-hub/internal/transport/ws"
	"github.com/cauce-ai/cauce-hub/internal/transport/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cauce-hub: %v\n", err)
		os.Exit(2)
	}

	log := hublog.New("hub", slog.LevelInfo)

	tracerProvider, err := tracing.NewTracerProvider(cfg.ServerName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cauce-hub: tracing init failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cauce-hub: %v\n", err)
		os.Exit(1)
	}
	if app.bus != nil {
		defer app.bus.Close()
	}
	subscribeBus(ctx, app, log)

	handler := mountRoutes(cfg, app, log)

	// h2c lets the polling and webhook transports' long-lived requests
	// multiplex over HTTP/2 cleartext behind reverse proxies that strip
	// HTTP/1.1 upgrade headers (grounded on buckley's pkg/ipc/server.go).
	h2cHandler := h2c.NewHandler(handler, &http2.Server{})

	httpServer := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); app.scheduler.Run(ctx) }()
	go func() { defer wg.Done(); runSessionSweeper(ctx, app.sessions, cfg.Session.CleanupInterval, log) }()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("serving cauce hub", "bind_address", cfg.BindAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		fmt.Fprintf(os.Stderr, "cauce-hub: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", "error", err)
	}
}

// components bundles the Hub's wired, in-process components, assembled
// once at startup and shared by every transport adapter.
type components struct {
	sessions      *session.Manager
	subs          *subscription.Manager
	tracker       *delivery.Tracker
	fanoutPlane   *fanout.Plane
	msgRouter     *router.Router
	dispatcher    *dispatch.Dispatcher
	webhookSender *webhook.Sender
	scheduler     *redelivery.Scheduler
	authValidator auth.Validator
	bus           bus.Bus
}

func build(cfg *config.Config, log *hublog.Logger) (*components, error) {
	sessions := session.New()
	idx := topicindex.New()
	subs := subscription.New(subscription.Limits{
		MaxTopicsPerSubscription:  cfg.Limits.MaxTopicsPerSubscription,
		MaxSubscriptionsPerClient: cfg.Limits.MaxSubscriptionsPerClient,
	}, idx)
	tracker := delivery.New(delivery.BackoffConfig{
		InitialDelay: cfg.Redelivery.InitialDelay,
		Multiplier:   cfg.Redelivery.Multiplier,
		MaxDelay:     cfg.Redelivery.MaxDelay,
		MaxAttempts:  cfg.Redelivery.MaxAttempts,
		Enabled:      cfg.Redelivery.Enabled,
	})
	fanoutPlane := fanout.New(cfg.Limits.FanoutChannelDepth, log)
	msgRouter := router.New(subs, tracker, fanoutPlane, cfg.Limits.MaxSignalBytes, log)

	dispatcher := dispatch.New(sessions, subs, tracker, msgRouter, cfg.ServerName, cfg.Session.DefaultTTL, log)

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:        cfg.RateLimit.Enabled,
		BucketCapacity: cfg.RateLimit.BucketCapacity,
		RefillPerSec:   cfg.RateLimit.RefillPerSec,
		WindowSeconds:  cfg.RateLimit.WindowSeconds,
		MaxPerWindow:   cfg.RateLimit.MaxPerWindow,
	})
	dispatcher.SetRateLimiter(limiter)
	dispatcher.SetRequestTimeout(cfg.RequestTimeout)

	webhookSender := webhook.New(http.DefaultClient, tracker, log)

	scheduler := redelivery.New(tracker, redeliveryCallback(subs, fanoutPlane, webhookSender), cfg.Redelivery.InitialDelay/2, log)

	// A NATS URL opts the Hub into replicating publishes to sibling
	// processes (SPEC_FULL.md §4.10); without one the Hub stays the
	// single-process deployment spec.md describes and no bus is created.
	var messageBus bus.Bus
	if cfg.NATSURL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATSURL, cfg.ServerName)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		messageBus = natsBus
		msgRouter.SetBus(messageBus)
	}

	return &components{
		sessions:      sessions,
		subs:          subs,
		tracker:       tracker,
		fanoutPlane:   fanoutPlane,
		msgRouter:     msgRouter,
		dispatcher:    dispatcher,
		webhookSender: webhookSender,
		scheduler:     scheduler,
		authValidator: auth.NewInMemoryValidator(),
		bus:           messageBus,
	}, nil
}

// subscribeBus relays every signal another Hub process publishes to the
// shared bus into this process's own Subscription Manager and Fanout
// Plane. No-op when app.bus is nil (the single-process default).
func subscribeBus(ctx context.Context, app *components, log *hublog.Logger) {
	if app.bus == nil {
		return
	}
	_, err := app.bus.Subscribe(ctx, router.BusSubject, func(_ string, data []byte) {
		var sig protocol.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			log.Warn("bus message decode failed", "error", err)
			return
		}
		app.msgRouter.DeliverRemote(sig)
	})
	if err != nil {
		log.Error("bus subscribe failed", "error", err)
	}
}

// redeliveryCallback dispatches a due delivery according to its
// subscription's transport. Webhook deliveries hand the tracker
// bookkeeping to webhook.Sender.Deliver (which Acks, redelivers, or
// dead-letters internally), so the scheduler must never touch the
// tracker itself for that branch — hence the unconditional ok=true.
// Connection-based transports only get a best-effort resend; whether it
// lands is left to the client's own cauce.ack, so the scheduler still
// advances the backoff on every sweep (ok=false, terminal=false).
func redeliveryCallback(subs *subscription.Manager, fan *fanout.Plane, sender *webhook.Sender) redelivery.Callback {
	return func(ctx context.Context, record delivery.Record) (bool, bool) {
		info, ok := subs.Get(record.SubscriptionID)
		if !ok {
			return false, true
		}

		if info.Transport == subscription.TransportWebhook {
			if info.Webhook == nil {
				return false, true
			}
			sig, ok := record.Delivery.Signal.Payload.(protocol.Signal)
			if !ok {
				return false, true
			}
			target := webhook.Target{SubscriptionID: record.SubscriptionID, URL: info.Webhook.URL, Secret: info.Webhook.Secret}
			_ = sender.Deliver(ctx, target, sig)
			return true, false
		}

		if fan.IsRegistered(info.SessionID) {
			fan.Send(info.SessionID, fanout.Outbound{SubscriptionID: record.SubscriptionID, Delivery: record.Delivery})
		}
		return false, false
	}
}

func runSessionSweeper(ctx context.Context, sessions *session.Manager, interval time.Duration, log *hublog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.CleanupExpired(); n > 0 {
				log.Info("session sweep removed expired sessions", "count", n)
			}
		}
	}
}

func mountRoutes(cfg *config.Config, app *components, log *hublog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(authMiddleware(cfg, app.authValidator))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if cfg.Transports.WebSocket {
		wsHandler := ws.New(app.dispatcher, app.fanoutPlane, log)
		r.Get("/cauce/v1/ws", wsHandler.ServeHTTP)
	}
	if cfg.Transports.SSE {
		sseHandler := sse.New(app.fanoutPlane, app.tracker, app.sessions, log)
		r.Get("/cauce/v1/events", sseHandler.ServeHTTP)
	}
	if cfg.Transports.Polling {
		pollHandler := poll.New(app.dispatcher, app.fanoutPlane, app.tracker, app.sessions, log)
		r.Get("/cauce/v1/poll", pollHandler.ServePoll)
		r.Post("/cauce/v1/messages", pollHandler.ServeMessages)
	}

	return r
}

// authMiddleware resolves X-Cauce-API-Key/Authorization credentials via
// the injected auth.Validator (spec.md §1 Non-goals: "authentication
// policy (credential format is pluggable)") and rejects the request
// before it reaches a transport adapter when cfg.Auth.Required and no
// credential validated. A successful authentication is not otherwise
// threaded through — cauce.hello still assigns the session its own
// client_id — matching original_source's separation between transport
// authentication and protocol-level identity.
func authMiddleware(cfg *config.Config, validator auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Auth.Required || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			result := auth.Authenticate(r.Context(), validator, r)
			if !result.Authenticated {
				http.Error(w, "unauthorized: "+result.Error, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
