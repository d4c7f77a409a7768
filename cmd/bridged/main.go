// Command bridged runs the session bridge daemon: it exposes the consumer
// WebSocket gateway, a health check, and a metrics endpoint, and owns every
// active SessionBridge Runtime.
//
// Wiring order: load env → config → storage → backend adapters →
// gateway/gatekeeper → chi router → signal-context shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ashureev/sessionbridge/internal/acp/container"
	"github.com/ashureev/sessionbridge/internal/acp/process"
	"github.com/ashureev/sessionbridge/internal/backend"
	"github.com/ashureev/sessionbridge/internal/bridge"
	"github.com/ashureev/sessionbridge/internal/config"
	"github.com/ashureev/sessionbridge/internal/eventbus"
	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/ashureev/sessionbridge/internal/gateway"
	"github.com/ashureev/sessionbridge/internal/httpapi"
	"github.com/ashureev/sessionbridge/internal/middleware"
	"github.com/ashureev/sessionbridge/internal/obs"
	"github.com/ashureev/sessionbridge/internal/storage"
	dockerclient "github.com/docker/docker/client"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting bridge daemon", "port", cfg.Port, "dev", cfg.IsDevelopment())

	store, err := storage.NewSQLite(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("failed to close storage", "error", closeErr)
		}
	}()

	if err := store.Ping(context.Background()); err != nil {
		slog.Error("storage health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("storage connected", "path", cfg.Storage.DBPath)

	adapters := map[string]backend.Adapter{}
	processAdapter := process.New(process.Config{
		Command: getAgentCommand(),
		Args:    getAgentArgs(),
		Env:     os.Environ(),
	}, logger)
	adapters[processAdapter.Name()] = processAdapter

	if image := os.Getenv("BRIDGE_SANDBOX_IMAGE"); image != "" {
		containerAdapter, err := newContainerAdapter(image, logger)
		if err != nil {
			slog.Error("failed to initialize sandboxed adapter, continuing without it", "error", err)
		} else {
			adapters[containerAdapter.Name()] = containerAdapter
			slog.Info("sandboxed adapter enabled", "image", image)
		}
	}

	bus := eventbus.New(logger)
	br := bridge.New(bridge.Config{DefaultAdapter: cfg.Backend.DefaultAdapter}, adapters, store, bus, logger)

	gk := gatekeeper.New(nil)

	var encryptorFactory gateway.EncryptorFactory
	if cfg.Envelope.Enabled {
		encryptorFactory = nil // production deployments wire a real peer-key lookup here
	}

	gw := gateway.New(gateway.Config{
		MaxFrameSize:    int(cfg.Gateway.MaxFrameSize),
		AllowedOrigin:   cfg.Gateway.AllowedOrigin,
		IsDevelopment:   cfg.IsDevelopment(),
		RateLimit:       cfg.Gateway.RateLimit,
		RateLimitWindow: cfg.Gateway.RateLimitWindow,
	}, br, gk, encryptorFactory, logger)

	br.SetBroadcaster(gw)

	logEvents(bus, logger)

	health := httpapi.NewHealthHandler(store, br, gw)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.Gateway.AllowedOrigin, "*"}))

	health.RegisterRoutes(r)

	r.Get("/ws/consumer/{session_id}", func(w http.ResponseWriter, req *http.Request) {
		gw.ServeHTTP(gateway.RouteParams{
			SessionID:  func(r *http.Request) string { return chi.URLParam(r, "session_id") },
			ConsumerID: func(r *http.Request) string { return r.URL.Query().Get("consumer_id") },
		}, w, req)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout; consumer WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br.StartIdleReaper(ctx, cfg.Backend.IdleSessionTTL)
	slog.Info("idle reaper started", "idle_ttl", cfg.Backend.IdleSessionTTL)

	go func() {
		slog.Info("bridge daemon listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("bridge daemon stopped successfully")
}

func getAgentCommand() string {
	if cmd := os.Getenv("BRIDGE_AGENT_COMMAND"); cmd != "" {
		return cmd
	}
	return "agent"
}

// newContainerAdapter builds the sandboxed BackendAdapter against the local
// Docker daemon, gated behind BRIDGE_SANDBOX_IMAGE so a daemon without
// Docker available still starts with just the local-process adapter.
func newContainerAdapter(image string, logger obs.Logger) (*container.Adapter, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if config.IsContainer() {
		// Running inside a container ourselves: don't trust an inherited
		// DOCKER_HOST, talk to the socket that must have been bind-mounted
		// into this container for sibling-container spawning to work at all.
		opts = []dockerclient.Opt{dockerclient.WithHost("unix:///var/run/docker.sock"), dockerclient.WithAPIVersionNegotiation()}
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return container.New(cli, container.Config{
		Image:            image,
		Command:          append([]string{getAgentCommand()}, getAgentArgs()...),
		MemoryLimitBytes: getEnvInt64("BRIDGE_SANDBOX_MEMORY_BYTES", 512*1024*1024),
		CPUQuota:         getEnvInt64("BRIDGE_SANDBOX_CPU_QUOTA", 100000),
		PidsLimit:        getEnvInt64("BRIDGE_SANDBOX_PIDS_LIMIT", 128),
		Runtime:          os.Getenv("BRIDGE_SANDBOX_RUNTIME"),
	}, logger), nil
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getAgentArgs() []string {
	if args := os.Getenv("BRIDGE_AGENT_ARGS"); args != "" {
		return []string{args}
	}
	return nil
}

// logEvents drains the event bus onto the structured logger, giving every
// bridge event a visible trace without a dedicated subscriber per event.
func logEvents(bus *eventbus.Bus, logger obs.Logger) {
	sub := bus.Subscribe()
	go func() {
		for ev := range sub.Ch {
			logger.Info("event", "name", string(ev.Name), "session_id", ev.SessionID)
		}
	}()
}
