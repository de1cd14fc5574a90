package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/handlers"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/services"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent and its local admin API",
		Long: `Run the sync agent: drain the outbox to the backend, pull reference
data, keep the realtime channel open and serve the admin API.

Example:
  syncagent serve --config /etc/syncagent/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	log := observability.GetLogger()

	// Load configuration
	loader := config.NewLoader(opts.ConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{
		"backend":  cfg.BackendURL,
		"realtime": cfg.RealtimeURL(),
		"address":  cfg.Admin.Address,
	}).Info("Configuration loaded")

	// Telemetry
	tel, err := observability.Initialize(ctx, observability.NewConfig("syncagent", handlers.Version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Telemetry shutdown: %v", err)
		}
	}()

	syncMetrics, err := observability.NewSyncMetrics()
	if err != nil {
		log.Warnf("Sync metrics disabled: %v", err)
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Warnf("HTTP metrics disabled: %v", err)
	}

	// Initialize database and repositories
	st, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	store := config.NewStore(*cfg)
	followLogLevel(store, log)
	clk := clock.Real()

	// Initialize services
	backend := services.NewBackendClient(store, nil)
	queue := services.NewOperationQueue(st.operations, store, clk)
	if n, err := queue.RecoverInFlight(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warnf("Recovered %d operations left in flight by the previous run", n)
	}

	monitor := services.NewConnectivityMonitor(backend, store, clk, syncMetrics)
	engine := services.NewSyncEngine(queue, backend, st.refs, st.cursors, monitor, store, clk, syncMetrics)
	realtime := services.NewRealtimeChannel(store, clk, nil, syncMetrics)
	engine.AttachRealtime(realtime)

	hub := services.NewEventHub()
	go hub.Run(ctx)
	stopRelay := hub.Relay(realtime)

	monitor.Start(ctx)
	go realtime.Initialize(ctx)
	engine.StartSyncInterval(store.Get().Sync.Interval())

	loader.Watch(func(next config.Config) {
		restart, err := engine.UpdateConfig(next)
		if err != nil {
			log.Warnf("Config file rejected: %v", err)
			return
		}
		if restart {
			log.Warnf("Some changed settings only apply after a restart")
		}
	})

	// Setup router
	router := handlers.NewRouter(handlers.RouterDeps{
		Store:       store,
		Engine:      engine,
		Queue:       queue,
		Refs:        st.refs,
		Cursors:     st.cursors,
		Hub:         hub,
		HTTPMetrics: httpMetrics,
	})

	srv := &http.Server{
		Addr:         cfg.Admin.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // sync now waits for a full cycle
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Sync agent listening on %s", cfg.Admin.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
		if listenErr != nil {
			log.Errorf("Admin API error: %v", listenErr)
		}
	}

	log.Info("Shutting down sync agent...")

	engine.Stop()
	monitor.Stop()
	stopRelay()
	realtime.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Admin API forced to shutdown: %v", err)
	}
	engine.Close()

	log.Info("Sync agent stopped")
	return listenErr
}

// followLogLevel applies the configured level now and after every config update
func followLogLevel(store *config.Store, log *observability.Logger) {
	log.SetLevel(observability.ParseLevel(store.Get().LogLevel))
	store.OnChange(func(old, updated config.Config) {
		if strings.EqualFold(old.LogLevel, updated.LogLevel) {
			return
		}
		log.SetLevel(observability.ParseLevel(updated.LogLevel))
		log.Infof("Log level set to %s", log.Level())
	})
}
