package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"bufferengine/internal/api"
	"bufferengine/internal/config"
	"bufferengine/internal/engine"
	"bufferengine/internal/logger"
)

func main() {
	// 1. Parse command-line arguments
	configFile := flag.String("c", "", "Path to the config file (viper-backed: yaml/json/toml)")
	listenAddr := flag.String("l", "", "HTTP listen address (overrides config http.addr)")
	logLevel := flag.String("L", "", "Log level (error, warn, info, debug; overrides config log_level)")
	manifestURL := flag.String("manifest", "", "DASH MPD URL to load as the default session on startup")
	sessionID := flag.String("session", "default", "Session id the default manifest is loaded under")
	flag.Parse()

	// 2. Load configuration
	opts, v, err := config.Load(*configFile)
	if err != nil {
		slog.Error("bufferengine: failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		opts.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		opts.HTTP.Addr = *listenAddr
	}

	// 3. Initialize logger
	log := logger.New(opts.LogLevel)
	slogLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}))
	log.Infof("bufferengine: starting, log level %s", opts.LogLevel)

	// 4. Keep a live-reloadable EngineOptions pointer, swapped by config.Watch.
	var current atomic.Pointer[config.EngineOptions]
	current.Store(opts)

	var metrics *api.Metrics
	if opts.HTTP.MetricsEnabled {
		metrics = api.NewMetrics()
	}

	mgr := engine.NewManager(func() *config.EngineOptions { return current.Load() }, metrics, log)

	config.Watch(v, func(fresh *config.EngineOptions, err error) {
		if err != nil {
			log.Warnf("bufferengine: config reload failed: %v", err)
			return
		}
		log.Infof("bufferengine: config reloaded")
		current.Store(fresh)
		mgr.UpdateAll(fresh)
	})

	// 5. Load the default session, if a manifest was given on the command line.
	if *manifestURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := mgr.GetOrCreate(ctx, *sessionID, config.LoadOptions{
			URL:       *manifestURL,
			Transport: config.TransportDASH,
		})
		cancel()
		if err != nil {
			log.Errorf("bufferengine: failed to load default session %s: %v", *sessionID, err)
			os.Exit(1)
		}
		log.Infof("bufferengine: loaded default session %s from %s", *sessionID, *manifestURL)
	}

	// 6. Set up API router and HTTP server with graceful shutdown.
	router := api.New(mgr, metrics, slogLog)
	server := &http.Server{
		Addr:    opts.HTTP.Addr,
		Handler: router,
	}

	go func() {
		log.Infof("bufferengine: HTTP server listening on %s", opts.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("bufferengine: could not listen on %s: %v", opts.HTTP.Addr, err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("bufferengine: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mgr.StopAll()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("bufferengine: server shutdown failed: %v", err)
		os.Exit(1)
	}

	log.Infof("bufferengine: exited gracefully")
}
