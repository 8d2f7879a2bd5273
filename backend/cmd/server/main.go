// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/config"
	"github.com/efchatnet/efthread/backend/handlers"
	"github.com/efchatnet/efthread/backend/integration"
	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/middleware"
	"github.com/efchatnet/efthread/backend/overlay"
	"github.com/efchatnet/efthread/backend/relay"
	"github.com/efchatnet/efthread/backend/storage"
	"github.com/efchatnet/efthread/backend/storage/memory"
	pebblestore "github.com/efchatnet/efthread/backend/storage/pebble"
	"github.com/efchatnet/efthread/backend/storage/postgres"
	rediscache "github.com/efchatnet/efthread/backend/storage/redis"
	"github.com/efchatnet/efthread/backend/telemetry"
	"github.com/efchatnet/efthread/backend/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}

	wal, err := openWallet(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := telemetry.NewRecorder(cfg.Overlay.TelemetryCapacity, registry)

	client := overlay.New(overlay.Config{
		Mode:            overlayMode(cfg.OverlayMode()),
		URL:             cfg.Overlay.URL,
		Origin:          cfg.Overlay.Origin,
		Heartbeat:       cfg.Overlay.Heartbeat,
		ReconnectDelays: cfg.Overlay.ReconnectDelays,
		MaxQueue:        cfg.Overlay.MaxQueue,
		Signer:          wal.Key(),
		Recorder:        recorder,
		Logger:          logger,
		Observer: func(s overlay.Status) {
			logger.Info("overlay status", zap.String("mode", string(s.Mode)), zap.String("state", string(s.State)), zap.Int("attempts", s.Attempts))
		},
	})

	rt, err := integration.NewRuntime(integration.Config{
		Store:         store,
		Wallet:        wal,
		Overlay:       client,
		Logger:        logger,
		InviteBaseURL: cfg.Invite.BaseURL,
		InviteTTL:     cfg.Invite.TTL,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.ValidateSetup(ctx); err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.HTTP.CORSOrigins))
	r.Use(middleware.RateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst))

	handlers.NewCacheHandler(cache, cfg.Cache.TTL, logger).RegisterRoutes(r)
	handlers.NewInviteHandler().RegisterRoutes(r)

	var auth func(http.Handler) http.Handler
	if cfg.Auth.JWTSecret != "" {
		auth = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	} else {
		logger.Warn("AUTH_JWT_SECRET is empty, thread API is unauthenticated")
	}
	rt.RegisterRoutes(r, auth)

	if cfg.Overlay.RelayEnabled {
		r.Handle("/ws", relay.New(logger, registry))
	}
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.ValidateSetup(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend), zap.String("cache", cfg.Cache.Backend))
		errc <- srv.ListenAndServe()
	}()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "pebble":
		s, err := pebblestore.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		return s, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reach database: %w", err)
		}
		s := postgres.NewStore(db)
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return s, nil
	default:
		return memory.NewStore(), nil
	}
}

func openCache(ctx context.Context, cfg *config.Config) (storage.CacheStore, error) {
	if cfg.Cache.Backend != "redis" {
		return memory.NewCacheStore(cfg.Cache.MaxEntries), nil
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Cache.RedisURL})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return rediscache.NewCacheStore(rdb, cfg.Cache.MaxEntries), nil
}

func openWallet(cfg *config.Config) (*wallet.LocalWallet, error) {
	if cfg.WalletPrivateKey == "" {
		return wallet.GenerateLocalWallet()
	}
	kp, err := keys.FromHex(cfg.WalletPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid WALLET_PRIVATE_KEY: %w", err)
	}
	return wallet.NewLocalWallet(kp), nil
}

func overlayMode(mode string) overlay.Mode {
	switch mode {
	case "websocket":
		return overlay.ModeWebSocket
	case "stub":
		return overlay.ModeStub
	}
	return overlay.ModeOffline
}
