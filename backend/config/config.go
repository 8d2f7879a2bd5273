// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8081"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// memory, pebble or postgres
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL  string `env:"DATABASE_URL" envDefault:"postgres://localhost/efthread?sslmode=disable"`
	DataDir      string `env:"DATA_DIR" envDefault:"./data"`

	// WalletPrivateKey is the hex secp256k1 key of the local wallet. Empty
	// generates a throwaway key at startup.
	WalletPrivateKey string `env:"WALLET_PRIVATE_KEY"`

	Overlay OverlayConfig
	Cache   CacheConfig
	HTTP    HTTPConfig
	Auth    AuthConfig
	Invite  InviteConfig
}

type AuthConfig struct {
	// Empty leaves the thread API unauthenticated.
	JWTSecret string `env:"AUTH_JWT_SECRET"`
	JWTIssuer string `env:"AUTH_JWT_ISSUER" envDefault:"efchat"`
}

type InviteConfig struct {
	BaseURL string        `env:"INVITE_BASE_URL" envDefault:"https://efchat.net"`
	TTL     time.Duration `env:"INVITE_TTL" envDefault:"72h"`
}

type OverlayConfig struct {
	URL    string `env:"OVERLAY_URL"`
	Origin string `env:"OVERLAY_ORIGIN" envDefault:"http://localhost/"`
	// websocket, stub or offline. Empty means websocket when URL is set.
	Mode            string          `env:"OVERLAY_MODE"`
	Heartbeat       time.Duration   `env:"OVERLAY_HEARTBEAT" envDefault:"25s"`
	ReconnectDelays []time.Duration `env:"OVERLAY_RECONNECT_DELAYS" envSeparator:"," envDefault:"1s,2s,5s,10s,30s"`
	MaxQueue        int             `env:"OVERLAY_MAX_QUEUE" envDefault:"1024"`
	// RelayEnabled serves the reference relay on /ws.
	RelayEnabled      bool `env:"RELAY_ENABLED" envDefault:"true"`
	TelemetryCapacity int  `env:"TELEMETRY_CAPACITY" envDefault:"512"`
}

type CacheConfig struct {
	// memory or redis
	Backend    string        `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisURL   string        `env:"REDIS_URL" envDefault:"localhost:6379"`
	TTL        time.Duration `env:"CACHE_TTL" envDefault:"172800s"`
	MaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"10000"`
}

type HTTPConfig struct {
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"40"`
}

// Load reads .env files (missing files are ignored) and then the process
// environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "pebble", "postgres":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}
	switch c.OverlayMode() {
	case "websocket", "stub", "offline":
	default:
		return fmt.Errorf("unknown OVERLAY_MODE %q", c.Overlay.Mode)
	}
	if c.OverlayMode() == "websocket" && strings.TrimSpace(c.Overlay.URL) == "" {
		return errors.New("OVERLAY_MODE=websocket requires OVERLAY_URL")
	}
	if c.Invite.TTL < 0 {
		return errors.New("INVITE_TTL must not be negative")
	}
	if len(c.Overlay.ReconnectDelays) == 0 {
		return errors.New("OVERLAY_RECONNECT_DELAYS must not be empty")
	}
	return nil
}

// OverlayMode resolves the configured overlay mode.
func (c *Config) OverlayMode() string {
	mode := strings.ToLower(strings.TrimSpace(c.Overlay.Mode))
	if mode != "" {
		return mode
	}
	if strings.TrimSpace(c.Overlay.URL) != "" {
		return "websocket"
	}
	return "offline"
}
