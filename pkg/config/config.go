// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads the gateway's runtime settings from the environment.
// Settings are read once at process start and the resulting Config is treated
// as immutable; components receive it by value rather than reading the
// environment themselves.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config captures runtime settings for the gateway. SharedSecret and
// ProviderKey may legitimately be empty at load time; handlers report a
// misconfiguration response per request instead of refusing to start, so an
// operator rotating secrets does not take the process down.
type Config struct {
	ListenAddr string `env:"BARRIX_LISTEN_ADDR" envDefault:"127.0.0.1:8787"`

	// SharedSecret authenticates trusted plugin installs directly and signs
	// the short-lived tokens verified by pkg/auth.
	SharedSecret string `env:"BARRIX_SHARED_SECRET"`
	// ProviderKey is the upstream AI provider API key injected as a bearer
	// Authorization header unless the operator headers already carry one.
	ProviderKey string `env:"BARRIX_PROVIDER_KEY"`

	UpstreamEndpoint string `env:"BARRIX_UPSTREAM_ENDPOINT" envDefault:"https://api.openai.com/v1/chat/completions"`
	DefaultModel     string `env:"BARRIX_DEFAULT_MODEL" envDefault:"gpt-4o-mini"`

	// UpstreamHeadersJSON is an optional JSON object of default headers sent
	// with every upstream call. Parsed leniently; see UpstreamHeaders.
	UpstreamHeadersJSON string `env:"BARRIX_UPSTREAM_HEADERS"`
	// UncappedPlansJSON is an optional JSON array of plan identifiers exempt
	// from usage caps. Parsed leniently; see UncappedPlans.
	UncappedPlansJSON string `env:"BARRIX_UNCAPPED_PLANS"`

	// RequestTimeout bounds the upstream HTTP client. Zero means no client
	// timeout: completion streams can legitimately outlive any fixed bound,
	// and caller disconnects cancel the request context instead.
	RequestTimeout     time.Duration `env:"BARRIX_REQUEST_TIMEOUT" envDefault:"0"`
	InsecureSkipVerify bool          `env:"BARRIX_UPSTREAM_INSECURE" envDefault:"false"`

	LogLevel          string        `env:"BARRIX_LOG_LEVEL" envDefault:"info"`
	ServerReadTimeout time.Duration `env:"BARRIX_SERVER_READ_TIMEOUT" envDefault:"30s"`
	// ServerWriteTimeout defaults to zero so long-lived event streams are not
	// severed by the server.
	ServerWriteTimeout      time.Duration `env:"BARRIX_SERVER_WRITE_TIMEOUT" envDefault:"0"`
	ServerIdleTimeout       time.Duration `env:"BARRIX_SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	GracefulShutdownTimeout time.Duration `env:"BARRIX_GRACEFUL_SHUTDOWN" envDefault:"10s"`
}

// Load reads configuration from the environment (and a .env file when one is
// present) and validates structural values.
func Load() (Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	endpoint, err := url.Parse(cfg.UpstreamEndpoint)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BARRIX_UPSTREAM_ENDPOINT: %w", err)
	}
	if !endpoint.IsAbs() {
		return Config{}, fmt.Errorf("BARRIX_UPSTREAM_ENDPOINT must be absolute (scheme://host)")
	}

	cfg.SharedSecret = strings.TrimSpace(cfg.SharedSecret)
	cfg.ProviderKey = strings.TrimSpace(cfg.ProviderKey)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	return cfg, nil
}

// UpstreamHeaders decodes the operator-configured default header map. A
// malformed value degrades to an empty map with a warning rather than failing
// requests that would otherwise succeed.
func (c Config) UpstreamHeaders() map[string]string {
	raw := strings.TrimSpace(c.UpstreamHeadersJSON)
	if raw == "" {
		return map[string]string{}
	}
	headers := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		log.Warn().Err(err).Msg("malformed BARRIX_UPSTREAM_HEADERS; using empty header map")
		return map[string]string{}
	}
	return headers
}

// UncappedPlans decodes the plan allowlist into a membership set. Malformed
// input degrades to an empty set with a warning.
func (c Config) UncappedPlans() map[string]struct{} {
	set := map[string]struct{}{}
	raw := strings.TrimSpace(c.UncappedPlansJSON)
	if raw == "" {
		return set
	}
	var plans []string
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		log.Warn().Err(err).Msg("malformed BARRIX_UNCAPPED_PLANS; no plans treated as uncapped")
		return set
	}
	for _, p := range plans {
		set[p] = struct{}{}
	}
	return set
}
