// Copyright 2025 The binrunner Authors
// This file is part of the binrunner library.
//
// The binrunner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The binrunner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the binrunner library. If not, see <http://www.gnu.org/licenses/>.

// Package config loads and validates process configuration from the
// environment, optionally overlaid by a config file. Every recognised
// key has a development default; validation failures abort startup.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment tags recognised by Validate.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config is the validated process configuration.
type Config struct {
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`

	SolanaNetwork     string `mapstructure:"solana_network"`
	SolanaRPCURL      string `mapstructure:"solana_rpc_url"`
	SentinelProgramID string `mapstructure:"sentinel_program_id"`

	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`

	LogLevel     string   `mapstructure:"log_level"`
	DatabasePath string   `mapstructure:"database_path"`
	CORSOrigins  []string `mapstructure:"cors_origins"`

	PoolAPIURL string `mapstructure:"pool_api_url"`

	MLServiceURL string `mapstructure:"ml_service_url"`
	MLAPIKey     string `mapstructure:"ml_api_key"`

	WalletKeyPath        string `mapstructure:"wallet_key_path"`
	WalletSecretB64      string `mapstructure:"wallet_secret_b64"`
	LiveTradingConfirmed bool   `mapstructure:"live_trading_confirmed"`
}

// envBindings maps viper keys to their environment variables.
var envBindings = map[string]string{
	"port":                   "PORT",
	"environment":            "ENVIRONMENT",
	"solana_network":         "SOLANA_NETWORK",
	"solana_rpc_url":         "SOLANA_RPC_URL",
	"sentinel_program_id":    "SENTINEL_PROGRAM_ID",
	"jwt_secret":             "JWT_SECRET",
	"jwt_issuer":             "JWT_ISSUER",
	"access_token_ttl":       "ACCESS_TOKEN_TTL",
	"refresh_token_ttl":      "REFRESH_TOKEN_TTL",
	"log_level":              "LOG_LEVEL",
	"database_path":          "DATABASE_PATH",
	"cors_origins":           "CORS_ORIGINS",
	"pool_api_url":           "POOL_API_URL",
	"ml_service_url":         "ML_SERVICE_URL",
	"ml_api_key":             "ML_API_KEY",
	"wallet_key_path":        "WALLET_KEY_PATH",
	"wallet_secret_b64":      "WALLET_SECRET_B64",
	"live_trading_confirmed": "LIVE_TRADING_CONFIRMED",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("solana_network", "mainnet-beta")
	v.SetDefault("solana_rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("jwt_issuer", "binrunner")
	v.SetDefault("access_token_ttl", "15m")
	v.SetDefault("refresh_token_ttl", "720h")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "data/binrunner.db")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("pool_api_url", "https://dlmm-api.meteora.ag")
}

// Load reads configuration from the environment, overlaid by the
// config file at path when non-empty, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// CORS origins may arrive as one comma-separated env value.
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		parts := strings.Split(cfg.CORSOrigins[0], ",")
		cfg.CORSOrigins = cfg.CORSOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, p)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate collects every configuration problem rather than stopping
// at the first, so the startup log shows the full repair list.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}
	if c.SolanaRPCURL == "" {
		errs = append(errs, errors.New("solana rpc url missing"))
	} else if _, err := url.ParseRequestURI(c.SolanaRPCURL); err != nil {
		errs = append(errs, fmt.Errorf("solana rpc url: %w", err))
	}
	if c.PoolAPIURL == "" {
		errs = append(errs, errors.New("pool api url missing"))
	} else if _, err := url.ParseRequestURI(c.PoolAPIURL); err != nil {
		errs = append(errs, fmt.Errorf("pool api url: %w", err))
	}
	if c.MLServiceURL != "" {
		if _, err := url.ParseRequestURI(c.MLServiceURL); err != nil {
			errs = append(errs, fmt.Errorf("ml service url: %w", err))
		}
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path missing"))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("access token ttl must be positive"))
	}
	if c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("refresh token ttl must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level %q: %w", c.LogLevel, err))
	}
	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("jwt secret must be at least 32 characters in production"))
		}
		for _, o := range c.CORSOrigins {
			if o == "*" {
				errs = append(errs, errors.New("wildcard cors origin not allowed in production"))
			}
		}
	} else if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt secret must be at least 32 characters"))
	}
	if c.WalletKeyPath != "" && c.WalletSecretB64 != "" {
		errs = append(errs, errors.New("wallet key path and wallet secret are mutually exclusive"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the production environment tag is set.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// HasWalletSource reports whether a live-trading wallet can be loaded.
func (c *Config) HasWalletSource() bool {
	return c.WalletKeyPath != "" || c.WalletSecretB64 != ""
}

// NewLogger builds the process logger: JSON output in production,
// console encoding elsewhere, at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var zc zap.Config
	if c.IsProduction() {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
