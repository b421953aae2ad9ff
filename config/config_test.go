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

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, EnvDevelopment, cfg.Environment)
	require.NotEmpty(t, cfg.SolanaRPCURL)
	require.NotEmpty(t, cfg.PoolAPIURL)
	require.NotEmpty(t, cfg.DatabasePath)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, EnvTest, cfg.Environment)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("LOG_LEVEL", "loud")
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown environment")
	require.Contains(t, err.Error(), "log level")
}

func TestValidateProductionRules(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "short")
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "jwt secret")
	require.Contains(t, err.Error(), "cors origin")

	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("CORS_ORIGINS", "https://app.example")
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
}

func TestWalletSourceExclusive(t *testing.T) {
	t.Setenv("WALLET_KEY_PATH", "/tmp/key.json")
	t.Setenv("WALLET_SECRET_B64", "c2VjcmV0")
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "mutually exclusive")

	t.Setenv("WALLET_SECRET_B64", "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.HasWalletSource())
}
