package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultSecretOnlyInDevelopment(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("APP_ENV", "")

	cfg, err := LoadConfig("relay-service")
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.App.Env)
	assert.True(t, cfg.App.UsesDefaultSecret())

	t.Setenv("APP_ENV", "production")
	_, err = LoadConfig("relay-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cr3t-from-vault")
	cfg, err = LoadConfig("relay-service")
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.App.Env)
	assert.False(t, cfg.App.UsesDefaultSecret())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		app     AppConfig
		wantErr bool
	}{
		{"dev default", AppConfig{Env: "development", JWTSecret: DefaultJWTSecret}, false},
		{"unset env", AppConfig{JWTSecret: DefaultJWTSecret}, false},
		{"staging default", AppConfig{Env: "staging", JWTSecret: DefaultJWTSecret}, true},
		{"staging custom", AppConfig{Env: "staging", JWTSecret: "other"}, false},
		{"empty secret", AppConfig{Env: "development"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{App: tt.app}
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnectionConfig_StopTimeout(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("APP_ENV", "")
	cfg, err := LoadConfig("relay-service")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Relay.Connection.DrainTimeout)
	assert.Equal(t, 15*time.Second, cfg.Relay.Connection.StopTimeout())
}
