package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "OVERAGE_INVOICE_DAY", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, 5, cfg.OverageInvoiceDay)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
}

func TestLoad_InvalidInvoiceDay(t *testing.T) {
	setEnv(t, "OVERAGE_INVOICE_DAY", "31")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "OVERAGE_INVOICE_DAY")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid development config",
			config: Config{
				Env:               "development",
				OverageInvoiceDay: 1,
				RateLimitRPM:      60,
			},
			wantErr: "",
		},
		{
			name: "invoice day out of range",
			config: Config{
				Env:               "development",
				OverageInvoiceDay: 29,
				RateLimitRPM:      60,
			},
			wantErr: "OVERAGE_INVOICE_DAY",
		},
		{
			name: "non-positive rate limit",
			config: Config{
				Env:               "development",
				OverageInvoiceDay: 1,
				RateLimitRPM:      0,
			},
			wantErr: "RATE_LIMIT_RPM",
		},
		{
			name: "production requires admin secret",
			config: Config{
				Env:               "production",
				OverageInvoiceDay: 1,
				RateLimitRPM:      60,
				DatabaseURL:       "postgres://localhost/leadflow",
			},
			wantErr: "ADMIN_SECRET is required",
		},
		{
			name: "production requires database",
			config: Config{
				Env:               "production",
				OverageInvoiceDay: 1,
				RateLimitRPM:      60,
				AdminSecret:       "secret",
			},
			wantErr: "DATABASE_URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
