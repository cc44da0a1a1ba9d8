package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RECONCILER_ADMIN_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 20*time.Second, cfg.EventTimeout)
	assert.Equal(t, 120, cfg.WebhookRateLimit)
	assert.Equal(t, 4, cfg.NotifyWorkers)
	assert.Equal(t, "billing@localhost", cfg.EmailFrom)
	assert.False(t, cfg.PublicMetrics)
	assert.Empty(t, cfg.OutboundWebhookURLs)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RECONCILER_ADMIN_KEY", " secret ")
	t.Setenv("RECONCILER_PORT", "9090")
	t.Setenv("RECONCILER_DB_DRIVER", "Postgres")
	t.Setenv("RECONCILER_DATABASE_URL", "postgres://localhost/billing")
	t.Setenv("RECONCILER_STORE_TIMEOUT", "2s")
	t.Setenv("RECONCILER_EVENT_TIMEOUT", "10s")
	t.Setenv("RECONCILER_PUBLIC_METRICS", "true")
	t.Setenv("RECONCILER_OUTBOUND_WEBHOOK_URLS", "https://a.example.com/hook, ,https://b.example.com/hook")
	t.Setenv("RECONCILER_OUTBOUND_WEBHOOK_SECRET", "hook-secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "secret", cfg.AdminKey)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.True(t, cfg.PublicMetrics)
	assert.Equal(t, []string{"https://a.example.com/hook", "https://b.example.com/hook"}, cfg.OutboundWebhookURLs)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "admin key required",
			env:  map[string]string{},
			want: "RECONCILER_ADMIN_KEY",
		},
		{
			name: "postgres needs url",
			env:  map[string]string{"RECONCILER_DB_DRIVER": "postgres"},
			want: "RECONCILER_DATABASE_URL",
		},
		{
			name: "unknown driver",
			env:  map[string]string{"RECONCILER_DB_DRIVER": "mysql"},
			want: "RECONCILER_DB_DRIVER",
		},
		{
			name: "port range",
			env:  map[string]string{"RECONCILER_PORT": "70000"},
			want: "RECONCILER_PORT",
		},
		{
			name: "event timeout shorter than store timeout",
			env:  map[string]string{"RECONCILER_STORE_TIMEOUT": "10s", "RECONCILER_EVENT_TIMEOUT": "5s"},
			want: "RECONCILER_EVENT_TIMEOUT",
		},
		{
			name: "outbound webhooks need secret",
			env:  map[string]string{"RECONCILER_OUTBOUND_WEBHOOK_URLS": "https://a.example.com"},
			want: "RECONCILER_OUTBOUND_WEBHOOK_SECRET",
		},
		{
			name: "outbound webhook scheme",
			env: map[string]string{
				"RECONCILER_OUTBOUND_WEBHOOK_URLS":   "ftp://a.example.com",
				"RECONCILER_OUTBOUND_WEBHOOK_SECRET": "s",
			},
			want: "http or https",
		},
		{
			name: "bad duration",
			env:  map[string]string{"RECONCILER_STORE_TIMEOUT": "soon"},
			want: "RECONCILER_STORE_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name != "admin key required" {
				t.Setenv("RECONCILER_ADMIN_KEY", "secret")
			} else {
				t.Setenv("RECONCILER_ADMIN_KEY", "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
