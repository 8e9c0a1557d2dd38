package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithFile(t *testing.T) {
	path := writeConfig(t, `
upstream:
  provider: http
  base_url: http://answers.local/generate
organization:
  name: Studio Rete
  phone: "+39 02 1234567"
  options: [Assistenza, Preventivo]
`)

	cfg, err := LoadWith(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 8*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 3, cfg.Failover.MaxRetries)
	assert.InDelta(t, 8.5, cfg.Classifier.HotThreshold, 1e-9)
	assert.Equal(t, "Studio Rete", cfg.Organization.Name)
	assert.Equal(t, []string{"Assistenza", "Preventivo"}, cfg.Organization.Options)
	assert.False(t, cfg.Supabase.Enabled())
	assert.False(t, cfg.Qdrant.Enabled())

	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 60*time.Second, cfg.Store.LockLease)
	worst := cfg.WorstCaseHandling()
	assert.Equal(t, 4*8*time.Second+HandlingMargin, worst)
	assert.Less(t, worst, cfg.Server.WriteTimeout)
	assert.Less(t, worst, cfg.Store.LockLease)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
upstream:
  provider: openai
  api_key: from-file
`)
	t.Setenv("TRIAGE_UPSTREAM_API_KEY", "from-env")
	t.Setenv("TRIAGE_UPSTREAM_TIMEOUT", "2s")
	t.Setenv("TRIAGE_FAILOVER_MAX_RETRIES", "5")

	cfg, err := LoadWith(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Upstream.APIKey)
	assert.Equal(t, 2*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 5, cfg.Failover.MaxRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "redis without url",
			body:    "store: {driver: redis}\nupstream: {provider: http, base_url: http://x}",
			wantErr: "store.redis_url",
		},
		{
			name:    "unknown provider",
			body:    "upstream: {provider: carrier-pigeon}",
			wantErr: "upstream.provider",
		},
		{
			name:    "missing api key",
			body:    "upstream: {provider: anthropic}",
			wantErr: "upstream.api_key",
		},
		{
			name:    "inverted thresholds",
			body:    "upstream: {provider: http, base_url: http://x}\nclassifier: {hot_threshold: 5, warm_threshold: 6}",
			wantErr: "classifier thresholds",
		},
		{
			name:    "retries outlast the write timeout",
			body:    "upstream: {provider: http, base_url: http://x, timeout: 20s}\nstore: {lock_lease: 5m}",
			wantErr: "server.write_timeout",
		},
		{
			name:    "retries outlast the lock lease",
			body:    "upstream: {provider: http, base_url: http://x}\nstore: {lock_lease: 10s}",
			wantErr: "store.lock_lease",
		},
		{
			name:    "single attempt still needs the margin",
			body:    "upstream: {provider: http, base_url: http://x, timeout: 5s}\nfailover: {max_retries: 0}\nserver: {write_timeout: 15s}",
			wantErr: "server.write_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(viper.New(), writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadWith(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
