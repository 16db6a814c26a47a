package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/plategen/pkg/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.CacheLocal, cfg.CacheBackend)
	assert.Equal(t, 2*time.Minute, cfg.GeneratorTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 1024, cfg.SessionMaxEntries)
	assert.False(t, cfg.P2PEnabled)
	assert.False(t, cfg.UsesRedis())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PLATEGEN_CACHE_BACKEND", "remote")
	t.Setenv("S3_BUCKET_NAME", "plates")
	t.Setenv("DYNAMODB_TABLE", "plate-cache")
	t.Setenv("PLATEGEN_GENERATOR_TIMEOUT", "45s")
	t.Setenv("PLATEGEN_SESSION_MAX_ENTRIES", "16")
	t.Setenv("PLATEGEN_LOCK_ENABLED", "true")
	t.Setenv("PLATEGEN_BOOTSTRAP_PEERS", " /ip4/10.0.0.1/tcp/4001/p2p/QmA , ,/ip4/10.0.0.2/tcp/4001/p2p/QmB")
	t.Setenv("PLATEGEN_API_PORT", "9090")

	cfg := config.DefaultConfig()
	require.NoError(t, config.LoadFromEnv(cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.CacheRemote, cfg.CacheBackend)
	assert.Equal(t, "plates", cfg.S3Bucket)
	assert.Equal(t, "plate-cache", cfg.DynamoDBTable)
	assert.Equal(t, 45*time.Second, cfg.GeneratorTimeout)
	assert.Equal(t, 16, cfg.SessionMaxEntries)
	assert.True(t, cfg.LockEnabled)
	assert.True(t, cfg.UsesRedis())
	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001/p2p/QmA", "/ip4/10.0.0.2/tcp/4001/p2p/QmB"}, cfg.BootstrapPeers)
	assert.Equal(t, 9090, cfg.APIPort)

	// untouched settings keep their defaults
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
}

func TestLoadFromEnvReportsBadValues(t *testing.T) {
	t.Setenv("PLATEGEN_API_PORT", "eighty")
	t.Setenv("PLATEGEN_SESSION_TTL", "forever")

	cfg := config.DefaultConfig()
	err := config.LoadFromEnv(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATEGEN_API_PORT")
	assert.Contains(t, err.Error(), "PLATEGEN_SESSION_TTL")
	assert.Equal(t, 8080, cfg.APIPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.CacheBackend = "tape" }},
		{"local without path", func(c *config.Config) { c.CachePath = "" }},
		{"remote without bucket", func(c *config.Config) { c.CacheBackend = config.CacheRemote }},
		{"dynamodb without table", func(c *config.Config) {
			c.CacheBackend = config.CacheRemote
			c.S3Bucket = "plates"
		}},
		{"unknown index", func(c *config.Config) {
			c.CacheBackend = config.CacheRemote
			c.S3Bucket = "plates"
			c.RemoteIndex = "etcd"
		}},
		{"zero timeout", func(c *config.Config) { c.GeneratorTimeout = 0 }},
		{"zero ttl", func(c *config.Config) { c.SessionTTL = 0 }},
		{"zero max entries", func(c *config.Config) { c.SessionMaxEntries = 0 }},
		{"bad port", func(c *config.Config) { c.APIPort = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := config.DefaultConfig()
	cfg.CacheBackend = config.CacheRemote
	cfg.S3Bucket = "plates"
	cfg.RemoteIndex = config.IndexRedis
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.UsesRedis())
}
