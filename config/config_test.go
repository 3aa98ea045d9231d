package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, ProviderFake, cfg.Payment.Provider)
	assert.Equal(t, 360*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 180*time.Second, cfg.Cache.RegenThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.Cache.LockWait)
	assert.Equal(t, "myr", cfg.Payment.Currency)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CACHE_LOCK_WAIT_MS", "250")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("PAYMENT_CURRENCY", "USD")
	t.Setenv("TRACING_SAMPLE_RATIO", "0.25")

	cfg := Load()

	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.LockWait)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "usd", cfg.Payment.Currency)
	assert.Equal(t, 0.25, cfg.Observ.SampleRatio)
}

func TestValidate(t *testing.T) {
	t.Run("stripe without key", func(t *testing.T) {
		cfg := Load()
		cfg.Payment.Provider = ProviderStripe
		assert.Error(t, cfg.Validate())
	})

	t.Run("fake provider in production", func(t *testing.T) {
		cfg := Load()
		cfg.Server.Env = "production"
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold above ttl", func(t *testing.T) {
		cfg := Load()
		cfg.Cache.RegenThreshold = cfg.Cache.TTL
		assert.Error(t, cfg.Validate())
	})

	t.Run("sample ratio out of range", func(t *testing.T) {
		cfg := Load()
		cfg.Observ.SampleRatio = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := Load()
		cfg.Database.Driver = "sqlite"
		assert.Error(t, cfg.Validate())
	})
}
