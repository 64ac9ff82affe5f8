package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrbiz/util-sub000/messaging"
	"github.com/intrbiz/util-sub000/transports/memory"
	"github.com/intrbiz/util-sub000/transports/rabbitmq"
	"github.com/intrbiz/util-sub000/transports/redis"
)

var allVars = []string{
	"MQ_TRANSPORT", "MQ_URL", "MQ_EXCHANGE", "MQ_EXCHANGE_KIND", "MQ_METRICS_ADDR",
	"MQ_RECONNECT_MIN", "MQ_RECONNECT_STEP", "MQ_RECONNECT_MAX", "MQ_RPC_TIMEOUT",
	"MQ_LOG_LEVEL", "MQ_PREFETCH", "MQ_FIFO", "MQ_REDIS_PREFIX",
}

// clearEnv unsets every MQ_* variable for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range allVars {
		if v, ok := os.LookupEnv(name); ok {
			t.Cleanup(func() { os.Setenv(name, v) })
		} else {
			t.Cleanup(func() { os.Unsetenv(name) })
		}
		os.Unsetenv(name)
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearEnv(t)

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
		assert.Equal(t, time.Second, cfg.ReconnectMin)
		assert.Equal(t, messaging.Topic, cfg.ExchangeKind)
	})

	t.Run("reads every variable", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MQ_TRANSPORT", "Redis")
		t.Setenv("MQ_URL", "redis://cache:6379/2")
		t.Setenv("MQ_EXCHANGE", "orders")
		t.Setenv("MQ_EXCHANGE_KIND", "fanout")
		t.Setenv("MQ_METRICS_ADDR", ":9100")
		t.Setenv("MQ_RECONNECT_MIN", "500ms")
		t.Setenv("MQ_RECONNECT_STEP", "1s")
		t.Setenv("MQ_RECONNECT_MAX", "10s")
		t.Setenv("MQ_RPC_TIMEOUT", "2s")
		t.Setenv("MQ_LOG_LEVEL", "debug")
		t.Setenv("MQ_PREFETCH", "4")
		t.Setenv("MQ_FIFO", "true")
		t.Setenv("MQ_REDIS_PREFIX", "app")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, TransportRedis, cfg.Transport)
		assert.Equal(t, "redis://cache:6379/2", cfg.URL)
		assert.Equal(t, messaging.NewExchange("orders", messaging.Fanout), cfg.ExchangeSpec())
		assert.Equal(t, ":9100", cfg.MetricsAddr)
		assert.Equal(t, 500*time.Millisecond, cfg.ReconnectMin)
		assert.Equal(t, time.Second, cfg.ReconnectStep)
		assert.Equal(t, 10*time.Second, cfg.ReconnectMax)
		assert.Equal(t, 2*time.Second, cfg.RPCTimeout)
		assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
		assert.Equal(t, 4, cfg.Prefetch)
		assert.True(t, cfg.FIFO)
		assert.Equal(t, "app", cfg.RedisPrefix)
	})

	t.Run("redis gets its own default URL", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MQ_TRANSPORT", "redis")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, "redis://localhost:6379/0", cfg.URL)
	})

	invalid := map[string][2]string{
		"unknown transport": {"MQ_TRANSPORT", "kafka"},
		"bad kind":          {"MQ_EXCHANGE_KIND", "headers"},
		"bad duration":      {"MQ_RPC_TIMEOUT", "soon"},
		"bad level":         {"MQ_LOG_LEVEL", "loud"},
		"bad prefetch":      {"MQ_PREFETCH", "many"},
		"bad bool":          {"MQ_FIFO", "maybe"},
		"max below min":     {"MQ_RECONNECT_MAX", "10ms"},
	}
	for name, kv := range invalid {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])

			_, err := FromEnv()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("reads an env file", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "mq.env")
		require.NoError(t, os.WriteFile(path, []byte("MQ_TRANSPORT=memory\nMQ_EXCHANGE=events\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, TransportMemory, cfg.Transport)
		assert.Equal(t, "events", cfg.Exchange)
	})

	t.Run("environment wins over the file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MQ_EXCHANGE", "from-env")
		path := filepath.Join(t.TempDir(), "mq.env")
		require.NoError(t, os.WriteFile(path, []byte("MQ_EXCHANGE=from-file\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Exchange)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
		assert.Error(t, err)
	})
}

func TestPool(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("memory", func(t *testing.T) {
		cfg := Default()
		cfg.Transport = TransportMemory
		pool, err := cfg.Pool(logger)
		require.NoError(t, err)
		assert.IsType(t, &memory.Pool{}, pool)
	})

	t.Run("rabbitmq", func(t *testing.T) {
		pool, err := Default().Pool(logger)
		require.NoError(t, err)
		assert.IsType(t, &rabbitmq.Pool{}, pool)
		pool.Close()
	})

	t.Run("redis", func(t *testing.T) {
		cfg := Default()
		cfg.Transport = TransportRedis
		cfg.URL = "redis://localhost:6379/0"
		pool, err := cfg.Pool(logger)
		require.NoError(t, err)
		assert.IsType(t, &redis.Pool{}, pool)
		pool.Close()
	})

	t.Run("bad redis URL", func(t *testing.T) {
		cfg := Default()
		cfg.Transport = TransportRedis
		cfg.URL = "http://not-redis"
		pool, err := cfg.Pool(logger)
		assert.Error(t, err)
		assert.Nil(t, pool)
	})

	t.Run("lifecycle options carry the backoff", func(t *testing.T) {
		assert.Len(t, Default().LifecycleOptions(logger), 2)
	})
}
