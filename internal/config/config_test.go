package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("MemoryCreationTimeout converts seconds to duration", func(t *testing.T) {
		cfg := &Config{MemoryCreationTimeoutSeconds: 120}
		assert.Equal(t, 120*time.Second, cfg.MemoryCreationTimeout())
	})

	t.Run("PusherEnabled depends on url presence", func(t *testing.T) {
		assert.False(t, (&Config{}).PusherEnabled())
		assert.False(t, (&Config{HostedPusherAPIURL: "  "}).PusherEnabled())
		assert.True(t, (&Config{HostedPusherAPIURL: "ws://pusher"}).PusherEnabled())
	})

	t.Run("enhanced encryption requires 32 byte secret", func(t *testing.T) {
		assert.False(t, (&Config{EncryptionSecret: "short"}).EnhancedEncryptionAvailable())
		assert.True(t, (&Config{EncryptionSecret: "0123456789abcdef0123456789abcdef"}).EnhancedEncryptionAvailable())
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			VADGateMode:                  VADModeOff,
			VADGateRolloutPct:            100,
			VADGatePreRollMs:             300,
			VADGateHangoverMs:            700,
			MemoryCreationTimeoutSeconds: 120,
		}
	}

	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("rejects unknown vad mode", func(t *testing.T) {
		cfg := base()
		cfg.VADGateMode = "aggressive"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects rollout out of range", func(t *testing.T) {
		cfg := base()
		cfg.VADGateRolloutPct = 101
		assert.Error(t, cfg.Validate())
	})

	t.Run("weak secret only warns", func(t *testing.T) {
		cfg := base()
		cfg.EncryptionSecret = "secret"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	keys := []string{"PORT", "DATABASE_URL", "REDIS_URL", "LOG_LEVEL", "VAD_GATE_MODE", "STT_SERVICE_ORDER"}
	originalEnv := map[string]string{}
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("VAD_GATE_MODE")
		os.Unsetenv("STT_SERVICE_ORDER")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, VADModeOff, cfg.VADGateMode)
		assert.Equal(t, 100, cfg.VADGateRolloutPct)
		assert.Equal(t, 300, cfg.VADGatePreRollMs)
		assert.Equal(t, 700, cfg.VADGateHangoverMs)
		assert.Equal(t, []string{"deepgram", "soniox", "speechmatics"}, cfg.STTServiceOrder)
		assert.Equal(t, 120, cfg.MemoryCreationTimeoutSeconds)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "3000")
		os.Setenv("VAD_GATE_MODE", "active")
		os.Setenv("STT_SERVICE_ORDER", "soniox,deepgram")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, VADModeActive, cfg.VADGateMode)
		assert.Equal(t, []string{"soniox", "deepgram"}, cfg.STTServiceOrder)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})
}
