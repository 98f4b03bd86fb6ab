package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

// VAD gate modes.
const (
	VADModeOff    = "off"
	VADModeShadow = "shadow"
	VADModeActive = "active"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	EncryptionSecret string `env:"ENCRYPTION_SECRET"`

	VADGateMode        string  `env:"VAD_GATE_MODE" envDefault:"off"`
	VADGateRolloutPct  int     `env:"VAD_GATE_ROLLOUT_PCT" envDefault:"100"`
	VADGatePreRollMs   int     `env:"VAD_GATE_PRE_ROLL_MS" envDefault:"300"`
	VADGateHangoverMs  int     `env:"VAD_GATE_HANGOVER_MS" envDefault:"700"`
	VADSpeechThreshold float64 `env:"VAD_SPEECH_THRESHOLD" envDefault:"0.5"`

	DeepgramAPIKey     string   `env:"DEEPGRAM_API_KEY"`
	SonioxAPIKey       string   `env:"SONIOX_API_KEY"`
	SpeechmaticsAPIKey string   `env:"SPEECHMATICS_API_KEY"`
	STTServiceOrder    []string `env:"STT_SERVICE_ORDER" envSeparator:"," envDefault:"deepgram,soniox,speechmatics"`

	HostedPusherAPIURL string `env:"HOSTED_PUSHER_API_URL"`

	MemoryCreationTimeoutSeconds int `env:"MEMORY_CREATION_TIMEOUT_SECONDS" envDefault:"120"`

	PrivateCloudBucket string `env:"PRIVATE_CLOUD_BUCKET"`
	AWSRegion          string `env:"AWS_REGION" envDefault:"us-east-1"`

	GCEProject       string `env:"GCE_PROJECT"`
	FirestoreProject string `env:"FIRESTORE_PROJECT"`
	AgentVMPort      int    `env:"AGENT_VM_PORT" envDefault:"8080"`

	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	AgentModel   string `env:"AGENT_MODEL" envDefault:"gpt-4o-mini"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	MonthlyTranscriptionSeconds int64 `env:"MONTHLY_TRANSCRIPTION_SECONDS" envDefault:"0"`
	ListenConnectsPerMin        int   `env:"LISTEN_CONNECTS_PER_MIN" envDefault:"30"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) MemoryCreationTimeout() time.Duration {
	return time.Duration(c.MemoryCreationTimeoutSeconds) * time.Second
}

func (c *Config) PreRoll() time.Duration {
	return time.Duration(c.VADGatePreRollMs) * time.Millisecond
}

func (c *Config) Hangover() time.Duration {
	return time.Duration(c.VADGateHangoverMs) * time.Millisecond
}

// PusherEnabled reports whether transcripts and audio are fanned out to the hosted pusher.
func (c *Config) PusherEnabled() bool {
	return strings.TrimSpace(c.HostedPusherAPIURL) != ""
}

// EnhancedEncryptionAvailable reports whether the configured secret is strong enough to derive
// per-user keys. Shorter secrets downgrade enhanced records to standard.
func (c *Config) EnhancedEncryptionAvailable() bool {
	return len(c.EncryptionSecret) >= MinEncryptionSecretLen
}

func (c *Config) Validate() error {
	switch c.VADGateMode {
	case VADModeOff, VADModeShadow, VADModeActive:
	default:
		return fmt.Errorf("VAD_GATE_MODE must be one of off, shadow, active (got %q)", c.VADGateMode)
	}
	if c.VADGateRolloutPct < 0 || c.VADGateRolloutPct > 100 {
		return fmt.Errorf("VAD_GATE_ROLLOUT_PCT must be within [0, 100] (got %d)", c.VADGateRolloutPct)
	}
	if c.VADGatePreRollMs < 0 || c.VADGateHangoverMs < 0 {
		return fmt.Errorf("VAD_GATE_PRE_ROLL_MS and VAD_GATE_HANGOVER_MS must not be negative")
	}
	if c.MonthlyTranscriptionSeconds < 0 {
		return fmt.Errorf("MONTHLY_TRANSCRIPTION_SECONDS must not be negative")
	}
	if c.MemoryCreationTimeoutSeconds <= 0 {
		return fmt.Errorf("MEMORY_CREATION_TIMEOUT_SECONDS must be positive")
	}

	if c.EncryptionSecret == "" {
		log.Warn().Msg("ENCRYPTION_SECRET is empty: enhanced chat messages will be stored as standard")
	} else if !c.EnhancedEncryptionAvailable() {
		log.Warn().Int("length", len(c.EncryptionSecret)).Msg("ENCRYPTION_SECRET is shorter than 32 bytes: enhanced chat messages will be stored as standard")
	}
	for _, weak := range knownWeakSecrets {
		if c.EncryptionSecret == weak {
			log.Warn().Msg("ENCRYPTION_SECRET is a known weak default")
		}
	}
	if strings.HasPrefix(c.RedisURL, "redis://") {
		log.Debug().Msg("REDIS_URL uses redis:// (not TLS)")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
