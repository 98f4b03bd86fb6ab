package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const StaleConversationSweepInterval = 5 * time.Minute

// Listen session timings
const (
	HeartbeatInterval     = 10 * time.Second
	StreamFlushInterval   = 600 * time.Millisecond
	ChannelStatsInterval  = 10 * time.Second
	AudioChunkDuration    = 5 * time.Second
	AudioWindowDuration   = time.Second
	ChunkUploadMaxRetries = 3
	ChunkUploadTimeout    = 30 * time.Second
	UsageReportInterval   = 60 * time.Second
	SessionDrainTimeout   = 30 * time.Second
	STTDrainWait          = 500 * time.Millisecond
	DefaultMemoryTimeout  = 120 * time.Second
)

// Agent proxy timings
const (
	VMHealthProbeTimeout = 3 * time.Second
	VMResetPollDeadline  = 60 * time.Second
	VMStartPollAttempts  = 24
	VMStartPollInterval  = 5 * time.Second
	VMIPPollAttempts     = 6
	VMIPPollInterval     = 3 * time.Second
	VMHealthPollDeadline = 120 * time.Second
	VMKeepaliveInterval  = 120 * time.Second
	ChatHistoryLimit     = 10
)

// MinEncryptionSecretLen is the shortest process secret accepted for per-user key derivation.
const MinEncryptionSecretLen = 32

// Default rate limiting for listen sockets per uid
const DefaultListenConnectsPerMin = 30

// Agent sockets authenticate after upgrade, so they are limited per client IP
const AgentConnectsPerIPPerMin = 20
