package constants

import "time"

// Message length limits
const (
	// MaxTelegramMessageLength is Telegram's message character limit
	MaxTelegramMessageLength = 4096
)

// Long polling defaults
const (
	// DefaultPollTimeout is how long a single getUpdates call may block
	DefaultPollTimeout = 30 * time.Second
	// DefaultPollLimit is the maximum number of updates fetched per call
	DefaultPollLimit = 100
	// DefaultPollIdleDelay is the pause after an empty pull
	DefaultPollIdleDelay = 500 * time.Millisecond
	// DefaultPollRetryDelay is the pause after a failed pull
	DefaultPollRetryDelay = 2 * time.Second
	// DefaultMaxPollFailures is the number of consecutive failed pulls before a bot is marked errored
	DefaultMaxPollFailures = 10
)

// Lifecycle timeouts
const (
	// DefaultStartTimeout bounds how long Start waits for a polling loop to report liveness
	DefaultStartTimeout = 10 * time.Second
	// DefaultStopGrace bounds how long Stop waits for the loop and worker to exit
	DefaultStopGrace = 5 * time.Second
	// DefaultUnloadGrace bounds how long plugin unload waits for in-flight executions
	DefaultUnloadGrace = 5 * time.Second
	// WebhookShutdownTimeout is the graceful shutdown timeout of the webhook server
	WebhookShutdownTimeout = 5 * time.Second
)

// Plugin execution
const (
	// DefaultPluginExecTimeout is the per-execution plugin timeout
	DefaultPluginExecTimeout = 5 * time.Second
	// DefaultPluginCompileTimeout bounds evaluation of a plugin's source, init included
	DefaultPluginCompileTimeout = 10 * time.Second
	// PluginTagLength is the number of hex characters kept from the source hash
	PluginTagLength = 12
)

// Scheduled message dispatch
const (
	// DefaultDispatchInterval is the dispatcher tick interval
	DefaultDispatchInterval = time.Minute
	// DefaultMaxSendFailures is the number of consecutive send failures before a message is failed
	DefaultMaxSendFailures = 5
	// DefaultMaxRetryBackoff caps the exponential retry backoff
	DefaultMaxRetryBackoff = time.Hour
	// DispatchLockTTL is the lifetime of the cross-process tick lock; the holder extends it while the tick runs
	DispatchLockTTL = 2 * time.Minute
	// DefaultDispatchBatchSize caps the messages handled by one tick
	DefaultDispatchBatchSize = 100
)

// Message buffer sizes
const (
	// InboundQueueSize is the per-bot buffered inbound update queue
	InboundQueueSize = 100
)

// Send rate limit per bot
const (
	// DefaultSendRate is the number of messages per second a bot may send
	DefaultSendRate = 30
	// DefaultSendBurst is the burst size of the send limiter
	DefaultSendBurst = 5
)

// Token masking
const (
	// MinSecretLengthForMasking is the minimum secret length to apply masking
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 4
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)
