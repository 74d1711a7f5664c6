package constants

// History retrieval defaults
const (
	DefaultInitialHistoryPageSize = 32
	DefaultHistoryPageSize        = 16
	DefaultHistoryTimeoutSec      = 45
)

// Store defaults
const (
	// Eviction kicks in once the in-memory store holds more than
	// EvictionPageFactor * history page size records and the room is
	// pinned to the newest message.
	EvictionPageFactor = 2
)

// Persistence defaults
const (
	DefaultPersistQueueSize      = 1024
	DefaultPersistBatchSize      = 64
	DefaultPersistFlushMs        = 250
	DefaultDatabaseRetryAttempts = 3
)

// Key service defaults
const (
	DefaultKeyLoadTimeoutSec   = 15
	DefaultKeyBreakerFailures  = 5
	DefaultKeyBreakerCooldownS = 30
)

// Retry defaults
const (
	DefaultRetryBackoffMs = 500
	DefaultMaxBackoffMs   = 30000
	DefaultMaxAttempts    = 5
)

// Call defaults
const (
	DefaultCallActivityIntervalSec = 10
	DefaultCallRingTimeoutSec      = 60
)

// Transport defaults
const (
	DefaultFeedPingSec      = 20
	DefaultFeedReconnectSec = 5
)

// Server defaults
const (
	DefaultServerPort           = 8090
	DefaultServerReadTimeoutSec = 15
	DefaultGracefulShutdownSec  = 30
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)
