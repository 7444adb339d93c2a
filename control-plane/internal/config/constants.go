package config

import "time"

// History query limits.
const (
	// DefaultHistoryLimit is the number of history entries returned when the
	// caller does not specify a limit.
	DefaultHistoryLimit = 10

	// MaxHistoryLimit is the largest history page a single request may ask for.
	MaxHistoryLimit = 100
)

// Pagination defaults for machine list endpoints.
const (
	// DefaultMachineLimit is the default number of machines returned
	// when no limit is specified.
	DefaultMachineLimit = 50

	// MaxMachineLimit is the maximum number of machines that can be
	// requested in a single API call.
	MaxMachineLimit = 500
)

// Report ingestion and buffering.
const (
	// BufferFlushBatchSize is the number of reports to flush from the
	// Redis buffer to the database in a single operation.
	BufferFlushBatchSize = 5000

	// BufferFlushInterval is how often to flush the Redis buffer to database.
	BufferFlushInterval = 2 * time.Second
)

// Retention defaults. The most recent report per machine is always kept
// regardless of policy.
const (
	// DefaultRetentionMaxReports caps stored reports per machine.
	DefaultRetentionMaxReports = 10000

	// DefaultRetentionMaxAge prunes reports older than this.
	DefaultRetentionMaxAge = 90 * 24 * time.Hour

	// RetentionSweepInterval is how often the retention worker runs.
	RetentionSweepInterval = 1 * time.Hour
)

// HTTP client timeouts.
const (
	// DefaultHTTPTimeout is the default timeout for HTTP client requests.
	DefaultHTTPTimeout = 30 * time.Second
)

// Cache TTLs for API response caching.
const (
	// CacheTTLFleetOverview is the TTL for fleet overview data.
	CacheTTLFleetOverview = 30 * time.Second

	// CacheTTLMachineList is the TTL for machine list data.
	CacheTTLMachineList = 15 * time.Second
)

// Database connection configuration.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second
)

// Ingest rate limiting, applied per machine.
const (
	// IngestRatePerMachine is the sustained reports-per-second allowance.
	IngestRatePerMachine = 1.0

	// IngestBurstPerMachine is the burst allowance per machine.
	IngestBurstPerMachine = 5
)
