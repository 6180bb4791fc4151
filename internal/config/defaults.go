// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBufferSize is the standard I/O buffer size for stream reads.
const DefaultBufferSize = 4096

// DefaultDialTimeout is the TCP dial timeout for upstream connections.
const DefaultDialTimeout = 30 * time.Second

// MaxRequestBodySize is the maximum allowed client request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultMaxResponseBytes caps buffered non-streaming upstream bodies (50MB).
// Streaming responses are never buffered and are not subject to this cap.
const DefaultMaxResponseBytes = 50 * 1024 * 1024

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 1 * time.Minute

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultGatewayPort is the default listen port.
const DefaultGatewayPort = 18080

// =============================================================================
// USAGE LOGGING
// =============================================================================

// DefaultUsageQueueSize is the capacity of the usage log worker queue.
// Records are dropped (with a warning) when the queue is full.
const DefaultUsageQueueSize = 256

// DefaultUsageDBPath is the default SQLite database path for usage records.
const DefaultUsageDBPath = "usage.db"

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500
