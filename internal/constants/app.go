package constants

import (
	"time"
)

// Selection limits
const (
	// MaxBatchFiles - maximum number of discrete files in one upload batch
	MaxBatchFiles = 10

	// MaxFileSize - per-file size ceiling (4 GB, decimal)
	MaxFileSize int64 = 4_000_000_000
)

// Validation tracking
const (
	// ValidationTimeout - how long a seeded record may stay Pending before the
	// sentinel forces it to Error (60 seconds)
	ValidationTimeout = 60 * time.Second

	// MaxBufferedUpdates - cap on status updates held for ids not yet seeded.
	// Oldest entries are evicted first.
	MaxBufferedUpdates = 1024

	// TransferProgressShare - portion of the conceptual 0-100 batch scale
	// consumed by the transfer itself. The rest belongs to validation.
	TransferProgressShare = 50.0

	// CancelCallTimeout - deadline for a single best-effort cancellation call
	CancelCallTimeout = 15 * time.Second

	// InboxSize - buffered capacity of the tracker control loop inbox
	InboxSize = 256
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// Status stream reconnects
const (
	// StreamReconnectInitialDelay - base delay for reconnect backoff (500ms)
	StreamReconnectInitialDelay = 500 * time.Millisecond

	// StreamReconnectMaxDelay - cap on reconnect backoff (30s)
	StreamReconnectMaxDelay = 30 * time.Second

	// StreamPingInterval - keepalive ping period on WebSocket streams (20s)
	StreamPingInterval = 20 * time.Second

	// StreamUpdateBuffer - capacity of the channel a subscriber delivers updates on
	StreamUpdateBuffer = 128
)

// Staged transfers
const (
	// StagingBlockSize - block size for Azure block blob uploads (8MB)
	StagingBlockSize = 8 * 1024 * 1024

	// StagingConcurrency - parallel block uploads per Azure blob
	StagingConcurrency = 4
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPMetadataTimeout - overall timeout for small JSON API calls (60 seconds).
	// Uploads carry no client timeout; they are bounded by their context.
	HTTPMetadataTimeout = 60 * time.Second
)

// API retry policy for idempotent metadata calls
const (
	APIRetryMax     = 5
	APIRetryWaitMin = 1 * time.Second
	APIRetryWaitMax = 30 * time.Second
)
