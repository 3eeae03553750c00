package constants

import (
	"time"
)

// Circuit breaker configuration
const (
	// BreakerThreshold - consecutive exhausted retry groups before the breaker opens
	BreakerThreshold = 3

	// MaxResumeAttempts - resumes allowed on the same queue index before the batch auto-cancels
	MaxResumeAttempts = 3
)

// Retry configuration
const (
	// MaxRetriesPerFile - automatic retries after the first attempt (3 attempts total)
	MaxRetriesPerFile = 2

	// RetryBaseDelay - delay before the first retry, doubled per attempt
	RetryBaseDelay = 1 * time.Second

	// RetryMaxDelay - cap on the retry delay
	RetryMaxDelay = 30 * time.Second

	// RetryAfterCap - upper bound applied to server supplied Retry-After values
	RetryAfterCap = 300 * time.Second
)

// Network timeouts
const (
	// DialTimeout - timeout for establishing a control connection
	DialTimeout = 30 * time.Second

	// HTTPResponseHeaderTimeout - time to wait for response headers from HTTP backends
	HTTPResponseHeaderTimeout = 60 * time.Second

	// HTTPIdleConnTimeout - idle keep-alive connections are closed after this
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPMaxIdleConnsPerHost - pooled connections kept per host
	HTTPMaxIdleConnsPerHost = 8
)

// Transfer I/O
const (
	// CopyBufferSize - buffer used when streaming file bodies (1 MB)
	CopyBufferSize = 1 * 1024 * 1024

	// ProgressInterval - minimum interval between progress messages for one item
	ProgressInterval = 200 * time.Millisecond

	// SpeedSmoothing - EMA factor for transfer speed
	SpeedSmoothing = 0.1

	// DiskSpaceMargin - free space required before a download, as a multiple of its size
	DiskSpaceMargin = 1.05
)

// Event bus configuration
const (
	// EventBusDefaultBuffer - default buffer size for event bus subscribers
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for event bus subscribers
	EventBusMaxBuffer = 5000

	// MessageBuffer - buffer of the per-transfer message channel
	MessageBuffer = 64
)

// WebDAV request pacing
const (
	// WebDAVRequestsPerSecond - sustained request rate against a WebDAV endpoint
	WebDAVRequestsPerSecond = 10.0

	// WebDAVBurst - burst allowance for WebDAV requests
	WebDAVBurst = 20
)

// Object storage
const (
	// ObjectPartSize - objects larger than this are uploaded in parts (16 MB)
	ObjectPartSize = 16 * 1024 * 1024

	// S3DeleteBatch - maximum keys per DeleteObjects call
	S3DeleteBatch = 1000
)

// S3 request pacing
const (
	// S3RequestsPerSecond - sustained request rate against an S3 endpoint
	S3RequestsPerSecond = 50.0

	// S3Burst - burst allowance for S3 requests
	S3Burst = 100
)
