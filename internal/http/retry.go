package http

import (
	"context"
	"math"
	"math/rand"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/logging"
)

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	switch code {
	case nethttp.StatusTooManyRequests,
		nethttp.StatusInternalServerError,
		nethttp.StatusBadGateway,
		nethttp.StatusServiceUnavailable,
		nethttp.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryAfter parses a Retry-After header given in seconds, capped at
// constants.RetryAfterCap. It returns false when the header is absent or invalid.
func RetryAfter(resp *nethttp.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	d := time.Duration(secs) * time.Second
	if d > constants.RetryAfterCap {
		d = constants.RetryAfterCap
	}
	return d, true
}

// Backoff doubles from min up to max with 10-30% jitter and honors Retry-After
// on 429 and 503 responses.
func Backoff(min, max time.Duration, attemptNum int, resp *nethttp.Response) time.Duration {
	if resp != nil && (resp.StatusCode == nethttp.StatusTooManyRequests || resp.StatusCode == nethttp.StatusServiceUnavailable) {
		if d, ok := RetryAfter(resp); ok {
			return d
		}
	}
	d := time.Duration(float64(min) * math.Pow(2, float64(attemptNum)))
	if d > max || d <= 0 {
		d = max
	}
	jitter := 0.1 + rand.Float64()*0.2
	return d + time.Duration(float64(d)*jitter)
}

// CheckRetry retries connection errors and the statuses accepted by RetryableStatus.
func CheckRetry(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return RetryableStatus(resp.StatusCode), nil
}

// NewRetryClient wraps base in a retrying client. The retrying client reads
// request bodies into memory, so it is meant for metadata requests only.
func NewRetryClient(base *nethttp.Client, maxRetries int, logger *logging.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = maxRetries
	rc.RetryWaitMin = constants.RetryBaseDelay
	rc.RetryWaitMax = constants.RetryMaxDelay
	rc.CheckRetry = CheckRetry
	rc.Backoff = Backoff
	rc.Logger = &retryLogger{logger: logger}
	// Hand the final response back instead of a generic "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc
}

// retryLogger implements retryablehttp.LeveledLogger on zerolog.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	if l.logger != nil {
		l.logger.Error().Fields(keysAndValues).Msg(msg)
	}
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	if l.logger != nil {
		l.logger.Debug().Fields(keysAndValues).Msg(msg)
	}
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	if l.logger != nil {
		l.logger.Warn().Fields(keysAndValues).Msg(msg)
	}
}
