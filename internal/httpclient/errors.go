package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// UpstreamError represents an error returned by an upstream service
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, e.URL)
}

// IsAuth reports whether the upstream rejected our credentials.
func (e *UpstreamError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRateLimit reports whether the upstream throttled us.
func (e *UpstreamError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether a retry has a reasonable chance of succeeding.
func (e *UpstreamError) IsTransient() bool {
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode >= 500
}
