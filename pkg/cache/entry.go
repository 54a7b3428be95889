package cache

import (
	"net/http"
	"time"
)

// Entry is a cached response.
type Entry struct {
	Data       []byte      `json:"data"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`

	// ETag and LastModified are the validators used for revalidation.
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`

	// Expires is the end of the freshness lifetime.
	Expires  time.Time `json:"expires"`
	CachedAt time.Time `json:"cached_at"`
}

// Fresh reports whether the entry can be served without asking the server.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.Expires)
}

// TTL returns the remaining freshness lifetime, or 0 once stale.
func (e *Entry) TTL(now time.Time) time.Duration {
	if ttl := e.Expires.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

// HasValidators reports whether the entry can be revalidated.
func (e *Entry) HasValidators() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}
