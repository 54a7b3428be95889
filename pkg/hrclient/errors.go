package hrclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/hris-importer/pkg/queue"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// responseError turns a non-2xx response into a classified queue error.
// The body is consumed and closed.
func responseError(resp *http.Response, now time.Time) *queue.Error {
	defer resp.Body.Close()

	qe := &queue.Error{
		Class:      queue.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp),
	}
	if qe.Class == queue.ClassRateLimited {
		qe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return qe
}

// transportError classifies a failed round trip. A cancelled caller is not
// a network failure and is returned unchanged so it is not retried.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &queue.Error{Class: queue.ClassNetwork, Message: "request failed", Err: err}
}

// errorMessage extracts "message" or "error" from a JSON error body, or
// falls back to the status text.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}

	if text := strings.TrimSpace(string(data)); text != "" && len(text) <= 200 {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// parseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date. Unparseable or past values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
