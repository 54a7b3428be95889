package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Common errors returned by the queue.
var (
	// ErrQueueCleared settles items that were still pending when ClearQueue ran.
	ErrQueueCleared = errors.New("queue cleared")

	// ErrRetryExhausted wraps the last error of an item that used up its retries.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("queue closed")
)

// ErrorClass is the closed set of failure kinds the queue reacts to.
type ErrorClass string

const (
	// ClassRateLimited means the remote answered "too many requests".
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassTransientServer means the remote failed with a 5xx status.
	ClassTransientServer ErrorClass = "transient_server"

	// ClassNetwork means a local transport failure or timeout.
	ClassNetwork ErrorClass = "network"

	// ClassPermanent covers validation, authorization, not-found and
	// anything else that will not succeed on retry.
	ClassPermanent ErrorClass = "permanent"

	// ClassQueueCleared marks items failed by ClearQueue.
	ClassQueueCleared ErrorClass = "queue_cleared"
)

// Error is a classified operation failure. Operations submitted to the queue
// should return one so the queue can decide about retries without probing
// arbitrary error fields.
type Error struct {
	Class      ErrorClass
	StatusCode int

	// RetryAfter is the server's requested pause, if it sent one.
	RetryAfter time.Duration

	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s error (status %d)", e.Class, e.StatusCode)
	} else {
		msg = fmt.Sprintf("%s error", e.Class)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to an error class. Status codes
// below 400 are not errors and classify as permanent only for completeness.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassTransientServer
	case status == http.StatusRequestTimeout:
		return ClassNetwork
	default:
		return ClassPermanent
	}
}

// Classify returns the class of err. A *Error carries its own class; context
// deadlines and net.Error values are network failures; everything else is
// permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var qe *Error
	if errors.As(err, &qe) {
		return qe.Class
	}

	switch {
	case errors.Is(err, ErrQueueCleared):
		return ClassQueueCleared
	case errors.Is(err, context.DeadlineExceeded):
		return ClassNetwork
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassNetwork
	}

	return ClassPermanent
}

// Retryable reports whether failures of the given class are retried.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassRateLimited, ClassTransientServer, ClassNetwork:
		return true
	default:
		return false
	}
}

// retryAfter extracts the server-requested pause from err, if any.
func retryAfter(err error) time.Duration {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}
