package rtfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"tidbyt.dev/rtfeed/downloader"
	"tidbyt.dev/rtfeed/storage"
)

type ErrorClass int

const (
	// Timeouts, resets, upstream 5xx and store disconnects.
	ClassTransient ErrorClass = iota

	// Payloads that keep failing to decode, or that are too large.
	ClassNonTransient

	// Upstream 429.
	ClassRateLimited
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNonTransient:
		return "non_transient"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// An upstream response other than 200, 304.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

// A payload that could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decoding feed: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Classifies a poll failure for backoff purposes. Anything not
// recognized is transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == 429 {
			return ClassRateLimited
		}
		return ClassTransient
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return ClassNonTransient
	}
	if errors.Is(err, downloader.ErrTooLarge) {
		return ClassNonTransient
	}

	return ClassTransient
}

// True for errors worth a reconnect: network failures, timeouts and
// store connection loss.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if storage.IsConnectivityError(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
