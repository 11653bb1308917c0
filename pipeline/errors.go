package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var (
	// ErrAuth marks credential problems. Never retried.
	ErrAuth = errors.New("authentication failed")
	// ErrValidation marks requests the remote side will reject as-is. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNoSegments means a session has no usable raw segment.
	ErrNoSegments = errors.New("no usable segments")
	// ErrCorruptInput means an input file could not be read as media.
	ErrCorruptInput = errors.New("corrupt input")
	// ErrToolFailed wraps non-zero exits of external tools.
	ErrToolFailed = errors.New("external tool failed")
	// ErrStartFailed means the capture process could not be started at all.
	ErrStartFailed = errors.New("capture could not start")
	// ErrNotFound means an operator-supplied path or resource does not exist.
	ErrNotFound = errors.New("not found")
)

// StatusError carries the HTTP status a backend answered with, so
// classification does not have to guess it from the message.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// WithStatus wraps err with the HTTP status code. A zero code returns err.
func WithStatus(code int, err error) error {
	if err == nil || code == 0 {
		return err
	}
	return &StatusError{Code: code, Err: err}
}

// Status codes in messages only count as whole tokens, so identifiers such as
// a room named "xqc500" are not read as a server error.
var (
	serverCodes = regexp.MustCompile(`\b(500|502|503|504)\b`)
	authCodes   = regexp.MustCompile(`\b(401|403)\b`)
	clientCodes = regexp.MustCompile(`\b(400|404)\b`)
	limitCodes  = regexp.MustCompile(`\b429\b`)
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts errors into retryable vs fatal.
//
// Typed sentinels win: ErrAuth, ErrValidation, ErrNoSegments, ErrCorruptInput,
// ErrToolFailed and ErrNotFound are fatal. A StatusError decides by its code:
// 408, 429 and 5xx are retryable, other 4xx are fatal. Otherwise the message
// is matched against known patterns:
//   - fatal: 401/403, unauthorized, invalid_grant, 400 bad request, quota
//     exceeded, not found
//   - retryable: 5xx, 429, rate limits, network resets, timeouts, EOF
//
// Unmatched errors are treated as retryable so uploads are not abandoned on
// the first unfamiliar hiccup.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNoSegments) || errors.Is(err, ErrCorruptInput) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrToolFailed) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusRequestTimeout, se.Code == http.StatusTooManyRequests, se.Code >= 500:
			return ErrorClassRetryable
		case se.Code >= 400:
			return ErrorClassFatal
		}
	}

	lower := strings.ToLower(err.Error())

	// Server errors before the generic patterns, so "503" is not read as a client error.
	if serverCodes.MatchString(lower) {
		return ErrorClassRetryable
	}
	for _, p := range []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout", "backenderror"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	if authCodes.MatchString(lower) {
		return ErrorClassFatal
	}
	for _, p := range []string{"unauthorized", "forbidden", "invalid_grant", "invalid_client", "access denied", "token has been expired or revoked", "login required"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	if clientCodes.MatchString(lower) {
		return ErrorClassFatal
	}
	for _, p := range []string{"bad request", "invalid argument", "invalidtitle", "invaliddescription", "quotaexceeded", "uploadlimitexceeded", "not found", "no such file"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	if limitCodes.MatchString(lower) {
		return ErrorClassRetryable
	}
	for _, p := range []string{"too many requests", "rate limit", "ratelimitexceeded", "throttled"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	for _, p := range []string{"connection reset", "connection refused", "connection timed out", "timeout", "temporary failure in name resolution", "no route to host", "network unreachable", "dns", "eof", "broken pipe"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryable reports whether err should trigger another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == ErrorClassRetryable
}

// KindOf maps an error onto an outcome kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, ErrStartFailed):
		return KindFatal
	case Classify(err) == ErrorClassFatal:
		return KindPermanent
	default:
		return KindTransient
	}
}
