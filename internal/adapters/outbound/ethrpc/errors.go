package ethrpc

import (
	"context"
	"errors"
	"strings"
)

// ErrRangeTooLarge is returned by GetLogs when the RPC rejects the
// requested block range as too wide. Callers (the Discovery Loop) handle it
// by shrinking the window and retrying.
var ErrRangeTooLarge = errors.New("ethrpc: log range too large")

// ErrTransient wraps errors classified as transient (timeout, rate limit,
// 5xx) — safe to retry with backoff per §7.
var ErrTransient = errors.New("ethrpc: transient error")

// rangeTooLargeMarkers are substrings seen in RPC provider error messages
// for an oversized get_logs range. Providers do not agree on a single error
// code, so this is necessarily a best-effort string match, same as the
// industry-standard client libraries do.
var rangeTooLargeMarkers = []string{
	"block range",
	"query returned more than",
	"limit exceeded",
	"exceeds the range",
	"too many blocks",
}

var transientMarkers = []string{
	"timeout",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"connection reset",
	"connection refused",
	"EOF",
}

// classify wraps err with the taxonomy of §7: range-too-large and transient
// errors are marked so callers can errors.Is against ErrRangeTooLarge /
// ErrTransient; anything else passes through as a permanent error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return joinedError{ErrTransient, err}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rangeTooLargeMarkers {
		if strings.Contains(msg, m) {
			return joinedError{ErrRangeTooLarge, err}
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, strings.ToLower(m)) {
			return joinedError{ErrTransient, err}
		}
	}
	return err
}

// IsTransient reports whether err was classified as transient or range-too-
// large (both are retryable by the caller, the latter after shrinking).
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRangeTooLarge)
}

// joinedError lets classify attach a sentinel to the underlying error while
// keeping it unwrappable to the original message.
type joinedError struct {
	sentinel error
	cause    error
}

func (j joinedError) Error() string {
	return j.cause.Error()
}

func (j joinedError) Is(target error) bool {
	return target == j.sentinel
}

func (j joinedError) Unwrap() error {
	return j.cause
}
