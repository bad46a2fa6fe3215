package esi

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures so callers can pick a retry policy.
type Kind int

const (
	// KindTransport is a connectivity or timeout failure after retries.
	KindTransport Kind = iota + 1
	// KindThrottle is a 420 or an exhausted run of 429s.
	KindThrottle
	// KindClient is any other 4xx. The request itself is wrong.
	KindClient
	// KindServer is a 5xx after retries, or an unreadable body.
	KindServer
	// KindConfig is missing client identity or credentials.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindThrottle:
		return "throttle"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// ErrNotConfigured is wrapped by every KindConfig error.
var ErrNotConfigured = errors.New("esi: not configured")

// Error is the single error type the gateway surfaces. Status is -1 when
// no response was received.
type Error struct {
	Kind    Kind
	Path    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("esi %s error: %s", e.Kind, e.Message)
	}
	if e.Status > 0 {
		return fmt.Sprintf("esi %s error on %s (status %d): %s", e.Kind, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("esi %s error on %s: %s", e.Kind, e.Path, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsThrottled reports whether err means "slow down and try later".
func IsThrottled(err error) bool {
	return KindOf(err) == KindThrottle
}

// IsRetryable reports whether a later attempt of the same request may
// succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindThrottle, KindServer:
		return true
	}
	return false
}

func configError(msg string) *Error {
	return &Error{Kind: KindConfig, Status: -1, Message: msg, Err: ErrNotConfigured}
}
