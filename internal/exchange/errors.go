package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind buckets venue failures for retry and surfacing decisions.
// Network errors are retried; everything else surfaces to the caller.
type ErrorKind string

const (
	KindRateLimit  ErrorKind = "rate_limit"
	KindNetwork    ErrorKind = "network"
	KindAuth       ErrorKind = "auth"
	KindBadRequest ErrorKind = "bad_request"
	KindUnknown    ErrorKind = "unknown"
)

// VenueError is a classified venue failure. Status is the HTTP status when
// the failure came from a REST response, 0 otherwise. Code is the venue's
// own error code when present.
type VenueError struct {
	Kind   ErrorKind
	Status int
	Code   int
	Msg    string
	cause  error
}

func (e *VenueError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("venue %s (status %d, code %d): %s", e.Kind, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("venue %s: %s", e.Kind, e.Msg)
}

func (e *VenueError) Unwrap() error { return e.cause }

// Retryable reports whether the caller should retry after backoff.
func (e *VenueError) Retryable() bool { return e.Kind == KindNetwork }

// IsKind reports whether err is a VenueError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Kind == kind
}

// classifyStatus maps an HTTP status plus venue return code to an ErrorKind.
// Venue codes take precedence over the transport status because the venue
// answers 200 with an error body for most application failures.
func classifyStatus(status, code int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests || code == retCodeRateLimit:
		return KindRateLimit
	case code == retCodeInvalidKey || code == retCodeInvalidSign ||
		status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindNetwork
	case status >= 400 || (code >= 10001 && code < 20000):
		return KindBadRequest
	case code != 0:
		return KindUnknown
	}
	return KindUnknown
}

// classifyTransport wraps a transport-level failure. Timeouts, refused
// connections, and cancelled contexts all count as Network.
func classifyTransport(err error, msg string) *VenueError {
	kind := KindNetwork
	if errors.Is(err, context.Canceled) {
		kind = KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindNetwork
	}
	return &VenueError{Kind: kind, Msg: msg, cause: err}
}

// Venue application return codes we branch on.
const (
	retCodeOK          = 0
	retCodeRateLimit   = 10006
	retCodeInvalidKey  = 10003
	retCodeInvalidSign = 10004
)
