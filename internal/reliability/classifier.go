package reliability

import (
	"context"
	"errors"
	"net"
	"time"
)

// Kind buckets every failure the engine can hit. Nothing here is fatal to the
// process: each kind maps to a stable recovery path in the session or
// schedule state machines.
type Kind string

const (
	// KindPermissionDenied covers mic/notification permission refusals.
	// Reported to the UI, operation aborted, no retry.
	KindPermissionDenied Kind = "permission_denied"
	// KindProviderUnavailable covers streaming transcription setup failures.
	// Never surfaced unless the upload fallback also fails.
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindEmptyUtterance means no speech was detected for a turn. Recoverable.
	KindEmptyUtterance Kind = "empty_utterance"
	// KindAgentUnavailable covers reflection call failures. Masked behind a
	// fixed fallback reply.
	KindAgentUnavailable Kind = "agent_unavailable"
	// KindNetworkUnreachable covers schedule/journal backend failures.
	// Surfaced only for explicit user-initiated actions.
	KindNetworkUnreachable Kind = "network_unreachable"
)

// Error carries a taxonomy kind plus a user-facing hint alongside the cause.
type Error struct {
	Kind Kind
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a taxonomy kind and actionable hint to err.
func Wrap(kind Kind, hint string, err error) *Error {
	return &Error{Kind: kind, Hint: hint, Err: err}
}

// KindOf extracts the taxonomy kind, defaulting unknown failures to
// network-unreachable since every remote call in this engine crosses a network.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetworkUnreachable
}

// HintOf returns the actionable user hint, if any was attached.
func HintOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Hint
	}
	return ""
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTransientNetErr reports whether err looks like a temporary network
// condition worth retrying on the next poll tick.
func IsTransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
