// Package fault defines the error kinds shared across the relay.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so
// callers can classify failures with errors.Is without depending on
// the package that produced them.
package fault

import "errors"

var (
	// ErrUnreachable means a host or platform is not responding.
	ErrUnreachable = errors.New("unreachable")

	// ErrRateLimited means the remote asked us to back off; the wrapping
	// error may carry a Retry-After hint via RetryAfter.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound means a session or thread is missing at the endpoint.
	ErrNotFound = errors.New("not found")

	// ErrProtocol means an unexpected wire response.
	ErrProtocol = errors.New("protocol error")

	// ErrDuplicate means the dedup index suppressed a write.
	ErrDuplicate = errors.New("duplicate")

	// ErrInvalidArgument means bad input from a caller.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorage means the embedded database failed.
	ErrStorage = errors.New("storage error")
)

// RetryAfterError wraps ErrRateLimited with the delay the remote asked for.
type RetryAfterError struct {
	Seconds float64
}

func (e *RetryAfterError) Error() string { return "rate limited" }

func (e *RetryAfterError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts a Retry-After hint in seconds from an error
// chain. Returns 0 if the error carries no hint.
func RetryAfter(err error) float64 {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.Seconds
	}
	return 0
}
