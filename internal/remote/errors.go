package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for the provider taxonomy. Adapters translate wire-level
// failures into these before anything leaves the provider package, so callers
// never match on error strings.
var (
	ErrUnauthorized  = errors.New("remote: unauthorized")
	ErrRateLimited   = errors.New("remote: rate limited")
	ErrCursorExpired = errors.New("remote: change cursor expired")
	ErrNetwork       = errors.New("remote: network failure")
	ErrTimeout       = errors.New("remote: timeout")
)

// ServerError is a 5xx-class failure. Transient; the caller's own backoff
// decides when to retry.
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("remote: server error %d", e.Code)
}

// IsTransient reports whether err is worth retrying on a later pass.
func IsTransient(err error) bool {
	var se *ServerError
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.As(err, &se)
}
