package oauth

import (
	"context"
	"errors"
)

// ErrBackendUnavailable marks storage or cache failures that should surface
// as temporarily_unavailable instead of server_error.
var ErrBackendUnavailable = errors.New("backend unavailable")

// IsUnavailable reports whether err stems from a deadline, a cancelled
// request or a backend outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrBackendUnavailable)
}
