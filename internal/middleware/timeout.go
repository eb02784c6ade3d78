package middleware

import (
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds handler execution, rate limit store calls included.
const DefaultRequestTimeout = 15 * time.Second

const timeoutBody = `{"success":false,"error":"Request timed out"}`

// Timeout cancels the request context and answers 503 once timeout passes.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, timeoutBody)
	}
}
