package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware enforces the per-request total timeout (API_TIMEOUT_MS)
// that bounds a cascade's end-to-end attempt time across every tier it
// tries, per request. If a request exceeds the specified timeout, the
// context is cancelled.
// Note: This does not forcibly terminate the handler, it relies on the handler
// (here, the cascade executor's ctx.Err() checks between tiers and retries)
// checking context.Done() for cooperative cancellation.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
			if ctx.Err() == context.DeadlineExceeded {
				AddLogField(ctx, "timeout", "true")
			}
		})
	}
}
