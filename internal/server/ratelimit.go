package server

import (
	"context"
	"net/http"
)

// rateLimitContextKey is the context key for the rate limit box.
type rateLimitContextKey struct{}

// RateLimitInfo contains normalized rate limit information.
// This struct is used to pass rate limit information from handlers to middleware
// for inclusion in response headers. Handlers populate it from whatever rate-limit
// header dialect the serving tier's upstream used, so downstream clients see a
// single normalized x-ratelimit-* shape regardless of which tier answered.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
	TokensLimit       int
	TokensRemaining   int
	TokensReset       string
}

// rateLimitBox is a mutable slot installed in the request context by
// RateLimitNormalizingMiddleware before the handler chain runs. A plain
// context.WithValue round-trip can't carry writes a handler makes after the
// middleware has already captured its response writer, since the handler's
// r.WithContext(ctx) only rebinds its own local copy of *http.Request — so
// the box is the thing that's actually shared, not the context value itself.
type rateLimitBox struct {
	info *RateLimitInfo
}

// SetRateLimits stores rate limit info in the request's rate limit box, for
// RateLimitNormalizingMiddleware to write as headers once the handler
// finishes, and returns ctx. If ctx was never passed through
// RateLimitNormalizingMiddleware, it instead returns a derived context
// carrying a new box that holds rl.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) context.Context {
	if box, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitBox); ok {
		box.info = rl
		return ctx
	}
	box := &rateLimitBox{info: rl}
	return context.WithValue(ctx, rateLimitContextKey{}, box)
}

// GetRateLimits retrieves rate limit info from context.
// Returns nil if no rate limits are set.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if box, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitBox); ok {
		return box.info
	}
	return nil
}

// RateLimitNormalizingMiddleware writes normalized rate limit headers to responses.
// It installs an empty box in the request context so a handler several calls deep
// (after dispatching to a serving tier) can call SetRateLimits on the same request
// and have it reach the header writer below, then writes standardized
// x-ratelimit-* headers from whatever the handler filled in.
func RateLimitNormalizingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		box := &rateLimitBox{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, box)
		wrapped := &rateLimitResponseWriter{
			ResponseWriter: w,
			box:            box,
		}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	box          *rateLimitBox
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.box == nil || rw.box.info == nil {
		return
	}
	rl := rw.box.info

	h := rw.Header()

	// Write normalized rate limit headers
	// Standard format: x-ratelimit-{limit|remaining|reset}-{requests|tokens}
	if rl.RequestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", itoa(rl.RequestsLimit))
	}
	if rl.RequestsLimit > 0 || rl.RequestsRemaining > 0 {
		// Only set remaining if we have limit info (0 is a valid remaining value)
		h.Set("x-ratelimit-remaining-requests", itoa(rl.RequestsRemaining))
	}
	if rl.RequestsReset != "" {
		h.Set("x-ratelimit-reset-requests", rl.RequestsReset)
	}

	if rl.TokensLimit > 0 {
		h.Set("x-ratelimit-limit-tokens", itoa(rl.TokensLimit))
	}
	if rl.TokensLimit > 0 || rl.TokensRemaining > 0 {
		// Only set remaining if we have limit info (0 is a valid remaining value)
		h.Set("x-ratelimit-remaining-tokens", itoa(rl.TokensRemaining))
	}
	if rl.TokensReset != "" {
		h.Set("x-ratelimit-reset-tokens", rl.TokensReset)
	}
}

// itoa converts int to string without importing strconv
func itoa(i int) string {
	if i == 0 {
		return "0"
	}

	negative := i < 0
	if negative {
		i = -i
	}

	var buf [20]byte
	pos := len(buf)

	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}

	if negative {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
