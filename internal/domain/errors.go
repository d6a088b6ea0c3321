package domain

import (
	"fmt"
	"net/http"
)

// ErrorType is the coarse-grained error category surfaced to callers,
// mirrored across all three frontend dialects.
type ErrorType string

const (
	ErrorTypeInvalidRequest  ErrorType = "invalid_request_error"
	ErrorTypeAuthentication  ErrorType = "authentication_error"
	ErrorTypePermission      ErrorType = "permission_error"
	ErrorTypeNotFound        ErrorType = "not_found_error"
	ErrorTypeRateLimit       ErrorType = "rate_limit_error"
	ErrorTypeAPI             ErrorType = "api_error"
	ErrorTypeOverloaded      ErrorType = "overloaded_error"
	ErrorTypeTimeout         ErrorType = "timeout_error"
	ErrorTypeCascadeExhausted ErrorType = "cascade_exhausted"
	ErrorTypeUpstream        ErrorType = "upstream_error"

	ErrorTypeRouteResolution     ErrorType = "route_resolution_error"
	ErrorTypeUpstreamRateLimited ErrorType = "upstream_rate_limited_error"
	ErrorTypeUpstreamClient4xx   ErrorType = "upstream_client_error"
	ErrorTypeUpstreamServer5xx   ErrorType = "upstream_server_error"
	ErrorTypeUpstreamTransport   ErrorType = "upstream_transport_error"
	ErrorTypeTranslation         ErrorType = "translation_error"
	ErrorTypeCancellation        ErrorType = "cancellation_error"
)

// ErrorCode is a finer-grained, optional machine-readable code.
type ErrorCode string

const (
	ErrorCodeUnknownModel      ErrorCode = "unknown_model"
	ErrorCodeAllTiersExhausted ErrorCode = "all_tiers_exhausted"
	ErrorCodeQuotaExhausted    ErrorCode = "quota_exhausted"
	ErrorCodeClientDisconnect  ErrorCode = "client_disconnect"
)

// APIError is the canonical error shape threaded through adapters,
// translators, and the cascade executor. Each frontend renders it into its
// own dialect's error envelope at the edge.
type APIError struct {
	Type       ErrorType `json:"type"`
	Code       ErrorCode `json:"code,omitempty"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	StatusCode int       `json:"-"`
	SourceAPI  APIType   `json:"-"`

	// SourceTier, when set, names the tier whose attempt produced this
	// error, for errors that bubble up from a single cascade attempt.
	SourceTier string `json:"-"`

	// Cause is the error wrapped by this APIError, if any.
	Cause error `json:"-"`
}

func (e *APIError) Error() string {
	if e.SourceTier != "" {
		return fmt.Sprintf("%s (tier=%s): %s", e.Type, e.SourceTier, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the HTTP status to use when StatusCode wasn't set
// explicitly, inferring one from Type.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeCascadeExhausted:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	case ErrorTypeRouteResolution:
		return http.StatusBadRequest
	case ErrorTypeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeUpstreamClient4xx:
		return http.StatusBadGateway
	case ErrorTypeUpstreamServer5xx, ErrorTypeUpstreamTransport:
		return http.StatusBadGateway
	case ErrorTypeTranslation:
		return http.StatusInternalServerError
	case ErrorTypeCancellation:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// WithParam sets Param and returns the receiver for chaining.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets StatusCode and returns the receiver for chaining.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithSourceAPI sets SourceAPI and returns the receiver for chaining.
func (e *APIError) WithSourceAPI(api APIType) *APIError {
	e.SourceAPI = api
	return e
}

// WithSourceTier sets SourceTier and returns the receiver for chaining.
func (e *APIError) WithSourceTier(tier string) *APIError {
	e.SourceTier = tier
	return e
}

// WithCause sets Cause and returns the receiver for chaining.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// WithCode sets Code and returns the receiver for chaining.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

func ErrInvalidRequest(message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Message: message}
}

func ErrAuthentication(message string) *APIError {
	return &APIError{Type: ErrorTypeAuthentication, Message: message}
}

func ErrPermission(message string) *APIError {
	return &APIError{Type: ErrorTypePermission, Message: message}
}

func ErrNotFound(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

func ErrRateLimit(message string) *APIError {
	return &APIError{Type: ErrorTypeRateLimit, Message: message}
}

func ErrOverloaded(message string) *APIError {
	return &APIError{Type: ErrorTypeOverloaded, Message: message}
}

func ErrTimeout(message string) *APIError {
	return &APIError{Type: ErrorTypeTimeout, Message: message}
}

func ErrAPI(message string) *APIError {
	return &APIError{Type: ErrorTypeAPI, Message: message}
}

func ErrUpstream(message string) *APIError {
	return &APIError{Type: ErrorTypeUpstream, Message: message}
}

// ErrUnknownModel is returned when a request names a model/route string that
// doesn't resolve to any configured tier.
func ErrUnknownModel(model string) *APIError {
	return &APIError{
		Type:       ErrorTypeInvalidRequest,
		Code:       ErrorCodeUnknownModel,
		Message:    fmt.Sprintf("unknown model or route: %q", model),
		Param:      "model",
		StatusCode: http.StatusBadRequest,
	}
}

// ErrCascadeExhausted is returned when every tier in a cascade has been
// tried (or is in backoff) and none produced a usable response.
func ErrCascadeExhausted(triedTiers []string) *APIError {
	return &APIError{
		Type:       ErrorTypeCascadeExhausted,
		Code:       ErrorCodeAllTiersExhausted,
		Message:    fmt.Sprintf("all tiers exhausted: %v", triedTiers),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// ErrRouteResolution is returned when a requested route string or preset
// name doesn't resolve against the configured tier table.
func ErrRouteResolution(message string) *APIError {
	return &APIError{Type: ErrorTypeRouteResolution, Message: message, StatusCode: http.StatusBadRequest}
}

// ErrUpstreamRateLimited wraps a 429 observed from a single tier attempt.
func ErrUpstreamRateLimited(message string) *APIError {
	return &APIError{Type: ErrorTypeUpstreamRateLimited, Message: message, StatusCode: http.StatusTooManyRequests}
}

// ErrUpstreamClient4xx wraps a non-429 4xx observed from a single tier
// attempt; the cascade treats this as fatal for that tier only.
func ErrUpstreamClient4xx(message string) *APIError {
	return &APIError{Type: ErrorTypeUpstreamClient4xx, Message: message, StatusCode: http.StatusBadGateway}
}

// ErrUpstreamServer5xx wraps a 5xx observed from a single tier attempt.
func ErrUpstreamServer5xx(message string) *APIError {
	return &APIError{Type: ErrorTypeUpstreamServer5xx, Message: message, StatusCode: http.StatusBadGateway}
}

// ErrUpstreamTransport wraps a network error or timeout talking to a tier.
func ErrUpstreamTransport(message string) *APIError {
	return &APIError{Type: ErrorTypeUpstreamTransport, Message: message, StatusCode: http.StatusBadGateway}
}

// ErrTranslation is returned when a TranslationBridge conversion fails.
func ErrTranslation(message string) *APIError {
	return &APIError{Type: ErrorTypeTranslation, Message: message, StatusCode: http.StatusInternalServerError}
}

// ErrCancellation is returned when a request is abandoned because the
// client disconnected or its context was cancelled mid-cascade.
func ErrCancellation(message string) *APIError {
	return &APIError{Type: ErrorTypeCancellation, Message: message, StatusCode: 499}
}

// TierAttempt is one tier's terminal outcome within a cascade, kept in
// order for CascadeError's report.
type TierAttempt struct {
	Label string
	Err   *APIError
}

// CascadeError wraps the ordered per-tier failures of an exhausted cascade.
// It satisfies the error interface and unwraps to the last tier's error for
// callers that only care about the most recent cause.
type CascadeError struct {
	Attempts []TierAttempt
}

func (c *CascadeError) Error() string {
	if len(c.Attempts) == 0 {
		return "cascade exhausted: no tiers attempted"
	}
	msg := "cascade exhausted:"
	for _, a := range c.Attempts {
		msg += fmt.Sprintf(" %s=%s", a.Label, a.Err.Type)
	}
	return msg
}

func (c *CascadeError) Unwrap() error {
	if len(c.Attempts) == 0 {
		return nil
	}
	return c.Attempts[len(c.Attempts)-1].Err
}

// APIError renders the CascadeError as the single cascade_exhausted error
// the client-facing surfaces emit, carrying the last tier's reason in the
// message alongside the full per-tier breakdown.
func (c *CascadeError) APIError() *APIError {
	labels := make([]string, len(c.Attempts))
	for i, a := range c.Attempts {
		labels[i] = a.Label
	}
	ae := ErrCascadeExhausted(labels)
	if len(c.Attempts) > 0 {
		last := c.Attempts[len(c.Attempts)-1]
		ae.Message = fmt.Sprintf("all tiers exhausted, last error from %q: %s", last.Label, last.Err.Message)
	}
	return ae
}

// AsAPIError converts an arbitrary error into an *APIError, wrapping it as a
// generic api_error if it isn't one already.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*APIError); ok {
		return ae
	}
	if ce, ok := err.(*CascadeError); ok {
		return ce.APIError()
	}
	return ErrAPI(err.Error()).WithCause(err)
}
