package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// RoutingErrorKind is the structured error taxonomy surfaced by the router.
type RoutingErrorKind string

const (
	KindProviderUnavailable RoutingErrorKind = "provider_unavailable"
	KindPoolExhausted       RoutingErrorKind = "pool_exhausted"
	KindAuthRequired        RoutingErrorKind = "authentication_required"
	KindRateLimited         RoutingErrorKind = "rate_limited"
	KindTimeout             RoutingErrorKind = "timeout"
	KindBackendError        RoutingErrorKind = "backend_error"
)

// RoutingError is what every failed route call terminates in. The router never
// panics on a backend failure; it returns one of these.
type RoutingError struct {
	Kind     RoutingErrorKind `json:"kind"`
	Provider string           `json:"provider,omitempty"`
	Message  string           `json:"message"`
	Err      error            `json:"-"`
}

func (e *RoutingError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (provider %q): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the taxonomy onto response codes for the API edge.
func (e *RoutingError) HTTPStatus() int {
	switch e.Kind {
	case KindProviderUnavailable, KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func NewRoutingError(kind RoutingErrorKind, provider, message string, err error) *RoutingError {
	return &RoutingError{Kind: kind, Provider: provider, Message: message, Err: err}
}

// AsRoutingError unwraps err into a *RoutingError if one is in the chain.
func AsRoutingError(err error) (*RoutingError, bool) {
	var re *RoutingError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
