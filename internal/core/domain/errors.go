package domain

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrGrantNotFound       = errors.New("grant not found")
	ErrGrantExpired        = errors.New("grant expired")
	ErrGrantRevoked        = errors.New("grant revoked")
	ErrForbiddenSource     = errors.New("source not allowed by grant")
	ErrCapacityReached     = errors.New("grant viewer capacity reached")
	ErrForbidden           = errors.New("forbidden")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrStore               = errors.New("grant store failure")

	ErrSourceNotFound    = errors.New("source not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrRequestNotFound   = errors.New("recording request not found")
	ErrSubscriberExists  = errors.New("subscriber already registered")
	ErrSubscriberUnknown = errors.New("subscriber not registered")
	ErrTokenExists       = errors.New("token already exists")
)

// IsAuthorizationError reports whether err is one of the admission
// rejections that are surfaced verbatim to the caller.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrGrantNotFound) ||
		errors.Is(err, ErrGrantExpired) ||
		errors.Is(err, ErrGrantRevoked) ||
		errors.Is(err, ErrForbiddenSource) ||
		errors.Is(err, ErrCapacityReached) ||
		errors.Is(err, ErrForbidden)
}
