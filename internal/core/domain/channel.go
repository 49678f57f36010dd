package domain

import "errors"

type ConnectionID string

const (
	FrameStarted = "started"
	FrameStopped = "stopped"
	FrameData    = "data"
	FrameError   = "error"
	FrameSources = "sources"
)

// StreamFrame is the viewer channel wire frame.
type StreamFrame struct {
	Type         string       `json:"type"`
	SourceID     SourceID     `json:"sourceId,omitempty"`
	Data         []byte       `json:"data,omitempty"`
	Code         string       `json:"code,omitempty"`
	Message      string       `json:"message,omitempty"`
	Sources      []SourceView `json:"sources,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// CloseCode values are sent in the websocket close frame when a channel is
// rejected or terminated by the server.
type CloseCode int

const (
	CloseNormal              CloseCode = 1000
	CloseBadRequest          CloseCode = 4400
	CloseForbidden           CloseCode = 4403
	CloseNotFound            CloseCode = 4404
	CloseExpired             CloseCode = 4410
	CloseRevoked             CloseCode = 4411
	CloseCapacity            CloseCode = 4429
	CloseInternal            CloseCode = 4500
	CloseUpstreamUnavailable CloseCode = 4502
	CloseStoreUnavailable    CloseCode = 4503
)

// CloseCodeFor maps an admission or relay error to the close code sent to
// the viewer.
func CloseCodeFor(err error) CloseCode {
	switch {
	case err == nil:
		return CloseNormal
	case errors.Is(err, ErrValidation):
		return CloseBadRequest
	case errors.Is(err, ErrGrantNotFound), errors.Is(err, ErrSourceNotFound):
		return CloseNotFound
	case errors.Is(err, ErrGrantExpired):
		return CloseExpired
	case errors.Is(err, ErrGrantRevoked):
		return CloseRevoked
	case errors.Is(err, ErrForbiddenSource), errors.Is(err, ErrForbidden):
		return CloseForbidden
	case errors.Is(err, ErrCapacityReached):
		return CloseCapacity
	case errors.Is(err, ErrUpstreamUnavailable):
		return CloseUpstreamUnavailable
	case errors.Is(err, ErrStore):
		return CloseStoreUnavailable
	default:
		return CloseInternal
	}
}

// CloseCodeForCause is the close code for a channel whose grant was retired.
func CloseCodeForCause(cause RetireCause) CloseCode {
	if cause == CauseExpired {
		return CloseExpired
	}
	return CloseRevoked
}
