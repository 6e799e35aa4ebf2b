// Package apierror maps internal errors onto the HTTP error surface. Socket
// errors after the upgrade use the session protocol instead; this package
// covers everything that fails before a session attaches.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/protocol"
	"github.com/voxlane/voxlane/pkg/interview/session"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrSessionBusy    ErrorType = "session_busy_error"
	ErrRetryShortly   ErrorType = "retry_shortly_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrAPI            ErrorType = "api_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}

	if errors.Is(err, session.ErrSessionBusy) {
		return &Error{
			Type:      ErrSessionBusy,
			Message:   "session already has an open connection",
			RequestID: requestID,
		}, http.StatusConflict
	}
	if errors.Is(err, session.ErrRetryShortly) {
		return &Error{
			Type:      ErrRetryShortly,
			Message:   "previous connection is still closing, retry shortly",
			RequestID: requestID,
		}, http.StatusServiceUnavailable
	}
	if errors.Is(err, persist.ErrNotFound) {
		return &Error{
			Type:      ErrNotFound,
			Message:   "session not found",
			RequestID: requestID,
		}, http.StatusNotFound
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      ErrInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	// Unknown errors: treat as internal (do not leak details by default).
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrSessionBusy:
		return http.StatusConflict
	case ErrRetryShortly:
		return http.StatusServiceUnavailable
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
