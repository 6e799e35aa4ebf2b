package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/protocol"
	"github.com/voxlane/voxlane/pkg/interview/session"
)

func TestFromError_Nil(t *testing.T) {
	e, status := FromError(nil, "req_1")
	if e != nil || status != http.StatusOK {
		t.Fatalf("FromError(nil) = %v, %d", e, status)
	}
}

func TestFromError_SessionErrors(t *testing.T) {
	cases := []struct {
		err    error
		typ    ErrorType
		status int
	}{
		{session.ErrSessionBusy, ErrSessionBusy, http.StatusConflict},
		{session.ErrRetryShortly, ErrRetryShortly, http.StatusServiceUnavailable},
		{persist.ErrNotFound, ErrNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, ErrAPI, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		e, status := FromError(fmt.Errorf("open: %w", tc.err), "req_2")
		if e.Type != tc.typ || status != tc.status {
			t.Errorf("FromError(%v) = %s, %d; want %s, %d", tc.err, e.Type, status, tc.typ, tc.status)
		}
		if e.RequestID != "req_2" {
			t.Errorf("request id not attached for %v", tc.err)
		}
	}
}

func TestFromError_DecodeError(t *testing.T) {
	e, status := FromError(&protocol.DecodeError{Code: "bad_request", Message: "missing type", Param: "type"}, "req_3")
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
	if e.Type != ErrInvalidRequest || e.Param != "type" {
		t.Errorf("error = %+v", e)
	}
}

func TestFromError_UnknownDoesNotLeak(t *testing.T) {
	e, status := FromError(errors.New("pq: connection refused at 10.0.0.3"), "req_4")
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
	if e.Message != "internal error" {
		t.Errorf("message leaked: %q", e.Message)
	}
}

func TestFromError_CanonicalPassthrough(t *testing.T) {
	in := &Error{Type: ErrInvalidRequest, Message: "session_id required", Param: "session_id"}
	e, status := FromError(in, "req_5")
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
	if e.Message != in.Message || e.RequestID != "req_5" {
		t.Errorf("error = %+v", e)
	}
	if in.RequestID != "" {
		t.Error("input error mutated")
	}
}
