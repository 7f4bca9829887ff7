// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"
)

func TestWrapErrorNil(t *testing.T) {
	if WrapError(nil) != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestWrapErrorPassesThroughStructuredErrors(t *testing.T) {
	orig := NewJobAlreadyRunningError("worker1", "stirring")
	wrapped := WrapError(fmt.Errorf("starting job: %w", orig))
	if wrapped.Code != ErrorCodeJobAlreadyRunning {
		t.Errorf("expected the inner structured error to survive, got code %s", wrapped.Code)
	}
}

func TestWrapErrorContext(t *testing.T) {
	if got := WrapError(context.Canceled); got.Code != ErrorCodeContextCanceled {
		t.Errorf("context.Canceled -> %s, want %s", got.Code, ErrorCodeContextCanceled)
	}
	if got := WrapError(context.DeadlineExceeded); got.Code != ErrorCodeDeadlineExceeded {
		t.Errorf("context.DeadlineExceeded -> %s, want %s", got.Code, ErrorCodeDeadlineExceeded)
	}
}

func TestWrapErrorNetworkClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{
			name:     "connection refused",
			err:      &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
			expected: ErrorCodeConnectionRefused,
		},
		{
			name:     "dns failure",
			err:      &net.OpError{Op: "dial", Err: &net.DNSError{Name: "worker9.local", IsNotFound: true}},
			expected: ErrorCodeDNSResolution,
		},
		{
			name:     "plain message timeout",
			err:      fmt.Errorf("i/o timeout waiting for worker"),
			expected: ErrorCodeNetworkTimeout,
		},
		{
			name:     "unclassifiable",
			err:      fmt.Errorf("something else entirely"),
			expected: ErrorCodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WrapError(tt.err); got.Code != tt.expected {
				t.Errorf("WrapError(%v) = %s, want %s", tt.err, got.Code, tt.expected)
			}
		})
	}
}

func TestWrapErrorURLErrorCarriesHost(t *testing.T) {
	urlErr := &url.Error{
		Op:  "Post",
		URL: "http://worker2.local:4999/unit_api/jobs/stop",
		Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	got := WrapError(urlErr)
	if got.Code != ErrorCodeConnectionRefused {
		t.Errorf("code = %s, want %s", got.Code, ErrorCodeConnectionRefused)
	}
	if got.Unit != "worker2.local" {
		t.Errorf("unit = %q, want the failing host", got.Unit)
	}
}

func TestWrapHTTPError(t *testing.T) {
	got := WrapHTTPError("worker1", 409, []byte(`{"error":"duplicate"}`))
	if got.Code != ErrorCodeJobAlreadyRunning {
		t.Errorf("409 -> %s, want %s", got.Code, ErrorCodeJobAlreadyRunning)
	}
	if got.Unit != "worker1" {
		t.Errorf("unit = %q, want worker1", got.Unit)
	}
	if got.Details != `{"error":"duplicate"}` {
		t.Errorf("details = %q, want the response body", got.Details)
	}
}

func TestBuilders(t *testing.T) {
	if err := NewJobAlreadyRunningError("u1", "stirring"); err.JobName != "stirring" || err.Unit != "u1" {
		t.Errorf("NewJobAlreadyRunningError lost context: %+v", err)
	}
	if err := NewNotActiveWorkerError("u2"); err.Unit != "u2" || err.Code != ErrorCodeNotActiveWorker {
		t.Errorf("NewNotActiveWorkerError lost context: %+v", err)
	}
	if err := NewHardwareNotFoundError("u1", "stirring", "PWM channel 2"); err.Code != ErrorCodeHardwareNotFound {
		t.Errorf("NewHardwareNotFoundError code = %s", err.Code)
	}
	if err := NewDodgingTimingError("u1", "wait window is negative"); err.Code != ErrorCodeDodgingTiming || err.Details == "" {
		t.Errorf("NewDodgingTimingError lost context: %+v", err)
	}
	if err := NewSettingNotRunningError("u1", "stirring", "target_rpm"); err.Details != "target_rpm" {
		t.Errorf("NewSettingNotRunningError details = %q", err.Details)
	}
	if err := NewInvalidValueError("od", -0.2); err.Code != ErrorCodeInvalidValue {
		t.Errorf("NewInvalidValueError code = %s", err.Code)
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(NewPioreactorError(ErrorCodeNetworkTimeout, "slow worker")) {
		t.Error("network timeout should be retryable")
	}
	if IsRetryableError(NewJobAlreadyRunningError("u1", "stirring")) {
		t.Error("duplicate job is not retryable")
	}
	if !IsRetryableError(fmt.Errorf("connection refused")) {
		t.Error("raw connection-refused text should be retryable")
	}
	if IsRetryableError(nil) {
		t.Error("nil is not retryable")
	}
}

func TestIsNetworkError(t *testing.T) {
	if !IsNetworkError(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}) {
		t.Error("OpError should register as a network error")
	}
	if !IsNetworkError(NewPioreactorError(ErrorCodeBrokerDisconnect, "lost broker")) {
		t.Error("broker disconnect should register as a network error")
	}
	if IsNetworkError(NewInvalidValueError("od", 0)) {
		t.Error("invalid value is not a network error")
	}
	if IsNetworkError(nil) {
		t.Error("nil is not a network error")
	}
}

func TestGetErrorCodeAndCategory(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewNotActiveWorkerError("u3"))
	if got := GetErrorCode(wrapped); got != ErrorCodeNotActiveWorker {
		t.Errorf("GetErrorCode = %s, want %s", got, ErrorCodeNotActiveWorker)
	}
	if got := GetErrorCategory(wrapped); got != CategorySurfaced {
		t.Errorf("GetErrorCategory = %s, want %s", got, CategorySurfaced)
	}
	if got := GetErrorCode(stderrors.New("mystery")); got != ErrorCodeUnknown {
		t.Errorf("GetErrorCode(plain) = %s, want %s", got, ErrorCodeUnknown)
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(NewInvalidValueError("volume", -1)) {
		t.Error("invalid value should surface to the caller")
	}
	if IsClientError(NewPioreactorError(ErrorCodeNetworkTimeout, "x")) {
		t.Error("a recoverable error is not a client error")
	}
}
