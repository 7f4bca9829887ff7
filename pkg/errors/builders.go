// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// WrapError converts a generic error into a structured PioreactorError.
func WrapError(err error) *PioreactorError {
	if err == nil {
		return nil
	}

	var pioErr *PioreactorError
	if stderrors.As(err, &pioErr) {
		return pioErr
	}

	if stderrors.Is(err, context.Canceled) {
		return NewPioreactorErrorWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewPioreactorErrorWithCause(ErrorCodeDeadlineExceeded, "operation timed out", err)
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return classifyURLError(urlErr)
	}

	if netErr := classifyNetworkError(err); netErr != nil {
		return netErr
	}

	return NewPioreactorErrorWithCause(ErrorCodeUnknown, err.Error(), err)
}

// WrapHTTPError converts a worker's HTTP response into a structured error
// carrying ErrHTTPStatus, as used by the cluster dispatcher when a worker
// returns a non-2xx status to a run/kill/update-settings request.
func WrapHTTPError(unit string, statusCode int, body []byte) *PioreactorError {
	code := mapHTTPStatusToErrorCode(statusCode)
	message := fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode))

	pioErr := NewPioreactorError(code, message)
	pioErr.Unit = unit
	if len(body) > 0 && len(body) < 1000 {
		pioErr.Details = string(body)
	}
	return pioErr
}

// classifyNetworkError identifies and wraps network-related errors
// encountered talking to the broker or a worker.
func classifyNetworkError(err error) *PioreactorError {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) {
		return NewPioreactorErrorWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewPioreactorErrorWithCause(ErrorCodeDeadlineExceeded, "operation deadline exceeded", err)
	}

	errStr := err.Error()

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewPioreactorErrorWithCause(ErrorCodeNetworkTimeout, "network operation timed out", err)
		}
		if strings.Contains(errStr, "connection reset") ||
			strings.Contains(errStr, "broken pipe") ||
			strings.Contains(errStr, "network is unreachable") ||
			strings.Contains(errStr, "temporary") {
			return NewPioreactorErrorWithCause(ErrorCodeConnectionRefused, "temporary network failure", err)
		}
	}

	switch {
	case strings.Contains(errStr, "connection refused"):
		return NewPioreactorErrorWithCause(ErrorCodeConnectionRefused, "connection refused by peer", err)
	case strings.Contains(errStr, "no such host"):
		return NewPioreactorErrorWithCause(ErrorCodeDNSResolution, "DNS resolution failed", err)
	case strings.Contains(errStr, "timeout"):
		return NewPioreactorErrorWithCause(ErrorCodeNetworkTimeout, "network timeout", err)
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		var dnsErr *net.DNSError
		if stderrors.As(opErr.Err, &dnsErr) {
			return NewPioreactorErrorWithCause(ErrorCodeDNSResolution, "DNS lookup failed", dnsErr)
		}
		var syscallErr syscall.Errno
		if stderrors.As(opErr.Err, &syscallErr) {
			switch syscallErr {
			case syscall.ECONNREFUSED:
				return NewPioreactorErrorWithCause(ErrorCodeConnectionRefused, "connection refused", err)
			case syscall.ETIMEDOUT:
				return NewPioreactorErrorWithCause(ErrorCodeNetworkTimeout, "connection timeout", err)
			case syscall.ENETUNREACH:
				return NewPioreactorErrorWithCause(ErrorCodeDNSResolution, "network unreachable", err)
			}
		}
	}

	return nil
}

// classifyURLError handles URL-specific errors from worker HTTP calls.
func classifyURLError(urlErr *url.Error) *PioreactorError {
	var host string
	if u, err := url.Parse(urlErr.URL); err == nil {
		host = u.Hostname()
	}

	if stderrors.Is(urlErr.Err, context.Canceled) {
		return NewPioreactorErrorWithCause(ErrorCodeContextCanceled, "operation was canceled", urlErr)
	}
	if stderrors.Is(urlErr.Err, context.DeadlineExceeded) {
		return NewPioreactorErrorWithCause(ErrorCodeDeadlineExceeded, "operation deadline exceeded", urlErr)
	}

	if netErr := classifyNetworkError(urlErr.Err); netErr != nil {
		netErr.Unit = host
		return netErr
	}

	return NewPioreactorErrorWithCause(ErrorCodeHTTPRequest, "request error: "+urlErr.Op, urlErr)
}

// NewJobAlreadyRunningError reports that a duplicate instance of jobName was
// requested on unit.
func NewJobAlreadyRunningError(unit, jobName string) *PioreactorError {
	err := NewPioreactorError(ErrorCodeJobAlreadyRunning, fmt.Sprintf("%s is already running on %s", jobName, unit))
	err.Unit = unit
	err.JobName = jobName
	return err
}

// NewNotActiveWorkerError reports that unit is not a currently assigned
// worker for the active experiment.
func NewNotActiveWorkerError(unit string) *PioreactorError {
	err := NewPioreactorError(ErrorCodeNotActiveWorker, fmt.Sprintf("%s is not an active worker", unit))
	err.Unit = unit
	return err
}

// NewHardwareNotFoundError reports a missing hardware dependency (ADC, PWM
// channel, I2C device) required by jobName on unit.
func NewHardwareNotFoundError(unit, jobName, component string) *PioreactorError {
	err := NewPioreactorError(ErrorCodeHardwareNotFound, fmt.Sprintf("%s not found for %s", component, jobName))
	err.Unit = unit
	err.JobName = jobName
	return err
}

// NewDodgingTimingError reports that the optical-density-dodging scheduler
// could not compute a consistent timing window.
func NewDodgingTimingError(unit, detail string) *PioreactorError {
	err := NewPioreactorError(ErrorCodeDodgingTiming, "dodging timing computation failed")
	err.Unit = unit
	err.Details = detail
	return err
}

// NewSettingNotRunningError reports that a published setting was requested
// for a job that is not currently running.
func NewSettingNotRunningError(unit, jobName, setting string) *PioreactorError {
	err := NewPioreactorError(ErrorCodeSettingNotRunning, fmt.Sprintf("%s is not running, cannot read %s", jobName, setting))
	err.Unit = unit
	err.JobName = jobName
	err.Details = setting
	return err
}

// NewInvalidValueError reports a rejected value for field, as raised for
// bad OD samples or non-positive OD scaling.
func NewInvalidValueError(field string, value interface{}) *PioreactorError {
	err := NewPioreactorError(ErrorCodeInvalidValue, fmt.Sprintf("invalid value for %s: %v", field, value))
	err.Details = field
	return err
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var pioErr *PioreactorError
	if stderrors.As(err, &pioErr) {
		return pioErr.IsRetryable()
	}

	if err != nil {
		errStr := err.Error()
		return strings.Contains(errStr, "timeout") ||
			strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "temporary failure") ||
			strings.Contains(errStr, "service unavailable")
	}

	return false
}

// IsTemporaryError checks if an error is temporary.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	var pioErr *PioreactorError
	if stderrors.As(err, &pioErr) {
		return pioErr.IsTemporary()
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	errorStr := err.Error()
	return strings.Contains(errorStr, "connection reset") ||
		strings.Contains(errorStr, "broken pipe") ||
		strings.Contains(errorStr, "network is unreachable") ||
		strings.Contains(errorStr, "temporary")
}

// GetErrorCode extracts the error code from any error.
func GetErrorCode(err error) ErrorCode {
	var pioErr *PioreactorError
	if stderrors.As(err, &pioErr) {
		return pioErr.Code
	}
	return ErrorCodeUnknown
}

// GetErrorCategory extracts the error category from any error.
func GetErrorCategory(err error) ErrorCategory {
	var pioErr *PioreactorError
	if stderrors.As(err, &pioErr) {
		return pioErr.Category
	}
	return CategorySurfaced
}

// IsNetworkError checks if an error is a network-related error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var pioErr *PioreactorError
	if stderrors.As(err, &pioErr) {
		return pioErr.Code == ErrorCodeNetworkTimeout ||
			pioErr.Code == ErrorCodeConnectionRefused ||
			pioErr.Code == ErrorCodeDNSResolution ||
			pioErr.Code == ErrorCodeBrokerDisconnect
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "no such host", "network unreachable", "timeout", "dns"} {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

// IsClientError checks whether err should surface to the caller rather than
// be retried.
func IsClientError(err error) bool {
	var pioErr *PioreactorError
	if stderrors.As(err, &pioErr) {
		return pioErr.Category == CategorySurfaced
	}
	return false
}
