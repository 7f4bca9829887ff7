// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

// roundTrip pushes one request through a middleware-wrapped transport
// against a live httptest server, the way the leader's dispatcher client
// reaches a worker.
func roundTrip(t *testing.T, mw Middleware, handler http.HandlerFunc) *http.Response {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: mw(http.DefaultTransport)}
	resp, err := client.Get(srv.URL + "/unit_api/jobs/running")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChainOrdering(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(req)
			})
		}
	}

	mw := Chain(tag("outer"), tag("inner"))
	resp := roundTrip(t, mw, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestWithTimeoutAppliesWhenNoDeadline(t *testing.T) {
	// A request without a caller deadline gets the middleware's timeout.
	mw := WithTimeout(time.Nanosecond)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline := r.Context().Deadline()
		_ = hasDeadline
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: mw(http.DefaultTransport)}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	// Without an existing deadline the 1ns timeout fires.
	_, err = client.Do(req)
	assert.Error(t, err)
}

func TestWithRetryRetriesServerErrors(t *testing.T) {
	attempts := 0
	mw := WithRetry(3, DefaultShouldRetry)
	resp := roundTrip(t, mw, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	mw := WithRetry(3, DefaultShouldRetry)
	resp := roundTrip(t, mw, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusConflict) // duplicate job: retrying won't help
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1, attempts)
}

func TestDefaultShouldRetry(t *testing.T) {
	assert.True(t, DefaultShouldRetry(nil, errors.New("connection refused"), 0))
	assert.True(t, DefaultShouldRetry(&http.Response{StatusCode: 502}, nil, 0))
	assert.True(t, DefaultShouldRetry(&http.Response{StatusCode: 429}, nil, 0))
	assert.False(t, DefaultShouldRetry(&http.Response{StatusCode: 200}, nil, 0))
	assert.False(t, DefaultShouldRetry(&http.Response{StatusCode: 409}, nil, 0))
}

func TestWithRequestIDAddsHeader(t *testing.T) {
	var got string
	mw := WithRequestID(func() string { return "req-42" })
	roundTrip(t, mw, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	})
	assert.Equal(t, "req-42", got)
}

func TestWithUserAgent(t *testing.T) {
	var got string
	mw := WithUserAgent("pioreactor-leader/1.0")
	roundTrip(t, mw, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	})
	assert.Equal(t, "pioreactor-leader/1.0", got)
}

type countingCollector struct {
	requests, responses, errors int
}

func (c *countingCollector) RecordRequest(method, path string) { c.requests++ }
func (c *countingCollector) RecordResponse(method, path string, statusCode int, duration time.Duration) {
	c.responses++
}
func (c *countingCollector) RecordError(method, path string, err error) { c.errors++ }

func TestWithMetricsRecordsOutcomes(t *testing.T) {
	collector := &countingCollector{}
	mw := WithMetrics(collector)

	roundTrip(t, mw, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.Equal(t, 1, collector.requests)
	assert.Equal(t, 1, collector.responses)
	assert.Equal(t, 0, collector.errors)

	// A transport-level failure records an error instead of a response.
	client := &http.Client{Transport: mw(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}))}
	_, err := client.Get("http://worker9.local:4999/unit_api/jobs")
	assert.Error(t, err)
	assert.Equal(t, 1, collector.errors)
}

func TestWithLoggingPassesResponseThrough(t *testing.T) {
	mw := WithLogging(logging.NoOpLogger{})
	resp := roundTrip(t, mw, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestWithCircuitBreakerOpensAfterThreshold(t *testing.T) {
	failing := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	mw := WithCircuitBreaker(2, time.Hour)
	client := &http.Client{Transport: mw(failing)}

	for i := 0; i < 2; i++ {
		_, err := client.Get("http://worker1.local:4999/unit_api/jobs")
		require.Error(t, err)
	}

	_, err := client.Get("http://worker1.local:4999/unit_api/jobs")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circuit breaker is open"))
}

func TestCloneRequestPreservesBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://worker1.local/unit_api/jobs/stop", strings.NewReader(`{"settings":{}}`))
	require.NoError(t, err)

	clone := cloneRequest(req)
	require.NotNil(t, clone.Body)

	buf := make([]byte, 32)
	n, _ := clone.Body.Read(buf)
	assert.Equal(t, `{"settings":{}}`, string(buf[:n]))
}
