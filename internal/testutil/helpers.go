package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestContext creates a context with a reasonable timeout for tests
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// RequireErrorContains asserts that an error occurred and contains the expected message
func RequireErrorContains(t *testing.T, err error, contains string) {
	require.Error(t, err)
	require.Contains(t, err.Error(), contains)
}

// AssertNoError asserts that no error occurred with a helpful message
func AssertNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	if err != nil {
		if len(msgAndArgs) > 0 {
			require.NoError(t, err, msgAndArgs...)
		} else {
			require.NoError(t, err, "Unexpected error")
		}
	}
}

// Ptr returns a pointer to the given value (generic helper)
func Ptr[T any](v T) *T {
	return &v
}

// PtrSlice converts a slice of values to a slice of pointers
func PtrSlice[T any](values []T) []*T {
	result := make([]*T, len(values))
	for i, v := range values {
		v := v
		result[i] = &v
	}
	return result
}

// Now returns the current time for test consistency
func Now() time.Time {
	return time.Now().Round(time.Second)
}

// TimePtr returns a pointer to a time.Time
func TimePtr(t time.Time) *time.Time {
	return &t
}

// IntPtr returns a pointer to the given int value
func IntPtr(i int) *int {
	return &i
}

// StringPtr returns a pointer to the given string value
func StringPtr(s string) *string {
	return &s
}

// BoolPtr returns a pointer to the given bool value
func BoolPtr(b bool) *bool {
	return &b
}

// Float64Ptr returns a pointer to the given float64 value
func Float64Ptr(f float64) *float64 {
	return &f
}
