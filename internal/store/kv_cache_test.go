// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistentCacheRoundTrip(t *testing.T) {
	m := openTestManager(t)
	cache := NewPersistentCache(m)

	_, ok, err := cache.Get("growth", "od_blank")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set("growth", "od_blank", "0.02"))
	v, ok, err := cache.Get("growth", "od_blank")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0.02", v)

	require.NoError(t, cache.Delete("growth", "od_blank"))
	_, ok, err = cache.Get("growth", "od_blank")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIntermittentCacheRoundTrip(t *testing.T) {
	cache := NewIntermittentCache()

	require.NoError(t, cache.Set("resource_locks", "pwm1", "stirring-123"))
	v, ok, err := cache.Get("resource_locks", "pwm1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "stirring-123", v)
}

func TestResourceLockHoldAndRelease(t *testing.T) {
	lock := NewResourceLock(NewIntermittentCache())

	require.NoError(t, lock.Hold("pwm1", "job-1"))
	err := lock.Hold("pwm1", "job-2")
	require.ErrorIs(t, err, ErrResourceLocked)

	// Re-acquiring with the same holder is not a conflict.
	require.NoError(t, lock.Hold("pwm1", "job-1"))

	require.NoError(t, lock.Release("pwm1", "job-1"))
	require.NoError(t, lock.Hold("pwm1", "job-2"))
}
