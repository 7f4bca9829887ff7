// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package store

import "errors"

var (
	// ErrJobNotRunning is returned by GetSettingFromRunningJob when no
	// instance of the named job is currently running.
	ErrJobNotRunning = errors.New("store: no running instance of job")

	// ErrSettingTimeout is returned by GetSettingFromRunningJob when the
	// setting did not appear within the requested timeout.
	ErrSettingTimeout = errors.New("store: timed out waiting for setting")

	// ErrJobNotFound is returned by GetJobInfo/RemoveJob for an unknown
	// job_id.
	ErrJobNotFound = errors.New("store: job not found")

	// ErrJobStillRunning is returned by RemoveJob for a running row.
	ErrJobStillRunning = errors.New("store: cannot remove a running job")

	// ErrResourceLocked is returned by ResourceLock.Hold when another
	// holder already has the named resource.
	ErrResourceLocked = errors.New("store: resource already held")
)
