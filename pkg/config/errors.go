// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"regexp"
)

// BroadcastUnit is the reserved unit identifier meaning "every active
// worker".
const BroadcastUnit = "$broadcast"

// UniversalExperiment is the reserved experiment identifier meaning "any
// experiment".
const UniversalExperiment = "$experiment"

var unitPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

var (
	// ErrMissingUnit is returned when no unit name could be resolved.
	ErrMissingUnit = errors.New("unit name is required")

	// ErrInvalidUnitName is returned when the unit name fails
	// the ^[A-Za-z0-9-]+$ pattern unit names must match.
	ErrInvalidUnitName = errors.New("unit name must match ^[A-Za-z0-9-]+$")

	// ErrMissingLeader is returned when no leader hostname could be resolved.
	ErrMissingLeader = errors.New("leader hostname is required")

	// ErrInvalidPort is returned when a configured port is out of range.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrInvalidTimeout is returned when a timeout is not positive.
	ErrInvalidTimeout = errors.New("timeout must be greater than 0")

	// ErrMissingStorageDir is returned when no storage directory is set.
	ErrMissingStorageDir = errors.New("storage directory is required")
)
