// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package store

import "fmt"

// ResourceLock is the hardware-resource mutual-exclusion primitive: a job
// holds a resource (a PWM channel, an I2C address, an LED channel) by
// writing its own name under the resource's key. Backed by the
// intermittent cache: a crash or reboot releases every held resource,
// which is the only sane default for PWM channels and I2C addresses no
// process is actually touching anymore.
type ResourceLock struct {
	cache KVCache
}

const resourceLockNamespace = "resource_locks"

// NewResourceLock wraps cache (normally store.NewIntermittentCache()) as a
// ResourceLock.
func NewResourceLock(cache KVCache) *ResourceLock {
	return &ResourceLock{cache: cache}
}

// Hold claims resourceName on behalf of holderID. Returns ErrResourceLocked
// if a different holder already has it; re-acquiring with the same
// holderID succeeds (idempotent, since a job restarting into the same
// resource is not a conflict).
func (r *ResourceLock) Hold(resourceName, holderID string) error {
	current, ok, err := r.cache.Get(resourceLockNamespace, resourceName)
	if err != nil {
		return err
	}
	if ok && current != holderID {
		return fmt.Errorf("%w: %s held by %s", ErrResourceLocked, resourceName, current)
	}
	return r.cache.Set(resourceLockNamespace, resourceName, holderID)
}

// Release relinquishes resourceName if held by holderID. Releasing a
// resource held by someone else, or not held at all, is a no-op.
func (r *ResourceLock) Release(resourceName, holderID string) error {
	current, ok, err := r.cache.Get(resourceLockNamespace, resourceName)
	if err != nil {
		return err
	}
	if !ok || current != holderID {
		return nil
	}
	return r.cache.Delete(resourceLockNamespace, resourceName)
}
