// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Pioreactor/pioreactor-sub001/internal/store"
)

// rosterBucket/rosterKey is where WorkerRoster persists its whole unit list
// as one newline-joined value; KVCache has no bucket scan, so a single key
// is simpler than one row per unit.
const (
	rosterBucket = "cluster"
	rosterKey    = "workers"
)

// WorkerRoster is the leader's record of which units belong to the cluster
// and are currently eligible for `$broadcast`, backed by the `pio workers
// add|remove|list` CLI surface.
type WorkerRoster struct {
	cache store.KVCache
	mu    sync.RWMutex
	units map[string]bool
}

// NewWorkerRoster wraps cache as an empty WorkerRoster. Call LoadRoster to
// restore previously-persisted membership.
func NewWorkerRoster(cache store.KVCache) *WorkerRoster {
	return &WorkerRoster{cache: cache, units: make(map[string]bool)}
}

// LoadRoster opens cache's persisted unit list, if any, into a new
// WorkerRoster, restoring membership across a leader restart.
func LoadRoster(cache store.KVCache) (*WorkerRoster, error) {
	r := NewWorkerRoster(cache)
	raw, ok, err := cache.Get(rosterBucket, rosterKey)
	if err != nil {
		return nil, fmt.Errorf("catalog: loading worker roster: %w", err)
	}
	if ok && raw != "" {
		r.Restore(strings.Split(raw, "\n"))
	}
	return r, nil
}

// Add registers unit as an active cluster member.
func (r *WorkerRoster) Add(unit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[unit] = true
	return r.persistLocked()
}

// Remove drops unit from the roster.
func (r *WorkerRoster) Remove(unit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, unit)
	return r.persistLocked()
}

func (r *WorkerRoster) persistLocked() error {
	units := make([]string, 0, len(r.units))
	for u := range r.units {
		units = append(units, u)
	}
	sort.Strings(units)
	if err := r.cache.Set(rosterBucket, rosterKey, strings.Join(units, "\n")); err != nil {
		return fmt.Errorf("catalog: persisting worker roster: %w", err)
	}
	return nil
}

// List returns every active unit, sorted.
func (r *WorkerRoster) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.units))
	for u := range r.units {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Restore re-populates the in-memory roster from a previously-known unit
// list without touching the cache (used by LoadRoster, and by tests/config
// seeding).
func (r *WorkerRoster) Restore(units []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range units {
		if u != "" {
			r.units[u] = true
		}
	}
}

// ActiveWorkers implements dispatch.ActiveWorkersLookup: membership isn't
// experiment-scoped, so every experiment resolves against the same
// roster.
func (r *WorkerRoster) ActiveWorkers(experiment string) ([]string, error) {
	return r.List(), nil
}
