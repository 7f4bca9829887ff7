// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Pioreactor/pioreactor-sub001/internal/dispatch"
	pioctx "github.com/Pioreactor/pioreactor-sub001/pkg/context"
)

// ClusterJobManager is the leader-side view over every worker's local
// Job Manager: it
// answers "what jobs are running where" and "stop/update jobs on unit X"
// by querying each worker's local JobManager over HTTP rather than reading
// a local table.
type ClusterJobManager struct {
	dispatcher *dispatch.Dispatcher
}

// NewClusterJobManager wraps a dispatcher as a ClusterJobManager.
func NewClusterJobManager(d *dispatch.Dispatcher) *ClusterJobManager {
	return &ClusterJobManager{dispatcher: d}
}

// ListRunningJobs returns the running JobRecords on each unit, isolating
// per-unit failures the same way the dispatcher does (a nil entry means
// that unit could not be reached).
func (c *ClusterJobManager) ListRunningJobs(ctx context.Context, units []string, experiment string) (map[string][]JobRecord, error) {
	ctx, cancel := pioctx.WithTimeout(ctx, pioctx.OpList, nil)
	defer cancel()

	raw, err := c.dispatcher.Query(ctx, units, experiment, "/unit_api/jobs/running")
	if err != nil {
		return nil, err
	}

	out := make(map[string][]JobRecord, len(raw))
	for unit, body := range raw {
		if body == nil {
			out[unit] = nil
			continue
		}
		var records []JobRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("store: decoding running jobs from %s: %w", unit, err)
		}
		out[unit] = records
	}
	return out, nil
}

// StopJobs maps to KillJobs on each unit via the dispatcher's Stop
// fan-out.
func (c *ClusterJobManager) StopJobs(ctx context.Context, units []string, experiment, jobName string) (map[string]json.RawMessage, error) {
	return c.dispatcher.Stop(ctx, units, experiment, jobName)
}

// UpdateSettings publishes settings to jobName on each unit via the
// dispatcher's Update fan-out.
func (c *ClusterJobManager) UpdateSettings(ctx context.Context, units []string, experiment, jobName string, settings map[string]string) (map[string]json.RawMessage, error) {
	return c.dispatcher.Update(ctx, units, experiment, jobName, settings)
}

// RunJob spawns jobName on each unit via the dispatcher's Run fan-out.
func (c *ClusterJobManager) RunJob(ctx context.Context, units []string, experiment, jobName string, req dispatch.RunRequest) (map[string]json.RawMessage, error) {
	return c.dispatcher.Run(ctx, units, experiment, jobName, req)
}
