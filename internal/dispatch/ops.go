// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
)

// RunRequest is the body a run request sends to a worker's
// /unit_api/jobs/run/job_name/<job> endpoint.
type RunRequest struct {
	Options         map[string]string `json:"options,omitempty"`
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	ConfigOverrides map[string]string `json:"config_overrides,omitempty"`
}

// UpdateRequest is the body an update request sends to a worker's
// /unit_api/jobs/update/job_name/<job>/experiments/<exp> endpoint.
type UpdateRequest struct {
	Settings map[string]string `json:"settings"`
}

// Run dispatches a spawn request for jobName to every resolved unit.
func (d *Dispatcher) Run(ctx context.Context, units []string, experiment, jobName string, req RunRequest) (map[string]json.RawMessage, error) {
	endpoint := fmt.Sprintf("/unit_api/jobs/run/job_name/%s", jobName)
	return d.Fanout(ctx, "POST", endpoint, units, experiment, req)
}

// Stop dispatches a stop request, optionally scoped to jobName. An empty
// jobName stops every job in the experiment on that unit.
func (d *Dispatcher) Stop(ctx context.Context, units []string, experiment, jobName string) (map[string]json.RawMessage, error) {
	endpoint := "/unit_api/jobs/stop"
	if jobName != "" {
		endpoint = fmt.Sprintf("/unit_api/jobs/stop/job_name/%s", jobName)
	}
	if experiment != "" {
		endpoint = fmt.Sprintf("%s/experiments/%s", endpoint, experiment)
	}
	return d.Fanout(ctx, "POST", endpoint, units, experiment, nil)
}

// Update publishes one `.../<name>/set` MQTT message per settings pair on
// behalf of the caller, via the worker's PATCH endpoint.
func (d *Dispatcher) Update(ctx context.Context, units []string, experiment, jobName string, settings map[string]string) (map[string]json.RawMessage, error) {
	endpoint := fmt.Sprintf("/unit_api/jobs/update/job_name/%s/experiments/%s", jobName, experiment)
	return d.Fanout(ctx, "PATCH", endpoint, units, experiment, UpdateRequest{Settings: settings})
}

// Query issues a GET fan-out against an arbitrary worker endpoint — used
// for /unit_api/jobs[/running] and /unit_api/jobs/settings/... reads.
func (d *Dispatcher) Query(ctx context.Context, units []string, experiment, endpoint string) (map[string]json.RawMessage, error) {
	return d.Fanout(ctx, "GET", endpoint, units, experiment, nil)
}
