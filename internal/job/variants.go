// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package job

import "context"

// ActiveWorkerCheck reports whether unit is currently an active worker in
// the cluster. Injected rather than read here so the framework stays
// ignorant of where membership lives (leader roster, cache, config).
type ActiveWorkerCheck func(unit string) (bool, error)

// NewWorkerJob constructs a standard background job: it refuses to start
// when the node is not an active worker, since a control loop on a
// deactivated unit would fight whoever deactivated it. A nil check is
// treated as active (single-node setups have no roster to consult).
func NewWorkerJob(ctx context.Context, opts Options, isActive ActiveWorkerCheck) (*Job, error) {
	if isActive != nil {
		active, err := isActive(opts.Unit)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, ErrNotActiveWorker
		}
	}
	return New(ctx, opts)
}

// NewLongRunningJob constructs a job that bypasses the active-worker check
// and is excluded from mass kills unless named explicitly (monitor,
// watchdog, and similar node-level services).
func NewLongRunningJob(ctx context.Context, opts Options) (*Job, error) {
	opts.IsLongRunning = true
	return New(ctx, opts)
}

// NewPluginJob constructs a job contributed by a plug-in: the plug-in's
// name becomes the job_source tag so `pio kill --job-source <plugin>` can
// target everything it started. The plug-in must also pick a job_name that
// doesn't collide with a built-in, which the duplicate check in New
// enforces at runtime.
func NewPluginJob(ctx context.Context, opts Options, pluginName string) (*Job, error) {
	if pluginName == "" {
		return nil, ErrMissingPluginName
	}
	opts.JobSource = pluginName
	return New(ctx, opts)
}
