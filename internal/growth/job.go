// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package growth

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Pioreactor/pioreactor-sub001/internal/job"
)

// publishedSettings is growth_rate_calculating's schema: the three
// read-only estimator outputs, plus obs_required_to_reset exposed as a
// remotely settable published setting. The capability catalog
// (internal/catalog.KnownCapabilities) lists only obs_required_to_reset
// of these.
func publishedSettings() map[string]job.PublishedSetting {
	return map[string]job.PublishedSetting{
		"growth_rate":           {Datatype: job.DatatypeJSON, Settable: false, Persist: false},
		"od_filtered":           {Datatype: job.DatatypeJSON, Settable: false, Persist: false},
		"kalman_filter_outputs": {Datatype: job.DatatypeJSON, Settable: false, Persist: false},
		"obs_required_to_reset": {Datatype: job.DatatypeInteger, Settable: true, Persist: true},
	}
}

// NewJob constructs the growth_rate_calculating background job: a
// *job.Job built with the usual two-phase construction (New, then the
// embedding type's own setup, then MarkReady), wired as this Calculator's
// ResultPublisher. jobOpts.JobName and jobOpts.PublishedSettings/Setters
// are set by this constructor; callers should leave them zero.
//
// The caller is responsible for calling (*job.Job).MarkReady once
// Initialize has succeeded, and for then running either ProcessHistorical
// or ProcessLive.
func NewJob(ctx context.Context, jobOpts job.Options, calcOpts Options) (*Calculator, *job.Job, error) {
	calc, err := NewCalculator(calcOpts)
	if err != nil {
		return nil, nil, err
	}

	jobOpts.JobName = "growth_rate_calculating"
	jobOpts.PublishedSettings = publishedSettings()
	jobOpts.Setters = map[string]job.Setter{
		"obs_required_to_reset": func(raw []byte) error {
			k, err := strconv.Atoi(string(raw))
			if err != nil {
				return fmt.Errorf("growth: obs_required_to_reset must be an integer: %w", err)
			}
			return calc.SetObsRequiredToReset(k)
		},
	}

	j, err := job.New(ctx, jobOpts)
	if err != nil {
		return nil, nil, err
	}

	calc.opts.Publisher = j
	return calc, j, nil
}
