// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"time"

	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	"github.com/Pioreactor/pioreactor-sub001/pkg/streaming"
	"github.com/Pioreactor/pioreactor-sub001/pkg/watch"
)

// ClusterJobWatcher turns the workers' Job Managers into job_state frames
// by polling each unit's running-job list over HTTP and diffing the
// results: a row appearing is a started job, a row disappearing is a
// completed one. It covers what the broker's retained topics can't — jobs
// whose $state was lost with a broker restart, and workers that
// reconnected with a cold session.
type ClusterJobWatcher struct {
	// ListRunning is the cluster-wide running-jobs query, ordinarily
	// (*store.ClusterJobManager).ListRunningJobs.
	ListRunning func(ctx context.Context, units []string, experiment string) (map[string][]store.JobRecord, error)

	Roster *WorkerRoster

	// PollInterval overrides watch.DefaultPollInterval when positive.
	PollInterval time.Duration
}

func (w *ClusterJobWatcher) snapshots(ctx context.Context) ([]watch.JobSnapshot, error) {
	byUnit, err := w.ListRunning(ctx, w.Roster.List(), "")
	if err != nil {
		return nil, err
	}
	var out []watch.JobSnapshot
	for unit, records := range byUnit {
		for _, rec := range records {
			out = append(out, watch.JobSnapshot{Unit: unit, JobName: rec.JobName, State: "running"})
		}
	}
	return out, nil
}

// Watch implements streaming.Source: each JobEvent the poller emits
// becomes one job_state frame.
func (w *ClusterJobWatcher) Watch(ctx context.Context) (<-chan streaming.Frame, error) {
	poller := watch.NewJobPoller(w.snapshots)
	if w.PollInterval > 0 {
		poller.WithPollInterval(w.PollInterval)
	}

	events, err := poller.Watch(ctx)
	if err != nil {
		return nil, err
	}

	frames := make(chan streaming.Frame, 16)
	go func() {
		defer close(frames)
		for ev := range events {
			select {
			case frames <- streaming.Frame{
				Type:      streaming.StreamTypeJobState,
				Unit:      ev.Unit,
				JobName:   ev.JobName,
				Data:      map[string]string{"event": ev.EventType, "state": ev.NewState},
				Timestamp: ev.EventTime,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}
