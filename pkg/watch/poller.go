// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package watch provides polling-based watch primitives used by the cluster
// dispatcher's delayed-response protocol and by leader-side job-state
// watchers. Both are the same shape: poll a remote endpoint on an interval,
// diff the observed state against what was last seen, and emit events for
// the difference.
package watch

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is the default polling interval for watch operations.
const DefaultPollInterval = 2 * time.Second

// JobEvent describes a state transition observed for a single job instance.
type JobEvent struct {
	EventType     string // "job_new", "job_state_change", "job_completed"
	Unit          string
	JobName       string
	PreviousState string
	NewState      string
	EventTime     time.Time
}

// JobSnapshot is the minimal shape a JobPoller needs from a list call.
type JobSnapshot struct {
	Unit    string
	JobName string
	State   string
}

// JobPoller watches a set of jobs across the cluster for state changes by
// repeatedly listing them and diffing against the previously observed
// state. It backs the leader's live job-state feed (pkg/streaming) and can
// equally be pointed at a single worker.
type JobPoller struct {
	listFunc     func(ctx context.Context) ([]JobSnapshot, error)
	pollInterval time.Duration
	bufferSize   int
	mu           sync.RWMutex
	states       map[string]string // "unit/job_name" -> state
}

// NewJobPoller creates a new job poller backed by listFunc.
func NewJobPoller(listFunc func(ctx context.Context) ([]JobSnapshot, error)) *JobPoller {
	return &JobPoller{
		listFunc:     listFunc,
		pollInterval: DefaultPollInterval,
		bufferSize:   100,
		states:       make(map[string]string),
	}
}

// WithPollInterval sets a custom poll interval.
func (p *JobPoller) WithPollInterval(interval time.Duration) *JobPoller {
	p.pollInterval = interval
	return p
}

// WithBufferSize sets a custom buffer size for the event channel.
func (p *JobPoller) WithBufferSize(size int) *JobPoller {
	p.bufferSize = size
	return p
}

// Watch starts watching for job state changes until ctx is cancelled.
func (p *JobPoller) Watch(ctx context.Context) (<-chan JobEvent, error) {
	eventChan := make(chan JobEvent, p.bufferSize)
	go p.pollLoop(ctx, eventChan)
	return eventChan, nil
}

func (p *JobPoller) pollLoop(ctx context.Context, eventChan chan<- JobEvent) {
	defer close(eventChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.performPoll(ctx, eventChan, true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.performPoll(ctx, eventChan, false)
		}
	}
}

func (p *JobPoller) performPoll(ctx context.Context, eventChan chan<- JobEvent, isInitial bool) {
	snapshots, err := p.listFunc(ctx)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(snapshots))

	for _, snap := range snapshots {
		key := snap.Unit + "/" + snap.JobName
		seen[key] = true

		previous, exists := p.states[key]
		if !exists {
			p.states[key] = snap.State
			if !isInitial {
				eventChan <- JobEvent{
					EventType: "job_new",
					Unit:      snap.Unit,
					JobName:   snap.JobName,
					NewState:  snap.State,
					EventTime: time.Now(),
				}
			}
			continue
		}

		if previous != snap.State {
			p.states[key] = snap.State
			eventChan <- JobEvent{
				EventType:     "job_state_change",
				Unit:          snap.Unit,
				JobName:       snap.JobName,
				PreviousState: previous,
				NewState:      snap.State,
				EventTime:     time.Now(),
			}
		}
	}

	for key, state := range p.states {
		if !seen[key] {
			delete(p.states, key)
			unit, jobName := splitKey(key)
			eventChan <- JobEvent{
				EventType:     "job_completed",
				Unit:          unit,
				JobName:       jobName,
				PreviousState: state,
				NewState:      "disconnected",
				EventTime:     time.Now(),
			}
		}
	}
}

func splitKey(key string) (unit, jobName string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// ResultPoller implements the dispatcher's 202-delayed-response protocol:
// poll a per-request result URL on a worker until a 200 arrives or ctx is
// cancelled.
type ResultPoller struct {
	fetch    func(ctx context.Context, resultURLPath string) (done bool, body []byte, err error)
	interval time.Duration
}

// NewResultPoller creates a poller that calls fetch on an interval until it
// reports done.
func NewResultPoller(fetch func(ctx context.Context, resultURLPath string) (done bool, body []byte, err error)) *ResultPoller {
	return &ResultPoller{fetch: fetch, interval: 250 * time.Millisecond}
}

// WithInterval sets the polling interval.
func (p *ResultPoller) WithInterval(d time.Duration) *ResultPoller {
	p.interval = d
	return p
}

// Poll blocks until fetch reports the result is ready, ctx is cancelled, or
// fetch returns an error.
func (p *ResultPoller) Poll(ctx context.Context, resultURLPath string) ([]byte, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		done, body, err := p.fetch(ctx, resultURLPath)
		if err != nil {
			return nil, err
		}
		if done {
			return body, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
