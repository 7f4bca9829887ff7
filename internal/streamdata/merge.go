// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package streamdata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	errNotLive       = errors.New("streamdata: both sources must be live to merge as live streams")
	errNotHistorical = errors.New("streamdata: both sources must be historical to merge as historical streams")
)

// Observation is a merged, type-tagged sample handed to the growth-rate
// estimator's consumption loop.
type Observation struct {
	OD     *ODReadings
	Dosing *DosingEvent
}

// MergeLiveStreams fans in od and dosing as they arrive, in arrival order,
// until ctx is cancelled. Both sources must report IsLive() true; mixing a
// live source with a historical one is a programmer error caught here
// rather than producing a silently wrong ordering.
func MergeLiveStreams(ctx context.Context, od ODObservationSource, dosing DosingObservationSource) (<-chan Observation, error) {
	if !od.IsLive() || !dosing.IsLive() {
		return nil, errNotLive
	}

	out := make(chan Observation)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			reading, ok := od.Next(ctx)
			if !ok {
				return
			}
			select {
			case out <- Observation{OD: &reading}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			event, ok := dosing.Next(ctx)
			if !ok {
				return
			}
			select {
			case out <- Observation{Dosing: &event}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// MergeHistoricalStreams drains od and dosing to exhaustion and returns the
// combined observations sorted by timestamp — the deterministic replay
// ordering a backfill computation over stored CSV/DB exports needs. Both
// sources must report IsLive() false.
func MergeHistoricalStreams(ctx context.Context, od ODObservationSource, dosing DosingObservationSource) ([]Observation, error) {
	if od.IsLive() || dosing.IsLive() {
		return nil, errNotHistorical
	}

	var out []Observation
	for {
		reading, ok := od.Next(ctx)
		if !ok {
			break
		}
		out = append(out, Observation{OD: &reading})
	}
	for {
		event, ok := dosing.Next(ctx)
		if !ok {
			break
		}
		out = append(out, Observation{Dosing: &event})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return observationTime(out[i]).Before(observationTime(out[j]))
	})
	return out, nil
}

func observationTime(o Observation) time.Time {
	if o.OD != nil {
		return o.OD.Timestamp
	}
	return o.Dosing.Timestamp
}
