// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package dispatch implements the leader's cluster fan-out/fan-in over HTTP
// to worker `/unit_api/...` endpoints: per-worker failure isolation, the
// 202-delayed-response protocol, result flattening, and $broadcast
// expansion. Delayed results are polled through pkg/watch; the leader
// daemon supplies an *http.Client built from pkg/pool with the
// pkg/middleware transport chain.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Pioreactor/pioreactor-sub001/pkg/config"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
	"github.com/Pioreactor/pioreactor-sub001/pkg/watch"
)

// ActiveWorkersLookup resolves the $broadcast unit to the current set of
// active workers for an experiment. An
// empty experiment means "experiment-agnostic": every active worker in the
// cluster.
type ActiveWorkersLookup func(experiment string) ([]string, error)

// Dispatcher fans HTTP requests out to N units in parallel and fans the
// results back in as a {unit -> result-or-null} map, isolating any one
// unit's failure from the rest.
type Dispatcher struct {
	client        *http.Client
	apiPort       int
	activeWorkers ActiveWorkersLookup
	logger        logging.Logger

	requestTimeout time.Duration
	getTimeout     time.Duration
}

// Options configures a new Dispatcher.
type Options struct {
	Client         *http.Client // defaults to http.DefaultClient
	APIPort        int          // defaults to 4999
	RequestTimeout time.Duration
	GetTimeout     time.Duration
	ActiveWorkers  ActiveWorkersLookup
	Logger         logging.Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.APIPort == 0 {
		opts.APIPort = 4999
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.GetTimeout == 0 {
		opts.GetTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger
	}
	return &Dispatcher{
		client:         opts.Client,
		apiPort:        opts.APIPort,
		activeWorkers:  opts.ActiveWorkers,
		logger:         opts.Logger,
		requestTimeout: opts.RequestTimeout,
		getTimeout:     opts.GetTimeout,
	}
}

// delayedResponse is the shape a worker answers with when it can't finish
// the request synchronously.
type delayedResponse struct {
	TaskID        string `json:"task_id"`
	ResultURLPath string `json:"result_url_path"`
}

// taskResultWrapper is one of the two shapes a worker's result_url_path may
// answer with; the dispatcher flattens both to just Result.
type taskResultWrapper struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result"`
}

// resolveUnits dedups the input units and expands $broadcast against the
// active-workers lookup for experiment.
func (d *Dispatcher) resolveUnits(units []string, experiment string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, u := range units {
		if u == config.BroadcastUnit {
			if d.activeWorkers == nil {
				return nil, fmt.Errorf("dispatch: $broadcast requested but no active-workers lookup is configured")
			}
			active, err := d.activeWorkers(experiment)
			if err != nil {
				return nil, fmt.Errorf("dispatch: resolving $broadcast: %w", err)
			}
			for _, a := range active {
				if !seen[a] {
					seen[a] = true
					out = append(out, a)
				}
			}
			continue
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out, nil
}

// Fanout issues method+endpoint (with optional JSON body) to every resolved
// unit in parallel and returns a {unit -> result-or-nil} map. The map itself
// is unordered; SortedUnits gives its keys in unit-name order. No per-unit
// failure is raised to the caller; it is logged at debug and surfaces as a
// nil entry.
func (d *Dispatcher) Fanout(ctx context.Context, method, endpoint string, units []string, experiment string, body any) (map[string]json.RawMessage, error) {
	resolved, err := d.resolveUnits(units, experiment)
	if err != nil {
		return nil, err
	}

	var encodedBody []byte
	if body != nil {
		encodedBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("dispatch: encoding request body: %w", err)
		}
	}

	results := make(map[string]json.RawMessage, len(resolved))
	var mu sync.Mutex
	var wg sync.WaitGroup

	timeout := d.requestTimeout
	if method == http.MethodGet {
		timeout = d.getTimeout
	}

	for _, unit := range resolved {
		wg.Add(1)
		go func(unit string) {
			defer wg.Done()
			result, err := d.callOne(ctx, method, unit, endpoint, encodedBody, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Debug("dispatch: unit request failed", "unit", unit, "endpoint", endpoint, "error", err)
				results[unit] = nil
				return
			}
			results[unit] = result
		}(unit)
	}
	wg.Wait()

	return results, nil
}

// SortedUnits returns the keys of a Fanout result map in sorted order,
// the iteration order callers present to users.
func SortedUnits(results map[string]json.RawMessage) []string {
	units := make([]string, 0, len(results))
	for u := range results {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}

func (d *Dispatcher) callOne(ctx context.Context, method, unit, endpoint string, body []byte, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", config.UnitAddress(unit), d.apiPort, endpoint)

	resp, err := d.doRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading response from %s: %w", unit, err)
	}

	if resp.StatusCode == http.StatusAccepted {
		var delayed delayedResponse
		if err := json.Unmarshal(respBody, &delayed); err != nil {
			return nil, fmt.Errorf("dispatch: decoding delayed response from %s: %w", unit, err)
		}
		return d.pollResult(ctx, unit, delayed.ResultURLPath)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatch: %s returned HTTP %d: %s", unit, resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func (d *Dispatcher) doRequest(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("dispatch: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return d.client.Do(req)
}

// pollResult polls resultURLPath on unit until a 200 arrives, flattening
// both response shapes (bare result, or {task_id, result}) to just the
// result.
func (d *Dispatcher) pollResult(ctx context.Context, unit, resultURLPath string) (json.RawMessage, error) {
	poller := watch.NewResultPoller(func(ctx context.Context, path string) (bool, []byte, error) {
		url := fmt.Sprintf("http://%s:%d%s", config.UnitAddress(unit), d.apiPort, path)
		resp, err := d.doRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, nil, err
		}

		switch resp.StatusCode {
		case http.StatusAccepted:
			return false, nil, nil
		case http.StatusOK:
			return true, body, nil
		default:
			return false, nil, fmt.Errorf("dispatch: polling %s on %s returned HTTP %d", path, unit, resp.StatusCode)
		}
	})

	body, err := poller.Poll(ctx, resultURLPath)
	if err != nil {
		return nil, err
	}

	var wrapper taskResultWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Result != nil {
		return wrapper.Result, nil
	}
	return json.RawMessage(body), nil
}
