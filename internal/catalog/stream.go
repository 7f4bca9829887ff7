// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/pkg/streaming"
)

// ClusterStreamSource implements streaming.Source by subscribing to every
// job's $state topic and OD-reading topic across the cluster and turning
// each message into a streaming.Frame for the dashboard feed. When Jobs is
// set, its HTTP-polled roster diffs are fanned into the same feed, so the
// dashboard still sees job starts and completions while the broker's
// retained state is cold.
type ClusterStreamSource struct {
	Broker *pubsub.Client
	Jobs   *ClusterJobWatcher
}

// Watch implements streaming.Source.
func (c *ClusterStreamSource) Watch(ctx context.Context) (<-chan streaming.Frame, error) {
	frames := make(chan streaming.Frame, 64)

	var mu sync.Mutex
	closed := false

	emit := func(typ streaming.StreamType, m pubsub.Message) {
		unit, _, jobName := parseStatePrefix(m.Topic)
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case frames <- streaming.Frame{
			Type:      typ,
			Unit:      unit,
			JobName:   jobName,
			Data:      string(m.Payload),
			Timestamp: time.Now(),
		}:
		default:
		}
	}

	if err := c.Broker.Subscribe("pioreactor/+/+/+/$state", pubsub.AtLeastOnce, func(m pubsub.Message) {
		emit(streaming.StreamTypeJobState, m)
	}); err != nil {
		return nil, err
	}

	if err := c.Broker.Subscribe("pioreactor/+/+/od_reading/od_filtered", pubsub.AtLeastOnce, func(m pubsub.Message) {
		emit(streaming.StreamTypeODReading, m)
	}); err != nil {
		return nil, err
	}

	if err := c.Broker.Subscribe("pioreactor/+/+/growth_rate_calculating/growth_rate", pubsub.AtLeastOnce, func(m pubsub.Message) {
		emit(streaming.StreamTypeGrowthRate, m)
	}); err != nil {
		return nil, err
	}

	if c.Jobs != nil {
		polled, err := c.Jobs.Watch(ctx)
		if err != nil {
			return nil, err
		}
		go func() {
			for frame := range polled {
				mu.Lock()
				if closed {
					mu.Unlock()
					return
				}
				select {
				case frames <- frame:
				default:
				}
				mu.Unlock()
			}
		}()
	}

	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		close(frames)
		mu.Unlock()
	}()

	return frames, nil
}

// parseStatePrefix pulls (unit, experiment, job) out of
// "pioreactor/<unit>/<exp>/<job>/...".
func parseStatePrefix(topic string) (unit, experiment, jobName string) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return "", "", ""
	}
	return parts[1], parts[2], parts[3]
}
