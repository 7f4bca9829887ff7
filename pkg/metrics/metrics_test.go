// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsDispatcherTraffic(t *testing.T) {
	c := NewInMemoryCollector()

	c.RecordRequest("POST", "/unit_api/jobs/stop")
	c.RecordRequest("GET", "/unit_api/jobs/running")
	c.RecordResponse("POST", "/unit_api/jobs/stop", 200, 12*time.Millisecond)
	c.RecordResponse("GET", "/unit_api/jobs/running", 200, 4*time.Millisecond)
	c.RecordError("POST", "/unit_api/jobs/stop", errors.New("connection refused"))

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.TotalResponses)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, int64(1), stats.RequestsByPath["POST /unit_api/jobs/stop"])
	assert.Equal(t, int64(2), stats.ResponsesByStatus[200])
}

func TestCollectorRecordErrorNil(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordError("GET", "/unit_api/jobs", nil)
	assert.Equal(t, int64(0), c.GetStats().TotalErrors)
}

func TestCollectorCacheRatio(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordCacheHit("od_normalization_mean:exp1")
	c.RecordCacheHit("od_blank:exp1")
	c.RecordCacheMiss("growth_rate:exp1")

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.InDelta(t, 2.0/3.0, stats.CacheRatio, 1e-9)
}

func TestCollectorReset(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordRequest("GET", "/unit_api/jobs")
	c.RecordCacheHit("k")
	c.Reset()

	stats := c.GetStats()
	assert.Equal(t, int64(0), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.CacheHits)
	assert.Empty(t, stats.RequestsByPath)
}

func TestCollectorConcurrentUse(t *testing.T) {
	c := NewInMemoryCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordRequest("GET", "/unit_api/jobs/running")
				c.RecordResponse("GET", "/unit_api/jobs/running", 200, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	stats := c.GetStats()
	assert.Equal(t, int64(800), stats.TotalRequests)
	assert.Equal(t, int64(800), stats.TotalResponses)
}

func TestDurationAggregator(t *testing.T) {
	agg := newDurationAggregator()
	agg.add(10 * time.Millisecond)
	agg.add(30 * time.Millisecond)

	stats := agg.stats()
	require.Equal(t, int64(2), stats.Count)
	assert.Equal(t, 10*time.Millisecond, stats.Min)
	assert.Equal(t, 30*time.Millisecond, stats.Max)
	assert.Equal(t, 20*time.Millisecond, stats.Average)
}

func TestNoOpCollector(t *testing.T) {
	var c Collector = NoOpCollector{}
	c.RecordRequest("GET", "/unit_api/jobs")
	c.RecordError("GET", "/unit_api/jobs", errors.New("x"))
	assert.Equal(t, int64(0), c.GetStats().TotalRequests)
}

func TestDefaultCollector(t *testing.T) {
	original := GetDefaultCollector()
	t.Cleanup(func() { SetDefaultCollector(original) })

	c := NewInMemoryCollector()
	SetDefaultCollector(c)
	assert.Same(t, Collector(c), GetDefaultCollector())
}
