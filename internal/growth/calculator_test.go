// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package growth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	"github.com/Pioreactor/pioreactor-sub001/internal/streamdata"
)

func fixedODReadings(base time.Time, n int, step time.Duration, od1 func(i int) float64) []streamdata.ODReadings {
	out := make([]streamdata.ODReadings, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * step)
		out[i] = streamdata.ODReadings{
			Timestamp: ts,
			Ods: map[streamdata.Channel]streamdata.ODReading{
				"1": {Channel: "1", Angle: streamdata.Angle90, OD: od1(i), Timestamp: ts},
			},
		}
	}
	return out
}

func newTestCalculator(t *testing.T, experiment string) *Calculator {
	t.Helper()
	cache := NewCache(store.NewIntermittentCache())
	calc, err := NewCalculator(Options{
		Experiment:             experiment,
		IgnoreCache:            true,
		TestMode:               true,
		ExpectedDtHours:        1.0 / 60,
		ODStd:                  0.5,
		RateStd:                0.1,
		ObsStd:                 1.0,
		OutlierStdThreshold:    3.0,
		SamplesForODStatistics: 5,
		ObsRequiredToReset:     1,
		Cache:                  cache,
	})
	require.NoError(t, err)
	return calc
}

func TestCalculatorProcessHistoricalIsDeterministic(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	readings := fixedODReadings(base, 40, time.Second, func(i int) float64 {
		return 1.0 + 0.01*float64(i%7)
	})
	dosing := []streamdata.DosingEvent{
		{Timestamp: base.Add(20 * time.Second), EventName: streamdata.DosingEventAddMedia, VolumeChange: 1.0, SourceOfEvent: "test"},
	}

	run := func() []Result {
		calc := newTestCalculator(t, "exp-determinism")
		od := streamdata.NewSliceODSource(append([]streamdata.ODReadings(nil), readings...))
		dos := streamdata.NewSliceDosingSource(append([]streamdata.DosingEvent(nil), dosing...))
		results, err := calc.ProcessHistorical(context.Background(), od, dos)
		require.NoError(t, err)
		return results
	}

	first := run()
	second := run()

	require.NotEmpty(t, first)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i], "result %d diverged between runs", i)
	}
}

func TestCalculatorRejectsNonPositiveScaledOD(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	// 5 samples seed the normalization statistics, one more seeds the
	// initial filter state.
	readings := fixedODReadings(base, 6, time.Second, func(i int) float64 { return 1.0 })
	calc := newTestCalculator(t, "exp-reject")

	od := streamdata.NewSliceODSource(append([]streamdata.ODReadings(nil), readings...))
	require.NoError(t, calc.Initialize(context.Background(), od))

	ts := base.Add(10 * time.Second)
	_, err := calc.HandleODReading(streamdata.ODReadings{
		Timestamp: ts,
		Ods: map[streamdata.Channel]streamdata.ODReading{
			"1": {Channel: "1", Angle: streamdata.Angle90, OD: 0, Timestamp: ts}, // <= blank(0): non-positive scaled
		},
	})
	assert.Error(t, err)
}

func TestCalculatorDosingEventArmsRecentDilution(t *testing.T) {
	calc := newTestCalculator(t, "exp-dosing")
	assert.False(t, calc.recentDilution)

	calc.HandleDosingEvent(streamdata.DosingEvent{EventName: streamdata.DosingEventAddMedia})
	assert.True(t, calc.recentDilution)
	assert.Equal(t, 0, calc.obsSinceLastDose)
}

func TestCalculatorSetObsRequiredToResetValidates(t *testing.T) {
	calc := newTestCalculator(t, "exp-k")
	assert.Error(t, calc.SetObsRequiredToReset(0))
	assert.NoError(t, calc.SetObsRequiredToReset(3))
	assert.Equal(t, 3, calc.opts.ObsRequiredToReset)
}

func TestCalculatorWarmStartsFromCache(t *testing.T) {
	cache := NewCache(store.NewIntermittentCache())
	require.NoError(t, cache.SetGrowthRate("exp-warm", 0.42))
	require.NoError(t, cache.SetODFiltered("exp-warm", 1.23))
	require.NoError(t, cache.SetODNormalizationMean("exp-warm", map[streamdata.Channel]float64{"1": 1.0}))
	require.NoError(t, cache.SetODNormalizationVariance("exp-warm", map[streamdata.Channel]float64{"1": 0.001}))

	calc, err := NewCalculator(Options{
		Experiment:             "exp-warm",
		IgnoreCache:            false,
		TestMode:               true,
		ExpectedDtHours:        1.0 / 60,
		ODStd:                  0.5,
		RateStd:                0.1,
		ObsStd:                 1.0,
		OutlierStdThreshold:    3.0,
		SamplesForODStatistics: 5,
		Cache:                  cache,
	})
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	od := streamdata.NewSliceODSource(fixedODReadings(base, 3, time.Second, func(i int) float64 { return 1.0 }))
	require.NoError(t, calc.Initialize(context.Background(), od))

	state := calc.ekf.State()
	assert.InDelta(t, 1.23, state[0], 1e-9)
	assert.InDelta(t, 0.42, state[1], 1e-9)
}
