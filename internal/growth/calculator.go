// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package growth implements the growth-rate estimator: the
// representative streaming-control consumer that exercises the
// background-job framework end to end. It merges live or historical OD and
// dosing streams (internal/streamdata), drives an Extended Kalman Filter
// (StateEstimator) to produce growth rate, filtered OD, and raw filter
// state, and persists warm-start values to a node-local cache between runs.
package growth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	pioerrors "github.com/Pioreactor/pioreactor-sub001/pkg/errors"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"

	"github.com/Pioreactor/pioreactor-sub001/internal/streamdata"
)

// Result is one estimator output: the three values emitted downstream
// together per OD sample.
type Result struct {
	GrowthRate         streamdata.GrowthRate
	ODFiltered         streamdata.ODFiltered
	KalmanFilterOutput streamdata.KalmanFilterOutput
}

// ResultPublisher receives each Result as the calculator produces it.
// *internal/job.Job satisfies this directly via its PublishSetting method,
// letting growth_rate_calculating publish to the broker without this
// package importing internal/job.
type ResultPublisher interface {
	PublishSetting(name string, value any) error
}

// Options configures a new Calculator.
type Options struct {
	Experiment string

	// IgnoreCache skips every cache read (cache writes still happen).
	// Use when running a replay: with it set, identical inputs and
	// config produce identical output sequences.
	IgnoreCache bool

	// TestMode substitutes ExpectedDtHours for the wall-clock delta
	// between observations, which is what makes replaying a historical
	// CSV deterministic regardless of when it's replayed.
	TestMode        bool
	ExpectedDtHours float64

	ODStd   float64
	RateStd float64
	ObsStd  float64

	// OutlierStdThreshold must be > 2.0.
	OutlierStdThreshold float64

	// SamplesForODStatistics is how many initial OD samples seed the
	// normalization mean/variance when nothing is cached. Default 35.
	SamplesForODStatistics int

	// ObsRequiredToReset is how many observations must follow a dosing
	// event before the recent_dilution flag clears. Default 1.
	ObsRequiredToReset int

	Cache     *Cache
	Logger    logging.Logger
	Publisher ResultPublisher
}

// Calculator is the growth-rate estimator.
type Calculator struct {
	opts   Options
	logger logging.Logger

	ekf          StateEstimator
	channelOrder []streamdata.Channel

	odNormalizationMean map[streamdata.Channel]float64
	odVariances         map[streamdata.Channel]float64
	odBlank             map[streamdata.Channel]float64

	timeOfPreviousObservation *streamdata.ODReadings // only Timestamp used; nil means "none yet"

	// obsSinceLastDose tracks progress toward ObsRequiredToReset;
	// -1 means no dosing event is being tracked.
	obsSinceLastDose int
	recentDilution   bool

	latest Result
}

// NewCalculator builds a Calculator. It does not read any stream yet —
// call Initialize (directly, or implicitly via ProcessHistorical/
// ProcessLive) before processing samples.
func NewCalculator(opts Options) (*Calculator, error) {
	if opts.Experiment == "" {
		return nil, errors.New("growth: experiment is required")
	}
	if opts.SamplesForODStatistics <= 0 {
		opts.SamplesForODStatistics = 35
	}
	if opts.ObsRequiredToReset <= 0 {
		opts.ObsRequiredToReset = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger
	}
	if opts.Cache == nil {
		return nil, errors.New("growth: Cache is required")
	}

	return &Calculator{
		opts:             opts,
		logger:           opts.Logger.With("job_name", "growth_rate_calculating", "experiment", opts.Experiment),
		obsSinceLastDose: -1,
	}, nil
}

// Initialize loads or computes OD normalization statistics, then builds
// the EKF from either the cache or the first scaled observation. It
// consumes samples directly from od (bypassing any merge) before the same
// source is handed on to the merge step.
func (c *Calculator) Initialize(ctx context.Context, od streamdata.ODObservationSource) error {
	mean, variances, blank, err := c.loadOrComputeStatistics(ctx, od)
	if err != nil {
		return err
	}
	c.odNormalizationMean = mean
	c.odVariances = variances
	c.odBlank = blank

	c.channelOrder = make([]streamdata.Channel, 0, len(mean))
	for ch := range mean {
		c.channelOrder = append(c.channelOrder, ch)
	}
	sort.Slice(c.channelOrder, func(i, j int) bool { return c.channelOrder[i] < c.channelOrder[j] })

	for _, ch := range c.channelOrder {
		if c.odNormalizationMean[ch]*0.90 < c.odBlank[ch] {
			c.logger.Info("resetting od_blank because it is too close to current observations", "channel", ch)
			c.odBlank[ch] = 0
		}
	}

	obsVariances := make([]float64, len(c.channelOrder))
	for i, ch := range c.channelOrder {
		denom := c.odNormalizationMean[ch] - c.odBlank[ch]
		if denom == 0 {
			return fmt.Errorf("growth: channel %s normalization mean equals its blank; is there a loose photodiode connection?", ch)
		}
		obsVariances[i] = c.odVariances[ch] / (denom * denom)
	}

	initialNOD, initialGrowthRate, err := c.initialValues(ctx, od)
	if err != nil {
		return err
	}

	ekf, err := NewEKF(EKFOptions{
		InitialNOD:                initialNOD,
		InitialGrowthRate:         initialGrowthRate,
		ODStd:                     c.opts.ODStd,
		RateStd:                   c.opts.RateStd,
		ExpectedDtHours:           c.opts.ExpectedDtHours,
		ObsStd:                    c.opts.ObsStd,
		ObservationVariances:      obsVariances,
		OutlierStdThreshold:       c.opts.OutlierStdThreshold,
		DilutionProcessNoiseScale: 1e4,
	})
	if err != nil {
		return err
	}
	c.ekf = ekf
	return nil
}

func (c *Calculator) loadOrComputeStatistics(ctx context.Context, od streamdata.ODObservationSource) (mean, variance, blank map[streamdata.Channel]float64, err error) {
	if !c.opts.IgnoreCache {
		mean, meanOK, err := c.opts.Cache.GetODNormalizationMean(c.opts.Experiment)
		if err != nil {
			return nil, nil, nil, err
		}
		variance, varOK, err := c.opts.Cache.GetODNormalizationVariance(c.opts.Experiment)
		if err != nil {
			return nil, nil, nil, err
		}
		if meanOK && varOK {
			blank, blankOK, err := c.opts.Cache.GetODBlank(c.opts.Experiment)
			if err != nil {
				return nil, nil, nil, err
			}
			if !blankOK {
				blank = zeroBlankFor(mean)
			}
			return mean, variance, blank, nil
		}
	}

	mean, variance, err = c.computeODStatistics(ctx, od)
	if err != nil {
		return nil, nil, nil, err
	}
	blank = zeroBlankFor(mean)

	if err := c.opts.Cache.SetODNormalizationMean(c.opts.Experiment, mean); err != nil {
		c.logger.Debug("failed to cache od normalization mean", "error", err)
	}
	if err := c.opts.Cache.SetODNormalizationVariance(c.opts.Experiment, variance); err != nil {
		c.logger.Debug("failed to cache od normalization variance", "error", err)
	}
	return mean, variance, blank, nil
}

func zeroBlankFor(mean map[streamdata.Channel]float64) map[streamdata.Channel]float64 {
	blank := make(map[streamdata.Channel]float64, len(mean))
	for ch := range mean {
		blank[ch] = 0
	}
	return blank
}

// computeODStatistics draws SamplesForODStatistics samples directly from
// od and returns the per-channel mean and (population) variance. The
// estimator needs at least a baseline, so it computes one itself rather
// than depending on the full calibration subsystem.
func (c *Calculator) computeODStatistics(ctx context.Context, od streamdata.ODObservationSource) (mean, variance map[streamdata.Channel]float64, err error) {
	sums := map[streamdata.Channel]float64{}
	sumSquares := map[streamdata.Channel]float64{}
	counts := map[streamdata.Channel]int{}

	for i := 0; i < c.opts.SamplesForODStatistics; i++ {
		reading, ok := od.Next(ctx)
		if !ok {
			break
		}
		for ch, r := range reading.Ods {
			sums[ch] += r.OD
			sumSquares[ch] += r.OD * r.OD
			counts[ch]++
		}
	}

	mean = make(map[streamdata.Channel]float64, len(counts))
	variance = make(map[streamdata.Channel]float64, len(counts))
	for ch, n := range counts {
		if n == 0 {
			continue
		}
		m := sums[ch] / float64(n)
		mean[ch] = m
		if n > 1 {
			variance[ch] = sumSquares[ch]/float64(n) - m*m
		}
	}
	if len(mean) == 0 {
		return nil, nil, errors.New("growth: no OD samples available to compute normalization statistics")
	}
	for ch, v := range variance {
		if v == 0 {
			c.logger.Error("OD variance is zero - this suggests the OD sensor is not working properly, or a calibration is wrong", "channel", ch)
		}
	}
	return mean, variance, nil
}

// initialValues loads (growth_rate, nOD) from cache, or sets rate=0 and
// nOD from the first scaled reading.
func (c *Calculator) initialValues(ctx context.Context, od streamdata.ODObservationSource) (nOD, growthRate float64, err error) {
	if c.opts.IgnoreCache {
		reading, ok := od.Next(ctx)
		if !ok {
			return 0, 0, errors.New("growth: no OD readings available to seed the initial state")
		}
		scaled, err := c.scaleObservations(reading)
		if err != nil {
			return 0, 0, err
		}
		return meanOf(c.orderedValues(scaled)), 0, nil
	}

	growthRate, err = c.opts.Cache.GetGrowthRate(c.opts.Experiment)
	if err != nil {
		return 0, 0, err
	}
	nOD, err = c.opts.Cache.GetODFiltered(c.opts.Experiment)
	if err != nil {
		return 0, 0, err
	}
	return nOD, growthRate, nil
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// scaleObservations scales each channel as (od - blank) /
// (normalization_mean - blank), rejecting non-positive results.
func (c *Calculator) scaleObservations(reading streamdata.ODReadings) (map[streamdata.Channel]float64, error) {
	scaled := make(map[streamdata.Channel]float64, len(c.channelOrder))
	for _, ch := range c.channelOrder {
		r, ok := reading.Ods[ch]
		if !ok {
			return nil, fmt.Errorf("growth: OD reading missing channel %s", ch)
		}
		blank := c.odBlank[ch]
		mean := c.odNormalizationMean[ch]
		v := (r.OD - blank) / (mean - blank)
		if v <= 0 {
			return nil, fmt.Errorf("growth: %w: channel %s scaled to %.6f (likely the optical signal is below the blank, or the OD reading is 0)", pioerrors.ErrInvalidValue, ch, v)
		}
		scaled[ch] = v
	}
	return scaled, nil
}

func (c *Calculator) orderedValues(scaled map[streamdata.Channel]float64) []float64 {
	out := make([]float64, len(c.channelOrder))
	for i, ch := range c.channelOrder {
		out[i] = scaled[ch]
	}
	return out
}

// HandleODReading processes a single OD sample: scale, compute dt, update
// the EKF, advance the dilution-reset counter, persist the warm-start
// cache, and publish if a ResultPublisher is wired. A non-positive scaled
// value is returned as an error for the caller to log and skip; the
// estimator itself does not stop.
func (c *Calculator) HandleODReading(reading streamdata.ODReadings) (Result, error) {
	scaled, err := c.scaleObservations(reading)
	if err != nil {
		return Result{}, err
	}

	dt := c.opts.ExpectedDtHours
	if !c.opts.TestMode {
		if c.timeOfPreviousObservation != nil {
			delta := reading.Timestamp.Sub(c.timeOfPreviousObservation.Timestamp).Hours()
			if delta < 0 {
				return Result{}, fmt.Errorf("growth: late-arriving data: timestamp=%s previous=%s", reading.Timestamp, c.timeOfPreviousObservation.Timestamp)
			}
			dt = delta
		} else {
			dt = 0
		}
	}
	c.timeOfPreviousObservation = &reading

	state, covariance, err := c.ekf.Update(c.orderedValues(scaled), dt, c.recentDilution)
	if err != nil {
		return Result{}, err
	}

	if c.obsSinceLastDose >= 0 {
		c.obsSinceLastDose++
		if c.obsSinceLastDose >= c.opts.ObsRequiredToReset {
			c.obsSinceLastDose = -1
			c.recentDilution = false
		}
	}

	result := Result{
		GrowthRate:         streamdata.GrowthRate{GrowthRate: state[1], Timestamp: reading.Timestamp},
		ODFiltered:         streamdata.ODFiltered{ODFiltered: state[0], Timestamp: reading.Timestamp},
		KalmanFilterOutput: streamdata.KalmanFilterOutput{State: state, CovarianceMatrix: covariance, Timestamp: reading.Timestamp},
	}
	c.latest = result

	if err := c.opts.Cache.SetGrowthRate(c.opts.Experiment, result.GrowthRate.GrowthRate); err != nil {
		c.logger.Debug("failed to cache growth rate", "error", err)
	}
	if err := c.opts.Cache.SetODFiltered(c.opts.Experiment, result.ODFiltered.ODFiltered); err != nil {
		c.logger.Debug("failed to cache od_filtered", "error", err)
	}

	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.PublishSetting("growth_rate", result.GrowthRate); err != nil {
			c.logger.Warn("failed to publish growth_rate", "error", err)
		}
		if err := c.opts.Publisher.PublishSetting("od_filtered", result.ODFiltered); err != nil {
			c.logger.Warn("failed to publish od_filtered", "error", err)
		}
		if err := c.opts.Publisher.PublishSetting("kalman_filter_outputs", result.KalmanFilterOutput); err != nil {
			c.logger.Warn("failed to publish kalman_filter_outputs", "error", err)
		}
	}

	return result, nil
}

// HandleDosingEvent arms recentDilution and resets the observation
// counter on any DosingEvent.
func (c *Calculator) HandleDosingEvent(streamdata.DosingEvent) {
	c.obsSinceLastDose = 0
	c.recentDilution = true
}

// SetObsRequiredToReset updates the dilution-reset observation count,
// backing the job's settable obs_required_to_reset setting.
func (c *Calculator) SetObsRequiredToReset(k int) error {
	if k < 1 {
		return fmt.Errorf("growth: %w: obs_required_to_reset must be >= 1, got %d", pioerrors.ErrInvalidValue, k)
	}
	c.opts.ObsRequiredToReset = k
	return nil
}

// Latest returns the most recent Result produced, and whether one exists
// yet.
func (c *Calculator) Latest() (Result, bool) {
	return c.latest, c.timeOfPreviousObservation != nil
}

// ProcessHistorical runs the estimator end-to-end over two historical
// (non-live) streams: initialize, merge deterministically by timestamp
// (internal/streamdata.MergeHistoricalStreams), and run every sample
// through the estimator in order. Identical inputs, config, and
// IgnoreCache=true must yield a bit-identical Result sequence.
func (c *Calculator) ProcessHistorical(ctx context.Context, od streamdata.ODObservationSource, dosing streamdata.DosingObservationSource) ([]Result, error) {
	if err := c.Initialize(ctx, od); err != nil {
		return nil, err
	}

	observations, err := streamdata.MergeHistoricalStreams(ctx, od, dosing)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(observations))
	for _, obs := range observations {
		switch {
		case obs.OD != nil:
			result, err := c.HandleODReading(*obs.OD)
			if err != nil {
				c.logger.Debug("skipping OD reading", "error", err)
				continue
			}
			results = append(results, result)
		case obs.Dosing != nil:
			c.HandleDosingEvent(*obs.Dosing)
		}
	}
	return results, nil
}

// ProcessLive runs the estimator end-to-end over two live streams:
// initialize, merge by arrival (internal/streamdata.MergeLiveStreams), and
// stream results out on the returned channel until ctx is cancelled or
// both sources are exhausted.
func (c *Calculator) ProcessLive(ctx context.Context, od streamdata.ODObservationSource, dosing streamdata.DosingObservationSource) (<-chan Result, error) {
	if err := c.Initialize(ctx, od); err != nil {
		return nil, err
	}

	observations, err := streamdata.MergeLiveStreams(ctx, od, dosing)
	if err != nil {
		return nil, err
	}

	out := make(chan Result)
	go func() {
		defer close(out)
		for {
			select {
			case obs, ok := <-observations:
				if !ok {
					return
				}
				switch {
				case obs.OD != nil:
					result, err := c.HandleODReading(*obs.OD)
					if err != nil {
						c.logger.Debug("skipping OD reading", "error", err)
						continue
					}
					select {
					case out <- result:
					case <-ctx.Done():
						return
					}
				case obs.Dosing != nil:
					c.HandleDosingEvent(*obs.Dosing)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
