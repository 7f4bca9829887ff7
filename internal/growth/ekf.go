// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package growth

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// StateEstimator is the typed predict/update boundary between the
// streaming loop and the filter math. EKF is the only
// implementation in this repo; Calculator depends on the interface so a
// different filter could be substituted without touching the streaming
// logic.
type StateEstimator interface {
	// Update advances the filter by dtHours given one normalized-OD
	// observation per photodiode channel, in the fixed order the filter
	// was constructed with, and whether a dosing event occurred recently.
	// It returns the updated [nOD, rate] state and its 2x2 covariance.
	Update(observations []float64, dtHours float64, recentDilution bool) (state [2]float64, covariance [2][2]float64, err error)
	// State returns the filter's current [nOD, rate] estimate without
	// advancing it.
	State() [2]float64
}

// ErrOutlierThresholdTooLow is returned by NewEKF when OutlierStdThreshold
// is not strictly greater than 2.0.
var ErrOutlierThresholdTooLow = errors.New("growth: ekf_outlier_std_threshold must be greater than 2.0")

// EKFOptions configures a new EKF.
type EKFOptions struct {
	InitialNOD        float64
	InitialGrowthRate float64

	// ODStd and RateStd are per-hour process-noise standard deviations for
	// the two state components; ExpectedDtHours scales them into the
	// per-step process noise.
	ODStd           float64
	RateStd         float64
	ExpectedDtHours float64

	// ObsStd scales the per-channel observation variance: the observation
	// noise is obs_std^2 times each channel's scaled sample variance.
	ObsStd float64

	// ObservationVariances holds one entry per photodiode channel, already
	// divided by (normalization_mean-blank)^2, in the same fixed channel
	// order every subsequent Update call's observations vector uses.
	ObservationVariances []float64

	// OutlierStdThreshold rejects individual channel observations whose
	// standardized residual exceeds this many standard deviations.
	OutlierStdThreshold float64

	// DilutionProcessNoiseScale widens process noise for the first update
	// following a dosing event, so a dilution reads as a step change
	// rather than an outlier. Defaults to 1e4 if zero.
	DilutionProcessNoiseScale float64
}

// NewEKF builds an Extended Kalman Filter tracking state [nOD, rate].
func NewEKF(opts EKFOptions) (*EKF, error) {
	if opts.OutlierStdThreshold <= 2.0 {
		return nil, ErrOutlierThresholdTooLow
	}
	if len(opts.ObservationVariances) == 0 {
		return nil, errors.New("growth: at least one observation channel is required")
	}
	if opts.DilutionProcessNoiseScale <= 0 {
		opts.DilutionProcessNoiseScale = 1e4
	}

	n := len(opts.ObservationVariances)
	obsNoise := mat.NewDense(n, n, nil)
	for i, v := range opts.ObservationVariances {
		obsNoise.Set(i, i, opts.ObsStd*opts.ObsStd*v)
	}

	odVarianceStd := opts.ODStd * opts.ExpectedDtHours
	rateVarianceStd := opts.RateStd * opts.ExpectedDtHours
	processNoise := mat.NewDense(2, 2, []float64{
		odVarianceStd * odVarianceStd, 0,
		0, rateVarianceStd * rateVarianceStd,
	})

	state := mat.NewVecDense(2, []float64{opts.InitialNOD, opts.InitialGrowthRate})
	// Fixed starting guess for the covariance.
	covariance := mat.NewDense(2, 2, []float64{0.04 * 0.04, 0, 0, 0.01 * 0.01})

	return &EKF{
		state:         state,
		covariance:    covariance,
		processNoise:  processNoise,
		obsNoise:      obsNoise,
		outlierStd:    opts.OutlierStdThreshold,
		dilutionScale: opts.DilutionProcessNoiseScale,
		numChannels:   n,
	}, nil
}

// EKF is a two-state (normalized OD, growth rate) Extended Kalman Filter.
// The process model is multiplicative growth, nOD_k = nOD_{k-1} * (1 +
// rate*dt), linearized at each step; the observation model is direct
// (every channel observes nOD itself once scaled), so H is a column of
// ones against a zero rate column.
type EKF struct {
	state         *mat.VecDense
	covariance    *mat.Dense
	processNoise  *mat.Dense
	obsNoise      *mat.Dense
	outlierStd    float64
	dilutionScale float64
	numChannels   int
}

func (e *EKF) State() [2]float64 {
	return [2]float64{e.state.AtVec(0), e.state.AtVec(1)}
}

func (e *EKF) Update(observations []float64, dtHours float64, recentDilution bool) ([2]float64, [2][2]float64, error) {
	if len(observations) != e.numChannels {
		return [2]float64{}, [2][2]float64{}, fmt.Errorf("growth: ekf expected %d channel observations, got %d", e.numChannels, len(observations))
	}

	nOD := e.state.AtVec(0)
	rate := e.state.AtVec(1)

	xPred := mat.NewVecDense(2, []float64{nOD * (1 + rate*dtHours), rate})
	f := mat.NewDense(2, 2, []float64{
		1 + rate*dtHours, nOD * dtHours,
		0, 1,
	})

	q := e.processNoise
	if recentDilution {
		scaled := mat.NewDense(2, 2, nil)
		scaled.Scale(e.dilutionScale, e.processNoise)
		q = scaled
	}

	var fp, fpft, pPred mat.Dense
	fp.Mul(f, e.covariance)
	fpft.Mul(&fp, f.T())
	pPred.Add(&fpft, q)

	h := mat.NewDense(e.numChannels, 2, nil)
	for i := 0; i < e.numChannels; i++ {
		h.Set(i, 0, 1)
	}

	z := mat.NewVecDense(e.numChannels, observations)
	var hx mat.VecDense
	hx.MulVec(h, xPred)
	var y mat.VecDense
	y.SubVec(z, &hx)

	var hp mat.Dense
	hp.Mul(h, &pPred)
	var hpht mat.Dense
	hpht.Mul(&hp, h.T())
	var s mat.Dense
	s.Add(&hpht, e.obsNoise)

	included := make([]int, 0, e.numChannels)
	for i := 0; i < e.numChannels; i++ {
		std := math.Sqrt(s.At(i, i))
		if std > 0 && math.Abs(y.AtVec(i))/std > e.outlierStd {
			continue
		}
		included = append(included, i)
	}

	if len(included) == 0 {
		// Every channel rejected as an outlier this step: accept the
		// prediction alone rather than updating from noise.
		e.state = xPred
		e.covariance = &pPred
		return e.State(), e.covarianceArray(), nil
	}

	m := len(included)
	hr := mat.NewDense(m, 2, nil)
	yr := mat.NewVecDense(m, nil)
	rr := mat.NewDense(m, m, nil)
	for ri, i := range included {
		hr.Set(ri, 0, 1)
		yr.SetVec(ri, y.AtVec(i))
		rr.Set(ri, ri, e.obsNoise.At(i, i))
	}

	var hrp mat.Dense
	hrp.Mul(hr, &pPred)
	var hrpht mat.Dense
	hrpht.Mul(&hrp, hr.T())
	var sr mat.Dense
	sr.Add(&hrpht, rr)

	var srInv mat.Dense
	if err := srInv.Inverse(&sr); err != nil {
		return [2]float64{}, [2][2]float64{}, fmt.Errorf("growth: ekf innovation covariance is singular: %w", err)
	}

	var pht mat.Dense
	pht.Mul(&pPred, hr.T())
	var k mat.Dense
	k.Mul(&pht, &srInv)

	var ky mat.VecDense
	ky.MulVec(&k, yr)

	var xNew mat.VecDense
	xNew.AddVec(xPred, &ky)

	var kh mat.Dense
	kh.Mul(&k, hr)
	identity := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	var ikh mat.Dense
	ikh.Sub(identity, &kh)
	var pNew mat.Dense
	pNew.Mul(&ikh, &pPred)

	e.state = &xNew
	e.covariance = &pNew

	return e.State(), e.covarianceArray(), nil
}

func (e *EKF) covarianceArray() [2][2]float64 {
	return [2][2]float64{
		{e.covariance.At(0, 0), e.covariance.At(0, 1)},
		{e.covariance.At(1, 0), e.covariance.At(1, 1)},
	}
}
