// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package streamdata defines the OD and dosing event types exchanged
// between od_reading-equivalent jobs and the growth-rate estimator, along
// with the live/historical stream merge operators they're
// built to feed.
package streamdata

import "time"

// Angle is a photodiode angle a channel reads at.
type Angle string

const (
	Angle45  Angle = "45"
	Angle90  Angle = "90"
	Angle135 Angle = "135"
	Angle180 Angle = "180"
	AngleREF Angle = "REF"
)

// Channel identifies a single photodiode input (e.g. "1", "2").
type Channel string

// ODReading is one photodiode channel's sample.
type ODReading struct {
	Channel   Channel   `json:"channel"`
	Angle     Angle     `json:"angle"`
	OD        float64   `json:"od"`
	Timestamp time.Time `json:"timestamp"`
}

// ODReadings is a single batched sample across all channels.
type ODReadings struct {
	Timestamp time.Time             `json:"timestamp"`
	Ods       map[Channel]ODReading `json:"ods"`
}

// DosingEventName enumerates the dosing actions a pump automation can emit.
type DosingEventName string

const (
	DosingEventAddMedia    DosingEventName = "add_media"
	DosingEventAddAltMedia DosingEventName = "add_alt_media"
	DosingEventRemoveWaste DosingEventName = "remove_waste"
)

// DosingEvent is one pump action.
type DosingEvent struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventName     DosingEventName `json:"event_name"`
	VolumeChange  float64         `json:"volume_change"`
	SourceOfEvent string          `json:"source_of_event"`
}

// GrowthRate is the estimator's rate output, in inverse hours.
type GrowthRate struct {
	GrowthRate float64   `json:"growth_rate"`
	Timestamp  time.Time `json:"timestamp"`
}

// ODFiltered is the estimator's normalized, blank-subtracted, Kalman-smoothed
// optical density output.
type ODFiltered struct {
	ODFiltered float64   `json:"od_filtered"`
	Timestamp  time.Time `json:"timestamp"`
}

// KalmanFilterOutput exposes the raw EKF state for diagnostics.
type KalmanFilterOutput struct {
	State            [2]float64    `json:"state"`
	CovarianceMatrix [2][2]float64 `json:"covariance_matrix"`
	Timestamp        time.Time     `json:"timestamp"`
}
