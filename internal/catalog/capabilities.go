// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package catalog

// JobCapability describes one `pio run <job>` subcommand a unit supports,
// for the leader's `GET /api/units/<unit>/capabilities` introspection
// endpoint.
type JobCapability struct {
	JobName     string   `json:"job_name"`
	Settings    []string `json:"settings"`
	LongRunning bool     `json:"long_running"`
}

// KnownCapabilities is the fixed catalog of background jobs this module
// implements. Hardware auto-detection is out of scope, so the full
// catalog is reported as-is.
func KnownCapabilities() []JobCapability {
	return []JobCapability{
		{JobName: "stirring", Settings: []string{"target_rpm", "duty_cycle"}, LongRunning: true},
		{JobName: "od_reading", Settings: []string{"interval"}, LongRunning: true},
		{JobName: "growth_rate_calculating", Settings: []string{"obs_required_to_reset"}, LongRunning: true},
		{JobName: "temperature_control", Settings: []string{"target_temperature"}, LongRunning: true},
		{JobName: "dosing_control", Settings: []string{"target_od", "volume"}, LongRunning: true},
		{JobName: "monitor", Settings: []string{}, LongRunning: true},
		{JobName: "led_intensity", Settings: []string{"intensity"}, LongRunning: false},
	}
}
