// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package pubsub wraps paho.mqtt.golang with the connection, last-will, and
// topic conventions that every background job and the leader's cluster
// services share.
package pubsub

import (
	"fmt"
	"strings"
)

// QoS is one of the three MQTT delivery guarantees used across the
// codebase.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// StateTopic returns the retained $state topic for a job instance.
func StateTopic(unit, experiment, jobName string) string {
	return fmt.Sprintf("pioreactor/%s/%s/%s/$state", unit, experiment, jobName)
}

// SettingTopic returns the retained topic a job publishes a published
// setting's current value to.
func SettingTopic(unit, experiment, jobName, setting string) string {
	return fmt.Sprintf("pioreactor/%s/%s/%s/%s", unit, experiment, jobName, setting)
}

// SettingSetTopic returns the topic a client publishes to in order to
// request a settable published setting be changed.
func SettingSetTopic(unit, experiment, jobName, setting string) string {
	return fmt.Sprintf("pioreactor/%s/%s/%s/%s/set", unit, experiment, jobName, setting)
}

// JobWildcardTopic returns a subscription wildcard matching every topic a
// job instance publishes under.
func JobWildcardTopic(unit, experiment, jobName string) string {
	return fmt.Sprintf("pioreactor/%s/%s/%s/#", unit, experiment, jobName)
}

// ODReadingTopic is where the od_reading job publishes each batched
// ODReadings sample, keyed by unit and experiment.
func ODReadingTopic(unit, experiment string) string {
	return SettingTopic(unit, experiment, "od_reading", "ods")
}

// DosingEventTopic is where dosing automations publish each DosingEvent,
// keyed by unit and experiment.
func DosingEventTopic(unit, experiment string) string {
	return SettingTopic(unit, experiment, "dosing_events", "dosing_event")
}

// ParseSettingSetTopic extracts (unit, experiment, jobName, setting) from a
// topic of the form pioreactor/<unit>/<exp>/<job>/<setting>/set. ok is false
// if topic doesn't match that shape.
func ParseSettingSetTopic(topic string) (unit, experiment, jobName, setting string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 6 || parts[0] != "pioreactor" || parts[5] != "set" {
		return "", "", "", "", false
	}
	return parts[1], parts[2], parts[3], parts[4], true
}
