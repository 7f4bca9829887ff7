// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
)

var updateSettingsValues map[string]string

var updateSettingsCmd = &cobra.Command{
	Use:   "update-settings <job> --setting <name>=<value> [--setting <name>=<value> ...]",
	Short: "Publish new values for a running job's settable settings",
	Long: `Settings change only ever flows through the broker:
this publishes one pioreactor/<unit>/<exp>/<job>/<setting>/set message per
--setting flag and lets the running job's own handler validate and apply it.
Each setting is given as --setting <name>=<value>; the --<name> <value>
form is not accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdateSettings,
}

func init() {
	updateSettingsCmd.Flags().StringToStringVar(&updateSettingsValues, "setting", nil, "setting=value pairs to publish, e.g. --setting target_rpm=400")
}

func runUpdateSettings(cmd *cobra.Command, args []string) error {
	jobName := args[0]
	if len(updateSettingsValues) == 0 {
		return fmt.Errorf("at least one --setting name=value is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	broker, err := pubsub.NewClient(pubsub.Options{
		Unit:       cfg.Unit,
		Experiment: cfg.Experiment,
		ClientName: "pio-cli",
		BrokerURL:  cfg.BrokerURL(),
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Disconnect(250 * time.Millisecond)

	for setting, value := range updateSettingsValues {
		topic := pubsub.SettingSetTopic(cfg.Unit, cfg.Experiment, jobName, setting)
		if err := broker.Publish(topic, []byte(value), pubsub.ExactlyOnce, false); err != nil {
			return fmt.Errorf("publishing %s: %w", setting, err)
		}
		fmt.Printf("published %s = %s\n", setting, value)
	}
	return nil
}
