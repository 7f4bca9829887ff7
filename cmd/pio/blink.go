// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
)

var blinkCmd = &cobra.Command{
	Use:   "blink",
	Short: "Ask the monitor job to flash this unit's LED",
	Long: `Publishes to pioreactor/<unit>/<exp>/monitor/flicker_led_with_error_code
with an error code of 0; the monitor job itself owns the hardware and
reacts to this topic.`,
	RunE: runBlink,
}

func runBlink(cmd *cobra.Command, args []string) error {
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

	topic := fmt.Sprintf("pioreactor/%s/%s/monitor/flicker_led_with_error_code", cfg.Unit, cfg.Experiment)
	if err := broker.Publish(topic, []byte("0"), pubsub.AtMostOnce, false); err != nil {
		return fmt.Errorf("publishing blink request: %w", err)
	}
	fmt.Println("blink requested")
	return nil
}
