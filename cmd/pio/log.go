// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

var (
	logMessage   string
	logLevel     string
	logName      string
	logLocalOnly bool
)

var logCmd = &cobra.Command{
	Use:   "log -m <message> [-l level] [-n name] [--local-only]",
	Short: "Emit a log record from a script or shell",
	Long: `Prints the record locally and, unless --local-only is given,
publishes it to pioreactor/<unit>/<exp>/logs/app so the rest of the
cluster sees it alongside job logs.`,
	RunE: runLog,
}

func init() {
	logCmd.Flags().StringVarP(&logMessage, "message", "m", "", "Message to log (required)")
	logCmd.Flags().StringVarP(&logLevel, "level", "l", "INFO", "Level: DEBUG, INFO, WARNING, ERROR")
	logCmd.Flags().StringVarP(&logName, "name", "n", "CLI", "Task name to attribute the record to")
	logCmd.Flags().BoolVar(&logLocalOnly, "local-only", false, "Do not publish the record to the broker")
	_ = logCmd.MarkFlagRequired("message")
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	local := logging.DefaultLogger.With("task", logName)
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		local.Debug(logMessage)
	case "WARNING":
		local.Warn(logMessage)
	case "ERROR":
		local.Error(logMessage)
	default:
		local.Info(logMessage)
	}

	if logLocalOnly {
		return nil
	}

	broker, err := pubsub.NewClient(pubsub.Options{
		Unit:       cfg.Unit,
		Experiment: cfg.Experiment,
		ClientName: "pio-cli-log",
		BrokerURL:  cfg.BrokerURL(),
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Disconnect(250 * time.Millisecond)

	record := logging.LogRecord{
		Message:   logMessage,
		Level:     strings.ToUpper(logLevel),
		Task:      logName,
		Source:    "app",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("pioreactor/%s/%s/logs/app", cfg.Unit, cfg.Experiment)
	if err := broker.Publish(topic, payload, pubsub.AtLeastOnce, false); err != nil {
		return fmt.Errorf("publishing log record: %w", err)
	}
	return nil
}
