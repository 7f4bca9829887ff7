// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/catalog"
	"github.com/Pioreactor/pioreactor-sub001/internal/job"
	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

var (
	runJobSource    string
	runLongRunning  bool
	runOptionValues map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run <job> [args...]",
	Short: "Spawn a background job in this process",
	Long: `Registers <job> with the local Job Manager, connects it to the
broker, and blocks until it's told to stop.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runJobSource, "job-source", "user", "Who started this job (user, experiment_profile, mcp, ...)")
	runCmd.Flags().BoolVar(&runLongRunning, "long-running", false, "Mark this job as long-running (excluded from mass kill_jobs)")
	runCmd.Flags().StringToStringVar(&runOptionValues, "opt", nil, "Initial published-setting values, e.g. --opt target_rpm=400")
}

func runRun(cmd *cobra.Command, args []string) error {
	jobName := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.StorageDir, "storage.sqlite")
	manager, err := store.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("opening job manager: %w", err)
	}
	defer manager.Close()

	broker, err := pubsub.NewClient(pubsub.Options{
		Unit:       cfg.Unit,
		Experiment: cfg.Experiment,
		ClientName: jobName,
		BrokerURL:  cfg.BrokerURL(),
		LastWill: &pubsub.LastWill{
			Topic:   pubsub.StateTopic(cfg.Unit, cfg.Experiment, jobName),
			Payload: []byte(pubsub.LostState),
			Qos:     pubsub.ExactlyOnce,
			Retain:  true,
		},
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Disconnect(0)

	settings := make(map[string]job.PublishedSetting, len(runOptionValues))
	for name := range runOptionValues {
		settings[name] = job.PublishedSetting{Datatype: job.DatatypeString, Settable: true, Persist: true}
	}

	// Every job's Info-and-above log lines are also published to the
	// cluster log topic.
	logTopic := fmt.Sprintf("pioreactor/%s/%s/logs/app", cfg.Unit, cfg.Experiment)
	jobLogger := logging.NewTeeLogger(logging.DefaultLogger, jobName, func(rec logging.LogRecord) {
		payload, err := json.Marshal(rec)
		if err != nil {
			return
		}
		broker.PublishAsync(logTopic, payload, pubsub.AtLeastOnce, false)
	})

	ctx := context.Background()
	jobOpts := job.Options{
		Unit:              cfg.Unit,
		Experiment:        cfg.Experiment,
		JobName:           jobName,
		JobSource:         runJobSource,
		PID:               os.Getpid(),
		Leader:            cfg.Leader,
		Broker:            broker,
		Manager:           manager,
		Logger:            jobLogger,
		PublishedSettings: settings,
	}

	var j *job.Job
	if runLongRunning {
		j, err = job.NewLongRunningJob(ctx, jobOpts)
	} else {
		j, err = job.NewWorkerJob(ctx, jobOpts, rosterActiveCheck(manager))
	}
	if err != nil {
		return fmt.Errorf("starting %s: %w", jobName, err)
	}
	broker.SetOnReconnect(j.RepublishSettings)

	for name, value := range runOptionValues {
		if err := j.PublishSetting(name, value); err != nil {
			fmt.Fprintf(os.Stderr, "warning: publishing initial %s: %v\n", name, err)
		}
	}

	if err := j.MarkReady(); err != nil {
		return fmt.Errorf("marking %s ready: %w", jobName, err)
	}

	return j.BlockUntilDisconnected(ctx)
}

// rosterActiveCheck answers "is this unit an active worker" from the
// persisted cluster roster. A node with no roster at all (a fresh
// single-node install that never ran `pio workers add`) counts as active.
func rosterActiveCheck(manager *store.JobManager) job.ActiveWorkerCheck {
	return func(unit string) (bool, error) {
		roster, err := catalog.LoadRoster(store.NewPersistentCache(manager))
		if err != nil {
			return false, err
		}
		units := roster.List()
		if len(units) == 0 {
			return true, nil
		}
		for _, u := range units {
			if u == unit {
				return true, nil
			}
		}
		return false, nil
	}
}
