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

	"github.com/Pioreactor/pioreactor-sub001/internal/growth"
	"github.com/Pioreactor/pioreactor-sub001/internal/job"
	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	"github.com/Pioreactor/pioreactor-sub001/internal/streamdata"
)

var (
	growthIgnoreCache bool
	growthODStd       float64
	growthRateStd     float64
	growthObsStd      float64
	growthOutlierStd  float64
)

var growthCmd = &cobra.Command{
	Use:   "run-growth-rate-calculating",
	Short: "Run the growth_rate_calculating background job",
	Long: `Subscribes to this unit's od_reading and dosing_events topics,
feeds them through the extended Kalman filter, and publishes growth_rate,
od_filtered, and kalman_filter_outputs.`,
	RunE: runGrowthRateCalculating,
}

func init() {
	growthCmd.Flags().BoolVar(&growthIgnoreCache, "ignore-cache", false, "Recompute OD statistics and warm-start values instead of reusing the cached ones")
	growthCmd.Flags().Float64Var(&growthODStd, "od-std", 0.0025, "Process noise std for the normalized-OD state, per hour of expected sampling interval")
	growthCmd.Flags().Float64Var(&growthRateStd, "rate-std", 0.0005, "Process noise std for the growth-rate state, per hour of expected sampling interval")
	growthCmd.Flags().Float64Var(&growthObsStd, "obs-std", 1.0, "Observation noise std scale applied to each channel's normalized variance")
	growthCmd.Flags().Float64Var(&growthOutlierStd, "outlier-std", 3.0, "Standardized-residual threshold beyond which an observation is rejected as an outlier")
}

func runGrowthRateCalculating(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	manager, err := store.Open(filepath.Join(cfg.StorageDir, "storage.sqlite"), nil)
	if err != nil {
		return fmt.Errorf("opening job manager: %w", err)
	}
	defer manager.Close()

	broker, err := pubsub.NewClient(pubsub.Options{
		Unit:       cfg.Unit,
		Experiment: cfg.Experiment,
		ClientName: "growth_rate_calculating",
		BrokerURL:  cfg.BrokerURL(),
		LastWill: &pubsub.LastWill{
			Topic:   pubsub.StateTopic(cfg.Unit, cfg.Experiment, "growth_rate_calculating"),
			Payload: []byte(pubsub.LostState),
			Qos:     pubsub.ExactlyOnce,
			Retain:  true,
		},
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Disconnect(0)

	odCh := make(chan streamdata.ODReadings, 64)
	dosingCh := make(chan streamdata.DosingEvent, 16)

	odTopic := pubsub.ODReadingTopic(cfg.Unit, cfg.Experiment)
	if err := broker.Subscribe(odTopic, pubsub.ExactlyOnce, func(m pubsub.Message) {
		var reading streamdata.ODReadings
		if err := json.Unmarshal(m.Payload, &reading); err != nil {
			fmt.Fprintf(os.Stderr, "growth_rate_calculating: malformed od_reading payload: %v\n", err)
			return
		}
		odCh <- reading
	}); err != nil {
		return fmt.Errorf("subscribing to %s: %w", odTopic, err)
	}

	dosingTopic := pubsub.DosingEventTopic(cfg.Unit, cfg.Experiment)
	if err := broker.Subscribe(dosingTopic, pubsub.ExactlyOnce, func(m pubsub.Message) {
		var event streamdata.DosingEvent
		if err := json.Unmarshal(m.Payload, &event); err != nil {
			fmt.Fprintf(os.Stderr, "growth_rate_calculating: malformed dosing_event payload: %v\n", err)
			return
		}
		dosingCh <- event
	}); err != nil {
		return fmt.Errorf("subscribing to %s: %w", dosingTopic, err)
	}

	calcOpts := growth.Options{
		Experiment:          cfg.Experiment,
		IgnoreCache:         growthIgnoreCache,
		ODStd:               growthODStd,
		RateStd:             growthRateStd,
		ObsStd:              growthObsStd,
		OutlierStdThreshold: growthOutlierStd,
		Cache:               growth.NewCache(store.NewPersistentCache(manager)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calc, j, err := growth.NewJob(ctx, job.Options{
		Unit:          cfg.Unit,
		Experiment:    cfg.Experiment,
		JobSource:     "user",
		PID:           os.Getpid(),
		Leader:        cfg.Leader,
		IsLongRunning: true,
		Broker:        broker,
		Manager:       manager,
	}, calcOpts)
	if err != nil {
		return fmt.Errorf("starting growth_rate_calculating: %w", err)
	}
	broker.SetOnReconnect(j.RepublishSettings)

	od := streamdata.NewChannelODSource(odCh)
	dosing := streamdata.NewChannelDosingSource(dosingCh)

	results, err := calc.ProcessLive(ctx, od, dosing)
	if err != nil {
		return fmt.Errorf("initializing growth_rate_calculating: %w", err)
	}

	if err := j.MarkReady(); err != nil {
		return fmt.Errorf("marking growth_rate_calculating ready: %w", err)
	}

	go func() {
		for range results {
			// Results are published to the broker inside HandleODReading via
			// calc.opts.Publisher; nothing else to do with them here.
		}
	}()

	return j.BlockUntilDisconnected(ctx)
}
