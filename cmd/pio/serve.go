// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/catalog"
	"github.com/Pioreactor/pioreactor-sub001/internal/dispatch"
	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	"github.com/Pioreactor/pioreactor-sub001/pkg/config"
	pioctx "github.com/Pioreactor/pioreactor-sub001/pkg/context"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
	"github.com/Pioreactor/pioreactor-sub001/pkg/metrics"
	"github.com/Pioreactor/pioreactor-sub001/pkg/middleware"
	"github.com/Pioreactor/pioreactor-sub001/pkg/pool"
	"github.com/Pioreactor/pioreactor-sub001/pkg/retry"
	"github.com/Pioreactor/pioreactor-sub001/pkg/streaming"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node's HTTP API daemon",
	Long: `Serves the worker /unit_api surface on every node, and additionally
the leader /api surface (cluster fan-out, capabilities, dashboard stream)
when this node is the leader. Runs until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{
		Level:   logLevel,
		Format:  logging.FormatText,
		Output:  os.Stdout,
		Version: Version,
	}).With("unit", cfg.Unit)

	manager, err := store.Open(filepath.Join(cfg.StorageDir, "storage.sqlite"), logger)
	if err != nil {
		return fmt.Errorf("opening job manager: %w", err)
	}
	defer manager.Close()

	broker, err := pubsub.NewClient(pubsub.Options{
		Unit:       cfg.Unit,
		Experiment: cfg.Experiment,
		ClientName: "api-server",
		BrokerURL:  cfg.BrokerURL(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer broker.Disconnect(0)

	worker := &catalog.WorkerServer{
		Manager:     manager,
		Tasks:       catalog.NewTaskResultStore(),
		Spawner:     &catalog.ProcessSpawner{},
		Broker:      broker,
		Unit:        cfg.Unit,
		Logger:      logger,
		GraceWindow: cfg.SpawnGraceWindow,
	}

	root := http.NewServeMux()
	root.Handle("/unit_api/", worker.Router())

	if cfg.IsLeader {
		leader, err := buildLeaderServer(cfg, manager, broker, logger)
		if err != nil {
			return err
		}
		root.Handle("/api/", leader.Router())
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: root,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "port", cfg.APIPort, "leader", cfg.IsLeader)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down api server", "signal", sig.String())
	}

	shutdownCtx, cancel := pioctx.EnsureTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildLeaderServer assembles the leader's fan-out stack: a pooled HTTP
// client whose transport carries request-ID, logging, metrics, and
// retry-with-backoff middleware, a dispatcher over that client, the
// persisted worker roster, and the dashboard websocket stream.
func buildLeaderServer(cfg *config.Config, manager *store.JobManager, broker *pubsub.Client, logger logging.Logger) (*catalog.LeaderServer, error) {
	roster, err := catalog.LoadRoster(store.NewPersistentCache(manager))
	if err != nil {
		return nil, fmt.Errorf("loading worker roster: %w", err)
	}

	clientPool := pool.NewHTTPClientPool(pool.DefaultPoolConfig(), logger)
	clientPool.WarmUnits(roster.List())
	collector := metrics.NewInMemoryCollector()
	metrics.SetDefaultCollector(collector)

	policy := retry.NewWorkerFanoutBackoff()
	shouldRetry := func(resp *http.Response, err error, attempt int) bool {
		return policy.ShouldRetry(context.Background(), resp, err, attempt)
	}

	client := clientPool.GetClient("workers")
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = middleware.Chain(
		middleware.WithRequestID(uuid.NewString),
		middleware.WithLogging(logger),
		middleware.WithMetrics(collector),
		middleware.WithRetry(policy.MaxRetries()+1, shouldRetry),
	)(base)

	dispatcher := dispatch.New(dispatch.Options{
		Client:         client,
		APIPort:        cfg.APIPort,
		RequestTimeout: cfg.RequestTimeout,
		GetTimeout:     cfg.GetTimeout,
		ActiveWorkers:  roster.ActiveWorkers,
		Logger:         logger,
	})

	cluster := store.NewClusterJobManager(dispatcher)
	source := &catalog.ClusterStreamSource{
		Broker: broker,
		Jobs: &catalog.ClusterJobWatcher{
			ListRunning: cluster.ListRunningJobs,
			Roster:      roster,
		},
	}

	return &catalog.LeaderServer{
		Cluster: cluster,
		Roster:  roster,
		Stream:  streaming.NewWebSocketServer(source),
		SSE:     streaming.NewSSEServer(source),
	}, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
