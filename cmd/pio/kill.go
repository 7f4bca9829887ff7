// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/store"
)

var (
	killJobName    string
	killExperiment string
	killJobSource  string
	killJobID      int64
	killAllJobs    bool
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Signal matching running jobs to stop",
	Long: `Selects live rows in this node's Job Manager by filter and sends
SIGTERM to each; long-running jobs are skipped unless --job-name or
--job-id names them explicitly. Always exits 0.`,
	RunE: runKill,
}

func init() {
	killCmd.Flags().StringVar(&killJobName, "job-name", "", "Only signal this job")
	killCmd.Flags().StringVar(&killExperiment, "experiment", "", "Only signal jobs in this experiment")
	killCmd.Flags().StringVar(&killJobSource, "job-source", "", "Only signal jobs started by this source")
	killCmd.Flags().Int64Var(&killJobID, "job-id", 0, "Only signal this exact job row")
	killCmd.Flags().BoolVar(&killAllJobs, "all-jobs", false, "Signal every running job (long-running jobs still excluded)")
}

func runKill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil
	}

	manager, err := store.Open(filepath.Join(cfg.StorageDir, "storage.sqlite"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening job manager: %v\n", err)
		return nil
	}
	defer manager.Close()

	count, err := manager.KillJobs(store.KillFilter{
		AllJobs:    killAllJobs,
		JobName:    killJobName,
		Experiment: killExperiment,
		JobSource:  killJobSource,
		JobID:      killJobID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "killing jobs: %v\n", err)
		return nil
	}

	fmt.Printf("killed %d job(s)\n", count)
	return nil
}
