// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Query the local Job Manager",
}

var jobsRunningCmd = &cobra.Command{
	Use:   "running",
	Short: "List currently-running jobs on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobManager(func(m *store.JobManager) error {
			records, err := m.ListJobs()
			if err != nil {
				return err
			}
			return printJobRecords(records)
		})
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List every job ever registered on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobManager(func(m *store.JobManager) error {
			records, err := m.ListJobHistory()
			if err != nil {
				return err
			}
			return printJobRecords(records)
		})
	},
}

var jobsInfoCmd = &cobra.Command{
	Use:   "info <job_id>",
	Short: "Show one job's record and published settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job_id %q: %w", args[0], err)
		}
		return withJobManager(func(m *store.JobManager) error {
			record, err := m.GetJobInfo(jobID)
			if err != nil {
				return err
			}
			settings, err := m.ListJobSettings(jobID)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"job": record, "settings": settings})
			}
			if err := printJobRecords([]store.JobRecord{record}); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "SETTING\tVALUE\tUPDATED_AT")
			for _, s := range settings {
				value := "<null>"
				if s.Value != nil {
					value = *s.Value
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Setting, value, s.UpdatedAt.Format("15:04:05"))
			}
			return w.Flush()
		})
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge <job_id>",
	Short: "Remove a stopped job's row and settings from history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job_id %q: %w", args[0], err)
		}
		return withJobManager(func(m *store.JobManager) error {
			return m.RemoveJob(jobID)
		})
	},
}

func init() {
	jobsCmd.AddCommand(jobsRunningCmd)
	jobsCmd.AddCommand(jobsHistoryCmd)
	jobsCmd.AddCommand(jobsInfoCmd)
	jobsCmd.AddCommand(jobsPurgeCmd)
}

func withJobManager(fn func(*store.JobManager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := store.Open(filepath.Join(cfg.StorageDir, "storage.sqlite"), nil)
	if err != nil {
		return fmt.Errorf("opening job manager: %w", err)
	}
	defer m.Close()
	return fn(m)
}

func printJobRecords(records []store.JobRecord) error {
	if outputFmt == "json" {
		return json.NewEncoder(os.Stdout).Encode(records)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "JOB_ID\tJOB_NAME\tEXPERIMENT\tPID\tRUNNING\tSTARTED_AT")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%s\n", r.JobID, r.JobName, r.Experiment, r.PID, r.IsRunning, r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
