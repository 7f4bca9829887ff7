// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/internal/catalog"
	"github.com/Pioreactor/pioreactor-sub001/internal/store"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage the leader's cluster worker roster",
	Long: `Maintains the set of units eligible for $broadcast fan-out,
persisted on the leader so it survives a restart.`,
}

var workersAddCmd = &cobra.Command{
	Use:   "add <unit>",
	Short: "Add a unit to the cluster roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoster(func(r *catalog.WorkerRoster) error {
			return r.Add(args[0])
		})
	},
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <unit>",
	Short: "Remove a unit from the cluster roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoster(func(r *catalog.WorkerRoster) error {
			return r.Remove(args[0])
		})
	},
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List units in the cluster roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoster(func(r *catalog.WorkerRoster) error {
			fmt.Println(strings.Join(r.List(), "\n"))
			return nil
		})
	},
}

func init() {
	workersCmd.AddCommand(workersAddCmd)
	workersCmd.AddCommand(workersRemoveCmd)
	workersCmd.AddCommand(workersListCmd)
}

// withRoster opens the leader's persistent cache and restores the roster it
// backs before calling fn.
func withRoster(fn func(*catalog.WorkerRoster) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := store.Open(filepath.Join(cfg.StorageDir, "storage.sqlite"), nil)
	if err != nil {
		return fmt.Errorf("opening job manager: %w", err)
	}
	defer m.Close()

	roster, err := catalog.LoadRoster(store.NewPersistentCache(m))
	if err != nil {
		return err
	}
	return fn(roster)
}
