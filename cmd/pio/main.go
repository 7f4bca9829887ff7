// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Command pio is the worker-side CLI: `run` spawns a background job in this
// process, `kill`/`jobs`/`update-settings`/`blink`/`log` talk to the local
// Job Manager and broker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Pioreactor/pioreactor-sub001/pkg/config"
)

var (
	// Version is set at build time via ldflags.
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	// APIVersion is the HTTP surface's protocol version, reported by `pio
	// version` alongside the binary's own version.
	APIVersion = "v1"

	cfgFile   string
	outputFmt string
	debug     bool

	rootCmd = &cobra.Command{
		Use:   "pio",
		Short: "Pioreactor node CLI",
		Long:  `Command-line interface for running and managing Pioreactor background jobs on this node and across the cluster.`,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "storage-dir", "", "Override the node's storage directory (env: PIOREACTOR_STORAGE_DIR)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(updateSettingsCmd)
	rootCmd.AddCommand(blinkCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(growthCmd)
}

// loadConfig resolves this node's Config, honoring --storage-dir and --debug
// before falling back to config.ini/unit_config.ini/env (pkg/config.Load).
func loadConfig() (*config.Config, error) {
	cfg := config.NewDefault()
	if cfgFile != "" {
		cfg.StorageDir = cfgFile
	}
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfgFile != "" {
		cfg.StorageDir = cfgFile
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
