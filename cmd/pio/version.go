// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI and API version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pio version %s\n", Version)
		if BuildTime != "" {
			fmt.Printf("Build Time: %s\n", BuildTime)
		}
		if Commit != "" {
			fmt.Printf("Commit:     %s\n", Commit)
		}
		fmt.Printf("API Version: %s\n", APIVersion)
	},
}
