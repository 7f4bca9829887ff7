// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var (
	docsOutputDir string
	docsFormat    string
)

func init() {
	docsCmd.Flags().StringVarP(&docsOutputDir, "output", "o", "../../docs/cli", "Output directory for documentation")
	docsCmd.Flags().StringVarP(&docsFormat, "format", "f", "markdown", "Documentation format: markdown, man, rest")
}

var docsCmd = &cobra.Command{
	Use:   "generate-docs",
	Short: "Generate documentation for the CLI",
	Long: `Generate documentation for all CLI commands in various formats.

Supported formats:
  - markdown: Markdown files for MkDocs/GitHub
  - man: Manual pages for Unix systems
  - rest: ReStructuredText for Sphinx
`,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(docsOutputDir, 0750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		absPath, err := filepath.Abs(docsOutputDir)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}

		log.Printf("Generating %s documentation in: %s", docsFormat, absPath)

		switch docsFormat {
		case "markdown", "md":
			if err := doc.GenMarkdownTree(rootCmd, absPath); err != nil {
				return fmt.Errorf("failed to generate markdown docs: %w", err)
			}
		case "man":
			header := &doc.GenManHeader{
				Title:   "PIO",
				Section: "1",
				Source:  "Pioreactor",
			}
			if err := doc.GenManTree(rootCmd, header, absPath); err != nil {
				return fmt.Errorf("failed to generate man pages: %w", err)
			}
		case "rest", "rst":
			if err := doc.GenReSTTree(rootCmd, absPath); err != nil {
				return fmt.Errorf("failed to generate ReST docs: %w", err)
			}
		default:
			return fmt.Errorf("unsupported format: %s (use: markdown, man, or rest)", docsFormat)
		}

		return nil
	},
}
