// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnemos-ai/mnemos/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Write the built-in default configuration to ~/.config/mnemos/mnemos.yaml (or the path given with --output).",
		RunE:  runInit,
	}

	cmd.Flags().StringP("output", "o", "", "destination path for the config file")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("output")
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return err
		}
	}

	if err := config.WriteDefault(path); err != nil {
		return err
	}

	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
	return err
}
