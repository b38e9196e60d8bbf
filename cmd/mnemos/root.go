// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnemos-ai/mnemos/internal/config"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// NewRootCmd creates the root mnemos command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mnemos",
		Short:         "Mnemos — knowledge graph memory with semantic search",
		Long:          "Mnemos keeps a typed knowledge graph synchronized with a vector index and serves it to AI agents over a JSON-RPC tool protocol.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags — these map to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return mnemoserr.Errorf(mnemoserr.CodeConfigReadFailure, "reading config file: %w", err)
		}
	} else {
		// Auto-discover mnemos.yaml from standard locations.
		v.SetConfigName("mnemos")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/mnemos")
		v.AddConfigPath("/etc/mnemos")
		// No config file is fine — defaults and env vars still apply.
		// Parse or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return mnemoserr.Errorf(mnemoserr.CodeConfigReadFailure, "reading config: %w", err)
			}
		}
	}

	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return mnemoserr.Errorf(mnemoserr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}

	return nil
}

// setupLogger configures the process-wide slog default.
func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
