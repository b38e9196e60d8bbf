// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// DefaultConfigPath returns ~/.config/mnemos/mnemos.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", mnemoserr.Errorf(mnemoserr.CodeConfigReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mnemos", "mnemos.yaml"), nil
}

// WriteDefault renders the built-in defaults as YAML and writes them to
// path. Fails if the file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return mnemoserr.Errorf(mnemoserr.CodeConfigInvalid, "config file already exists: %s", path)
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return mnemoserr.Errorf(mnemoserr.CodeConfigInvalid, "rendering default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return mnemoserr.Errorf(mnemoserr.CodeConfigReadFailure, "creating config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return mnemoserr.Errorf(mnemoserr.CodeConfigReadFailure, "writing default config: %w", err)
	}
	return nil
}

// BootstrapConfig writes the default config to the standard location if it
// does not already exist. Returns the path written, or empty string if the
// file already existed or an error occurred (non-fatal, logged and skipped).
func BootstrapConfig() string {
	cfgPath, err := DefaultConfigPath()
	if err != nil {
		slog.Debug("skipping config bootstrap", "error", err)
		return ""
	}

	if _, err := os.Stat(cfgPath); err == nil {
		return "" // already exists
	}

	if err := WriteDefault(cfgPath); err != nil {
		slog.Debug("skipping config bootstrap", "path", cfgPath, "error", err)
		return ""
	}

	slog.Info("created default config", "path", cfgPath)
	return cfgPath
}
