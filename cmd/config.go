// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	fscpconfig "github.com/freelan-developers/go-fscp/internal/config"
)

// loadFSCPConfig binds cmd's flags onto viper, reads the configuration
// file named by --config (if any), and decodes the merged result into a
// fscpconfig.Config.
func loadFSCPConfig(cmd *cobra.Command) (*fscpconfig.Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if configFilePath != "" {
		slog.Debug("Loading fscpd configuration file", "path", configFilePath)
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("configuration file read failed: %w", err)
		}
	}

	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}

	cfg, err := fscpconfig.Decode(viper.AllSettings())
	if err != nil {
		return nil, err
	}
	if listen := viper.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	return cfg, nil
}
