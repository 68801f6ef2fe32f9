// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/formrunner/pkg/logging"
	"github.com/AleutianAI/formrunner/services/formapi"
)

// serveConfig is the YAML shape of the serve command's config file.
type serveConfig struct {
	Server   formapi.Config `yaml:"server"`
	LogLevel string         `yaml:"log_level"`
	LogDir   string         `yaml:"log_dir"`
}

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the formapi HTTP backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := serveConfig{LogLevel: "info"}
		if serveConfigPath != "" {
			data, err := os.ReadFile(serveConfigPath)
			if err != nil {
				return fmt.Errorf("read config %s: %w", serveConfigPath, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("parse config %s: %w", serveConfigPath, err)
			}
		}

		logger, err := logging.New(logging.Config{
			Level:   logging.ParseLevel(cfg.LogLevel),
			LogDir:  cfg.LogDir,
			Service: "formapi",
		})
		if err != nil {
			// New always returns a usable stderr logger.
			logger.Warn("file logging unavailable", "error", err)
		}
		defer logger.Close()
		cfg.Server.Logger = logger.Logger

		srv, err := formapi.New(cfg.Server)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "",
		"path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}
