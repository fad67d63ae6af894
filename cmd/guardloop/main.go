// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command guardloop runs the guarded agent loop.
//
// Usage:
//
//	guardloop serve                                  # HTTP server
//	guardloop run --instructions "draft the release" # one lineage, scripted workers
//	guardloop run --instructions "..." --llm         # one lineage, LLM workers
//	guardloop status loop-1234_r1 --store ./data     # read a loop from a badger store
//	guardloop version
//
// Example requests against a running server:
//
//	curl -X POST 'http://localhost:8089/v1/loops?wait=true' \
//	  -H "Content-Type: application/json" \
//	  -d '{"instructions": "summarize the incident"}'
//
//	curl http://localhost:8089/v1/loops/LOOP_ID | jq
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/guardloop/services/guardloop/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "guardloop",
		Short:        "Run agent loops behind a reflection guardrail",
		Long:         `guardloop drives planner, builder and validator workers through a loop whose every iteration is reviewed, scored and either rerun or finalized.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), opts.debug))
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.guardloop/guardloop.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the guardloop version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "guardloop %s\n", version)
		},
	}
}

// newLogger returns a text handler for terminals and a JSON handler
// otherwise.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// loadConfig reads the config file, creating a default one on first run.
//
// Outputs:
//
//	config.Config - The validated configuration.
//	string - The path it was read from.
//	error - Non-nil if the file cannot be read, created or validated.
func loadConfig(opts *rootOptions) (config.Config, string, error) {
	path := opts.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Config{}, "", err
		}
		path = p
	}

	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return config.Config{}, "", fmt.Errorf("load config %s: %w", path, err)
	}
	if created {
		slog.Info("Created default config", slog.String("path", path))
	}
	return cfg, path, nil
}
