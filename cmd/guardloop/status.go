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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guardloop/services/guardloop/config"
)

type statusOptions struct {
	store   string
	jsonOut bool
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status <loop-id>",
		Short: "Show the status of a loop from a badger store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.store, "store", "", "Badger directory (overrides storage.path)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the report as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, root *rootOptions, opts *statusOptions, loopID string) error {
	cfg, _, err := loadConfig(root)
	if err != nil {
		return err
	}
	if opts.store != "" {
		cfg.Storage.Backend = config.BackendBadger
		cfg.Storage.Path = opts.store
	}
	if cfg.Storage.Backend != config.BackendBadger || cfg.Storage.Path == "" {
		return errors.New("status reads a badger store: set storage.backend to badger or pass --store")
	}
	// Read-only use never needs value log GC.
	cfg.Storage.GCInterval = 0

	a, err := newApp(cmd.Context(), cfg, appDeps{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.Status(cmd.Context(), loopID)
	if err != nil {
		return fmt.Errorf("status of %s: %w", loopID, err)
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprint(out, renderStatus(report))
	return nil
}
