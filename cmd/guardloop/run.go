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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
)

type runOptions struct {
	instructions string
	persona      string
	loopID       string
	maxReruns    int
	useLLM       bool
	jsonOut      bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one loop lineage to completion",
		Long:  `Begins a base loop and drives it through reruns until it is finalized or an iteration fails, then prints a summary of every iteration.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runLoop(ctx, cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.instructions, "instructions", "i", "", "Instructions for the planner")
	cmd.Flags().StringVar(&opts.persona, "persona", "", "Persona carried through reruns")
	cmd.Flags().StringVar(&opts.loopID, "loop-id", "", "Base loop id (minted when empty)")
	cmd.Flags().IntVar(&opts.maxReruns, "max-reruns", -1, "Rerun ceiling (negative uses the configured default)")
	cmd.Flags().BoolVar(&opts.useLLM, "llm", false, "Use LLM-backed workers instead of scripted ones")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the run records as JSON")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func runLoop(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	logger := slog.Default()
	cfg, _, err := loadConfig(root)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appDeps{Workers: workerSet(cfg, opts.useLLM, logger), Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("error", err.Error()))
		}
	}()

	req := guardrail.BeginRequest{
		LoopID:       opts.loopID,
		Persona:      opts.persona,
		Instructions: opts.instructions,
	}
	if opts.maxReruns >= 0 {
		req.MaxReruns = &opts.maxReruns
	}

	result, runErr := a.ctrl.Start(ctx, req)
	var lerr *loop.LoopError
	if runErr != nil && !errors.As(runErr, &lerr) {
		return runErr
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, renderResult(result))
	}

	if lerr != nil {
		return fmt.Errorf("loop %s halted: %w", lerr.LoopID, lerr)
	}
	return nil
}
