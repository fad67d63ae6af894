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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/config"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
	"github.com/AleutianAI/guardloop/services/guardloop/storage"
	badgerkv "github.com/AleutianAI/guardloop/services/guardloop/storage/badger"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
	"github.com/AleutianAI/guardloop/services/guardloop/workers"
)

// app is a fully wired engine and controller over one store.
type app struct {
	kv       storage.KV
	registry *agent.Registry
	invoker  *agent.Invoker
	engine   *guardrail.Engine
	ctrl     *loop.Controller

	closeStore func() error
}

// appDeps are the optional collaborators of newApp.
type appDeps struct {
	// Workers registers the pipeline and reviewer workers. Nil registers
	// none, which is enough for read-only use.
	Workers *workers.Set

	Metrics   *telemetry.Metrics
	Publisher guardrail.Publisher
	Logger    *slog.Logger
}

// openStore opens the configured backend behind the retry-once decorator.
func openStore(cfg config.Config, logger *slog.Logger) (storage.KV, func() error, error) {
	switch cfg.Storage.Backend {
	case config.BackendBadger:
		bc := cfg.BadgerSettings()
		bc.Logger = logger
		kv, err := badgerkv.Open(bc)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return storage.NewRetryingKV(kv, logger), kv.Close, nil
	case config.BackendMemory, "":
		return storage.NewRetryingKV(storage.NewMemoryKV(), logger), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// newApp wires the registry, invoker, guardrail engine and controller.
//
// Description:
//
//	Bias history is restored from the store before the controller is
//	built. The engine registers itself as the reflector worker.
//
// Inputs:
//
//	ctx - Context for the restore.
//	cfg - Validated configuration.
//	deps - Optional collaborators.
//
// Outputs:
//
//	*app - The wired application. Close releases the store.
//	error - Non-nil if any component cannot be built.
func newApp(ctx context.Context, cfg config.Config, deps appDeps) (*app, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kv, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{kv: kv, closeStore: closeStore}

	settings := cfg.GuardrailSettings()
	a.registry = agent.NewRegistry(logger)
	if deps.Workers != nil {
		if err := workers.Register(a.registry, *deps.Workers, settings.Reflection.Reviewers); err != nil {
			return nil, errors.Join(fmt.Errorf("register workers: %w", err), a.Close())
		}
	}

	invOpts := []agent.InvokerOption{agent.WithInvokerLogger(logger)}
	engOpts := []guardrail.EngineOption{guardrail.WithEngineLogger(logger)}
	ctrlOpts := []loop.Option{loop.WithLogger(logger), loop.WithSettings(cfg.LoopSettings())}
	if deps.Metrics != nil {
		invOpts = append(invOpts, agent.WithInvokerMetrics(deps.Metrics))
		engOpts = append(engOpts, guardrail.WithEngineMetrics(deps.Metrics))
		ctrlOpts = append(ctrlOpts, loop.WithMetrics(deps.Metrics))
	}
	if deps.Publisher != nil {
		engOpts = append(engOpts, guardrail.WithPublisher(deps.Publisher))
	}

	a.invoker = agent.NewInvoker(a.registry, kv, invOpts...)
	a.engine, err = guardrail.NewEngine(kv, a.invoker, settings, engOpts...)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if err := a.engine.Restore(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if deps.Workers == nil {
		return a, nil
	}

	if err := a.registry.Register(a.engine.Descriptor()); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.ctrl, err = loop.NewController(a.invoker, a.engine, ctrlOpts...)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

// Close shuts down background drives and releases the store.
func (a *app) Close() error {
	var errs []error
	if a.ctrl != nil {
		errs = append(errs, a.ctrl.Shutdown(context.Background()))
	}
	if a.closeStore != nil {
		errs = append(errs, a.closeStore())
		a.closeStore = nil
	}
	return errors.Join(errs...)
}

// workerSet returns the scripted workers, or LLM workers when useLLM is set.
func workerSet(cfg config.Config, useLLM bool, logger *slog.Logger) *workers.Set {
	if !useLLM {
		set := workers.ScriptedSet(workers.DefaultScript())
		return &set
	}
	set := workers.LLMSet(cfg.LLMSettings(), cfg.GuardrailSettings().Reflection.Reviewers, logger)
	return &set
}
