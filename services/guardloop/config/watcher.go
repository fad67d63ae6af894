// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ApplyFunc receives a reloaded configuration. Returning an error rejects
// it; the previous configuration stays in effect.
type ApplyFunc func(Config) error

// Watcher reloads the configuration file when it changes.
//
// Description:
//
//	The file's directory is watched rather than the file itself, so
//	editors that save by renaming a temporary file are seen too. Events
//	for other files in the directory are ignored. A file that fails to
//	parse or validate is logged and not applied.
//
// Thread Safety: Start must be called once. Stop is safe to call from any
// goroutine.
type Watcher struct {
	path    string
	apply   ApplyFunc
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher creates a watcher for the file at path.
//
// Inputs:
//
//	path - Configuration file.
//	apply - Called with every valid reloaded configuration.
//	logger - Logger. Nil means slog.Default().
//
// Outputs:
//
//	*Watcher - Ready-to-start watcher.
//	error - Non-nil if the directory cannot be watched.
func NewWatcher(path string, apply ApplyFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{path: abs, apply: apply, watcher: fw, logger: logger}, nil
}

// Start processes change events until ctx ends or Stop is called.
// It blocks; run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Debug("Watching config file", slog.String("path", w.path))

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			w.logger.Debug("Config watcher stopping")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if err := w.Reload(); err != nil {
		w.logger.Warn("Config reload rejected",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
	}
}

// Reload reads the file and applies it.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.apply(cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	w.logger.Info("Config reloaded", slog.String("path", w.path))
	return nil
}

// Stop releases the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
