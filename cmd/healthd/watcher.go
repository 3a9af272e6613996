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
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events a single
// weight-file replacement produces.
const reloadDebounce = 2 * time.Second

// watchWeights re-verifies the weight file whenever it changes on disk
// and swaps the re-loaded model into the analyzer. A load that fails
// verification swaps in the random-initialized fallback, so
// weights_verified flips to false on /healthz and in result metadata
// until a good file lands. Returns nil when watching is impossible;
// a broken watcher should not take the worker down.
func (a *app) watchWeights(ctx context.Context) error {
	if a.weightsPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("weight watcher unavailable", "error", err)
		return nil
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and atomic installers
	// replace the file by rename, which drops a file-level watch.
	dir := filepath.Dir(a.weightsPath)
	if err := watcher.Add(dir); err != nil {
		a.logger.Warn("cannot watch weights directory", "dir", dir, "error", err)
		return nil
	}
	a.logger.Info("watching weights for changes", "path", a.weightsPath)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(a.weightsPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("weight watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			a.reloadWeights()
		}
	}
}

func (a *app) reloadWeights() {
	if _, err := os.Stat(a.weightsPath); err != nil {
		a.logger.Warn("weights changed but file is unreadable", "path", a.weightsPath, "error", err)
		return
	}
	a.logger.Info("weights changed on disk, re-verifying", "path", a.weightsPath)

	model, err := loadModelAt(a.cfg, a.weightsPath, a.logger)
	if err != nil {
		a.logger.Error("weight reload failed", "error", err)
		return
	}
	a.analyzer.SwapModel(model)
	a.selfTestOK.Store(model.SelfTest() == nil)
}
