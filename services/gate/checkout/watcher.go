// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkout

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// headWatcher calls onChange whenever <gitDir>/HEAD is written or replaced.
//
// The directory is watched rather than the file because git replaces HEAD
// by renaming HEAD.lock over it, which drops a watch on the file itself.
type headWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

func startHeadWatcher(gitDir string, onChange func(), logger *slog.Logger) (*headWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(gitDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", gitDir, err)
	}

	hw := &headWatcher{w: w, done: make(chan struct{})}
	go hw.loop(onChange, logger)
	return hw, nil
}

func (hw *headWatcher) loop(onChange func(), logger *slog.Logger) {
	defer close(hw.done)
	for {
		select {
		case ev, ok := <-hw.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "HEAD" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			onChange()
		case err, ok := <-hw.w.Errors:
			if !ok {
				return
			}
			logger.Warn("HEAD watcher error", slog.String("error", err.Error()))
		}
	}
}

// stop closes the watcher and waits for the loop to exit.
func (hw *headWatcher) stop() {
	_ = hw.w.Close()
	<-hw.done
}
