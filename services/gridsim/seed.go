// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gridsim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/voltboard/pkg/validation"
)

// SeedNode is one entry of the YAML seed file.
type SeedNode struct {
	ID    string `yaml:"id"`
	Value int    `yaml:"value"`
}

type seedFile struct {
	Nodes []SeedNode `yaml:"nodes"`
}

// LoadSeed parses a YAML seed file and validates every node id.
func LoadSeed(path string) ([]SeedNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for i, n := range f.Nodes {
		id, err := validation.SanitizeNodeID(n.ID)
		if err != nil {
			return nil, fmt.Errorf("seed node %d: %w", i, err)
		}
		f.Nodes[i].ID = id
	}
	return f.Nodes, nil
}

// WatchSeed re-applies the seed file whenever it changes on disk, until
// the context is cancelled. A broken edit is logged and skipped; the
// store keeps its last good state.
func WatchSeed(ctx context.Context, path string, store *BackingStore, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create seed watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which would orphan a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch seed directory: %w", err)
	}
	target := filepath.Clean(path)
	logger.Info("watching seed file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			nodes, err := LoadSeed(target)
			if err != nil {
				logger.Warn("ignoring broken seed file edit", "error", err)
				continue
			}
			count := store.Seed(nodes)
			logger.Info("seed file reloaded", "nodes", count)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("seed watcher error", "error", err)
		}
	}
}
