package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/loamlabs/loam/internal/types"
)

// LoadPolicyFile reads a governance policy from a YAML file. Fields left
// unset in the file inherit the built-in defaults, so a policy file only
// needs to name what it changes.
func LoadPolicyFile(path string) (*types.Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied policy path
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	policy := types.DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policy, nil
}

// WatchPolicyFile reloads the policy whenever the file changes and hands
// each good version to apply. Bad versions are logged and skipped, so a
// half-saved edit never replaces a working policy. Blocks until ctx ends.
func WatchPolicyFile(ctx context.Context, path string, logger *slog.Logger, apply func(*types.Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: editors replace files on save,
	// which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}

	var debounce *time.Timer
	reload := func() {
		policy, err := LoadPolicyFile(path)
		if err != nil {
			logger.Warn("policy reload failed, keeping previous policy", "path", path, "error", err)
			return
		}
		logger.Info("policy reloaded", "path", path)
		apply(policy)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, reload)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", "error", err)
		}
	}
}
