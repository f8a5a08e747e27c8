// Package factory creates storage backends based on configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/storage"
)

// BackendFactory is a function that opens a storage backend.
type BackendFactory func(ctx context.Context, cfg config.Store) (storage.Store, error)

// backendRegistry holds registered backend factories. Backends register
// themselves from init() so importing a backend package enables it.
var backendRegistry = make(map[string]BackendFactory)

// RegisterBackend registers a storage backend factory.
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.Store) (storage.Store, error) {
	if factory, ok := backendRegistry[cfg.Backend]; ok {
		return factory(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown storage backend: %s (supported: postgres, memory)", cfg.Backend)
}
