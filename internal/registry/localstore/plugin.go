package localstore

import (
	"context"
	"fmt"
)

// Store is the local durable key-value store holding identity mappings,
// synced-message sets and file snapshots. Access is read-modify-write with no
// cross-process locking.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Loader creates a store from config carried in ctx.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a local store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a local store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered local store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named local store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown local store %q; valid: %v", name, Names())
}
