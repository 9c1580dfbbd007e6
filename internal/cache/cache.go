// Package cache provides the small shared-state cache used for notification
// duplicate suppression: Redis when the deployment has one, in-memory
// otherwise.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the subset of cache behavior the pipeline needs.
type Cache interface {
	// Connect establishes the connection.
	Connect() error

	// Close releases the connection.
	Close() error

	// Get retrieves a value, returning ErrNotFound for missing keys.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an expiration; zero means no expiry.
	Set(ctx context.Context, key, value string, expiration time.Duration) error

	// SetNX stores a value only if the key is absent, reporting whether it
	// was stored. This is the dedupe primitive.
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error
}

// Config selects and parameterizes a cache backend.
type Config struct {
	Type     string `toml:"type"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	Database int    `toml:"database"`
}

// Factory builds a cache from configuration.
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported cache type %q", config.Type)
	}
}
