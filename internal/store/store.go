// Package store provides the persistent key-value layer used by the ticket
// store, the rate governor, the message index, and the delivery queue
// snapshot. Values are JSON documents grouped into namespaces.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// KV is the persistence interface. Get reports found=false when the key is
// absent; callers fall back to their zero document.
type KV interface {
	Get(ctx context.Context, namespace, key string, out any) (bool, error)
	Set(ctx context.Context, namespace, key string, value any) error
	Delete(ctx context.Context, namespace, key string) error
	// Keys lists the keys present in a namespace.
	Keys(ctx context.Context, namespace string) ([]string, error)
	Close() error
}

// Config selects and configures a KV backend.
type Config struct {
	Backend     string // "file" (default), "sqlite", "postgres"
	Dir         string // file backend: data directory
	SQLitePath  string // sqlite backend: database path
	PostgresDSN string // postgres backend: from env only
}

// Open creates the configured backend.
func Open(cfg Config) (KV, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileKV(cfg.Dir)
	case "sqlite":
		return NewSQLiteKV(cfg.SQLitePath)
	case "postgres":
		return NewPostgresKV(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

func marshalValue(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: marshal value: %w", err)
	}
	return data, nil
}

func unmarshalValue(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: unmarshal value: %w", err)
	}
	return nil
}
