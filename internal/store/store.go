// Package store persists the orchestrator's session record. The record is small and is
// read-modify-written once per message, so every backend stores it as a flat key/value
// set under a namespace and replaces it wholesale on Save.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
)

// ErrCorrupt is returned when a persisted value cannot be decoded.
var ErrCorrupt = errors.New("corrupt session record")

// Store is the durable session record.
type Store interface {
	// Load returns the record, or NewSessionState when nothing is stored.
	Load(ctx context.Context) (schemas.SessionState, error)
	// Save replaces the record. Last write wins.
	Save(ctx context.Context, s schemas.SessionState) error
	// Clear removes every key of the record.
	Clear(ctx context.Context) error
	Close() error
}

// Open builds the backend named in cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "casefill"
	}
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, ns, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresURL, ns, logger)
	case "redis":
		return OpenRedis(ctx, cfg.Redis, ns, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Memory keeps the record in process. It backs tests and `serve --store memory`.
type Memory struct {
	mu sync.Mutex
	kv map[string]string
}

func NewMemory() *Memory {
	return &Memory{kv: make(map[string]string)}
}

func (m *Memory) Load(ctx context.Context) (schemas.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return schemas.SessionState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Decode(m.kv)
}

func (m *Memory) Save(ctx context.Context, s schemas.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv, err := Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.kv = kv
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.kv = make(map[string]string)
	m.mu.Unlock()
	return ctx.Err()
}

func (m *Memory) Close() error { return nil }

// Raw returns a copy of the stored key/value pairs.
func (m *Memory) Raw() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.kv))
	for k, v := range m.kv {
		out[k] = v
	}
	return out
}
