// Package store persists per-account monitoring state and accepted post
// history.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/postwatch/postwatch/internal/domain"
)

// Store is the interface for persisting monitoring state. Implementations
// must make Commit all-or-nothing: after a crash a reader sees either the
// state before the commit or the state after it, never a mix.
type Store interface {
	// Load returns the state for handle, or the empty state if none exists.
	Load(ctx context.Context, handle string) (domain.PersistedState, error)
	// Commit persists updated (account id, cursor, seen ids) and appends
	// newPosts to the handle's history. TotalCount grows by len(newPosts)
	// and LastUpdated is set to the commit time.
	Commit(ctx context.Context, handle string, newPosts []domain.Post, updated domain.PersistedState) error
	// Posts returns the stored history for handle, oldest first.
	Posts(ctx context.Context, handle string) ([]domain.Post, error)
	// Handles lists every handle with persisted state.
	Handles(ctx context.Context) ([]string, error)
	// Close releases any resources held by the store.
	Close() error
}

// Backend names accepted by New.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Path     string
	RedisURL string
	Prefix   string
}

// New opens the backend named in opts.
func New(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileStore(opts.Path)
	case BackendSQLite:
		return NewSQLiteStore(opts.Path)
	case BackendRedis:
		return NewRedisStore(opts.RedisURL, opts.Prefix)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// nextState derives the state written by Commit from the stored state.
func nextState(stored domain.PersistedState, updated domain.PersistedState, added int, now time.Time) domain.PersistedState {
	next := updated.Clone()
	next.TotalCount = stored.TotalCount + added
	next.LastUpdated = now.UTC()
	return next
}
