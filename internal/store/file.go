package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/postwatch/postwatch/internal/domain"
)

const fileSuffix = ".json"

// accountDocument is the on-disk shape of one account. Other tooling reads
// it, so field names are stable.
type accountDocument struct {
	Handle      string          `json:"handle"`
	LastUpdated time.Time       `json:"last_updated"`
	TotalCount  int             `json:"total_count"`
	Posts       []domain.Post   `json:"posts"`
	State       monitoringState `json:"state"`
}

type monitoringState struct {
	AccountID string            `json:"account_id,omitempty"`
	Cursor    domain.PostID     `json:"cursor,omitempty"`
	SeenIDs   domain.SeenWindow `json:"seen_ids"`
}

// FileStore keeps one JSON document per account in a directory. Commits
// write a temp file, fsync it, and rename it over the previous document.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (f *FileStore) path(handle string) string {
	return filepath.Join(f.dir, handle+fileSuffix)
}

func (f *FileStore) read(handle string) (*accountDocument, error) {
	data, err := os.ReadFile(f.path(handle))
	if errors.Is(err, os.ErrNotExist) {
		return &accountDocument{Handle: handle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", handle, err)
	}
	var doc accountDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", handle, err)
	}
	return &doc, nil
}

func (f *FileStore) Load(_ context.Context, handle string) (domain.PersistedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(handle)
	if err != nil {
		return domain.PersistedState{}, err
	}
	return doc.persistedState(), nil
}

func (f *FileStore) Commit(_ context.Context, handle string, newPosts []domain.Post, updated domain.PersistedState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(handle)
	if err != nil {
		return err
	}

	next := nextState(doc.persistedState(), updated, len(newPosts), f.now())
	doc.Handle = handle
	doc.LastUpdated = next.LastUpdated
	doc.TotalCount = next.TotalCount
	doc.Posts = append(doc.Posts, newPosts...)
	if doc.Posts == nil {
		doc.Posts = []domain.Post{}
	}
	doc.State = monitoringState{
		AccountID: next.AccountID,
		Cursor:    next.Cursor,
		SeenIDs:   next.Seen,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", handle, err)
	}
	return f.writeAtomic(handle, data)
}

func (f *FileStore) writeAtomic(handle string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, "."+handle+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", handle, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp for %s: %w", handle, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", handle, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp for %s: %w", handle, err)
	}
	if err := os.Rename(tmpName, f.path(handle)); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", handle, err)
	}

	// Persist the rename itself. Not every platform supports syncing a
	// directory, so failures here are ignored.
	if d, err := os.Open(f.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (f *FileStore) Posts(_ context.Context, handle string) ([]domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read(handle)
	if err != nil {
		return nil, err
	}
	return doc.Posts, nil
}

func (f *FileStore) Handles(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.dir, err)
	}
	var handles []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		handles = append(handles, strings.TrimSuffix(name, fileSuffix))
	}
	sort.Strings(handles)
	return handles, nil
}

func (f *FileStore) Close() error {
	return nil
}

func (d *accountDocument) persistedState() domain.PersistedState {
	return domain.PersistedState{
		AccountID:   d.State.AccountID,
		Cursor:      d.State.Cursor,
		Seen:        d.State.SeenIDs.Clone(),
		TotalCount:  d.TotalCount,
		LastUpdated: d.LastUpdated,
	}
}
