package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postwatch/postwatch/internal/domain"
)

type backendFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]backendFactory {
	t.Helper()
	b := map[string]backendFactory{
		BackendMemory: func(t *testing.T) Store { return NewMemoryStore() },
		BackendFile: func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return s
		},
		BackendSQLite: func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "postwatch.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
	}
	if url := os.Getenv("POSTWATCH_TEST_REDIS_URL"); url != "" {
		b[BackendRedis] = func(t *testing.T) Store {
			prefix := "postwatch-test:" + strings.ReplaceAll(t.Name(), "/", ":") + ":" + time.Now().Format("150405.000000000") + ":"
			s, err := NewRedisStore(url, prefix)
			if err != nil {
				t.Fatalf("NewRedisStore: %v", err)
			}
			return s
		}
	}
	return b
}

func testPost(id domain.PostID, text string) domain.Post {
	return domain.Post{
		ID:        id,
		Text:      text,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, int(id%60), 0, time.UTC),
		AuthorID:  "42",
		URL:       domain.PostURL(id),
		Metrics:   domain.Metrics{LikeCount: 3, RetweetCount: 2, ReplyCount: 1},
	}
}

func stateWith(accountID string, cursor domain.PostID, seen ...domain.PostID) domain.PersistedState {
	st := domain.PersistedState{AccountID: accountID, Cursor: cursor, Seen: domain.NewSeenWindow(domain.DefaultSeenCapacity)}
	for _, id := range seen {
		st.Seen.Add(id)
	}
	return st
}

func TestStoreLoadMissingReturnsEmptyState(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()

			st, err := s.Load(context.Background(), "nobody")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if st.HasCursor() || st.Seen.Len() != 0 || st.TotalCount != 0 || st.AccountID != "" {
				t.Fatalf("expected empty state, got %+v", st)
			}

			posts, err := s.Posts(context.Background(), "nobody")
			if err != nil {
				t.Fatalf("Posts: %v", err)
			}
			if len(posts) != 0 {
				t.Fatalf("expected no posts, got %d", len(posts))
			}
		})
	}
}

func TestStoreCommitRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			posts := []domain.Post{testPost(101, "first"), testPost(102, "second")}
			posts[1].IsReply = true
			if err := s.Commit(ctx, "alice", posts, stateWith("42", 102, 101, 102)); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			st, err := s.Load(ctx, "alice")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if st.AccountID != "42" {
				t.Errorf("AccountID = %q, want 42", st.AccountID)
			}
			if st.Cursor != 102 {
				t.Errorf("Cursor = %s, want 102", st.Cursor)
			}
			if !st.Seen.Contains(101) || !st.Seen.Contains(102) || st.Seen.Len() != 2 {
				t.Errorf("Seen = %v, want [101 102]", st.Seen.IDs())
			}
			if st.TotalCount != 2 {
				t.Errorf("TotalCount = %d, want 2", st.TotalCount)
			}
			if st.LastUpdated.IsZero() {
				t.Error("LastUpdated not set")
			}

			got, err := s.Posts(ctx, "alice")
			if err != nil {
				t.Fatalf("Posts: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len(Posts) = %d, want 2", len(got))
			}
			if got[0].ID != 101 || got[1].ID != 102 {
				t.Errorf("Posts order = %s,%s, want 101,102", got[0].ID, got[1].ID)
			}
			if got[1].Text != "second" || !got[1].IsReply || got[1].IsRetweet {
				t.Errorf("post fields not preserved: %+v", got[1])
			}
			if !got[0].CreatedAt.Equal(posts[0].CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, posts[0].CreatedAt)
			}
			if got[0].Metrics != posts[0].Metrics {
				t.Errorf("Metrics = %+v, want %+v", got[0].Metrics, posts[0].Metrics)
			}
			if got[0].URL != "https://twitter.com/i/web/status/101" {
				t.Errorf("URL = %q", got[0].URL)
			}
		})
	}
}

func TestStoreCommitAppendsHistory(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			if err := s.Commit(ctx, "bob", []domain.Post{testPost(5, "a")}, stateWith("7", 5, 5)); err != nil {
				t.Fatalf("first Commit: %v", err)
			}
			if err := s.Commit(ctx, "bob", []domain.Post{testPost(6, "b"), testPost(8, "c")}, stateWith("7", 8, 5, 6, 8)); err != nil {
				t.Fatalf("second Commit: %v", err)
			}
			// A cursor-only commit (nothing accepted) keeps the history.
			if err := s.Commit(ctx, "bob", nil, stateWith("7", 9, 5, 6, 8, 9)); err != nil {
				t.Fatalf("third Commit: %v", err)
			}

			st, err := s.Load(ctx, "bob")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if st.TotalCount != 3 {
				t.Errorf("TotalCount = %d, want 3", st.TotalCount)
			}
			if st.Cursor != 9 {
				t.Errorf("Cursor = %s, want 9", st.Cursor)
			}

			got, err := s.Posts(ctx, "bob")
			if err != nil {
				t.Fatalf("Posts: %v", err)
			}
			var ids []domain.PostID
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			want := []domain.PostID{5, 6, 8}
			if len(ids) != len(want) {
				t.Fatalf("ids = %v, want %v", ids, want)
			}
			for i := range want {
				if ids[i] != want[i] {
					t.Fatalf("ids = %v, want %v", ids, want)
				}
			}
		})
	}
}

func TestStoreHandles(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			for _, h := range []string{"zed", "amy", "kim"} {
				if err := s.Commit(ctx, h, nil, stateWith("1", 0)); err != nil {
					t.Fatalf("Commit %s: %v", h, err)
				}
			}
			handles, err := s.Handles(ctx)
			if err != nil {
				t.Fatalf("Handles: %v", err)
			}
			want := []string{"amy", "kim", "zed"}
			if strings.Join(handles, ",") != strings.Join(want, ",") {
				t.Fatalf("Handles = %v, want %v", handles, want)
			}
		})
	}
}

func TestStoreAccountsAreIndependent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			if err := s.Commit(ctx, "one", []domain.Post{testPost(10, "x")}, stateWith("1", 10, 10)); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			st, err := s.Load(ctx, "two")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if st.HasCursor() || st.TotalCount != 0 {
				t.Fatalf("state leaked across accounts: %+v", st)
			}
		})
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	for i := domain.PostID(1); i <= 3; i++ {
		if err := s.Commit(ctx, "carol", []domain.Post{testPost(i, "p")}, stateWith("3", i, i)); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "carol.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("directory contents = %v, want [carol.json]", names)
	}
}

func TestFileStoreDocumentShape(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Commit(context.Background(), "dave", []domain.Post{testPost(77, "hello")}, stateWith("9", 77, 77)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "dave.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, want := range []string{`"handle": "dave"`, `"total_count": 1`, `"cursor": "77"`, `"seen_ids": [`, `"like_count": 3`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("document missing %s:\n%s", want, data)
		}
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "eve.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := s.Load(context.Background(), "eve"); err == nil {
		t.Fatal("expected decode error for corrupt document")
	}
	// A failed commit must not overwrite the corrupt file with partial data.
	if err := s.Commit(context.Background(), "eve", nil, stateWith("1", 1)); err == nil {
		t.Fatal("expected commit to fail on corrupt document")
	}
	data, _ := os.ReadFile(filepath.Join(dir, "eve.json"))
	if string(data) != "{not json" {
		t.Fatalf("corrupt document was modified: %q", data)
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "postwatch.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Commit(context.Background(), "frank", []domain.Post{testPost(3, "x")}, stateWith("5", 3, 3)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	st, err := s.Load(context.Background(), "frank")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Cursor != 3 || st.TotalCount != 1 || st.AccountID != "5" {
		t.Fatalf("state after reopen = %+v", st)
	}
}

func TestSQLiteStoreDuplicatePostIgnored(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "postwatch.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	p := testPost(11, "once")
	if err := s.Commit(ctx, "gina", []domain.Post{p}, stateWith("1", 11, 11)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Commit(ctx, "gina", []domain.Post{p}, stateWith("1", 11, 11)); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	posts, err := s.Posts(ctx, "gina")
	if err != nil {
		t.Fatalf("Posts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("len(Posts) = %d, want 1", len(posts))
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(Options{Backend: "etcd"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestNewDefaultsToFile(t *testing.T) {
	s, err := New(Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("New with empty backend = %T, want *FileStore", s)
	}
}
