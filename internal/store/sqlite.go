package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"

	"github.com/postwatch/postwatch/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// SQLiteStore persists state and history in a single SQLite database. Each
// commit runs in one transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite store: path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; account cycles may run concurrently.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply schema: %w", err)
	}

	var versionStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&versionStr)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO metadata(key, value) VALUES('schema_version', ?)", strconv.Itoa(schemaVersion)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert schema version: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read schema version: %w", err)
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("parse schema version: %w", err)
	}
	if version > schemaVersion {
		_ = tx.Rollback()
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func loadState(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, handle string) (domain.PersistedState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT account_id, cursor, seen_ids, total_count, last_updated
		FROM accounts
		WHERE handle = ?
	`, handle)

	var (
		st                  domain.PersistedState
		cursor, seen, stamp string
	)
	err := row.Scan(&st.AccountID, &cursor, &seen, &st.TotalCount, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PersistedState{}, nil
	}
	if err != nil {
		return domain.PersistedState{}, fmt.Errorf("load state %s: %w", handle, err)
	}

	if err := st.Cursor.UnmarshalText([]byte(cursor)); err != nil {
		return domain.PersistedState{}, fmt.Errorf("parse cursor %s: %w", handle, err)
	}
	if err := json.Unmarshal([]byte(seen), &st.Seen); err != nil {
		return domain.PersistedState{}, fmt.Errorf("decode seen ids %s: %w", handle, err)
	}
	st.LastUpdated, err = parseTime(stamp)
	if err != nil {
		return domain.PersistedState{}, fmt.Errorf("parse last_updated %s: %w", handle, err)
	}
	return st, nil
}

func (s *SQLiteStore) Load(ctx context.Context, handle string) (domain.PersistedState, error) {
	return loadState(ctx, s.db, handle)
}

func (s *SQLiteStore) Commit(ctx context.Context, handle string, newPosts []domain.Post, updated domain.PersistedState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stored, err := loadState(ctx, tx, handle)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	next := nextState(stored, updated, len(newPosts), s.now())

	seenJSON, err := json.Marshal(next.Seen)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("encode seen ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (handle, account_id, cursor, seen_ids, total_count, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			account_id = excluded.account_id,
			cursor = excluded.cursor,
			seen_ids = excluded.seen_ids,
			total_count = excluded.total_count,
			last_updated = excluded.last_updated
	`,
		handle,
		next.AccountID,
		next.Cursor.String(),
		string(seenJSON),
		next.TotalCount,
		formatTime(next.LastUpdated),
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert account %s: %w", handle, err)
	}

	for _, p := range newPosts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO posts (
				handle, post_id, text, created_at, author_id, url,
				like_count, retweet_count, reply_count, is_reply, is_retweet
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(handle, post_id) DO NOTHING
		`,
			handle,
			p.ID.String(),
			p.Text,
			formatTime(p.CreatedAt),
			p.AuthorID,
			p.URL,
			p.Metrics.LikeCount,
			p.Metrics.RetweetCount,
			p.Metrics.ReplyCount,
			p.IsReply,
			p.IsRetweet,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert post %s/%s: %w", handle, p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", handle, err)
	}
	return nil
}

func (s *SQLiteStore) Posts(ctx context.Context, handle string) ([]domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, text, created_at, author_id, url,
			like_count, retweet_count, reply_count, is_reply, is_retweet
		FROM posts
		WHERE handle = ?
		ORDER BY seq ASC
	`, handle)
	if err != nil {
		return nil, fmt.Errorf("get posts %s: %w", handle, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts %s: %w", handle, err)
	}
	return posts, nil
}

func (s *SQLiteStore) Handles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT handle FROM accounts ORDER BY handle")
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handles: %w", err)
	}
	return handles, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanPost(scanner rowScanner) (domain.Post, error) {
	var (
		p                domain.Post
		id, createdAt    string
		isReply, isRetwt bool
	)
	if err := scanner.Scan(
		&id,
		&p.Text,
		&createdAt,
		&p.AuthorID,
		&p.URL,
		&p.Metrics.LikeCount,
		&p.Metrics.RetweetCount,
		&p.Metrics.ReplyCount,
		&isReply,
		&isRetwt,
	); err != nil {
		return domain.Post{}, fmt.Errorf("scan post: %w", err)
	}

	var err error
	if p.ID, err = domain.ParsePostID(id); err != nil {
		return domain.Post{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Post{}, fmt.Errorf("parse created_at: %w", err)
	}
	p.IsReply = isReply
	p.IsRetweet = isRetwt
	return p, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Time{}.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
