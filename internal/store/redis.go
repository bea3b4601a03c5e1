package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postwatch/postwatch/internal/domain"
)

const defaultRedisPrefix = "postwatch:"

// maxCommitRetries bounds optimistic-lock retries when another client
// touches the same state key during a commit.
const maxCommitRetries = 3

// redisState is the JSON value stored under the state key.
type redisState struct {
	AccountID   string            `json:"account_id,omitempty"`
	Cursor      domain.PostID     `json:"cursor,omitempty"`
	SeenIDs     domain.SeenWindow `json:"seen_ids"`
	TotalCount  int               `json:"total_count"`
	LastUpdated time.Time         `json:"last_updated"`
}

// RedisStore implements the Store interface using Redis. State lives in a
// string key per handle, history in a list per handle; commits run in
// MULTI/EXEC under WATCH.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new RedisStore connected to the given Redis URL.
// The URL is parsed with redis.ParseURL so it supports redis:// and rediss:// schemes.
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Verify connectivity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisStore) stateKey(handle string) string { return r.prefix + "state:" + handle }
func (r *RedisStore) postsKey(handle string) string { return r.prefix + "posts:" + handle }
func (r *RedisStore) handlesKey() string            { return r.prefix + "handles" }

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) readState(ctx context.Context, c stringGetter, handle string) (domain.PersistedState, error) {
	val, err := c.Get(ctx, r.stateKey(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.PersistedState{}, nil
	}
	if err != nil {
		return domain.PersistedState{}, fmt.Errorf("redis GET %s: %w", r.stateKey(handle), err)
	}

	var rs redisState
	if err := json.Unmarshal([]byte(val), &rs); err != nil {
		return domain.PersistedState{}, fmt.Errorf("decoding stored state for %s: %w", handle, err)
	}
	return domain.PersistedState{
		AccountID:   rs.AccountID,
		Cursor:      rs.Cursor,
		Seen:        rs.SeenIDs,
		TotalCount:  rs.TotalCount,
		LastUpdated: rs.LastUpdated,
	}, nil
}

// Load returns the stored state for handle. A missing key yields the empty state.
func (r *RedisStore) Load(ctx context.Context, handle string) (domain.PersistedState, error) {
	return r.readState(ctx, r.client, handle)
}

// Commit writes the state and appends posts in a single transaction.
func (r *RedisStore) Commit(ctx context.Context, handle string, newPosts []domain.Post, updated domain.PersistedState) error {
	posts := make([]interface{}, 0, len(newPosts))
	for _, p := range newPosts {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding post %s: %w", p.ID, err)
		}
		posts = append(posts, string(data))
	}

	txf := func(tx *redis.Tx) error {
		stored, err := r.readState(ctx, tx, handle)
		if err != nil {
			return err
		}
		next := nextState(stored, updated, len(newPosts), r.now())
		value, err := json.Marshal(redisState{
			AccountID:   next.AccountID,
			Cursor:      next.Cursor,
			SeenIDs:     next.Seen,
			TotalCount:  next.TotalCount,
			LastUpdated: next.LastUpdated,
		})
		if err != nil {
			return fmt.Errorf("encoding state for %s: %w", handle, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.stateKey(handle), value, 0)
			if len(posts) > 0 {
				pipe.RPush(ctx, r.postsKey(handle), posts...)
			}
			pipe.SAdd(ctx, r.handlesKey(), handle)
			return nil
		})
		return err
	}

	for i := 0; i < maxCommitRetries; i++ {
		err := r.client.Watch(ctx, txf, r.stateKey(handle))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis commit %s: %w", handle, err)
		}
		return nil
	}
	return fmt.Errorf("redis commit %s: %w", handle, redis.TxFailedErr)
}

// Posts returns the stored history for handle, oldest first.
func (r *RedisStore) Posts(ctx context.Context, handle string) ([]domain.Post, error) {
	vals, err := r.client.LRange(ctx, r.postsKey(handle), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s: %w", r.postsKey(handle), err)
	}
	posts := make([]domain.Post, 0, len(vals))
	for _, v := range vals {
		var p domain.Post
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("decoding stored post for %s: %w", handle, err)
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// Handles lists every handle that has committed state.
func (r *RedisStore) Handles(ctx context.Context) ([]string, error) {
	handles, err := r.client.SMembers(ctx, r.handlesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", r.handlesKey(), err)
	}
	sort.Strings(handles)
	return handles, nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
