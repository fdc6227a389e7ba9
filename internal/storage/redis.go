package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/models"
)

// maxWatchRetries bounds optimistic transaction retries on key contention
const maxWatchRetries = 10

// RedisStore implements Store on Redis.
//
// Keys (with the configured prefix):
//   - <prefix>:authors  hash   author id -> name
//   - <prefix>:posts    hash   post id -> JSON post without liked
//   - <prefix>:liked    set    liked post ids
//   - <prefix>:status   string JSON sync status
//
// Replace and toggle are WATCH/MULTI/EXEC transactions over the three feed keys.
type RedisStore struct {
	client     *redis.Client
	authorsKey string
	postsKey   string
	likedKey   string
	statusKey  string

	// afterAuthors runs between queuing the author and post writes of a
	// replace; an error discards the queued MULTI block.
	afterAuthors func() error
}

type redisPost struct {
	AuthorID int    `json:"author_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis with tracing enabled
func NewRedisStore(ctx context.Context, cfg config.StorageConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to instrument redis: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(rdb, cfg.RedisPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client; keys are namespaced by prefix
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:     client,
		authorsKey: prefix + ":authors",
		postsKey:   prefix + ":posts",
		likedKey:   prefix + ":liked",
		statusKey:  prefix + ":status",
	}
}

// ReadAll reads the three feed keys in one MULTI block
func (r *RedisStore) ReadAll(ctx context.Context) ([]models.FeedItem, error) {
	var (
		authorsCmd *redis.MapStringStringCmd
		postsCmd   *redis.MapStringStringCmd
		likedCmd   *redis.StringSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		authorsCmd = pipe.HGetAll(ctx, r.authorsKey)
		postsCmd = pipe.HGetAll(ctx, r.postsKey)
		likedCmd = pipe.SMembers(ctx, r.likedKey)
		return nil
	})
	if err != nil {
		return nil, &models.CacheError{Op: "read all", Err: err}
	}

	authors := make(map[int]models.Author, len(authorsCmd.Val()))
	for field, name := range authorsCmd.Val() {
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, &models.CacheError{Op: "read all", Err: fmt.Errorf("invalid author id %q: %w", field, err)}
		}
		authors[id] = models.Author{ID: id, Name: name}
	}

	liked := make(map[int]bool, len(likedCmd.Val()))
	for _, member := range likedCmd.Val() {
		if id, err := strconv.Atoi(member); err == nil {
			liked[id] = true
		}
	}

	posts := make([]models.CachedPost, 0, len(postsCmd.Val()))
	for field, raw := range postsCmd.Val() {
		p, err := decodeRedisPost(field, raw)
		if err != nil {
			return nil, &models.CacheError{Op: "read all", Err: err}
		}
		p.Liked = liked[p.ID]
		posts = append(posts, p)
	}

	return joinFeed(posts, authors), nil
}

func decodeRedisPost(field, raw string) (models.CachedPost, error) {
	id, err := strconv.Atoi(field)
	if err != nil {
		return models.CachedPost{}, fmt.Errorf("invalid post id %q: %w", field, err)
	}
	var rp redisPost
	if err := json.Unmarshal([]byte(raw), &rp); err != nil {
		return models.CachedPost{}, fmt.Errorf("failed to decode post %d: %w", id, err)
	}
	return models.CachedPost{ID: id, AuthorID: rp.AuthorID, Title: rp.Title, Body: rp.Body}, nil
}

// ReplaceAll snapshots the liked set under WATCH and rewrites all feed keys in one EXEC
func (r *RedisStore) ReplaceAll(ctx context.Context, posts []models.RemotePost, authors []models.Author) error {
	txf := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, r.likedKey).Result()
		if err != nil {
			return err
		}
		liked := make(map[int]bool, len(members))
		for _, m := range members {
			if id, err := strconv.Atoi(m); err == nil {
				liked[id] = true
			}
		}

		newAuthors, newPosts := buildSnapshot(posts, authors, liked)

		authorFields := make(map[string]interface{}, len(newAuthors))
		for _, a := range newAuthors {
			authorFields[strconv.Itoa(a.ID)] = a.Name
		}
		postFields := make(map[string]interface{}, len(newPosts))
		var likedIDs []interface{}
		for _, p := range newPosts {
			raw, err := json.Marshal(redisPost{AuthorID: p.AuthorID, Title: p.Title, Body: p.Body})
			if err != nil {
				return err
			}
			postFields[strconv.Itoa(p.ID)] = string(raw)
			if p.Liked {
				likedIDs = append(likedIDs, p.ID)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.authorsKey, r.postsKey, r.likedKey)
			if len(authorFields) > 0 {
				pipe.HSet(ctx, r.authorsKey, authorFields)
			}
			if r.afterAuthors != nil {
				if err := r.afterAuthors(); err != nil {
					return err
				}
			}
			if len(postFields) > 0 {
				pipe.HSet(ctx, r.postsKey, postFields)
			}
			if len(likedIDs) > 0 {
				pipe.SAdd(ctx, r.likedKey, likedIDs...)
			}
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf); err != nil {
		return &models.CacheError{Op: "replace", Err: err}
	}
	return nil
}

// ToggleLiked flips set membership for a post whose author is cached
func (r *RedisStore) ToggleLiked(ctx context.Context, postID int) (models.FeedItem, error) {
	field := strconv.Itoa(postID)
	var item models.FeedItem

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, r.postsKey, field).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("post %d: %w", postID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		post, err := decodeRedisPost(field, raw)
		if err != nil {
			return err
		}

		name, err := tx.HGet(ctx, r.authorsKey, strconv.Itoa(post.AuthorID)).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("author %d of post %d: %w", post.AuthorID, postID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}

		liked, err := tx.SIsMember(ctx, r.likedKey, field).Result()
		if err != nil {
			return err
		}
		post.Liked = !liked

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if post.Liked {
				pipe.SAdd(ctx, r.likedKey, field)
			} else {
				pipe.SRem(ctx, r.likedKey, field)
			}
			return nil
		})
		if err != nil {
			return err
		}

		item = models.NewFeedItem(post, models.Author{ID: post.AuthorID, Name: name})
		return nil
	}

	err := r.watch(ctx, txf)
	if errors.Is(err, models.ErrNotFound) {
		return models.FeedItem{}, err
	}
	if err != nil {
		return models.FeedItem{}, &models.CacheError{Op: "toggle liked", Err: err}
	}
	return item, nil
}

// watch runs txf under WATCH on the feed keys, retrying when another client
// modified them before EXEC
func (r *RedisStore) watch(ctx context.Context, txf func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, r.authorsKey, r.postsKey, r.likedKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction aborted after %d retries: %w", maxWatchRetries, redis.TxFailedErr)
}

// UpdateSyncStatus stores the sync status as JSON
func (r *RedisStore) UpdateSyncStatus(ctx context.Context, status models.SyncStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return &models.CacheError{Op: "update sync status", Err: err}
	}
	if err := r.client.Set(ctx, r.statusKey, raw, 0).Err(); err != nil {
		return &models.CacheError{Op: "update sync status", Err: err}
	}
	return nil
}

// GetSyncStatus returns the stored sync status, or idle if none was recorded
func (r *RedisStore) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	raw, err := r.client.Get(ctx, r.statusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return defaultSyncStatus(), nil
	}
	if err != nil {
		return nil, &models.CacheError{Op: "get sync status", Err: err}
	}

	var status models.SyncStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, &models.CacheError{Op: "get sync status", Err: err}
	}
	return &status, nil
}

// Close closes the Redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
