package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/models"
)

// replaceLockKey serializes replace and toggle across processes sharing a database
const replaceLockKey = 0x66656564 // "feed"

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
	mu sync.Mutex

	// afterAuthors runs between the author and post inserts of a replace.
	afterAuthors func() error
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL storage instance
func NewPostgresStore(ctx context.Context, cfg config.StorageConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS authors (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cached_posts (
			id INTEGER PRIMARY KEY,
			author_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			liked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_posts_author_id ON cached_posts(author_id)`,
		`CREATE TABLE IF NOT EXISTS sync_status (
			id TEXT PRIMARY KEY,
			last_attempt TIMESTAMPTZ,
			last_successful_sync TIMESTAMPTZ,
			state TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			item_count INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// ReadAll returns posts joined with their authors; the inner join drops orphans
func (s *PostgresStore) ReadAll(ctx context.Context) ([]models.FeedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, a.name, p.title, p.body, p.liked, p.author_id
		FROM cached_posts p
		JOIN authors a ON a.id = p.author_id
		ORDER BY p.id ASC`)
	if err != nil {
		return nil, &models.CacheError{Op: "read all", Err: err}
	}
	defer rows.Close()

	items := make([]models.FeedItem, 0)
	for rows.Next() {
		var it models.FeedItem
		if err := rows.Scan(&it.ID, &it.AuthorName, &it.Title, &it.Body, &it.Liked, &it.AuthorID); err != nil {
			return nil, &models.CacheError{Op: "read all", Err: err}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.CacheError{Op: "read all", Err: err}
	}
	return items, nil
}

// ReplaceAll runs capture-delete-recreate in a single transaction
func (s *PostgresStore) ReplaceAll(ctx context.Context, posts []models.RemotePost, authors []models.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		liked, err := likedSnapshot(ctx, tx)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_posts`); err != nil {
			return fmt.Errorf("failed to delete posts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM authors`); err != nil {
			return fmt.Errorf("failed to delete authors: %w", err)
		}

		newAuthors, newPosts := buildSnapshot(posts, authors, liked)

		authorRows := make([][]interface{}, len(newAuthors))
		for i, a := range newAuthors {
			authorRows[i] = []interface{}{a.ID, a.Name}
		}
		if err := copyRows(ctx, tx, pq.CopyIn("authors", "id", "name"), authorRows); err != nil {
			return fmt.Errorf("failed to insert authors: %w", err)
		}
		if s.afterAuthors != nil {
			if err := s.afterAuthors(); err != nil {
				return err
			}
		}

		postRows := make([][]interface{}, len(newPosts))
		for i, p := range newPosts {
			postRows[i] = []interface{}{p.ID, p.AuthorID, p.Title, p.Body, p.Liked}
		}
		if err := copyRows(ctx, tx, pq.CopyIn("cached_posts", "id", "author_id", "title", "body", "liked"), postRows); err != nil {
			return fmt.Errorf("failed to insert posts: %w", err)
		}
		return nil
	}); err != nil {
		return &models.CacheError{Op: "replace", Err: err}
	}
	return nil
}

func likedSnapshot(ctx context.Context, tx *sql.Tx) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM cached_posts WHERE liked`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot liked posts: %w", err)
	}
	defer rows.Close()

	liked := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		liked[id] = true
	}
	return liked, rows.Err()
}

// copyRows bulk-loads rows with COPY FROM STDIN
func copyRows(ctx context.Context, tx *sql.Tx, copyStmt string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, copyStmt)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}
	// Flush buffered rows
	_, err = stmt.ExecContext(ctx)
	return err
}

// ToggleLiked flips liked only when both the post and its author exist
func (s *PostgresStore) ToggleLiked(ctx context.Context, postID int) (models.FeedItem, error) {
	var it models.FeedItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			UPDATE cached_posts p
			SET liked = NOT p.liked
			FROM authors a
			WHERE p.id = $1 AND a.id = p.author_id
			RETURNING p.id, a.name, p.title, p.body, p.liked, p.author_id`, postID).
			Scan(&it.ID, &it.AuthorName, &it.Title, &it.Body, &it.Liked, &it.AuthorID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return models.FeedItem{}, fmt.Errorf("post %d: %w", postID, models.ErrNotFound)
	}
	if err != nil {
		return models.FeedItem{}, &models.CacheError{Op: "toggle liked", Err: err}
	}
	return it, nil
}

// withTx runs fn inside a transaction holding the feed advisory lock
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, replaceLockKey); err != nil {
		return fmt.Errorf("failed to acquire feed lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateSyncStatus upserts the single sync status row
func (s *PostgresStore) UpdateSyncStatus(ctx context.Context, status models.SyncStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (id, last_attempt, last_successful_sync, state, error_message, item_count)
		VALUES ('sync_status', $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_attempt = EXCLUDED.last_attempt,
			last_successful_sync = EXCLUDED.last_successful_sync,
			state = EXCLUDED.state,
			error_message = EXCLUDED.error_message,
			item_count = EXCLUDED.item_count`,
		pq.NullTime{Time: status.LastAttempt, Valid: !status.LastAttempt.IsZero()},
		pq.NullTime{Time: status.LastSuccessfulSync, Valid: !status.LastSuccessfulSync.IsZero()},
		string(status.State), status.ErrorMessage, status.ItemCount)
	if err != nil {
		return &models.CacheError{Op: "update sync status", Err: err}
	}
	return nil
}

// GetSyncStatus returns the stored sync status, or idle if none was recorded
func (s *PostgresStore) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	var (
		status              models.SyncStatus
		state               string
		attempt, successful pq.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_attempt, last_successful_sync, state, error_message, item_count
		FROM sync_status WHERE id = 'sync_status'`).
		Scan(&attempt, &successful, &state, &status.ErrorMessage, &status.ItemCount)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultSyncStatus(), nil
	}
	if err != nil {
		return nil, &models.CacheError{Op: "get sync status", Err: err}
	}

	status.State = models.SyncState(state)
	if attempt.Valid {
		status.LastAttempt = attempt.Time
	}
	if successful.Valid {
		status.LastSuccessfulSync = successful.Time
	}
	return &status, nil
}

// Close closes the database pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
