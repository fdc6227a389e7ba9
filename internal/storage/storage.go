package storage

import (
	"context"
	"fmt"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/models"
)

// Store is the local cache of posts joined to authors.
//
// Implementations wrap storage failures in *models.CacheError and report
// missing posts (or posts whose author is missing) with models.ErrNotFound.
type Store interface {
	// ReadAll returns every cached post that has a cached author, ordered by
	// post id ascending. An empty cache yields an empty, non-nil slice.
	ReadAll(ctx context.Context) ([]models.FeedItem, error)
	// ReplaceAll atomically swaps the cached author and post sets for the
	// given ones, carrying over the liked flag of posts that survive.
	ReplaceAll(ctx context.Context, posts []models.RemotePost, authors []models.Author) error
	// ToggleLiked flips the liked flag of one post and returns the joined view.
	ToggleLiked(ctx context.Context, postID int) (models.FeedItem, error)
	UpdateSyncStatus(ctx context.Context, status models.SyncStatus) error
	GetSyncStatus(ctx context.Context) (*models.SyncStatus, error)
	Close() error
}

// NewStore creates a new store instance based on configuration
func NewStore(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case config.StorageFile:
		return NewFileStore(cfg.FilePath)
	case config.StoragePostgres:
		return NewPostgresStore(ctx, cfg)
	case config.StorageMongoDB:
		return NewMongoStore(ctx, cfg)
	case config.StorageDynamoDB:
		return NewDynamoDBStore(cfg)
	case config.StorageRedis:
		return NewRedisStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// defaultSyncStatus is reported by stores that have never recorded a sync
func defaultSyncStatus() *models.SyncStatus {
	return &models.SyncStatus{State: models.StateIdle}
}
