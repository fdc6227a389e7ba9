package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/models"
)

const syncStatusID = "sync_status"

// MongoStore implements Store on MongoDB. Replace and toggle run in
// multi-document transactions, which require a replica set or sharded cluster.
type MongoStore struct {
	client  *mongo.Client
	authors *mongo.Collection
	posts   *mongo.Collection
	status  *mongo.Collection
	mu      sync.Mutex

	// afterAuthors runs between the author and post inserts of a replace.
	afterAuthors func() error
}

type authorDoc struct {
	ID   int    `bson:"_id"`
	Name string `bson:"name"`
}

type postDoc struct {
	ID       int    `bson:"_id"`
	AuthorID int    `bson:"author_id"`
	Title    string `bson:"title"`
	Body     string `bson:"body"`
	Liked    bool   `bson:"liked"`
}

// feedDoc is a post after the $lookup/$unwind join stage
type feedDoc struct {
	ID       int       `bson:"_id"`
	AuthorID int       `bson:"author_id"`
	Title    string    `bson:"title"`
	Body     string    `bson:"body"`
	Liked    bool      `bson:"liked"`
	Author   authorDoc `bson:"author"`
}

type statusDoc struct {
	ID                 string    `bson:"_id"`
	LastAttempt        time.Time `bson:"last_attempt"`
	LastSuccessfulSync time.Time `bson:"last_successful_sync"`
	State              string    `bson:"state"`
	ErrorMessage       string    `bson:"error_message"`
	ItemCount          int       `bson:"item_count"`
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to MongoDB and returns a store over the configured database
func NewMongoStore(ctx context.Context, cfg config.StorageConfig) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.MongoDBName)
	return &MongoStore{
		client:  client,
		authors: db.Collection("authors"),
		posts:   db.Collection("posts"),
		status:  db.Collection("sync_status"),
	}, nil
}

// ReadAll joins posts to authors server-side; $unwind drops posts without an author.
// The aggregate runs in a snapshot transaction so a concurrent replace is
// either fully visible or not at all.
func (m *MongoStore) ReadAll(ctx context.Context) ([]models.FeedItem, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: m.authors.Name()},
			{Key: "localField", Value: "author_id"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "author"},
		}}},
		{{Key: "$unwind", Value: "$author"}},
	}

	var docs []feedDoc
	err := m.withTransaction(ctx, func(sc mongo.SessionContext) error {
		cursor, err := m.posts.Aggregate(sc, pipeline)
		if err != nil {
			return err
		}
		defer cursor.Close(sc)

		return cursor.All(sc, &docs)
	})
	if err != nil {
		return nil, &models.CacheError{Op: "read all", Err: err}
	}

	items := make([]models.FeedItem, 0, len(docs))
	for _, d := range docs {
		items = append(items, d.toFeedItem())
	}
	return items, nil
}

// ReplaceAll runs capture-delete-recreate in one transaction
func (m *MongoStore) ReplaceAll(ctx context.Context, posts []models.RemotePost, authors []models.Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.withTransaction(ctx, func(sc mongo.SessionContext) error {
		liked, err := m.likedSnapshot(sc)
		if err != nil {
			return err
		}

		if _, err := m.posts.DeleteMany(sc, bson.D{}); err != nil {
			return fmt.Errorf("failed to delete posts: %w", err)
		}
		if _, err := m.authors.DeleteMany(sc, bson.D{}); err != nil {
			return fmt.Errorf("failed to delete authors: %w", err)
		}

		newAuthors, newPosts := buildSnapshot(posts, authors, liked)

		if len(newAuthors) > 0 {
			docs := make([]interface{}, len(newAuthors))
			for i, a := range newAuthors {
				docs[i] = authorDoc{ID: a.ID, Name: a.Name}
			}
			if _, err := m.authors.InsertMany(sc, docs); err != nil {
				return fmt.Errorf("failed to insert authors: %w", err)
			}
		}
		if m.afterAuthors != nil {
			if err := m.afterAuthors(); err != nil {
				return err
			}
		}

		if len(newPosts) > 0 {
			docs := make([]interface{}, len(newPosts))
			for i, p := range newPosts {
				docs[i] = postDoc{ID: p.ID, AuthorID: p.AuthorID, Title: p.Title, Body: p.Body, Liked: p.Liked}
			}
			if _, err := m.posts.InsertMany(sc, docs); err != nil {
				return fmt.Errorf("failed to insert posts: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return &models.CacheError{Op: "replace", Err: err}
	}
	return nil
}

func (m *MongoStore) likedSnapshot(ctx context.Context) (map[int]bool, error) {
	cursor, err := m.posts.Find(ctx, bson.D{{Key: "liked", Value: true}},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot liked posts: %w", err)
	}
	defer cursor.Close(ctx)

	liked := make(map[int]bool)
	for cursor.Next(ctx) {
		var doc struct {
			ID int `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		liked[doc.ID] = true
	}
	return liked, cursor.Err()
}

// ToggleLiked flips liked inside a transaction after resolving the author
func (m *MongoStore) ToggleLiked(ctx context.Context, postID int) (models.FeedItem, error) {
	var item models.FeedItem
	err := m.withTransaction(ctx, func(sc mongo.SessionContext) error {
		var post postDoc
		if err := m.posts.FindOne(sc, bson.D{{Key: "_id", Value: postID}}).Decode(&post); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return fmt.Errorf("post %d: %w", postID, models.ErrNotFound)
			}
			return err
		}

		var author authorDoc
		if err := m.authors.FindOne(sc, bson.D{{Key: "_id", Value: post.AuthorID}}).Decode(&author); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return fmt.Errorf("author %d of post %d: %w", post.AuthorID, postID, models.ErrNotFound)
			}
			return err
		}

		post.Liked = !post.Liked
		if _, err := m.posts.UpdateByID(sc, postID, bson.D{{Key: "$set", Value: bson.D{{Key: "liked", Value: post.Liked}}}}); err != nil {
			return err
		}

		item = models.NewFeedItem(
			models.CachedPost{ID: post.ID, AuthorID: post.AuthorID, Title: post.Title, Body: post.Body, Liked: post.Liked},
			models.Author{ID: author.ID, Name: author.Name},
		)
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return models.FeedItem{}, err
	}
	if err != nil {
		return models.FeedItem{}, &models.CacheError{Op: "toggle liked", Err: err}
	}
	return item, nil
}

func (m *MongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction().SetReadConcern(readconcern.Snapshot())
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, txnOpts)
	return err
}

// UpdateSyncStatus upserts the sync status document
func (m *MongoStore) UpdateSyncStatus(ctx context.Context, status models.SyncStatus) error {
	doc := statusDoc{
		ID:                 syncStatusID,
		LastAttempt:        status.LastAttempt,
		LastSuccessfulSync: status.LastSuccessfulSync,
		State:              string(status.State),
		ErrorMessage:       status.ErrorMessage,
		ItemCount:          status.ItemCount,
	}
	_, err := m.status.ReplaceOne(ctx, bson.D{{Key: "_id", Value: syncStatusID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &models.CacheError{Op: "update sync status", Err: err}
	}
	return nil
}

// GetSyncStatus returns the stored sync status, or idle if none was recorded
func (m *MongoStore) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	var doc statusDoc
	err := m.status.FindOne(ctx, bson.D{{Key: "_id", Value: syncStatusID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return defaultSyncStatus(), nil
	}
	if err != nil {
		return nil, &models.CacheError{Op: "get sync status", Err: err}
	}

	return &models.SyncStatus{
		LastAttempt:        doc.LastAttempt,
		LastSuccessfulSync: doc.LastSuccessfulSync,
		State:              models.SyncState(doc.State),
		ErrorMessage:       doc.ErrorMessage,
		ItemCount:          doc.ItemCount,
	}, nil
}

// Close disconnects the MongoDB client
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (d feedDoc) toFeedItem() models.FeedItem {
	return models.NewFeedItem(
		models.CachedPost{ID: d.ID, AuthorID: d.AuthorID, Title: d.Title, Body: d.Body, Liked: d.Liked},
		models.Author{ID: d.Author.ID, Name: d.Author.Name},
	)
}
