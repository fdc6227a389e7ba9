package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyderes/feed-sync-service/internal/models"
)

// FileStore keeps the whole cache in memory and persists it as a single JSON
// document. Writes go to a temporary file that is renamed over the old one,
// so the file on disk always holds a complete snapshot.
// An empty path keeps the store in memory only.
type FileStore struct {
	path string
	mu   sync.RWMutex
	data fileData

	// afterAuthors runs between the author and post inserts of a replace.
	afterAuthors func() error
}

type fileData struct {
	Authors map[int]models.Author     `json:"authors"`
	Posts   map[int]models.CachedPost `json:"posts"`
	Status  *models.SyncStatus        `json:"status,omitempty"`
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store, loading an existing snapshot if present
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: newFileData(),
	}
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &models.CacheError{Op: "open", Err: err}
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, &models.CacheError{Op: "open", Err: err}
	}
	return s, nil
}

func newFileData() fileData {
	return fileData{
		Authors: make(map[int]models.Author),
		Posts:   make(map[int]models.CachedPost),
	}
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	data := newFileData()
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	if data.Authors == nil {
		data.Authors = make(map[int]models.Author)
	}
	if data.Posts == nil {
		data.Posts = make(map[int]models.CachedPost)
	}
	s.data = data
	return nil
}

// persist writes data to disk; the caller holds the write lock
func (s *FileStore) persist(data fileData) error {
	if s.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// ReadAll returns the joined feed ordered by post id
func (s *FileStore) ReadAll(ctx context.Context) ([]models.FeedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	posts := make([]models.CachedPost, 0, len(s.data.Posts))
	for _, p := range s.data.Posts {
		posts = append(posts, p)
	}
	return joinFeed(posts, s.data.Authors), nil
}

// ReplaceAll builds the new snapshot beside the current one and swaps it in
// only once it has been persisted
func (s *FileStore) ReplaceAll(ctx context.Context, posts []models.RemotePost, authors []models.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	liked := make(map[int]bool, len(s.data.Posts))
	for id, p := range s.data.Posts {
		if p.Liked {
			liked[id] = true
		}
	}

	newAuthors, newPosts := buildSnapshot(posts, authors, liked)

	next := newFileData()
	next.Status = s.data.Status
	for _, a := range newAuthors {
		next.Authors[a.ID] = a
	}
	if s.afterAuthors != nil {
		if err := s.afterAuthors(); err != nil {
			return &models.CacheError{Op: "replace", Err: err}
		}
	}
	for _, p := range newPosts {
		next.Posts[p.ID] = p
	}

	if err := s.persist(next); err != nil {
		return &models.CacheError{Op: "replace", Err: err}
	}
	s.data = next
	return nil
}

// ToggleLiked flips the liked flag of a post that has a cached author
func (s *FileStore) ToggleLiked(ctx context.Context, postID int) (models.FeedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.data.Posts[postID]
	if !ok {
		return models.FeedItem{}, fmt.Errorf("post %d: %w", postID, models.ErrNotFound)
	}
	author, ok := s.data.Authors[post.AuthorID]
	if !ok {
		return models.FeedItem{}, fmt.Errorf("author %d of post %d: %w", post.AuthorID, postID, models.ErrNotFound)
	}

	post.Liked = !post.Liked
	s.data.Posts[postID] = post
	if err := s.persist(s.data); err != nil {
		post.Liked = !post.Liked
		s.data.Posts[postID] = post
		return models.FeedItem{}, &models.CacheError{Op: "toggle liked", Err: err}
	}

	return models.NewFeedItem(post, author), nil
}

// UpdateSyncStatus stores the latest sync status
func (s *FileStore) UpdateSyncStatus(ctx context.Context, status models.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.Status
	s.data.Status = &status
	if err := s.persist(s.data); err != nil {
		s.data.Status = prev
		return &models.CacheError{Op: "update sync status", Err: err}
	}
	return nil
}

// GetSyncStatus returns the latest sync status
func (s *FileStore) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data.Status == nil {
		return defaultSyncStatus(), nil
	}
	status := *s.data.Status
	return &status, nil
}

// Close is a no-op; every write is already on disk
func (s *FileStore) Close() error {
	return nil
}
