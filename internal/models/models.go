package models

import "time"

// Author represents a post author as received from the remote source
type Author struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// RemotePost represents the post structure from the API.
// It carries no like state.
type RemotePost struct {
	AuthorID int    `json:"userId"`
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// CachedPost represents a post as held in the local cache, including the
// locally owned liked flag
type CachedPost struct {
	ID       int    `json:"id"`
	AuthorID int    `json:"author_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Liked    bool   `json:"liked"`
}

// FeedItem is the read-time join of a CachedPost and its Author
type FeedItem struct {
	ID         int    `json:"id"`
	AuthorName string `json:"author_name"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Liked      bool   `json:"liked"`
	AuthorID   int    `json:"author_id"`
}

// NewFeedItem joins a cached post with its author
func NewFeedItem(post CachedPost, author Author) FeedItem {
	return FeedItem{
		ID:         post.ID,
		AuthorName: author.Name,
		Title:      post.Title,
		Body:       post.Body,
		Liked:      post.Liked,
		AuthorID:   post.AuthorID,
	}
}

// SyncState is a step of the per-request sync state machine
type SyncState string

const (
	StateIdle            SyncState = "idle"
	StateFetching        SyncState = "fetching"
	StateMerging         SyncState = "merging"
	StateSettled         SyncState = "settled"
	StateFallbackToCache SyncState = "fallback_to_cache"
	StateFailed          SyncState = "failed"
)

// Terminal reports whether no further transitions follow s
func (s SyncState) Terminal() bool {
	return s == StateSettled || s == StateFallbackToCache || s == StateFailed
}

// SyncStatus tracks the outcome of the latest sync run
type SyncStatus struct {
	LastAttempt        time.Time `json:"last_attempt"`
	LastSuccessfulSync time.Time `json:"last_successful_sync"`
	State              SyncState `json:"state"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	ItemCount          int       `json:"item_count"`
}
