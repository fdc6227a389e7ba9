// Package feed exposes the cached feed to callers: a load that may yield a
// provisional cached result before the reconciled one, and a like toggle.
package feed

import (
	"context"

	"github.com/cyderes/feed-sync-service/internal/models"
	"github.com/cyderes/feed-sync-service/internal/reconcile"
)

// Syncer is the part of the reconciliation engine the feed depends on
type Syncer interface {
	Sync(ctx context.Context, forceRefresh bool, onProvisional func([]models.FeedItem)) (*reconcile.SyncResult, error)
	Like(ctx context.Context, postID int) (models.FeedItem, error)
}

// Result is one delivery of a feed load
type Result struct {
	Items []models.FeedItem
	// Provisional is set on a cached result delivered while the sync was in flight.
	Provisional bool
	// Stale is set when the remote source failed and the cache was served instead.
	Stale bool
	Err   error
}

// Feed is the facade over the reconciliation engine
type Feed struct {
	engine Syncer
}

// NewFeed creates a new feed facade
func NewFeed(engine Syncer) *Feed {
	return &Feed{engine: engine}
}

// LoadFeed starts a sync and returns a channel carrying at most one
// provisional result followed by exactly one final result. The channel is
// closed after the final result.
func (f *Feed) LoadFeed(ctx context.Context, forceRefresh bool) <-chan Result {
	out := make(chan Result, 2)

	go func() {
		defer close(out)

		onProvisional := func(items []models.FeedItem) {
			out <- Result{Items: items, Provisional: true, Stale: true}
		}

		res, err := f.engine.Sync(ctx, forceRefresh, onProvisional)
		if err != nil {
			out <- Result{Err: err}
			return
		}
		out <- Result{
			Items: res.Items,
			Stale: res.State == models.StateFallbackToCache,
		}
	}()

	return out
}

// ToggleLike flips the liked flag of a cached post and returns the updated item
func (f *Feed) ToggleLike(ctx context.Context, postID int) (models.FeedItem, error) {
	return f.engine.Like(ctx, postID)
}

// Await drains ch and returns its final result
func Await(ch <-chan Result) Result {
	var last Result
	for r := range ch {
		last = r
	}
	return last
}
