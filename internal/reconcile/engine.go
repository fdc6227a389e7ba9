package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/models"
	"github.com/cyderes/feed-sync-service/internal/remote"
	"github.com/cyderes/feed-sync-service/internal/storage"
)

// SyncResult is the outcome of a sync that produced a feed
type SyncResult struct {
	SyncID string
	Items  []models.FeedItem
	// State is StateSettled after a fresh replace, StateFallbackToCache when
	// the remote source failed and the cached feed was served instead.
	State models.SyncState
}

// Engine reconciles the remote source with the local cache
type Engine struct {
	config config.SyncConfig
	store  storage.Store
	source remote.Source
	tracer trace.Tracer

	mu    sync.RWMutex
	state models.SyncState
}

// NewEngine creates a new reconciliation engine
func NewEngine(cfg config.SyncConfig, store storage.Store, source remote.Source) *Engine {
	return &Engine{
		config: cfg,
		store:  store,
		source: source,
		tracer: otel.Tracer("feed-sync/reconcile"),
		state:  models.StateIdle,
	}
}

// State returns the state of the most recent sync
func (e *Engine) State() models.SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s models.SyncState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Sync refreshes the cache from the remote source and returns the feed.
//
// Unless forceRefresh is set, the cached feed is read concurrently with the
// network fetch and, if non-empty, handed to onProvisional. The provisional
// feed is only delivered while the sync is still in flight; once the network
// outcome is known it takes precedence and onProvisional is no longer called.
// Sync does not return while the provisional read or an onProvisional call
// is still running; once the network outcome is known the provisional read's
// context is cancelled.
func (e *Engine) Sync(ctx context.Context, forceRefresh bool, onProvisional func([]models.FeedItem)) (*SyncResult, error) {
	syncID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "reconcile.sync", trace.WithAttributes(
		attribute.String("sync.id", syncID),
		attribute.Bool("sync.force_refresh", forceRefresh),
	))
	defer span.End()

	logger := slog.With("sync_id", syncID)
	logger.Debug("Sync started", "force_refresh", forceRefresh)

	gate := &provisionalGate{}
	provCtx, cancelProv := context.WithCancel(ctx)
	defer cancelProv()
	var provisional errgroup.Group
	if !forceRefresh && onProvisional != nil {
		provisional.Go(func() error {
			e.serveProvisional(provCtx, gate, onProvisional, logger)
			return nil
		})
	}

	result, err := e.refresh(ctx, logger)
	gate.settle()
	cancelProv()
	_ = provisional.Wait()

	if err != nil {
		e.setState(models.StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Sync failed", "error", err)
		e.recordStatus(ctx, models.StateFailed, 0, err)
		return nil, err
	}

	result.SyncID = syncID
	e.setState(result.State)
	span.SetAttributes(
		attribute.String("sync.state", string(result.State)),
		attribute.Int("sync.items", len(result.Items)),
	)
	logger.Info("Sync finished", "state", result.State, "items", len(result.Items))
	e.recordStatus(ctx, result.State, len(result.Items), nil)
	return result, nil
}

// serveProvisional reads the cache and offers it as a provisional result
func (e *Engine) serveProvisional(ctx context.Context, gate *provisionalGate, onProvisional func([]models.FeedItem), logger *slog.Logger) {
	items, err := e.store.ReadAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Provisional cache read failed", "error", err)
		}
		return
	}
	if len(items) == 0 {
		return
	}
	if gate.deliver(func() { onProvisional(items) }) {
		logger.Debug("Served provisional feed", "items", len(items))
	}
}

// refresh fetches both collections, then replaces the cache or falls back to it
func (e *Engine) refresh(ctx context.Context, logger *slog.Logger) (*SyncResult, error) {
	e.setState(models.StateFetching)

	var (
		authors              []models.Author
		posts                []models.RemotePost
		authorsErr, postsErr error
		g                    errgroup.Group
	)
	// Both fetches always run to completion; errgroup without a context does
	// not cancel one when the other fails.
	g.Go(func() error {
		authors, authorsErr = e.source.FetchAuthors(ctx)
		return authorsErr
	})
	g.Go(func() error {
		posts, postsErr = e.source.FetchPosts(ctx)
		return postsErr
	})
	_ = g.Wait()

	if authorsErr != nil {
		return e.fallback(ctx, authorsErr, logger)
	}
	if postsErr != nil {
		return e.fallback(ctx, postsErr, logger)
	}

	e.setState(models.StateMerging)
	if err := e.store.ReplaceAll(ctx, posts, authors); err != nil {
		return nil, &models.SyncError{Op: "sync", State: models.StateMerging, Err: err}
	}

	items, err := e.store.ReadAll(ctx)
	if err != nil {
		return nil, &models.SyncError{Op: "sync", State: models.StateMerging, Err: err}
	}
	logger.Debug("Cache replaced", "authors", len(authors), "posts", len(posts), "visible", len(items))
	return &SyncResult{Items: items, State: models.StateSettled}, nil
}

// fallback serves the cached feed after a remote failure, or surfaces the
// remote error when there is nothing cached
func (e *Engine) fallback(ctx context.Context, fetchErr error, logger *slog.Logger) (*SyncResult, error) {
	items, err := e.store.ReadAll(ctx)
	if err != nil {
		logger.Warn("Cache unavailable for fallback", "error", err)
		return nil, &models.SyncError{Op: "sync", State: models.StateFetching, Err: fetchErr}
	}
	if len(items) == 0 {
		return nil, &models.SyncError{Op: "sync", State: models.StateFetching, Err: fetchErr}
	}

	logger.Warn("Remote fetch failed, serving cached feed", "error", fetchErr, "items", len(items))
	return &SyncResult{Items: items, State: models.StateFallbackToCache}, nil
}

// recordStatus stores the sync outcome; failures are logged and otherwise ignored
func (e *Engine) recordStatus(ctx context.Context, state models.SyncState, itemCount int, syncErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.statusTimeout())
	defer cancel()

	now := time.Now().UTC()
	status := models.SyncStatus{
		LastAttempt: now,
		State:       state,
		ItemCount:   itemCount,
	}
	if syncErr != nil {
		status.ErrorMessage = syncErr.Error()
	}

	if state == models.StateSettled {
		status.LastSuccessfulSync = now
	} else if prev, err := e.store.GetSyncStatus(ctx); err == nil && prev != nil {
		status.LastSuccessfulSync = prev.LastSuccessfulSync
	}

	if err := e.store.UpdateSyncStatus(ctx, status); err != nil {
		slog.Warn("Failed to record sync status", "state", state, "error", err)
	}
}

func (e *Engine) statusTimeout() time.Duration {
	if e.config.StatusTimeout > 0 {
		return e.config.StatusTimeout
	}
	return 5 * time.Second
}

// Like toggles the liked flag of a cached post. There is no remote
// counterpart, so a post that is not cached is an error.
func (e *Engine) Like(ctx context.Context, postID int) (models.FeedItem, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.like", trace.WithAttributes(attribute.Int("post.id", postID)))
	defer span.End()

	item, err := e.store.ToggleLiked(ctx, postID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("Toggle like failed", "post_id", postID, "error", err)
		}
		return models.FeedItem{}, &models.SyncError{Op: "like", Err: err}
	}

	slog.Debug("Toggled like", "post_id", postID, "liked", item.Liked)
	return item, nil
}

// Run performs a forced sync immediately and then once per interval until
// ctx is cancelled. Sync failures are logged and do not stop the loop.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", interval)
	}

	if _, err := e.Sync(ctx, true, nil); err != nil {
		slog.Warn("Initial sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Sync(ctx, true, nil); err != nil {
				slog.Warn("Periodic sync failed", "error", err)
			}
		}
	}
}

// provisionalGate stops provisional delivery once a sync has settled
type provisionalGate struct {
	mu      sync.Mutex
	settled bool
}

func (g *provisionalGate) deliver(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settled {
		return false
	}
	fn()
	return true
}

func (g *provisionalGate) settle() {
	g.mu.Lock()
	g.settled = true
	g.mu.Unlock()
}
