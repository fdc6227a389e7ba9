package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/feed-sync-service/internal/models"
)

// runStoreContract exercises the behaviour every Store backend must share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	authors := []models.Author{
		{ID: 1, Name: "Leanne Graham"},
		{ID: 2, Name: "Ervin Howell"},
	}
	posts := []models.RemotePost{
		{AuthorID: 1, ID: 1, Title: "Title 1", Body: "Body 1"},
		{AuthorID: 2, ID: 2, Title: "Title 2", Body: "Body 2"},
		{AuthorID: 1, ID: 3, Title: "Title 3", Body: "Body 3"},
	}

	t.Run("empty store reads empty", func(t *testing.T) {
		store := newStore(t)

		items, err := store.ReadAll(context.Background())

		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})

	t.Run("replace then read joins authors ordered by id", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		shuffled := []models.RemotePost{posts[2], posts[0], posts[1]}
		require.NoError(t, store.ReplaceAll(ctx, shuffled, authors))

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, models.FeedItem{ID: 1, AuthorName: "Leanne Graham", Title: "Title 1", Body: "Body 1", AuthorID: 1}, items[0])
		assert.Equal(t, 2, items[1].ID)
		assert.Equal(t, "Ervin Howell", items[1].AuthorName)
		assert.Equal(t, 3, items[2].ID)
		for _, it := range items {
			assert.False(t, it.Liked)
		}
	})

	t.Run("replace preserves likes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.ReplaceAll(ctx, posts[:1], authors))
		item, err := store.ToggleLiked(ctx, 1)
		require.NoError(t, err)
		require.True(t, item.Liked)

		updated := []models.RemotePost{
			{AuthorID: 1, ID: 1, Title: "Edited title", Body: "Edited body"},
			{AuthorID: 2, ID: 2, Title: "Title 2", Body: "Body 2"},
		}
		require.NoError(t, store.ReplaceAll(ctx, updated, authors))

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.True(t, items[0].Liked)
		assert.Equal(t, "Edited title", items[0].Title)
		assert.False(t, items[1].Liked)
	})

	t.Run("post dropped by a sync loses its like", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.ReplaceAll(ctx, posts, authors))
		_, err := store.ToggleLiked(ctx, 2)
		require.NoError(t, err)

		require.NoError(t, store.ReplaceAll(ctx, []models.RemotePost{posts[0]}, authors))
		require.NoError(t, store.ReplaceAll(ctx, posts, authors))

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.False(t, items[1].Liked)
	})

	t.Run("orphaned posts are excluded", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		withOrphan := append([]models.RemotePost{{AuthorID: 99, ID: 4, Title: "Orphan", Body: "No author"}}, posts...)
		require.NoError(t, store.ReplaceAll(ctx, withOrphan, authors))

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, items, 3)
		for _, it := range items {
			assert.NotEqual(t, 4, it.ID)
		}
	})

	t.Run("empty remote result clears the cache", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.ReplaceAll(ctx, posts, authors))
		require.NoError(t, store.ReplaceAll(ctx, nil, nil))

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("double toggle restores original value", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.ReplaceAll(ctx, posts, authors))

		first, err := store.ToggleLiked(ctx, 3)
		require.NoError(t, err)
		assert.True(t, first.Liked)
		assert.Equal(t, "Leanne Graham", first.AuthorName)

		second, err := store.ToggleLiked(ctx, 3)
		require.NoError(t, err)
		assert.False(t, second.Liked)

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		assert.False(t, items[2].Liked)
	})

	t.Run("toggle unknown post is not found", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.ReplaceAll(ctx, posts, authors))

		_, err := store.ToggleLiked(ctx, 999)

		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.False(t, models.IsCache(err))
	})

	t.Run("toggle orphaned post is not found and leaves it untouched", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		orphan := models.RemotePost{AuthorID: 99, ID: 7, Title: "Orphan", Body: "No author"}
		require.NoError(t, store.ReplaceAll(ctx, []models.RemotePost{orphan}, authors))

		_, err := store.ToggleLiked(ctx, 7)
		assert.ErrorIs(t, err, models.ErrNotFound)

		// Once the author shows up the post must still be unliked
		require.NoError(t, store.ReplaceAll(ctx, []models.RemotePost{orphan}, append(authors, models.Author{ID: 99, Name: "Late"})))
		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.False(t, items[0].Liked)
	})

	t.Run("duplicate ids keep the last occurrence", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		dup := []models.RemotePost{
			{AuthorID: 1, ID: 1, Title: "First", Body: "Body"},
			{AuthorID: 2, ID: 1, Title: "Second", Body: "Body"},
		}
		require.NoError(t, store.ReplaceAll(ctx, dup, authors))

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Second", items[0].Title)
		assert.Equal(t, 2, items[0].AuthorID)
	})

	t.Run("concurrent replaces leave one complete set", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				set := make([]models.RemotePost, 0, i+1)
				for id := 1; id <= i+1; id++ {
					set = append(set, models.RemotePost{AuthorID: 1, ID: id, Title: fmt.Sprintf("run %d", i), Body: "b"})
				}
				errs[i] = store.ReplaceAll(ctx, set, authors)
			}(i)
		}
		wg.Wait()

		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, items)
		succeeded := false
		for i, e := range errs {
			if e == nil {
				succeeded = true
			} else {
				t.Logf("replace %d: %v", i, e)
			}
		}
		require.True(t, succeeded)
		// Every item must come from the same run
		for _, it := range items {
			assert.Equal(t, items[0].Title, it.Title)
		}
		assert.Equal(t, fmt.Sprintf("run %d", len(items)-1), items[0].Title)
	})

	t.Run("interrupted replace keeps the prior set", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.ReplaceAll(ctx, posts, authors))
		_, err := store.ToggleLiked(ctx, 2)
		require.NoError(t, err)
		before, err := store.ReadAll(ctx)
		require.NoError(t, err)

		interrupter, ok := store.(replaceInterrupter)
		require.True(t, ok, "%T cannot interrupt a replace", store)
		interrupter.interruptReplace(func() error { return errors.New("connection reset") })

		err = store.ReplaceAll(ctx,
			[]models.RemotePost{{AuthorID: 3, ID: 10, Title: "New", Body: "New"}},
			[]models.Author{{ID: 3, Name: "Clementine Bauch"}},
		)
		require.Error(t, err)
		assert.True(t, models.IsCache(err))

		after, err := store.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		// The store is still usable once the fault is gone
		interrupter.interruptReplace(nil)
		require.NoError(t, store.ReplaceAll(ctx, posts[:1], authors))
		items, err := store.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
	})

	t.Run("readers never see a half-replaced cache", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		set := func(name string, n int) ([]models.RemotePost, []models.Author) {
			a := []models.Author{{ID: 1, Name: name}, {ID: 2, Name: name}}
			p := make([]models.RemotePost, 0, n)
			for id := 1; id <= n; id++ {
				p = append(p, models.RemotePost{AuthorID: 1 + id%2, ID: id, Title: name, Body: name})
			}
			return p, a
		}
		alphaPosts, alphaAuthors := set("alpha", 3)
		betaPosts, betaAuthors := set("beta", 40)
		sizes := map[string]int{"alpha": 3, "beta": 40}
		require.NoError(t, store.ReplaceAll(ctx, alphaPosts, alphaAuthors))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 20; i++ {
				var err error
				if i%2 == 0 {
					err = store.ReplaceAll(ctx, betaPosts, betaAuthors)
				} else {
					err = store.ReplaceAll(ctx, alphaPosts, alphaAuthors)
				}
				if err != nil {
					t.Errorf("replace %d: %v", i, err)
					return
				}
			}
		}()

		reads := 0
		for finished := false; !finished; {
			select {
			case <-done:
				finished = true
			default:
			}

			items, err := store.ReadAll(ctx)
			if err != nil {
				// A read may give up while the cache keeps moving, but must say so
				require.True(t, models.IsCache(err), "unexpected error: %v", err)
				continue
			}
			reads++
			require.NotEmpty(t, items)
			name := items[0].Title
			require.Len(t, items, sizes[name], "read mixed two replaces")
			for _, it := range items {
				require.Equal(t, name, it.Title, "read mixed two replaces")
				require.Equal(t, name, it.AuthorName, "post joined to an author from another replace")
			}
		}
		assert.Positive(t, reads)
	})

	t.Run("sync status defaults to idle and round trips", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		status, err := store.GetSyncStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.StateIdle, status.State)

		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, store.UpdateSyncStatus(ctx, models.SyncStatus{
			LastAttempt:        now,
			LastSuccessfulSync: now.Add(-time.Minute),
			State:              models.StateFallbackToCache,
			ErrorMessage:       "network error during fetch posts",
			ItemCount:          3,
		}))

		status, err = store.GetSyncStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.StateFallbackToCache, status.State)
		assert.Equal(t, "network error during fetch posts", status.ErrorMessage)
		assert.Equal(t, 3, status.ItemCount)
		assert.WithinDuration(t, now, status.LastAttempt, time.Second)
		assert.WithinDuration(t, now.Add(-time.Minute), status.LastSuccessfulSync, time.Second)
	})

	t.Run("status survives a replace", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.UpdateSyncStatus(ctx, models.SyncStatus{State: models.StateSettled, ItemCount: 1}))
		require.NoError(t, store.ReplaceAll(ctx, posts, authors))

		status, err := store.GetSyncStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.StateSettled, status.State)
	})
}
