package storage

import (
	"sort"

	"github.com/cyderes/feed-sync-service/internal/models"
)

// buildSnapshot turns a remote payload into the records a replace writes.
// Duplicate ids keep their last occurrence. Each post takes its liked flag
// from the previous snapshot when its id was cached before, false otherwise.
func buildSnapshot(posts []models.RemotePost, authors []models.Author, liked map[int]bool) ([]models.Author, []models.CachedPost) {
	authorIdx := make(map[int]int, len(authors))
	outAuthors := make([]models.Author, 0, len(authors))
	for _, a := range authors {
		if i, ok := authorIdx[a.ID]; ok {
			outAuthors[i] = a
			continue
		}
		authorIdx[a.ID] = len(outAuthors)
		outAuthors = append(outAuthors, a)
	}

	postIdx := make(map[int]int, len(posts))
	outPosts := make([]models.CachedPost, 0, len(posts))
	for _, p := range posts {
		cached := models.CachedPost{
			ID:       p.ID,
			AuthorID: p.AuthorID,
			Title:    p.Title,
			Body:     p.Body,
			Liked:    liked[p.ID],
		}
		if i, ok := postIdx[p.ID]; ok {
			outPosts[i] = cached
			continue
		}
		postIdx[p.ID] = len(outPosts)
		outPosts = append(outPosts, cached)
	}

	return outAuthors, outPosts
}

// joinFeed joins posts to their authors, drops orphans and sorts by post id
func joinFeed(posts []models.CachedPost, authors map[int]models.Author) []models.FeedItem {
	items := make([]models.FeedItem, 0, len(posts))
	for _, p := range posts {
		author, ok := authors[p.AuthorID]
		if !ok {
			continue
		}
		items = append(items, models.NewFeedItem(p, author))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
