package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/feed"
	"github.com/cyderes/feed-sync-service/internal/models"
)

// MockFeed is a mock implementation of the FeedService interface
type MockFeed struct {
	mock.Mock
}

func (m *MockFeed) LoadFeed(ctx context.Context, forceRefresh bool) <-chan feed.Result {
	args := m.Called(ctx, forceRefresh)
	ch := make(chan feed.Result, 2)
	for _, r := range args.Get(0).([]feed.Result) {
		ch <- r
	}
	close(ch)
	return ch
}

func (m *MockFeed) ToggleLike(ctx context.Context, postID int) (models.FeedItem, error) {
	args := m.Called(ctx, postID)
	return args.Get(0).(models.FeedItem), args.Error(1)
}

// MockStatus is a mock implementation of the StatusReader interface
type MockStatus struct {
	mock.Mock
}

func (m *MockStatus) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	args := m.Called(ctx)
	status, _ := args.Get(0).(*models.SyncStatus)
	return status, args.Error(1)
}

var testItems = []models.FeedItem{
	{ID: 1, AuthorName: "Leanne Graham", Title: "Title 1", Body: "Body 1", AuthorID: 1},
	{ID: 2, AuthorName: "Ervin Howell", Title: "Title 2", Body: "Body 2", Liked: true, AuthorID: 2},
}

func newTestServer(f *MockFeed, st *MockStatus) http.Handler {
	return NewServer(config.ServerConfig{Port: 0, AllowedOrigins: []string{"*"}}, f, st).Handler()
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	h := newTestServer(new(MockFeed), new(MockStatus))

	rec := serve(h, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_handleFeed(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		refresh    bool
		results    []feed.Result
		wantStatus int
		wantCount  int
		wantStale  bool
	}{
		{
			name:       "settled after provisional",
			target:     "/feed",
			results:    []feed.Result{{Items: testItems[:1], Provisional: true, Stale: true}, {Items: testItems}},
			wantStatus: http.StatusOK,
			wantCount:  2,
		},
		{
			name:       "forced refresh falls back to cache",
			target:     "/feed?refresh=true",
			refresh:    true,
			results:    []feed.Result{{Items: testItems, Stale: true}},
			wantStatus: http.StatusOK,
			wantCount:  2,
			wantStale:  true,
		},
		{
			name:       "empty feed",
			target:     "/feed?refresh=false",
			results:    []feed.Result{{}},
			wantStatus: http.StatusOK,
			wantCount:  0,
		},
		{
			name:   "network failure with empty cache",
			target: "/feed",
			results: []feed.Result{{Err: &models.SyncError{Op: "sync", State: models.StateFetching,
				Err: &models.NetworkError{Op: "fetch posts", Err: errors.New("API returned status 503")}}}},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:   "cache write failure",
			target: "/feed",
			results: []feed.Result{{Err: &models.SyncError{Op: "sync", State: models.StateMerging,
				Err: &models.CacheError{Op: "replace", Err: errors.New("disk full")}}}},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockFeed := new(MockFeed)
			mockFeed.On("LoadFeed", mock.Anything, tt.refresh).Return(tt.results)

			rec := serve(newTestServer(mockFeed, new(MockStatus)), http.MethodGet, tt.target)

			assert.Equal(t, tt.wantStatus, rec.Code)
			mockFeed.AssertExpectations(t)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body struct {
				Items []models.FeedItem `json:"items"`
				Count int               `json:"count"`
				Stale bool              `json:"stale"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCount, body.Count)
			assert.Len(t, body.Items, tt.wantCount)
			assert.NotNil(t, body.Items)
			assert.Equal(t, tt.wantStale, body.Stale)
		})
	}
}

func TestServer_handleFeed_InvalidRefresh(t *testing.T) {
	mockFeed := new(MockFeed)

	rec := serve(newTestServer(mockFeed, new(MockStatus)), http.MethodGet, "/feed?refresh=maybe")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	mockFeed.AssertNotCalled(t, "LoadFeed", mock.Anything, mock.Anything)
}

func TestServer_handleLike(t *testing.T) {
	mockFeed := new(MockFeed)
	liked := models.FeedItem{ID: 1, AuthorName: "Leanne Graham", Title: "Title 1", Liked: true, AuthorID: 1}
	mockFeed.On("ToggleLike", mock.Anything, 1).Return(liked, nil)
	mockFeed.On("ToggleLike", mock.Anything, 42).
		Return(models.FeedItem{}, &models.SyncError{Op: "like", Err: models.ErrNotFound})
	mockFeed.On("ToggleLike", mock.Anything, 7).
		Return(models.FeedItem{}, &models.SyncError{Op: "like", Err: &models.CacheError{Op: "toggle liked", Err: errors.New("locked")}})
	h := newTestServer(mockFeed, new(MockStatus))

	rec := serve(h, http.MethodPost, "/posts/1/like")
	assert.Equal(t, http.StatusOK, rec.Code)
	var item models.FeedItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, liked, item)

	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/posts/42/like").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(h, http.MethodPost, "/posts/7/like").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/posts/abc/like").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/posts/1/like").Code)
	mockFeed.AssertExpectations(t)
}

func TestServer_handleStatus(t *testing.T) {
	mockStatus := new(MockStatus)
	now := time.Now().UTC().Truncate(time.Second)
	mockStatus.On("GetSyncStatus", mock.Anything).Return(&models.SyncStatus{
		LastAttempt:        now,
		LastSuccessfulSync: now,
		State:              models.StateSettled,
		ItemCount:          2,
	}, nil)

	rec := serve(newTestServer(new(MockFeed), mockStatus), http.MethodGet, "/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	var status models.SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.StateSettled, status.State)
	assert.Equal(t, 2, status.ItemCount)
	assert.True(t, now.Equal(status.LastAttempt))
}

func TestServer_handleStatus_Error(t *testing.T) {
	mockStatus := new(MockStatus)
	mockStatus.On("GetSyncStatus", mock.Anything).Return(nil, &models.CacheError{Op: "get sync status", Err: errors.New("timeout")})

	rec := serve(newTestServer(new(MockFeed), mockStatus), http.MethodGet, "/status")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	h := newTestServer(new(MockFeed), new(MockStatus))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
