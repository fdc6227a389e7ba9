package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/feed"
	"github.com/cyderes/feed-sync-service/internal/models"
)

// FeedService is the feed facade as seen by the HTTP layer
type FeedService interface {
	LoadFeed(ctx context.Context, forceRefresh bool) <-chan feed.Result
	ToggleLike(ctx context.Context, postID int) (models.FeedItem, error)
}

// StatusReader returns the last recorded sync status
type StatusReader interface {
	GetSyncStatus(ctx context.Context) (*models.SyncStatus, error)
}

// Server handles HTTP requests
type Server struct {
	config config.ServerConfig
	feed   FeedService
	status StatusReader
	server *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, svc FeedService, status StatusReader) *Server {
	s := &Server{
		config: cfg,
		feed:   svc,
		status: status,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the routed handler wrapped with CORS and tracing
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/feed", s.handleFeed).Methods(http.MethodGet)
	router.HandleFunc("/posts/{id}/like", s.handleLike).Methods(http.MethodPost)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "traceparent", "baggage"},
	})

	return otelhttp.NewHandler(c.Handler(router), "feed-sync",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)
		}))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleFeed loads the feed and responds with the final result
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid refresh parameter", http.StatusBadRequest)
			return
		}
		refresh = b
	}

	res := feed.Await(s.feed.LoadFeed(r.Context(), refresh))
	if res.Err != nil {
		status := http.StatusInternalServerError
		if models.IsNetwork(res.Err) {
			status = http.StatusBadGateway
		}
		slog.Error("Feed load failed", "status", status, "error", res.Err)
		http.Error(w, fmt.Sprintf("Failed to load feed: %v", res.Err), status)
		return
	}

	items := res.Items
	if items == nil {
		items = []models.FeedItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
		"stale": res.Stale,
	})
}

// handleLike toggles the liked flag of a post
func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid post ID", http.StatusBadRequest)
		return
	}

	item, err := s.feed.ToggleLike(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Post not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to toggle like: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, item)
}

// handleStatus handles GET requests for sync status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.status.GetSyncStatus(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve status: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
