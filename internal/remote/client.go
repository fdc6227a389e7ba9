package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cyderes/feed-sync-service/internal/config"
	"github.com/cyderes/feed-sync-service/internal/models"
)

// Source is the contract of the remote feed source
type Source interface {
	FetchAuthors(ctx context.Context) ([]models.Author, error)
	FetchPosts(ctx context.Context) ([]models.RemotePost, error)
}

// Client fetches full author and post collections over HTTP.
// It performs no retries; every failure is reported as a *models.NetworkError.
type Client struct {
	config     config.RemoteConfig
	httpClient *http.Client
}

var _ Source = (*Client)(nil)

// NewClient creates a new remote source client
func NewClient(cfg config.RemoteConfig) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// FetchAuthors fetches the full author list
func (c *Client) FetchAuthors(ctx context.Context) ([]models.Author, error) {
	var authors []models.Author
	if err := c.getJSON(ctx, c.config.AuthorsPath, &authors); err != nil {
		return nil, &models.NetworkError{Op: "fetch authors", Err: err}
	}
	return authors, nil
}

// FetchPosts fetches the full post list
func (c *Client) FetchPosts(ctx context.Context) ([]models.RemotePost, error) {
	var posts []models.RemotePost
	if err := c.getJSON(ctx, c.config.PostsPath, &posts); err != nil {
		return nil, &models.NetworkError{Op: "fetch posts", Err: err}
	}
	return posts, nil
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// getJSON performs a single GET and decodes a JSON body into out
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
