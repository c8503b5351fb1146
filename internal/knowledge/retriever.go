// Package knowledge answers the agent's knowledge queries through an
// external retrieval service.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable is returned when no retrieval service is configured.
var ErrUnavailable = errors.New("knowledge retrieval is not configured")

// DefaultLimit is the number of passages requested per query.
const DefaultLimit = 5

// Retriever answers a query with text.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// Unavailable is the retriever used when no service is configured.
type Unavailable struct{}

func (Unavailable) Retrieve(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

// HTTPRetriever queries a retrieval service that accepts
// POST {"query", "limit"} and answers {"results": [{"content", "source"}]}.
type HTTPRetriever struct {
	url    string
	apiKey string
	limit  int
	client *http.Client
}

// HTTPOption configures an HTTPRetriever.
type HTTPOption func(*HTTPRetriever)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(r *HTTPRetriever) { r.apiKey = key }
}

// WithLimit sets the number of passages requested.
func WithLimit(n int) HTTPOption {
	return func(r *HTTPRetriever) { r.limit = n }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPRetriever) { r.client = c }
}

// NewHTTPRetriever creates a retriever for the service at url.
func NewHTTPRetriever(url string, opts ...HTTPOption) *HTTPRetriever {
	r := &HTTPRetriever{
		url:    url,
		limit:  DefaultLimit,
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []struct {
		Content string `json:"content"`
		Source  string `json:"source"`
	} `json:"results"`
}

// Retrieve joins the returned passages, each followed by its source.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: r.limit})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building knowledge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying knowledge service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("knowledge service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding knowledge response: %w", err)
	}
	if len(out.Results) == 0 {
		return fmt.Sprintf("No knowledge found for %q", query), nil
	}

	parts := make([]string, 0, len(out.Results))
	for _, res := range out.Results {
		if res.Source != "" {
			parts = append(parts, fmt.Sprintf("%s\nSource: %s", res.Content, res.Source))
		} else {
			parts = append(parts, res.Content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
