package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spboyer/agentsphere/internal/models"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 5 * time.Second
)

// Client wraps a Provider with schema validation and bounded retries.
type Client struct {
	provider   Provider
	model      string
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithModel sets the model name passed to the provider.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithMaxRetries sets how many corrective or transient retries a call may
// use before failing. Negative values are treated as zero.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = max(n, 0) }
}

// WithRetryBackoff sets the fixed sleep before retrying a transient failure.
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Client over provider.
func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:   provider,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends messages to the provider and returns the reply. With a
// schema, the reply is validated and, on failure, the model is shown the
// validation error and asked to fix its output. The caller's slice is not
// modified.
func (c *Client) Complete(ctx context.Context, messages []models.Message, schema *Schema) (string, error) {
	msgs := slices.Clone(messages)
	retries := 0

	for {
		content, err := c.provider.Complete(ctx, &Request{
			Model:    c.model,
			Messages: msgs,
			Schema:   schema,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if !errors.Is(err, ErrTransient) || retries >= c.maxRetries {
				return "", fmt.Errorf("completion failed after %d retries: %w", retries, err)
			}
			retries++
			c.logger.Warn("transient provider error, retrying",
				"attempt", retries, "backoff", c.backoff, "error", err)
			if err := sleep(ctx, c.backoff); err != nil {
				return "", err
			}
			continue
		}

		if schema == nil {
			return content, nil
		}

		cleaned := stripCodeFence(content)
		verr := schema.Validate(cleaned)
		if verr == nil {
			return cleaned, nil
		}
		if retries >= c.maxRetries {
			return "", fmt.Errorf("%w: %s after %d retries: %v", ErrSchemaValidation, schema.Name, retries, verr)
		}
		retries++
		c.logger.Debug("model output rejected by schema",
			"schema", schema.Name, "attempt", retries, "error", verr)
		msgs = append(msgs,
			models.AssistantMessage(fmt.Sprintf("The output format is not correct. Got validation error in output %v", verr)),
			models.UserMessage(fmt.Sprintf("Fix the following output to meet the requested output format: %s", content)),
		)
	}
}

// Call runs a structured completion whose reply is decoded into T.
func Call[T any](ctx context.Context, c *Client, messages []models.Message) (*T, error) {
	schema := SchemaFor[T]()
	raw, err := c.Complete(ctx, messages, schema)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrSchemaValidation, schema.Name, err)
	}
	return &out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
