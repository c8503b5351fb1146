package webapi

import (
	"time"

	"github.com/spboyer/agentsphere/internal/models"
)

// ChatRequest is the body of POST /api/chat, as sent by Ollama clients.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	// Stream defaults to true when omitted.
	Stream *bool `json:"stream,omitempty"`
}

// ChatMessage is the message part of a streamed chat chunk.
type ChatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
	Images  []string    `json:"images"`
}

// ChatChunk is one NDJSON line of a chat response.
type ChatChunk struct {
	Model      string      `json:"model"`
	CreatedAt  time.Time   `json:"created_at"`
	Message    ChatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason,omitempty"`
}

// ModelTag describes a model in GET /api/tags.
type ModelTag struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// ModelDetails is the details block of a ModelTag.
type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// TagsResponse is the response of GET /api/tags.
type TagsResponse struct {
	Models []ModelTag `json:"models"`
}

// VersionResponse is the response of GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Executors int    `json:"executors"`
	Sessions  int    `json:"sessions"`
}

// StatusResponse acknowledges a request without further data.
type StatusResponse struct {
	Status string `json:"status"`
}

// TokenResponse carries a freshly issued executor token.
type TokenResponse struct {
	Token      string    `json:"token"`
	ExecutorID string    `json:"executor_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
