// Package llm is the structured completion layer. A Provider performs one
// request/response exchange with a language model; Client adds schema
// validation, corrective re-prompting and transient-failure retry on top.
package llm

import (
	"context"
	"errors"

	"github.com/spboyer/agentsphere/internal/models"
)

var (
	// ErrTransient marks provider failures worth retrying after a backoff
	// (rate limits, rejected requests, network errors, 5xx).
	ErrTransient = errors.New("transient provider error")

	// ErrMalformedResponse marks provider replies missing the structure a
	// completion must have. Re-prompting cannot fix it.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrSchemaValidation is returned once corrective retries are exhausted.
	ErrSchemaValidation = errors.New("model output failed schema validation")
)

// Request is a single completion request.
type Request struct {
	Model    string
	Messages []models.Message
	// Schema is nil for free-form text completions.
	Schema *Schema
}

// Provider performs one completion call against a concrete model backend.
//
// Implementations return errors wrapping ErrTransient or ErrMalformedResponse
// so the Client can apply its retry policy.
type Provider interface {
	Complete(ctx context.Context, req *Request) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req *Request) (string, error)

func (f ProviderFunc) Complete(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// schemaInstruction tells the model what shape its reply must have, for
// backends that cannot enforce a schema natively.
func schemaInstruction(s *Schema) string {
	return "Respond only with a single JSON object that validates against this JSON schema, without commentary:\n" + s.JSON()
}
