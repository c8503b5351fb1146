package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spboyer/agentsphere/internal/models"
	"google.golang.org/genai"
)

// GeminiProvider completes requests through the Gemini API.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini provider using apiKey.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Complete implements Provider. System messages become the system
// instruction, assistant messages are sent with the model role.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (string, error) {
	contents, system := geminiContents(req.Messages)

	cfg := &genai.GenerateContentConfig{}
	if req.Schema != nil {
		system = append(system, schemaInstruction(req.Schema))
		cfg.ResponseMIMEType = "application/json"
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && !retryableStatus(apiErr.Code) {
			return "", fmt.Errorf("gemini: %w", err)
		}
		return "", fmt.Errorf("%w: gemini: %v", ErrTransient, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: gemini returned no candidates", ErrMalformedResponse)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: gemini returned an empty candidate", ErrMalformedResponse)
	}
	return text, nil
}

func geminiContents(messages []models.Message) ([]*genai.Content, []string) {
	var contents []*genai.Content
	var system []string
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, m.Content)
		case models.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, system
}

