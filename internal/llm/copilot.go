package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/utils"
)

// CopilotProvider completes requests through the GitHub Copilot SDK. Each
// call runs in a fresh Copilot session so conversations never leak into
// each other; the conversation is rendered into one prompt.
type CopilotProvider struct {
	client    copilotClient
	startOnce sync.Once
	startErr  error
}

// CopilotProviderOptions allows tests to substitute the SDK client.
type CopilotProviderOptions struct {
	NewCopilotClient func(clientOptions *copilot.ClientOptions) copilotClient
}

// NewCopilotProvider creates a Copilot provider. The CLI process is started
// lazily on the first call.
func NewCopilotProvider(options *CopilotProviderOptions) *CopilotProvider {
	clientOptions := &copilot.ClientOptions{
		AutoStart:       copilot.Bool(false),
		UseLoggedInUser: copilot.Bool(true),
		LogLevel:        "error",
	}

	var client copilotClient
	if options == nil || options.NewCopilotClient == nil {
		client = newCopilotClient(clientOptions)
	} else {
		client = options.NewCopilotClient(clientOptions)
	}
	return &CopilotProvider{client: client}
}

// Complete implements Provider.
func (p *CopilotProvider) Complete(ctx context.Context, req *Request) (string, error) {
	p.startOnce.Do(func() {
		// started once up front; the SDK's autostart misbehaves when
		// triggered from several goroutines
		p.startErr = p.client.Start(ctx)
	})
	if p.startErr != nil {
		return "", fmt.Errorf("copilot failed to start: %w", p.startErr)
	}

	session, err := p.client.CreateSession(ctx, &copilot.SessionConfig{
		Model:               req.Model,
		OnPermissionRequest: denyAllTools,
	})
	if err != nil {
		return "", fmt.Errorf("%w: creating copilot session: %v", ErrTransient, err)
	}

	unsubscribe := session.On(utils.SessionToSlog)
	defer unsubscribe()

	event, err := session.SendAndWait(ctx, copilot.MessageOptions{
		Prompt: renderTranscript(req.Messages, req.Schema),
	})
	if err != nil {
		return "", fmt.Errorf("%w: copilot: %v", ErrTransient, err)
	}
	if event == nil || event.Data.Content == nil {
		return "", fmt.Errorf("%w: copilot reply carried no content", ErrMalformedResponse)
	}
	return *event.Data.Content, nil
}

// Shutdown stops the Copilot CLI process.
func (p *CopilotProvider) Shutdown() error {
	return p.client.Stop()
}

// renderTranscript flattens a conversation into a single prompt.
func renderTranscript(messages []models.Message, schema *Schema) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			sb.WriteString(m.Content)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("Conversation so far:\n")
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		fmt.Fprintf(&sb, "\n[%s]\n%s\n", m.Role, m.Content)
	}
	if schema != nil {
		sb.WriteString("\n")
		sb.WriteString(schemaInstruction(schema))
	}
	return sb.String()
}

// denyAllTools keeps the Copilot agent from acting on its own; every tool
// effect in this service goes through the agent loop.
func denyAllTools(request copilot.PermissionRequest, invocation copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
	return copilot.PermissionRequestResult{Kind: "denied-interactively-by-user"}, nil
}
