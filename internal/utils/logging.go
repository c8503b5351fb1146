package utils

import (
	"context"
	"log/slog"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/spboyer/agentsphere/internal/models"
)

// SessionToSlog logs Copilot session events at debug level.
func SessionToSlog(event copilot.SessionEvent) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{
		"type", event.Type,
	}

	attrs = addIf(attrs, "content", event.Data.Content)
	attrs = addIf(attrs, "deltaContent", event.Data.DeltaContent)
	attrs = addIf(attrs, "toolName", event.Data.ToolName)
	attrs = addIf(attrs, "toolCallID", event.Data.ToolCallID)
	attrs = addIf(attrs, "reasoningText", event.Data.ReasoningText)

	slog.Debug("Event received", attrs...)
}

// BatchToSlog logs one agent turn's tool batch at debug level.
func BatchToSlog(logger *slog.Logger, turn int, batch *models.ToolInvocationBatch) {
	if batch == nil || !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{
		"turn", turn,
		"done", batch.Done,
	}
	attrs = addIfNotEmpty(attrs, "commands", batch.Commands)
	attrs = addIfNotEmpty(attrs, "knowledge", batch.Knowledge)
	if len(batch.RepoUpdate) > 0 {
		files := make([]string, 0, len(batch.RepoUpdate))
		for path := range batch.RepoUpdate {
			files = append(files, path)
		}
		attrs = append(attrs, "files", files)
	}
	if batch.Message != "" {
		attrs = append(attrs, "message", Preview(batch.Message, 120))
	}

	logger.Debug("Tool batch received", attrs...)
}

func addIf[T any](attrs []any, name string, v *T) []any {
	if v != nil {
		attrs = append(attrs, name)
		attrs = append(attrs, *v)
	}

	return attrs
}

func addIfNotEmpty[T any](attrs []any, name string, v []T) []any {
	if len(v) > 0 {
		attrs = append(attrs, name, v)
	}
	return attrs
}
