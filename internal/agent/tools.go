package agent

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"maps"
	"slices"
	"strings"

	"github.com/spboyer/agentsphere/internal/models"
)

// Dispatcher runs shell commands on a user's executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, command string) (models.CommandResult, error)
}

// Repository is the working tree a task may change.
type Repository interface {
	LoadFiles(ctx context.Context) (map[string]string, error)
	UpdateFiles(ctx context.Context, files map[string]string) error
	Diff(ctx context.Context) (string, error)
	Commit(ctx context.Context, message string) error
}

// Retriever answers knowledge queries.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// Output receives narration for the user.
type Output interface {
	Emit(ctx context.Context, text string) error
}

// ToolCall is one tool invocation requested by the model. The variants are
// Command, KnowledgeQuery and RepositoryUpdate.
type ToolCall interface {
	toolCall()
}

// Command is a shell command line for the user's executor.
type Command struct {
	Line string
}

// KnowledgeQuery is a question for the knowledge retriever.
type KnowledgeQuery struct {
	Query string
}

// RepositoryUpdate replaces whole files in the bound repository.
type RepositoryUpdate struct {
	Files map[string]string
}

func (Command) toolCall()          {}
func (KnowledgeQuery) toolCall()   {}
func (RepositoryUpdate) toolCall() {}

// Paths returns the updated paths in sorted order.
func (u RepositoryUpdate) Paths() []string {
	return slices.Sorted(maps.Keys(u.Files))
}

// ToolCalls extracts the calls of a batch: commands, then knowledge
// queries, then the repository update. Blank entries are dropped.
func ToolCalls(b *models.ToolInvocationBatch) []ToolCall {
	var calls []ToolCall
	for _, c := range b.Commands {
		if strings.TrimSpace(c) != "" {
			calls = append(calls, Command{Line: c})
		}
	}
	for _, q := range b.Knowledge {
		if strings.TrimSpace(q) != "" {
			calls = append(calls, KnowledgeQuery{Query: q})
		}
	}
	if len(b.RepoUpdate) > 0 {
		calls = append(calls, RepositoryUpdate{Files: b.RepoUpdate})
	}
	return calls
}

// CommandHash identifies a command list. Order and boundaries between
// commands are part of the identity.
func CommandHash(commands []string) string {
	sum := md5.Sum([]byte(strings.Join(commands, "\x00")))
	return hex.EncodeToString(sum[:])
}
