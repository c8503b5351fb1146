// Package taskgraph decomposes a request into an ordered graph of tasks and
// threads finished task results into the tasks that depend on them.
package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spboyer/agentsphere/internal/llm"
	"github.com/spboyer/agentsphere/internal/models"
)

var (
	// ErrEmptyGraph is returned when the model produced no tasks.
	ErrEmptyGraph = errors.New("task graph has no tasks")
	// ErrInvalidGraph is returned for duplicate ids or unknown result types.
	ErrInvalidGraph = errors.New("invalid task graph")
)

const buildPrompt = `You plan work for an autonomous engineering agent.

Split the user's request into the tasks that are strictly necessary to solve it. Do not add tasks for
reviews, meetings, or anything the agent cannot do with a shell, a knowledge search and a git repository.

For every task:
- unique_id: a short stable identifier such as "task-1"
- unique_name: a short human readable name
- description: what exactly has to be produced
- context: facts from the request the task needs
- result_type: "text" when the task is research or text generation, "repo" when it produces code or files
- depends_on: the unique_id values of tasks whose results this task needs

If the request mentions a git repository, put its URL into repo_url and leave repo_name empty.
Otherwise leave repo_url empty and choose a short lowercase repo_name for a new repository.`

const critiquePrompt = `You review task plans for an autonomous engineering agent.

Improve the plan below for the given request:
- every task lists all tasks it needs in depends_on and tasks appear after the tasks they depend on
- result_type is "repo" exactly for tasks that produce code or files
- repo_url, when set, is a canonical clone URL such as https://github.com/owner/name.git
- remove tasks that are not needed to solve the request

Return the complete improved plan.`

// Builder produces task graphs with structured model calls.
type Builder struct {
	client *llm.Client
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(client *llm.Client, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{client: client, logger: logger}
}

// Build asks the model for a task graph solving description.
func (b *Builder) Build(ctx context.Context, description string, persona *models.Persona) (*models.TaskGraph, error) {
	msgs := b.preamble(persona, buildPrompt)
	msgs = append(msgs, models.UserMessage(description))

	graph, err := llm.Call[models.TaskGraph](ctx, b.client, msgs)
	if err != nil {
		return nil, fmt.Errorf("building task graph: %w", err)
	}
	b.logger.Debug("draft task graph built", "tasks", len(graph.Tasks), "repo_url", graph.RepoURL, "repo_name", graph.RepoName)
	return graph, nil
}

// Critique re-presents the request and the draft and returns the improved
// graph, which replaces the draft.
func (b *Builder) Critique(ctx context.Context, description string, draft *models.TaskGraph, persona *models.Persona) (*models.TaskGraph, error) {
	draftJSON, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding draft graph: %w", err)
	}

	msgs := b.preamble(persona, critiquePrompt)
	msgs = append(msgs, models.UserMessage(fmt.Sprintf("Request:\n%s\n\nPlan:\n%s", description, draftJSON)))

	graph, err := llm.Call[models.TaskGraph](ctx, b.client, msgs)
	if err != nil {
		return nil, fmt.Errorf("critiquing task graph: %w", err)
	}
	if err := Validate(graph); err != nil {
		return nil, err
	}
	b.logger.Debug("task graph critiqued", "tasks", len(graph.Tasks))
	return graph, nil
}

func (b *Builder) preamble(persona *models.Persona, prompt string) []models.Message {
	var msgs []models.Message
	if persona != nil {
		msgs = append(msgs, models.SystemMessage(persona.SystemPrompt()))
	}
	return append(msgs, models.SystemMessage(prompt))
}

// Validate checks the structural rules a graph must satisfy before
// execution. Dependency references are not checked; the resolver skips
// unknown ids. Cycles are not rejected.
func Validate(g *models.TaskGraph) error {
	if g == nil || len(g.Tasks) == 0 {
		return ErrEmptyGraph
	}
	seen := make(map[string]bool, len(g.Tasks))
	for _, t := range g.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task %q has no id", ErrInvalidGraph, t.Name)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidGraph, t.ID)
		}
		seen[t.ID] = true
		if !t.ResultType.Valid() {
			return fmt.Errorf("%w: task %q has unknown result type %q", ErrInvalidGraph, t.ID, t.ResultType)
		}
	}
	return nil
}
