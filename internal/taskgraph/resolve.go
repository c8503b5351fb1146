package taskgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spboyer/agentsphere/internal/models"
)

// Resolve returns context messages describing the results of every task
// that task depends on, directly or transitively. Dependencies are visited
// depth first and a dependency's own dependencies come before its result.
// Repository-change dependencies add nothing, unfinished text dependencies
// add a placeholder and unknown ids are skipped.
func Resolve(ctx context.Context, task *models.Task, graph *models.TaskGraph, sessionID string, results ResultStore, logger *slog.Logger) ([]models.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &resolver{
		graph:     graph,
		sessionID: sessionID,
		results:   results,
		logger:    logger,
		visited:   map[string]bool{task.ID: true},
	}
	if err := r.visit(ctx, task); err != nil {
		return nil, err
	}
	return r.out, nil
}

type resolver struct {
	graph     *models.TaskGraph
	sessionID string
	results   ResultStore
	logger    *slog.Logger
	// visited keeps shared and cyclic dependencies from being emitted twice
	visited map[string]bool
	out     []models.Message
}

func (r *resolver) visit(ctx context.Context, task *models.Task) error {
	for _, depID := range task.DependsOn {
		if r.visited[depID] {
			continue
		}
		r.visited[depID] = true

		dep, ok := r.graph.Find(depID)
		if !ok {
			r.logger.Warn("task depends on unknown task", "task", task.ID, "dependency", depID)
			continue
		}

		if err := r.visit(ctx, dep); err != nil {
			return err
		}

		if dep.ResultType == models.ResultRepository {
			continue
		}

		result, found, err := r.results.Lookup(ctx, r.sessionID, dep.ID)
		if err != nil {
			return fmt.Errorf("looking up result of %s: %w", dep.ID, err)
		}
		if found {
			r.out = append(r.out, models.AssistantMessage(
				fmt.Sprintf("Task Dependency: %s was solved with result: %s", dep.ID, result)))
		} else {
			r.out = append(r.out, models.AssistantMessage(
				fmt.Sprintf("Task %s not yet solved, you can still try to solve yours", dep.ID)))
		}
	}
	return nil
}
