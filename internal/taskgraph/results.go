package taskgraph

import "context"

// ResultStore records the text results of finished tasks, keyed by session
// and task id. Repository-change results are never stored; they live in the
// repository itself.
type ResultStore interface {
	Record(ctx context.Context, sessionID, taskID, result string) error
	Lookup(ctx context.Context, sessionID, taskID string) (string, bool, error)
}
