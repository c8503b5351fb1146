package models

import "fmt"

// ResultType tells what a task produces.
type ResultType string

const (
	// ResultText is research or generated text kept in the result store.
	ResultText ResultType = "text"
	// ResultRepository is a change to the bound repository's working tree.
	ResultRepository ResultType = "repo"
)

// Valid reports whether r is a known result type.
func (r ResultType) Valid() bool {
	return r == ResultText || r == ResultRepository
}

// Task is one unit of work inside a TaskGraph.
type Task struct {
	ID          string     `json:"unique_id" jsonschema:"description=Stable identifier such as task-1"`
	Name        string     `json:"unique_name" jsonschema:"description=Short human readable name"`
	Description string     `json:"description" jsonschema:"description=What has to be done"`
	Context     string     `json:"context" jsonschema:"description=Background needed to solve the task"`
	ResultType  ResultType `json:"result_type" jsonschema:"enum=text,enum=repo,description=text for research or text generation and repo for code or files"`
	DependsOn   []string   `json:"depends_on" jsonschema:"description=Identifiers of tasks whose results this task needs"`
}

// Prompt renders the task as the opening user message of its agent loop.
func (t *Task) Prompt() string {
	return fmt.Sprintf("Solve the following task.\nTask: %s\nDescription: %s\nContext: %s\nExpected result: %s",
		t.Name, t.Description, t.Context, t.ResultType)
}

// TaskGraph is the ordered decomposition of a request. Order is declaration
// order and is the order tasks execute in.
type TaskGraph struct {
	Tasks    []Task `json:"tasks"`
	RepoURL  string `json:"repo_url" jsonschema:"description=URL of an existing git repository mentioned in the request or empty"`
	RepoName string `json:"repo_name" jsonschema:"description=Name for a fresh repository when no URL is given"`
}

// Find returns the task with the given id.
func (g *TaskGraph) Find(id string) (*Task, bool) {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			return &g.Tasks[i], true
		}
	}
	return nil, false
}

// NeedsRepository reports whether any task changes a repository or the graph
// names one.
func (g *TaskGraph) NeedsRepository() bool {
	if g.RepoURL != "" {
		return true
	}
	for _, t := range g.Tasks {
		if t.ResultType == ResultRepository {
			return true
		}
	}
	return false
}
