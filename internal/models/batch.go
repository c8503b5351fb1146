package models

// ToolInvocationBatch is one agent turn's structured output.
type ToolInvocationBatch struct {
	Done       bool              `json:"done" jsonschema:"description=true only when the work is finished and no tool calls are pending"`
	Message    string            `json:"message" jsonschema:"description=Message shown to the user for this step"`
	TextResult string            `json:"text_result" jsonschema:"description=Final textual result when done"`
	RepoUpdate map[string]string `json:"repo_update" jsonschema:"description=Repository file path mapped to its complete new content"`
	Knowledge  []string          `json:"knowledge" jsonschema:"description=Queries for the knowledge retrieval tool"`
	Commands   []string          `json:"commands" jsonschema:"description=Shell commands to run on the user's executor"`
}

// Check is the verification verdict for a finished task.
type Check struct {
	Correct       bool   `json:"correct" jsonschema:"description=true when the result solves the original request"`
	Feedback      string `json:"feedback" jsonschema:"description=What is missing or wrong when not correct"`
	CommitMessage string `json:"commit_message" jsonschema:"description=Commit message describing the repository change"`
}

// CommandResult is the executor's reply to one dispatched command.
type CommandResult struct {
	StatusCode int    `json:"status_code"`
	Content    string `json:"content"`
}

// Succeeded reports a zero exit status.
func (r CommandResult) Succeeded() bool {
	return r.StatusCode == 0
}
