package agent

import (
	"fmt"
	"strings"

	"github.com/spboyer/agentsphere/internal/models"
)

const toolInstructions = `Tools:
- commands: shell commands executed on the user's machine. Use them to inspect the system, run cli tools and call APIs. Commands that only read information (cat, ls, listing cloud resources) can be tried right away. For commands that change the system (git push, deployments) use the knowledge tool first when uncertain about the syntax.
- knowledge: search queries answered by a retrieval service, like a web search that aggregates information.
%s
Keep calling tools until the work is done. Do not call tools and set done=true in the same answer, always wait for the tool output first. When finished set done=true, put a short status message for the user in message and the work result (answer, code, documentation, summary) in text_result.
If you are asked to do something like listing resources you have to run the command yourself instead of telling the user how to do it.`

const repoInstructions = `- repo_update: you are working inside a git repository. Map file paths to their complete new content to create or change files. Current files:
{files}
`

// Message templates of the loop.
const (
	commandSucceeded = "Command '%s' success with status code %d. Output: %s"
	commandFailed    = "Command failed: you might want to check with the knowledge tool the syntax. Command '%s' failed with status code %d. Output: %s"
	knowledgeFailed  = "❌ Tool `knowledge` execution failed for query %s. Error: %v"
	updateFailed     = "❌ Tool `updating files` execution failed. Error: %v"
	steering         = "Given the provided Information by the assistant continue your work process"
	verificationMiss = "Your result does not seem to answer or solve my original question. Feedback %s Please check again using your available tools"
)

// RequestMessages opens a loop that answers request directly.
func RequestMessages(request string) []models.Message {
	return []models.Message{
		models.SystemMessage("Answer the request of the user."),
		models.UserMessage(fmt.Sprintf("%s\n\nSolve the following request:\n%s", fmt.Sprintf(toolInstructions, ""), request)),
	}
}

// TaskMessages opens a loop for task. With a repository the user message
// carries the {files} placeholder, rendered fresh every turn.
func TaskMessages(persona *models.Persona, task *models.Task, withRepository bool) []models.Message {
	var msgs []models.Message
	if persona != nil {
		msgs = append(msgs, models.SystemMessage(persona.SystemPrompt()))
	}
	repo := ""
	if withRepository {
		repo = repoInstructions
	}
	msgs = append(msgs, models.UserMessage(fmt.Sprintf("You are working on: %s %s\n\n%s\n\n%s",
		task.ID, task.Name, fmt.Sprintf(toolInstructions, repo), task.Prompt())))
	return msgs
}

func verificationPrompt(resultType models.ResultType, evidence, request string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following work result:\nresult_type = %s\n\n", resultType)
	b.WriteString(evidence)
	b.WriteString("\n\nCheck whether it correctly solves or answers the original request. ")
	b.WriteString("Set correct accordingly and when it does not, explain in feedback what is missing or wrong.")
	if resultType == models.ResultRepository {
		b.WriteString(" When it does, provide a commit_message for the changes.")
	}
	fmt.Fprintf(&b, "\n\nOriginal request: %s", request)
	return b.String()
}

func repositoryEvidence(diff string, files map[string]string) string {
	return fmt.Sprintf("Check the following git diff. If the diff is empty it is probably not solving the task. Diff:\n%s\n\nFiles in the repository:\n%s",
		diff, formatFiles(files, false))
}

func textEvidence(b *models.ToolInvocationBatch) string {
	return fmt.Sprintf("Check the work result text. Message: %s Result: %s", b.Message, b.TextResult)
}
