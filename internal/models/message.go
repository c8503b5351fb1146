package models

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation sent to a completion provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// User is the owner of a session as reported by the chat front end.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Difficulty is the complexity category assigned to an inbound request.
type Difficulty string

const (
	DifficultyUnset   Difficulty = ""
	DifficultyEasy    Difficulty = "easy"
	DifficultyMedium  Difficulty = "medium"
	DifficultyComplex Difficulty = "complex"
)

// Category is the structured answer of the categorization call.
type Category struct {
	Level     Difficulty `json:"level" jsonschema:"enum=easy,enum=medium,enum=complex,description=How hard the request is to solve"`
	Certainty int        `json:"certainty" jsonschema:"minimum=0,maximum=10,description=Confidence in the level from 0 to 10"`
}

// Persona describes the expert role the model adopts for a non-trivial request.
type Persona struct {
	Role       string `json:"role" jsonschema:"description=Job title of the expert best suited for the request"`
	Background string `json:"background" jsonschema:"description=Short professional background of that expert"`
	Skills     string `json:"skills" jsonschema:"description=Comma separated list of relevant skills"`
}

// SystemPrompt renders the persona as a system instruction.
func (p *Persona) SystemPrompt() string {
	return "You are: " + p.Role + ". Background: " + p.Background + ". Skills: " + p.Skills
}
