package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// pipeline and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn roles. Turns only ever carry one of these two values.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
