package models

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// Valid reports whether r is a role clients may send
func (r ChatRole) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage is one turn of a conversation. Sources are only set on
// assistant replies.
type ChatMessage struct {
	Role    ChatRole     `json:"role"`
	Content string       `json:"content"`
	Sources []ChatSource `json:"sources,omitempty"`
}

// ChatSource is a cited excerpt shown under an answer
type ChatSource struct {
	Reference string `json:"reference"`
	Title     string `json:"title"`
	ChunkText string `json:"chunk_text"`
}
