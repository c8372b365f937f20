// Package domain contains core domain types for the chat kit.
package domain

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one the store accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single persisted turn in a session. Timestamps are epoch
// milliseconds to match the wire contract. Streaming is transient client
// state and never reaches the durable store.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"-"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Streaming bool   `json:"streaming,omitempty"`
}

// Turn is the metadata-free {role, content} pair sent to the model as
// context. Message ids and timestamps are deliberately excluded.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
