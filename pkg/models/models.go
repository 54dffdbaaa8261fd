package models

// Role identifies who produced a turn in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single role-tagged message in a room's conversation history.
// Turns are immutable once appended to the history store.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserTurn builds a user turn.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn builds an assistant turn.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// InboundMessage is a plain-text message delivered by the chat transport.
type InboundMessage struct {
	RoomID  string
	Sender  string
	EventID string
	Body    string
}
