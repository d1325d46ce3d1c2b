package chat

import "time"

// Message is the final transcript of one turn, stored once the pump finishes.
type Message struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Reasoning      string    `json:"reasoning,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
